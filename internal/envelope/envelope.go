// Package envelope implements the two-layer sealed envelope (C1, spec.md
// §4.1, §6): a gift-wrap event encrypted to the coordinator's node key,
// wrapping a seal signed by the real sender, wrapping a rumor that carries
// the textual encoding of an inner trade Message plus its own signature by
// a (possibly rotated) trade key.
//
// Grounded on the teacher's internal/node/crypto.go EncryptedEnvelope
// (ephemeral-key-per-message forward secrecy, nonce+ciphertext wire shape),
// generalized from a flat single-layer envelope to the two-layer gift-wrap
// construction spec.md requires, and from X25519 to secp256k1 ECDH to match
// the relay network's identity scheme (see internal/identity).
package envelope

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/mostro-exchange/mostrod/internal/identity"
	"github.com/mostro-exchange/mostrod/internal/logging"
	"github.com/mostro-exchange/mostrod/internal/message"
)

// Event kinds. GiftWrap and Seal are the two encrypted envelope layers;
// OrderSnapshot is the unencrypted replaceable event mirroring an order's
// public status (spec.md §4.8) — it carries no SealedContent and is never
// routed through Seal, since it has no single intended recipient.
const (
	KindGiftWrap      = "gift_wrap"
	KindSeal          = "seal"
	KindOrderSnapshot = "order_snapshot"
)

// FreshnessWindow is the maximum age of a rumor's declared timestamp before
// it is rejected as a replay (spec.md §4.1 check 4, invariant T5). There is
// no upper bound: future-dated rumors pass.
const FreshnessWindow = 10 * time.Second

// Rejection reasons, surfaced only in logs — a rejected envelope never
// produces a peer-facing reply (spec.md §4.1: "failure is terminal").
var (
	ErrNotGiftWrap       = errors.New("envelope: not a gift-wrap event")
	ErrInsufficientPoW   = errors.New("envelope: insufficient proof of work")
	ErrBadOuterSignature = errors.New("envelope: invalid outer signature")
	ErrBadSealKind       = errors.New("envelope: seal has wrong kind")
	ErrBadSealSignature  = errors.New("envelope: invalid seal signature")
	ErrUnwrapFailed      = errors.New("envelope: failed to decrypt layer")
	ErrStale             = errors.New("envelope: rumor older than freshness window")
	ErrMalformedInner    = errors.New("envelope: malformed inner content")
	ErrBadInnerSignature = errors.New("envelope: invalid inner message signature")
)

// SealedContent is an encrypted envelope layer: an ephemeral public key used
// for this layer's ECDH, a random nonce, and the secretbox ciphertext.
type SealedContent struct {
	EphemeralPub identity.PublicKey `json:"ephemeral_pub"`
	Nonce        [24]byte           `json:"nonce"`
	Ciphertext   []byte             `json:"ciphertext"`
}

// OuterEvent is the wire shape shared by both the gift-wrap and seal layers.
type OuterEvent struct {
	Kind      string             `json:"kind"`
	Pubkey    identity.PublicKey `json:"pubkey"`
	CreatedAt time.Time          `json:"created_at"`
	Content   SealedContent      `json:"content"`
	Sig       identity.Signature `json:"sig"`
}

// Rumor is the plaintext carried inside the seal layer.
type Rumor struct {
	Pubkey    identity.PublicKey `json:"pubkey"`
	CreatedAt time.Time          `json:"created_at"`
	Content   string             `json:"content"`
}

// OrderSnapshot is the order's public mirror (spec.md §4.8): a replaceable
// event, addressed by OrderID, carrying the order's current status in the
// clear so any relay observer or prospective order-taker can read it.
// Signed for authenticity only — unlike OuterEvent, its Content is never
// passed through sealLayer, so there is no recipient to encrypt it to.
type OrderSnapshot struct {
	Kind      string             `json:"kind"`
	Pubkey    identity.PublicKey `json:"pubkey"`
	OrderID   uuid.UUID          `json:"order_id"`
	CreatedAt time.Time          `json:"created_at"`
	Content   string             `json:"content"`
	Sig       identity.Signature `json:"sig"`
}

// Authenticated is what the decoder produces once every check has passed.
type Authenticated struct {
	Sender         identity.PublicKey
	Message        message.Message
	InnerSig       identity.Signature
	RumorCreatedAt time.Time
}

// Decoder implements C1: it unwraps a gift-wrapped outer event addressed to
// the coordinator's node key and authenticates every layer.
type Decoder struct {
	nodeKey *identity.PrivateKey
	powBits int
	log     *logging.Logger
}

// NewDecoder builds a Decoder. powBits of 0 disables the proof-of-work
// check (spec.md §4.1 check 1).
func NewDecoder(nodeKey *identity.PrivateKey, powBits int, log *logging.Logger) *Decoder {
	if log == nil {
		log = logging.GetDefault()
	}
	return &Decoder{nodeKey: nodeKey, powBits: powBits, log: log.Component("envelope")}
}

// Decode runs the full check sequence of spec.md §4.1. now is the
// reference clock used for the freshness check, threaded explicitly rather
// than calling time.Now() so tests can control it.
func (d *Decoder) Decode(now time.Time, outer OuterEvent) (*Authenticated, error) {
	if outer.Kind != KindGiftWrap {
		return nil, ErrNotGiftWrap
	}

	id := headerID(outer.Kind, outer.Pubkey, outer.CreatedAt, outer.Content)
	if !hasLeadingZeroBits(id, d.powBits) {
		return nil, fmt.Errorf("%w: need %d bits", ErrInsufficientPoW, d.powBits)
	}

	if !identity.Verify(outer.Pubkey, headerBytes(outer.Kind, outer.Pubkey, outer.CreatedAt, outer.Content), outer.Sig) {
		return nil, ErrBadOuterSignature
	}

	sealBytes, err := d.openLayer(outer.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: seal: %s", ErrUnwrapFailed, err)
	}

	var seal OuterEvent
	if err := json.Unmarshal(sealBytes, &seal); err != nil {
		return nil, fmt.Errorf("%w: seal: %s", ErrUnwrapFailed, err)
	}
	if seal.Kind != KindSeal {
		return nil, ErrBadSealKind
	}
	if !identity.Verify(seal.Pubkey, headerBytes(seal.Kind, seal.Pubkey, seal.CreatedAt, seal.Content), seal.Sig) {
		return nil, ErrBadSealSignature
	}
	sender := seal.Pubkey

	rumorBytes, err := d.openLayer(seal.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: rumor: %s", ErrUnwrapFailed, err)
	}
	var rumor Rumor
	if err := json.Unmarshal(rumorBytes, &rumor); err != nil {
		return nil, fmt.Errorf("%w: rumor: %s", ErrUnwrapFailed, err)
	}

	if rumor.CreatedAt.Before(now.Add(-FreshnessWindow)) {
		return nil, fmt.Errorf("%w: created_at=%s now=%s", ErrStale, rumor.CreatedAt, now)
	}

	msg, sig, err := message.DecodeSigned(rumor.Content)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrMalformedInner, err)
	}

	if !identity.Verify(msg.TradeKey, message.CanonicalBytes(msg), sig) {
		return nil, ErrBadInnerSignature
	}

	return &Authenticated{
		Sender:         sender,
		Message:        msg,
		InnerSig:       sig,
		RumorCreatedAt: rumor.CreatedAt,
	}, nil
}

func (d *Decoder) openLayer(content SealedContent) ([]byte, error) {
	secret, err := d.nodeKey.SharedSecret(content.EphemeralPub)
	if err != nil {
		return nil, err
	}
	plaintext, ok := secretbox.Open(nil, content.Ciphertext, &content.Nonce, &secret)
	if !ok {
		return nil, errors.New("secretbox open failed")
	}
	return plaintext, nil
}

func headerBytes(kind string, pubkey identity.PublicKey, createdAt time.Time, content SealedContent) []byte {
	contentHash := sha256.Sum256(content.Ciphertext)
	return []byte(fmt.Sprintf("%s|%s|%d|%x", kind, pubkey.Hex(), createdAt.Unix(), contentHash))
}

func headerID(kind string, pubkey identity.PublicKey, createdAt time.Time, content SealedContent) [32]byte {
	return sha256.Sum256(headerBytes(kind, pubkey, createdAt, content))
}

// hasLeadingZeroBits reports whether id has at least n leading zero bits.
func hasLeadingZeroBits(id [32]byte, n int) bool {
	if n <= 0 {
		return true
	}
	count := 0
	for _, b := range id {
		if b == 0 {
			count += 8
			continue
		}
		for mask := byte(0x80); mask != 0; mask >>= 1 {
			if b&mask != 0 {
				return count >= n
			}
			count++
		}
	}
	return count >= n
}
