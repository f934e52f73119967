package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/mostro-exchange/mostrod/internal/identity"
	"github.com/mostro-exchange/mostrod/internal/message"
)

// maxMiningAttempts bounds the proof-of-work mining loop; at POW_BITS as
// configured in production this converges in a handful of iterations, but a
// misconfigured double-digit bit target must not hang the messenger forever.
const maxMiningAttempts = 1 << 20

// Seal builds a gift-wrapped envelope carrying msg, signed by signerKey (the
// sender's trade key for this message) and senderIdentity (the seal-layer
// identity key), encrypted so that only recipientPub's holder can decrypt
// it (spec.md §4.8, §6). now is the rumor/seal/gift-wrap timestamp.
func Seal(now time.Time, powBits int, senderIdentity *identity.PrivateKey, signerKey *identity.PrivateKey, recipientPub identity.PublicKey, msg message.Message) (OuterEvent, error) {
	msg.TradeKey = signerKey.PublicKey()

	innerSig, err := signerKey.Sign(message.CanonicalBytes(msg))
	if err != nil {
		return OuterEvent{}, fmt.Errorf("envelope: sign message: %w", err)
	}
	rumorContent, err := message.EncodeSigned(msg, innerSig)
	if err != nil {
		return OuterEvent{}, fmt.Errorf("envelope: encode message: %w", err)
	}

	rumor := Rumor{
		Pubkey:    senderIdentity.PublicKey(),
		CreatedAt: now,
		Content:   rumorContent,
	}
	rumorBytes, err := json.Marshal(rumor)
	if err != nil {
		return OuterEvent{}, fmt.Errorf("envelope: marshal rumor: %w", err)
	}

	sealContent, err := sealLayer(recipientPub, rumorBytes)
	if err != nil {
		return OuterEvent{}, fmt.Errorf("envelope: seal rumor: %w", err)
	}
	seal, err := signLayer(now, KindSeal, senderIdentity, sealContent)
	if err != nil {
		return OuterEvent{}, fmt.Errorf("envelope: sign seal: %w", err)
	}

	sealBytes, err := json.Marshal(seal)
	if err != nil {
		return OuterEvent{}, fmt.Errorf("envelope: marshal seal: %w", err)
	}
	giftContent, err := sealLayer(recipientPub, sealBytes)
	if err != nil {
		return OuterEvent{}, fmt.Errorf("envelope: seal gift-wrap: %w", err)
	}

	return mineGiftWrap(now, powBits, giftContent)
}

// SignOrderSnapshot builds the order's public mirror (spec.md §4.8),
// grounded on the original implementation's update_order_event call being
// entirely separate from its send_dm call (original_source's
// src/app/admin_cancel.rs): the public status event is signed, never
// encrypted, so any relay observer can read it without being an order
// party.
func SignOrderSnapshot(now time.Time, signer *identity.PrivateKey, orderID uuid.UUID, content string) (OrderSnapshot, error) {
	snapshot := OrderSnapshot{
		Kind:      KindOrderSnapshot,
		Pubkey:    signer.PublicKey(),
		OrderID:   orderID,
		CreatedAt: now,
		Content:   content,
	}
	sig, err := signer.Sign(orderSnapshotHeaderBytes(snapshot))
	if err != nil {
		return OrderSnapshot{}, fmt.Errorf("envelope: sign order snapshot: %w", err)
	}
	snapshot.Sig = sig
	return snapshot, nil
}

// VerifyOrderSnapshot checks a public order-status event's signature.
func VerifyOrderSnapshot(snapshot OrderSnapshot) bool {
	return identity.Verify(snapshot.Pubkey, orderSnapshotHeaderBytes(snapshot), snapshot.Sig)
}

func orderSnapshotHeaderBytes(snapshot OrderSnapshot) []byte {
	contentHash := sha256.Sum256([]byte(snapshot.Content))
	return []byte(fmt.Sprintf("%s|%s|%s|%d|%x", snapshot.Kind, snapshot.Pubkey.Hex(), snapshot.OrderID, snapshot.CreatedAt.Unix(), contentHash))
}

// sealLayer encrypts plaintext to recipientPub using a freshly generated
// ephemeral keypair, for per-layer forward secrecy.
func sealLayer(recipientPub identity.PublicKey, plaintext []byte) (SealedContent, error) {
	ephemeral, err := identity.GeneratePrivateKey()
	if err != nil {
		return SealedContent{}, err
	}
	secret, err := ephemeral.SharedSecret(recipientPub)
	if err != nil {
		return SealedContent{}, err
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return SealedContent{}, err
	}
	ciphertext := secretbox.Seal(nil, plaintext, &nonce, &secret)
	return SealedContent{
		EphemeralPub: ephemeral.PublicKey(),
		Nonce:        nonce,
		Ciphertext:   ciphertext,
	}, nil
}

func signLayer(now time.Time, kind string, signer *identity.PrivateKey, content SealedContent) (OuterEvent, error) {
	sig, err := signer.Sign(headerBytes(kind, signer.PublicKey(), now, content))
	if err != nil {
		return OuterEvent{}, err
	}
	return OuterEvent{
		Kind:      kind,
		Pubkey:    signer.PublicKey(),
		CreatedAt: now,
		Content:   content,
		Sig:       sig,
	}, nil
}

// mineGiftWrap tries fresh ephemeral signing keys, keeping the timestamp
// fixed at now, until the header hash satisfies the configured
// proof-of-work target, then signs and returns the gift-wrap event.
func mineGiftWrap(now time.Time, powBits int, content SealedContent) (OuterEvent, error) {
	for attempt := 0; attempt < maxMiningAttempts; attempt++ {
		ephemeral, err := identity.GeneratePrivateKey()
		if err != nil {
			return OuterEvent{}, err
		}
		id := headerID(KindGiftWrap, ephemeral.PublicKey(), now, content)
		if hasLeadingZeroBits(id, powBits) {
			sig, err := ephemeral.Sign(headerBytes(KindGiftWrap, ephemeral.PublicKey(), now, content))
			if err != nil {
				return OuterEvent{}, err
			}
			return OuterEvent{
				Kind:      KindGiftWrap,
				Pubkey:    ephemeral.PublicKey(),
				CreatedAt: now,
				Content:   content,
				Sig:       sig,
			}, nil
		}
	}
	return OuterEvent{}, fmt.Errorf("envelope: failed to mine proof of work at %d bits after %d attempts", powBits, maxMiningAttempts)
}
