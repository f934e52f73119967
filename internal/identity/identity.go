// Package identity implements the coordinator's notion of a peer identity:
// an opaque 32-byte secp256k1 public key with a bech32 textual form, BIP340
// Schnorr signing (used for both the outer seal and the inner trade Message,
// spec.md §4.1/§6 — key separation comes from using distinct keys for each,
// not distinct algorithms), and ECDH shared-secret derivation for envelope
// encryption.
//
// Grounded on the teacher's internal/node/crypto.go key-handling
// conventions (ephemeral-key ECDH for forward secrecy, sealed envelopes),
// generalized from libp2p peer.ID/crypto.PrivKey (Ed25519) to a bare
// secp256k1 keypair matching the relay network's actual identity scheme.
// The Schnorr scheme and its conventions are grounded on degeri-dcrlnd's use
// of github.com/decred/dcrd/dcrec/secp256k1/v4; key parsing/ECDH use
// github.com/btcsuite/btcd/btcec/v2, as in backend-engineer1-land's
// keychain ECDH helpers.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/bech32"
	decredsecp "github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/schnorr"
)

// PublicKeySize is the length, in bytes, of an x-only secp256k1 public key.
const PublicKeySize = 32

// HRP prefixes for the bech32 textual form, mirroring the relay network's
// standard key encoding (NIP-19 style npub/nsec).
const (
	hrpPublicKey  = "npub"
	hrpPrivateKey = "nsec"
)

// Well-known errors.
var (
	ErrInvalidPublicKey  = errors.New("identity: invalid public key")
	ErrInvalidPrivateKey = errors.New("identity: invalid private key")
)

// PublicKey is an opaque 32-byte secp256k1 x-only public key. The sign of Y
// follows the BIP340 convention (even Y), so the same 32 bytes serve both
// signature verification and ECDH.
type PublicKey [PublicKeySize]byte

// String returns the bech32 textual form of the public key (npub1...).
func (p PublicKey) String() string {
	s, err := encodeBech32(hrpPublicKey, p[:])
	if err != nil {
		return fmt.Sprintf("<invalid:%s>", hex.EncodeToString(p[:]))
	}
	return s
}

// Hex returns the raw hex encoding of the public key.
func (p PublicKey) Hex() string { return hex.EncodeToString(p[:]) }

// IsZero reports whether the public key is the unset zero value.
func (p PublicKey) IsZero() bool { return p == PublicKey{} }

// Equal reports whether two public keys are identical.
func (p PublicKey) Equal(other PublicKey) bool { return p == other }

// ParsePublicKeyHex parses a raw 64-character hex public key.
func ParsePublicKeyHex(s string) (PublicKey, error) {
	var pk PublicKey
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return pk, fmt.Errorf("%w: %s", ErrInvalidPublicKey, err)
	}
	if len(b) != PublicKeySize {
		return pk, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidPublicKey, PublicKeySize, len(b))
	}
	copy(pk[:], b)
	return pk, nil
}

// ParsePublicKeyBech32 parses a bech32-encoded public key (npub1...).
func ParsePublicKeyBech32(s string) (PublicKey, error) {
	var pk PublicKey
	hrp, data, err := decodeBech32(s)
	if err != nil {
		return pk, fmt.Errorf("%w: %s", ErrInvalidPublicKey, err)
	}
	if hrp != hrpPublicKey {
		return pk, fmt.Errorf("%w: unexpected prefix %q", ErrInvalidPublicKey, hrp)
	}
	if len(data) != PublicKeySize {
		return pk, fmt.Errorf("%w: want %d bytes, got %d", ErrInvalidPublicKey, PublicKeySize, len(data))
	}
	copy(pk[:], data)
	return pk, nil
}

// PrivateKey pairs a secp256k1 private scalar with its x-only public key.
type PrivateKey struct {
	key *btcec.PrivateKey
	pub PublicKey
}

// GeneratePrivateKey generates a new random identity keypair.
func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("identity: generate key: %w", err)
	}
	return newPrivateKey(key), nil
}

// ParsePrivateKeyHex parses a raw 64-character hex private key, as loaded
// from the NODE_SECRET environment variable (spec.md §6).
func ParsePrivateKeyHex(s string) (*PrivateKey, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidPrivateKey, err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("%w: want 32 bytes, got %d", ErrInvalidPrivateKey, len(b))
	}
	key, _ := btcec.PrivKeyFromBytes(b)
	return newPrivateKey(key), nil
}

func newPrivateKey(key *btcec.PrivateKey) *PrivateKey {
	var pub PublicKey
	compressed := key.PubKey().SerializeCompressed()
	copy(pub[:], compressed[1:]) // x-only: drop the parity prefix byte
	return &PrivateKey{key: key, pub: pub}
}

// PublicKey returns the keypair's x-only public key.
func (p *PrivateKey) PublicKey() PublicKey { return p.pub }

// Raw returns the 32-byte private scalar.
func (p *PrivateKey) Raw() []byte { return p.key.Serialize() }

// Sign produces a BIP340 Schnorr signature over the SHA-256 digest of msg.
// Used for both the outer seal header and the inner trade Message; the two
// layers are distinguished by using different keys, not different schemes
// (spec.md §4.1 checks 2 and 6).
func (p *PrivateKey) Sign(msg []byte) (Signature, error) {
	digest := sha256.Sum256(msg)
	decredKey := decredsecp.PrivKeyFromBytes(p.key.Serialize())
	sig, err := schnorr.Sign(decredKey, digest[:])
	if err != nil {
		return Signature{}, fmt.Errorf("identity: sign: %w", err)
	}
	var out Signature
	copy(out[:], sig.Serialize())
	return out, nil
}

// SignatureSize is the length of a serialized BIP340 signature.
const SignatureSize = 64

// Signature is a fixed-size BIP340 Schnorr signature.
type Signature [SignatureSize]byte

// Bytes returns the raw signature bytes.
func (s Signature) Bytes() []byte { return append([]byte(nil), s[:]...) }

// SignatureFromBytes wraps raw bytes received over the wire.
func SignatureFromBytes(b []byte) (Signature, error) {
	var out Signature
	if len(b) != SignatureSize {
		return out, fmt.Errorf("identity: invalid signature length: %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// Verify verifies a Schnorr signature over msg made by pub.
func Verify(pub PublicKey, msg []byte, sig Signature) bool {
	pk, err := parseDecredPubKey(pub)
	if err != nil {
		return false
	}
	parsed, err := schnorr.ParseSignature(sig[:])
	if err != nil {
		return false
	}
	digest := sha256.Sum256(msg)
	return parsed.Verify(digest[:], pk)
}

// SharedSecretSize is the length of an ECDH-derived shared secret.
const SharedSecretSize = 32

// SharedSecret derives a 32-byte ECDH shared secret between this keypair's
// private key and a peer's public key, used to key the envelope's symmetric
// encryption layer (spec.md §6).
func (p *PrivateKey) SharedSecret(peer PublicKey) ([SharedSecretSize]byte, error) {
	var out [SharedSecretSize]byte
	peerKey, err := parseBtcecPubKey(peer)
	if err != nil {
		return out, fmt.Errorf("identity: shared secret: %w", err)
	}
	secret := btcec.GenerateSharedSecret(p.key, peerKey)
	copy(out[:], secret)
	return out, nil
}

func parseBtcecPubKey(pub PublicKey) (*btcec.PublicKey, error) {
	// Reconstruct a 33-byte compressed key assuming the BIP340 even-Y
	// convention used for x-only keys throughout this package.
	compressed := append([]byte{0x02}, pub[:]...)
	return btcec.ParsePubKey(compressed)
}

func parseDecredPubKey(pub PublicKey) (*decredsecp.PublicKey, error) {
	return schnorr.ParsePubKey(pub[:])
}

func encodeBech32(hrp string, data []byte) (string, error) {
	conv, err := bech32.ConvertBits(data, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(hrp, conv)
}

func decodeBech32(s string) (string, []byte, error) {
	hrp, data, err := bech32.Decode(s)
	if err != nil {
		return "", nil, err
	}
	conv, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return "", nil, err
	}
	return hrp, conv, nil
}
