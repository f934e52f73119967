package identity

import "testing"

func TestGenerateAndParseRoundTrip(t *testing.T) {
	priv, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	pub := priv.PublicKey()

	hexStr := pub.Hex()
	parsed, err := ParsePublicKeyHex(hexStr)
	if err != nil {
		t.Fatalf("ParsePublicKeyHex: %v", err)
	}
	if parsed != pub {
		t.Fatalf("hex round trip mismatch")
	}

	bech := pub.String()
	parsedBech, err := ParsePublicKeyBech32(bech)
	if err != nil {
		t.Fatalf("ParsePublicKeyBech32: %v", err)
	}
	if parsedBech != pub {
		t.Fatalf("bech32 round trip mismatch")
	}
}

func TestSignVerify(t *testing.T) {
	priv, err := GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	msg := []byte("order payload to sign")
	sig, err := priv.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}

	if !Verify(priv.PublicKey(), msg, sig) {
		t.Fatal("expected signature to verify")
	}
	if Verify(priv.PublicKey(), []byte("tampered"), sig) {
		t.Fatal("expected tampered message to fail verification")
	}

	other, _ := GeneratePrivateKey()
	if Verify(other.PublicKey(), msg, sig) {
		t.Fatal("expected wrong key to fail verification")
	}
}

func TestSignatureRoundTrip(t *testing.T) {
	priv, _ := GeneratePrivateKey()
	sig, err := priv.Sign([]byte("msg"))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	parsed, err := SignatureFromBytes(sig.Bytes())
	if err != nil {
		t.Fatalf("SignatureFromBytes: %v", err)
	}
	if parsed != sig {
		t.Fatal("signature byte round trip mismatch")
	}
}

func TestSharedSecretSymmetric(t *testing.T) {
	a, _ := GeneratePrivateKey()
	b, _ := GeneratePrivateKey()

	secretA, err := a.SharedSecret(b.PublicKey())
	if err != nil {
		t.Fatalf("a.SharedSecret: %v", err)
	}
	secretB, err := b.SharedSecret(a.PublicKey())
	if err != nil {
		t.Fatalf("b.SharedSecret: %v", err)
	}
	if secretA != secretB {
		t.Fatal("expected ECDH shared secrets to match from both sides")
	}
}

func TestPublicKeyZeroAndEqual(t *testing.T) {
	var zero PublicKey
	if !zero.IsZero() {
		t.Fatal("expected zero value to report IsZero")
	}
	priv, _ := GeneratePrivateKey()
	if priv.PublicKey().IsZero() {
		t.Fatal("generated key should not be zero")
	}
	if !priv.PublicKey().Equal(priv.PublicKey()) {
		t.Fatal("expected key to equal itself")
	}
}
