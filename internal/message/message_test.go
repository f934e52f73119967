package message

import (
	"testing"

	"github.com/google/uuid"

	"github.com/mostro-exchange/mostrod/internal/identity"
)

func TestEncodeDecodeSignedRoundTrip(t *testing.T) {
	priv, err := identity.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	orderID := uuid.New()
	msg := Message{
		Version:  1,
		OrderID:  &orderID,
		Action:   ActionFiatSent,
		TradeKey: priv.PublicKey(),
	}
	sig, err := priv.Sign(CanonicalBytes(msg))
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	encoded, err := EncodeSigned(msg, sig)
	if err != nil {
		t.Fatalf("EncodeSigned: %v", err)
	}

	got, gotSig, err := DecodeSigned(encoded)
	if err != nil {
		t.Fatalf("DecodeSigned: %v", err)
	}
	if got.Action != msg.Action || got.OrderID == nil || *got.OrderID != orderID {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
	if !identity.Verify(got.TradeKey, CanonicalBytes(got), gotSig) {
		t.Fatalf("signature did not verify after round trip")
	}
}

func TestDecodeSignedRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"not json",
		"[]",
		`["only one element"]`,
		`[{"version":1}, "not-hex"]`,
		`[{"version":1}, "deadbeef"]`,
	}
	for _, c := range cases {
		if _, _, err := DecodeSigned(c); err == nil {
			t.Errorf("DecodeSigned(%q): expected error, got nil", c)
		}
	}
}

func TestPayloadValidate(t *testing.T) {
	cases := []struct {
		name    string
		payload Payload
		wantErr bool
	}{
		{"none", Payload{Kind: PayloadNone}, false},
		{"text ok", Payload{Kind: PayloadText, Text: "hi"}, false},
		{"text missing", Payload{Kind: PayloadText}, true},
		{"rating ok", Payload{Kind: PayloadRateUser, Rating: 5}, false},
		{"rating out of range", Payload{Kind: PayloadRateUser, Rating: 6}, true},
		{"dispute missing id", Payload{Kind: PayloadDispute}, true},
		{"unknown kind", Payload{Kind: "bogus"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.payload.Validate()
			if (err != nil) != tc.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tc.wantErr)
			}
		})
	}
}

func TestCanonicalBytesStable(t *testing.T) {
	orderID := uuid.New()
	msg := Message{Version: 1, OrderID: &orderID, Action: ActionRelease}
	a := CanonicalBytes(msg)
	b := CanonicalBytes(msg)
	if string(a) != string(b) {
		t.Fatalf("CanonicalBytes not stable across calls")
	}
}
