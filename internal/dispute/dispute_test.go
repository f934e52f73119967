package dispute

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mostro-exchange/mostrod/internal/identity"
	"github.com/mostro-exchange/mostrod/internal/store"
)

func newDispute(t *testing.T) (*store.Dispute, identity.PublicKey) {
	t.Helper()
	priv, err := identity.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	initiator := priv.PublicKey()
	return &store.Dispute{
		ID:          uuid.New(),
		OrderID:     uuid.New(),
		Status:      store.DisputeInitiated,
		InitiatedBy: initiator,
		CreatedAt:   time.Now().UTC(),
	}, initiator
}

func TestTakeDisputeAssignsSolver(t *testing.T) {
	d, _ := newDispute(t)
	priv, _ := identity.GeneratePrivateKey()
	solver := priv.PublicKey()

	if err := TakeDispute(d, solver); err != nil {
		t.Fatalf("TakeDispute: %v", err)
	}
	if d.Status != store.DisputeInProgress {
		t.Fatalf("status = %s, want %s", d.Status, store.DisputeInProgress)
	}
	if d.SolverPubkey == nil || !d.SolverPubkey.Equal(solver) {
		t.Fatalf("solver not recorded")
	}

	// Second TakeDispute by a different solver is rejected.
	priv2, _ := identity.GeneratePrivateKey()
	if err := TakeDispute(d, priv2.PublicKey()); err == nil {
		t.Fatalf("expected second TakeDispute to fail")
	}
}

func TestSettlePermission(t *testing.T) {
	d, _ := newDispute(t)
	priv, _ := identity.GeneratePrivateKey()
	solver := priv.PublicKey()
	if err := TakeDispute(d, solver); err != nil {
		t.Fatalf("TakeDispute: %v", err)
	}

	other, _ := identity.GeneratePrivateKey()
	if err := CheckSettlePermission(d, other.PublicKey(), false); err != ErrNotYourDispute {
		t.Fatalf("CheckSettlePermission(wrong solver) = %v, want ErrNotYourDispute", err)
	}
	if err := CheckSettlePermission(d, solver, false); err != nil {
		t.Fatalf("CheckSettlePermission(assigned solver): %v", err)
	}
	if err := CheckSettlePermission(d, other.PublicKey(), true); err != nil {
		t.Fatalf("CheckSettlePermission(admin): %v", err)
	}
}

func TestSettleAndCancelByAdmin(t *testing.T) {
	d, _ := newDispute(t)
	if err := Settle(d); err != nil {
		t.Fatalf("Settle: %v", err)
	}
	if d.Status != store.DisputeSettled {
		t.Fatalf("status = %s, want %s", d.Status, store.DisputeSettled)
	}

	d2, _ := newDispute(t)
	if err := CancelByAdmin(d2); err != nil {
		t.Fatalf("CancelByAdmin: %v", err)
	}
	if d2.Status != store.DisputeSellerRefunded {
		t.Fatalf("status = %s, want %s", d2.Status, store.DisputeSellerRefunded)
	}
}
