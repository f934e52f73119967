// Package dispute implements the dispute subsystem (C7, spec.md §4.6):
// solver assignment and the settle/cancel permission gates layered on top
// of the order state machine's Dispute transition (internal/orderstate).
//
// Grounded on the teacher's swap coordinator's small named-predicate style
// (internal/swap/coordinator_types.go); Invariant D1 ("at most one
// non-terminal dispute per order") falls directly out of
// orderstate.Dispute's status gate — an order already in Dispute status
// cannot be disputed again — so this package does not re-check it.
package dispute

import (
	"errors"
	"fmt"

	"github.com/mostro-exchange/mostrod/internal/identity"
	"github.com/mostro-exchange/mostrod/internal/store"
)

var (
	ErrNotYourDispute = errors.New("dispute: caller is not the assigned solver")
	ErrWrongStatus    = errors.New("dispute: action does not apply in the current dispute status")
)

// TakeDispute assigns solver to an Initiated dispute (spec.md §4.6,
// AdminTakeDispute).
func TakeDispute(d *store.Dispute, solver identity.PublicKey) error {
	if d.Status != store.DisputeInitiated {
		return fmt.Errorf("%w: dispute is %s, not initiated", ErrWrongStatus, d.Status)
	}
	d.SolverPubkey = &solver
	d.Status = store.DisputeInProgress
	return nil
}

// CheckSettlePermission gates AdminSettle over a disputed order: the admin
// key may always settle; a solver may only settle a dispute assigned to
// them (spec.md §4.4, §4.6).
func CheckSettlePermission(d *store.Dispute, actor identity.PublicKey, isAdmin bool) error {
	if isAdmin {
		return nil
	}
	if d.SolverPubkey == nil || !d.SolverPubkey.Equal(actor) {
		return ErrNotYourDispute
	}
	return nil
}

// Settle marks the dispute Settled (spec.md §4.6: "On settle... the dispute
// moves to Settled").
func Settle(d *store.Dispute) error {
	if d.Status != store.DisputeInProgress && d.Status != store.DisputeInitiated {
		return fmt.Errorf("%w: dispute is %s", ErrWrongStatus, d.Status)
	}
	d.Status = store.DisputeSettled
	return nil
}

// CancelByAdmin marks the dispute SellerRefunded (spec.md §4.6:
// "AdminCancel over a disputed order moves the dispute to SellerRefunded").
func CancelByAdmin(d *store.Dispute) error {
	if d.Status != store.DisputeInProgress && d.Status != store.DisputeInitiated {
		return fmt.Errorf("%w: dispute is %s", ErrWrongStatus, d.Status)
	}
	d.Status = store.DisputeSellerRefunded
	return nil
}
