// Package orderstate implements the order finite-state machine (C6,
// spec.md §4.4): permitted transitions per action and actor, terminal-state
// rejection, and the branching WaitingBuyerInvoice/WaitingPayment/Active
// logic driven by invoice presence and escrow funding.
//
// Grounded on the teacher's internal/swap coordinator's permission-check
// style (small, named predicate methods over a central mutable struct,
// coordinator_types.go/coordinator.go), adapted from the teacher's
// method/chain-indexed swap state to this spec's buyer/seller/admin/solver
// permission gates.
package orderstate

import (
	"errors"
	"fmt"

	"github.com/mostro-exchange/mostrod/internal/identity"
	"github.com/mostro-exchange/mostrod/internal/message"
	"github.com/mostro-exchange/mostrod/internal/store"
)

// ErrNotAllowed is returned by both status and participant checks; the
// coordinator translates it to a CantDo(NotAllowedByStatus) reply in either
// case, so a non-participant is not told IsNotYourOrder separately.
var (
	ErrNotAllowed     = errors.New("orderstate: action not permitted")
	ErrTerminal       = errors.New("orderstate: order is in a terminal state")
	ErrWrongOrderKind = errors.New("orderstate: action does not apply to this order kind")
)

// IsSeller reports whether pubkey is the order's recorded seller.
func IsSeller(o *store.Order, pubkey identity.PublicKey) bool {
	return o.SellerPubkey != nil && o.SellerPubkey.Equal(pubkey)
}

// IsBuyer reports whether pubkey is the order's recorded buyer.
func IsBuyer(o *store.Order, pubkey identity.PublicKey) bool {
	return o.BuyerPubkey != nil && o.BuyerPubkey.Equal(pubkey)
}

// IsParticipant reports whether pubkey is either party on the order.
func IsParticipant(o *store.Order, pubkey identity.PublicKey) bool {
	return IsBuyer(o, pubkey) || IsSeller(o, pubkey)
}

// requireNotTerminal is the first gate every transition applies (spec.md
// §4.4 "Terminal states... handlers return a NotAllowedByStatus failure").
func requireNotTerminal(o *store.Order) error {
	if o.IsTerminal() {
		return fmt.Errorf("%w: order %s is %s", ErrTerminal, o.ID, o.Status)
	}
	return nil
}

// Take applies TakeBuy/TakeSell: assigns the missing counterpart and returns
// the order's next status, which depends on order kind and whether the
// counterpart already has a buyer invoice on file (spec.md §4.4).
func Take(o *store.Order, action message.Action, taker identity.PublicKey, buyerInvoice string) (store.OrderStatus, error) {
	if err := requireNotTerminal(o); err != nil {
		return "", err
	}
	if o.Status != store.StatusPending {
		return "", fmt.Errorf("%w: order is %s, not pending", ErrNotAllowed, o.Status)
	}
	if IsParticipant(o, taker) {
		return "", fmt.Errorf("%w: taker is already a party to this order", ErrNotAllowed)
	}

	switch action {
	case message.ActionTakeSell:
		if o.Kind != message.KindSell {
			return "", fmt.Errorf("%w: take_sell on a %s order", ErrWrongOrderKind, o.Kind)
		}
		// The taker becomes the buyer.
		o.BuyerPubkey = &taker
		if buyerInvoice != "" {
			o.BuyerInvoice = buyerInvoice
			return store.StatusWaitingPayment, nil
		}
		return store.StatusWaitingBuyerInvoice, nil

	case message.ActionTakeBuy:
		if o.Kind != message.KindBuy {
			return "", fmt.Errorf("%w: take_buy on a %s order", ErrWrongOrderKind, o.Kind)
		}
		// The taker becomes the seller; the creator (buyer) may already
		// have an invoice on file from order creation.
		o.SellerPubkey = &taker
		if o.BuyerInvoice != "" {
			return store.StatusWaitingPayment, nil
		}
		return store.StatusWaitingBuyerInvoice, nil

	default:
		return "", fmt.Errorf("%w: %s is not a take action", ErrNotAllowed, action)
	}
}

// AddInvoice applies the buyer's AddInvoice action while the order is
// WaitingBuyerInvoice. sellerFunded reflects whether the escrow hold
// invoice has already reached ContractAccepted: the order moves to Active
// when it has, and to WaitingPayment when it has not.
func AddInvoice(o *store.Order, buyer identity.PublicKey, invoice string, sellerFunded bool) (store.OrderStatus, error) {
	if err := requireNotTerminal(o); err != nil {
		return "", err
	}
	if !IsBuyer(o, buyer) {
		return "", fmt.Errorf("%w: is_not_your_order", ErrNotAllowed)
	}
	if o.Status != store.StatusWaitingBuyerInvoice {
		return "", fmt.Errorf("%w: order is %s, not waiting_buyer_invoice", ErrNotAllowed, o.Status)
	}
	o.BuyerInvoice = invoice
	if sellerFunded {
		return store.StatusActive, nil
	}
	return store.StatusWaitingPayment, nil
}

// HoldInvoiceAccepted applies an escrow subscription transition to
// Accepted: a WaitingPayment order advances to Active once a buyer invoice
// is on file, otherwise it advances to WaitingBuyerInvoice (spec.md §4.4).
func HoldInvoiceAccepted(o *store.Order) (store.OrderStatus, error) {
	if err := requireNotTerminal(o); err != nil {
		return "", err
	}
	if o.Status != store.StatusWaitingPayment {
		return "", fmt.Errorf("%w: order is %s, not waiting_payment", ErrNotAllowed, o.Status)
	}
	if o.BuyerInvoice != "" {
		return store.StatusActive, nil
	}
	return store.StatusWaitingBuyerInvoice, nil
}

// FiatSent applies the buyer's FiatSent action.
func FiatSent(o *store.Order, buyer identity.PublicKey) (store.OrderStatus, error) {
	if err := requireNotTerminal(o); err != nil {
		return "", err
	}
	if !IsBuyer(o, buyer) {
		return "", fmt.Errorf("%w: is_not_your_order", ErrNotAllowed)
	}
	if o.Status != store.StatusActive {
		return "", fmt.Errorf("%w: order is %s, not active", ErrNotAllowed, o.Status)
	}
	return store.StatusFiatSent, nil
}

// Release applies the seller's Release action, valid from Active, FiatSent,
// or Dispute (spec.md §4.4 diagram).
func Release(o *store.Order, seller identity.PublicKey) error {
	if err := requireNotTerminal(o); err != nil {
		return err
	}
	if !IsSeller(o, seller) {
		return fmt.Errorf("%w: is_not_your_order", ErrNotAllowed)
	}
	switch o.Status {
	case store.StatusActive, store.StatusFiatSent, store.StatusDispute:
		return nil
	default:
		return fmt.Errorf("%w: order is %s", ErrNotAllowed, o.Status)
	}
}

// Dispute applies a participant's Dispute action, valid from Active or
// FiatSent (spec.md §4.6).
func Dispute(o *store.Order, actor identity.PublicKey) error {
	if err := requireNotTerminal(o); err != nil {
		return err
	}
	if !IsParticipant(o, actor) {
		return fmt.Errorf("%w: is_not_your_order", ErrNotAllowed)
	}
	switch o.Status {
	case store.StatusActive, store.StatusFiatSent:
		return nil
	default:
		return fmt.Errorf("%w: order is %s", ErrNotAllowed, o.Status)
	}
}

// Cancel applies a participant's Cancel action. Before a counterpart is
// assigned, the creator cancels unilaterally straight to Canceled; once both
// parties are known it moves to a pending-cancel rendezvous, resolved to
// CooperativelyCanceled once both have asked to cancel (SPEC_FULL §12).
func Cancel(o *store.Order, actor identity.PublicKey, pendingCancelBy map[identity.PublicKey]bool) (store.OrderStatus, error) {
	if err := requireNotTerminal(o); err != nil {
		return "", err
	}
	if !IsParticipant(o, actor) {
		return "", fmt.Errorf("%w: is_not_your_order", ErrNotAllowed)
	}

	bothKnown := o.BuyerPubkey != nil && o.SellerPubkey != nil
	if !bothKnown {
		return store.StatusCanceled, nil
	}

	pendingCancelBy[actor] = true
	if len(pendingCancelBy) >= 2 {
		return store.StatusCooperativelyCanceled, nil
	}
	return o.Status, nil
}

// RateUser validates a RateUser action applies to a Success or
// CompletedByAdmin order the rater actually participated in (SPEC_FULL §12's "once per completed order per
// rater" rule is enforced by the caller tracking which raters already
// rated; this only checks order eligibility).
func RateUser(o *store.Order, rater identity.PublicKey) error {
	if !IsParticipant(o, rater) {
		return fmt.Errorf("%w: is_not_your_order", ErrNotAllowed)
	}
	if o.Status != store.StatusSuccess && o.Status != store.StatusCompletedByAdmin {
		return fmt.Errorf("%w: order is %s, not completed", ErrNotAllowed, o.Status)
	}
	return nil
}

// CounterpartyOf returns the other participant of a completed order, for
// crediting the rating.
func CounterpartyOf(o *store.Order, rater identity.PublicKey) (identity.PublicKey, error) {
	switch {
	case IsBuyer(o, rater) && o.SellerPubkey != nil:
		return *o.SellerPubkey, nil
	case IsSeller(o, rater) && o.BuyerPubkey != nil:
		return *o.BuyerPubkey, nil
	default:
		return identity.PublicKey{}, fmt.Errorf("%w: no counterparty on order", ErrNotAllowed)
	}
}
