package orderstate

import (
	"testing"

	"github.com/google/uuid"

	"github.com/mostro-exchange/mostrod/internal/identity"
	"github.com/mostro-exchange/mostrod/internal/message"
	"github.com/mostro-exchange/mostrod/internal/store"
)

func mustKey(t *testing.T) identity.PublicKey {
	t.Helper()
	priv, err := identity.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	return priv.PublicKey()
}

func newPendingSellOrder(t *testing.T, seller identity.PublicKey) *store.Order {
	t.Helper()
	return &store.Order{
		ID:            uuid.New(),
		Kind:          message.KindSell,
		Status:        store.StatusPending,
		CreatorPubkey: seller,
		SellerPubkey:  &seller,
		AmountSat:     50000,
	}
}

func TestTakeSellWithoutInvoice(t *testing.T) {
	seller := mustKey(t)
	buyer := mustKey(t)
	order := newPendingSellOrder(t, seller)

	next, err := Take(order, message.ActionTakeSell, buyer, "")
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if next != store.StatusWaitingBuyerInvoice {
		t.Fatalf("next = %s, want %s", next, store.StatusWaitingBuyerInvoice)
	}
	if !IsBuyer(order, buyer) {
		t.Fatalf("buyer not recorded on order")
	}
}

func TestTakeSellWithInvoice(t *testing.T) {
	seller := mustKey(t)
	buyer := mustKey(t)
	order := newPendingSellOrder(t, seller)

	next, err := Take(order, message.ActionTakeSell, buyer, "lnbc1...")
	if err != nil {
		t.Fatalf("Take: %v", err)
	}
	if next != store.StatusWaitingPayment {
		t.Fatalf("next = %s, want %s", next, store.StatusWaitingPayment)
	}
}

func TestTakeWrongKindRejected(t *testing.T) {
	seller := mustKey(t)
	buyer := mustKey(t)
	order := newPendingSellOrder(t, seller)

	if _, err := Take(order, message.ActionTakeBuy, buyer, ""); err == nil {
		t.Fatalf("expected error taking a sell order with TakeBuy")
	}
}

func TestReleasePermissions(t *testing.T) {
	seller := mustKey(t)
	buyer := mustKey(t)
	other := mustKey(t)
	order := newPendingSellOrder(t, seller)
	order.BuyerPubkey = &buyer
	order.Status = store.StatusFiatSent

	if err := Release(order, other); err == nil {
		t.Fatalf("expected Release to fail for non-seller")
	}
	if err := Release(order, seller); err != nil {
		t.Fatalf("Release by seller: %v", err)
	}
}

func TestReleaseRejectedWhenTerminal(t *testing.T) {
	seller := mustKey(t)
	order := newPendingSellOrder(t, seller)
	order.Status = store.StatusSuccess

	if err := Release(order, seller); err == nil {
		t.Fatalf("expected Release to fail on terminal order")
	}
}

func TestCancelBeforeCounterpartyIsUnilateral(t *testing.T) {
	seller := mustKey(t)
	order := newPendingSellOrder(t, seller)

	next, err := Cancel(order, seller, map[identity.PublicKey]bool{})
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if next != store.StatusCanceled {
		t.Fatalf("next = %s, want %s", next, store.StatusCanceled)
	}
}

func TestCancelAfterCounterpartyRequiresBoth(t *testing.T) {
	seller := mustKey(t)
	buyer := mustKey(t)
	order := newPendingSellOrder(t, seller)
	order.BuyerPubkey = &buyer
	order.Status = store.StatusActive
	pending := map[identity.PublicKey]bool{}

	next, err := Cancel(order, seller, pending)
	if err != nil {
		t.Fatalf("Cancel (seller): %v", err)
	}
	if next != store.StatusActive {
		t.Fatalf("next after first cancel = %s, want unchanged status", next)
	}

	next, err = Cancel(order, buyer, pending)
	if err != nil {
		t.Fatalf("Cancel (buyer): %v", err)
	}
	if next != store.StatusCooperativelyCanceled {
		t.Fatalf("next after both cancel = %s, want %s", next, store.StatusCooperativelyCanceled)
	}
}

func TestRateUserCounterparty(t *testing.T) {
	seller := mustKey(t)
	buyer := mustKey(t)
	order := newPendingSellOrder(t, seller)
	order.BuyerPubkey = &buyer
	order.Status = store.StatusSuccess

	if err := RateUser(order, buyer); err != nil {
		t.Fatalf("RateUser: %v", err)
	}
	counterparty, err := CounterpartyOf(order, buyer)
	if err != nil {
		t.Fatalf("CounterpartyOf: %v", err)
	}
	if !counterparty.Equal(seller) {
		t.Fatalf("counterparty = %s, want seller", counterparty)
	}
}
