package store

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mostro-exchange/mostrod/internal/identity"
	"github.com/mostro-exchange/mostrod/internal/message"
)

func newTestOrder(t *testing.T, creator identity.PublicKey) *Order {
	t.Helper()
	return &Order{
		ID:            uuid.New(),
		Kind:          message.KindSell,
		Status:        StatusPending,
		CreatorPubkey: creator,
		SellerPubkey:  &creator,
		AmountSat:     50000,
		FeeSat:        500,
		FiatCode:      "EUR",
		FiatAmount:    "50",
		PaymentMethod: "SEPA",
		CreatedAt:     time.Now().UTC(),
	}
}

func TestMemoryOrderCRUD(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	priv, err := identity.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	order := newTestOrder(t, priv.PublicKey())

	if err := s.CreateOrder(ctx, order); err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	got, err := s.GetOrder(ctx, order.ID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if got.Status != StatusPending {
		t.Errorf("Status = %s, want %s", got.Status, StatusPending)
	}

	got.Status = StatusWaitingPayment
	got.Hash = "deadbeef"
	if err := s.UpdateOrder(ctx, got); err != nil {
		t.Fatalf("UpdateOrder: %v", err)
	}

	byHash, err := s.GetOrderByHash(ctx, "deadbeef")
	if err != nil {
		t.Fatalf("GetOrderByHash: %v", err)
	}
	if byHash.ID != order.ID {
		t.Errorf("GetOrderByHash returned wrong order")
	}

	list, err := s.ListOrdersByStatus(ctx, StatusWaitingPayment)
	if err != nil {
		t.Fatalf("ListOrdersByStatus: %v", err)
	}
	if len(list) != 1 || list[0].ID != order.ID {
		t.Errorf("ListOrdersByStatus = %+v", list)
	}

	if _, err := s.GetOrder(ctx, uuid.New()); err != ErrOrderNotFound {
		t.Errorf("GetOrder(missing) error = %v, want ErrOrderNotFound", err)
	}
}

func TestMemoryUserUpsert(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	priv, _ := identity.GeneratePrivateKey()
	pub := priv.PublicKey()

	if _, err := s.GetUser(ctx, pub); err != ErrUserNotFound {
		t.Fatalf("GetUser(missing) error = %v, want ErrUserNotFound", err)
	}

	if err := s.UpsertUser(ctx, &User{Pubkey: pub, TradeIndex: 1}); err != nil {
		t.Fatalf("UpsertUser: %v", err)
	}
	u, err := s.GetUser(ctx, pub)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	if u.TradeIndex != 1 {
		t.Errorf("TradeIndex = %d, want 1", u.TradeIndex)
	}

	u.TradeIndex = 2
	u.RatingSum = 5
	u.RatingCount = 1
	if err := s.UpsertUser(ctx, u); err != nil {
		t.Fatalf("UpsertUser (update): %v", err)
	}
	u2, _ := s.GetUser(ctx, pub)
	if u2.TradeIndex != 2 || u2.AverageRating() != 5 {
		t.Errorf("got %+v", u2)
	}
}

func TestMemoryDisputeLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	priv, _ := identity.GeneratePrivateKey()
	orderID := uuid.New()
	d := &Dispute{
		ID:          uuid.New(),
		OrderID:     orderID,
		Status:      DisputeInitiated,
		InitiatedBy: priv.PublicKey(),
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.CreateDispute(ctx, d); err != nil {
		t.Fatalf("CreateDispute: %v", err)
	}

	got, err := s.GetDisputeByOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("GetDisputeByOrder: %v", err)
	}
	solver := priv.PublicKey()
	got.Status = DisputeInProgress
	got.SolverPubkey = &solver
	if err := s.UpdateDispute(ctx, got); err != nil {
		t.Fatalf("UpdateDispute: %v", err)
	}

	got.Status = DisputeSettled
	if err := s.UpdateDispute(ctx, got); err != nil {
		t.Fatalf("UpdateDispute (settle): %v", err)
	}
	if _, err := s.GetDisputeByOrder(ctx, orderID); err != ErrDisputeNotFound {
		t.Errorf("GetDisputeByOrder after settle = %v, want ErrDisputeNotFound (terminal disputes don't block)", err)
	}
}

func TestMemoryPendingPayouts(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	orderID := uuid.New()
	now := time.Now().UTC()

	if err := s.AddPendingPayout(ctx, &PendingPayout{OrderID: orderID, Attempts: 1, NextAttemptAt: now.Add(-time.Minute), Invoice: "lnbc1"}); err != nil {
		t.Fatalf("AddPendingPayout: %v", err)
	}
	due, err := s.ListDuePendingPayouts(ctx, now)
	if err != nil {
		t.Fatalf("ListDuePendingPayouts: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("len(due) = %d, want 1", len(due))
	}

	if err := s.RemovePendingPayout(ctx, orderID); err != nil {
		t.Fatalf("RemovePendingPayout: %v", err)
	}
	due, _ = s.ListDuePendingPayouts(ctx, now)
	if len(due) != 0 {
		t.Errorf("len(due) after removal = %d, want 0", len(due))
	}
}
