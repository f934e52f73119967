package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mostro-exchange/mostrod/internal/config"
	"github.com/mostro-exchange/mostrod/internal/envelope"
	"github.com/mostro-exchange/mostrod/internal/escrow"
	"github.com/mostro-exchange/mostrod/internal/identity"
	"github.com/mostro-exchange/mostrod/internal/logging"
	"github.com/mostro-exchange/mostrod/internal/message"
	"github.com/mostro-exchange/mostrod/internal/store"
)

// fakePublisher records every outbound envelope and public snapshot,
// grounded on the teacher's in-process test doubles (real component
// bodies, not a mocking framework).
type fakePublisher struct {
	mu        sync.Mutex
	sent      []envelope.OuterEvent
	snapshots []envelope.OrderSnapshot
}

func (p *fakePublisher) Publish(_ context.Context, outer envelope.OuterEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, outer)
	return nil
}

func (p *fakePublisher) PublishOrderSnapshot(_ context.Context, snapshot envelope.OrderSnapshot) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snapshots = append(p.snapshots, snapshot)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}

func (p *fakePublisher) lastSnapshot() (envelope.OrderSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.snapshots) == 0 {
		return envelope.OrderSnapshot{}, false
	}
	return p.snapshots[len(p.snapshots)-1], true
}

func mustCoordinatorKey(t *testing.T) *identity.PrivateKey {
	t.Helper()
	key, err := identity.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("GeneratePrivateKey: %v", err)
	}
	return key
}

func newTestCoordinator(t *testing.T) (*Coordinator, store.Store, *escrow.Fake, *fakePublisher) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.NodeSecret = "unused-in-tests"
	cfg.Relays = []string{"wss://relay.test"}
	cfg.MaxAttempts = 3
	cfg.RetryIntervalSecs = 1
	cfg.FundingTimeoutSecs = 900
	cfg.FeeBPS = 100

	st := store.NewMemory()
	esc := escrow.NewFake()
	pub := &fakePublisher{}
	nodeKey := mustCoordinatorKey(t)
	log := logging.New(&logging.Config{Level: "error"})

	c := New(cfg, st, esc, pub, nodeKey, identity.PublicKey{}, false, log)
	return c, st, esc, pub
}

func authFor(sender identity.PublicKey, action message.Action, orderID *uuid.UUID, payload *message.Payload) *envelope.Authenticated {
	return &envelope.Authenticated{
		Sender: sender,
		Message: message.Message{
			Version: 1,
			OrderID: orderID,
			Action:  action,
			Payload: payload,
		},
	}
}

func waitForStatus(t *testing.T, st store.Store, orderID uuid.UUID, want store.OrderStatus) *store.Order {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		order, err := st.GetOrder(context.Background(), orderID)
		if err != nil {
			t.Fatalf("GetOrder: %v", err)
		}
		if order.Status == want {
			return order
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("order never reached status %s", want)
	return nil
}

func TestHandleNewOrderCreatesPendingOrder(t *testing.T) {
	c, st, _, pub := newTestCoordinator(t)
	seller := mustCoordinatorKey(t).PublicKey()

	auth := authFor(seller, message.ActionNewOrder, nil, &message.Payload{
		Kind: message.PayloadOrder,
		Order: &message.OrderPayload{
			Kind:          message.KindSell,
			FiatCode:      "USD",
			FiatAmount:    "100",
			PaymentMethod: "bank_transfer",
			AmountSat:     100000,
		},
	})

	c.Dispatch(context.Background(), auth)

	orders, err := st.ListOrdersByStatus(context.Background(), store.StatusPending)
	if err != nil {
		t.Fatalf("ListOrdersByStatus: %v", err)
	}
	if len(orders) != 1 {
		t.Fatalf("got %d pending orders, want 1", len(orders))
	}
	order := orders[0]
	if order.SellerPubkey == nil || !order.SellerPubkey.Equal(seller) {
		t.Fatalf("seller not recorded: %+v", order.SellerPubkey)
	}
	if order.FeeSat != 1000 {
		t.Fatalf("fee_sat = %d, want 1000 (1%% of 100000)", order.FeeSat)
	}
	if pub.count() == 0 {
		t.Fatal("expected at least one outbound message")
	}

	snapshot, ok := pub.lastSnapshot()
	if !ok {
		t.Fatal("expected the order's public mirror to be published")
	}
	if snapshot.OrderID != order.ID {
		t.Fatalf("snapshot order_id = %s, want %s", snapshot.OrderID, order.ID)
	}
	if snapshot.Content != string(store.StatusPending) {
		t.Fatalf("snapshot content = %q, want %q (plaintext, not encrypted)", snapshot.Content, store.StatusPending)
	}
	if !envelope.VerifyOrderSnapshot(snapshot) {
		t.Fatal("snapshot signature does not verify")
	}
}

func TestTakeSellOpensHoldInvoiceAndReleaseCompletesPurchase(t *testing.T) {
	c, st, esc, _ := newTestCoordinator(t)
	ctx := context.Background()
	seller := mustCoordinatorKey(t).PublicKey()
	buyer := mustCoordinatorKey(t).PublicKey()

	c.Dispatch(ctx, authFor(seller, message.ActionNewOrder, nil, &message.Payload{
		Kind: message.PayloadOrder,
		Order: &message.OrderPayload{
			Kind:          message.KindSell,
			FiatCode:      "USD",
			FiatAmount:    "50",
			PaymentMethod: "bank_transfer",
			AmountSat:     50000,
		},
	}))
	pending, err := st.ListOrdersByStatus(ctx, store.StatusPending)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending order, got %d (err %v)", len(pending), err)
	}
	orderID := pending[0].ID

	c.Dispatch(ctx, authFor(buyer, message.ActionTakeSell, &orderID, &message.Payload{
		Kind:           message.PayloadPaymentRequest,
		PaymentRequest: &message.PaymentRequestPayload{Invoice: "lnbc-buyer-invoice"},
	}))

	order := waitForStatus(t, st, orderID, store.StatusWaitingPayment)
	if order.Hash == "" {
		t.Fatal("expected a hold invoice hash to be recorded")
	}
	if order.FundingExpiresAt == nil {
		t.Fatal("expected a funding deadline to be set once the order entered waiting_payment")
	}
	if order.ExpiresAt == nil || !order.FundingExpiresAt.After(*order.ExpiresAt) {
		t.Fatalf("funding deadline (%v) should be a fresh window starting at take time, after the original expires_at (%v)", order.FundingExpiresAt, order.ExpiresAt)
	}

	if err := esc.AcceptFake(order.Hash); err != nil {
		t.Fatalf("AcceptFake: %v", err)
	}
	waitForStatus(t, st, orderID, store.StatusActive)

	c.Dispatch(ctx, authFor(buyer, message.ActionFiatSent, &orderID, nil))
	waitForStatus(t, st, orderID, store.StatusFiatSent)

	c.Dispatch(ctx, authFor(seller, message.ActionRelease, &orderID, nil))
	waitForStatus(t, st, orderID, store.StatusSuccess)
}

func TestDispatchRejectsUnroutableAction(t *testing.T) {
	c, _, _, pub := newTestCoordinator(t)
	sender := mustCoordinatorKey(t).PublicKey()

	c.Dispatch(context.Background(), authFor(sender, message.ActionOrderStatusUpdate, nil, nil))

	if got := pub.count(); got != 0 {
		t.Fatalf("expected no reply for a non-routable action, got %d", got)
	}
}

func TestHandleReleaseByNonSellerIsRejected(t *testing.T) {
	c, st, _, pub := newTestCoordinator(t)
	ctx := context.Background()
	seller := mustCoordinatorKey(t).PublicKey()
	buyer := mustCoordinatorKey(t).PublicKey()
	stranger := mustCoordinatorKey(t).PublicKey()

	c.Dispatch(ctx, authFor(seller, message.ActionNewOrder, nil, &message.Payload{
		Kind: message.PayloadOrder,
		Order: &message.OrderPayload{
			Kind:          message.KindSell,
			FiatCode:      "USD",
			FiatAmount:    "50",
			PaymentMethod: "bank_transfer",
			AmountSat:     50000,
		},
	}))
	pending, err := st.ListOrdersByStatus(ctx, store.StatusPending)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending order, got %d (err %v)", len(pending), err)
	}
	orderID := pending[0].ID
	c.Dispatch(ctx, authFor(buyer, message.ActionTakeSell, &orderID, &message.Payload{
		Kind:           message.PayloadPaymentRequest,
		PaymentRequest: &message.PaymentRequestPayload{Invoice: "lnbc-buyer-invoice"},
	}))
	waitForStatus(t, st, orderID, store.StatusWaitingPayment)

	before := pub.count()
	c.Dispatch(ctx, authFor(stranger, message.ActionRelease, &orderID, nil))

	order, err := st.GetOrder(ctx, orderID)
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.Status != store.StatusWaitingPayment {
		t.Fatalf("stranger's release must not advance the order, got status %s", order.Status)
	}
	if pub.count() <= before {
		t.Fatal("expected a CantDo reply for the rejected release")
	}
}
