// Package escrow specifies the Lightning hold-invoice driver contract (C5,
// spec.md §4.5) and provides an in-memory fake implementation for tests and
// the CLI's demo mode.
//
// The real Lightning node driver is an out-of-scope collaborator (spec.md
// §1); this package's Driver interface and ContractState/PaymentState enums
// are grounded on the breez-lightninglib invoice registry
// (other_examples/..._breez-lightninglib__invoices-invoiceregistry.go.go):
// the same Open/Accepted/Settled/Canceled hold-invoice lifecycle, and the
// same channel-based per-hash subscription fan-out, simplified to a single
// subscriber per hash since the coordinator never shares a hash across
// handlers (Invariant E1).
package escrow

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/mostro-exchange/mostrod/pkg/helpers"
)

// ContractState mirrors channeldb.ContractState: the lifecycle of a single
// hold invoice (spec.md §4.5).
type ContractState string

const (
	ContractOpen     ContractState = "open"
	ContractAccepted ContractState = "accepted"
	ContractSettled  ContractState = "settled"
	ContractCanceled ContractState = "canceled"
)

// PaymentState mirrors the lazy sequence send_payment yields (spec.md §4.5).
type PaymentState string

const (
	PaymentInFlight  PaymentState = "in_flight"
	PaymentSucceeded PaymentState = "succeeded"
	PaymentFailed    PaymentState = "failed"
)

var (
	ErrInvoiceNotFound = errors.New("escrow: invoice not found for hash")
	ErrAlreadySettled  = errors.New("escrow: invoice already settled or canceled")
	ErrWrongPreimage   = errors.New("escrow: preimage does not match any open invoice")
)

// HoldInvoice is the result of creating a hold invoice.
type HoldInvoice struct {
	Bolt11   string
	Preimage string
	Hash     string
}

// Subscription yields hold-invoice contract state transitions for one hash.
type Subscription interface {
	Events() <-chan ContractState
	Close() error
}

// PaymentUpdate is one element of a send_payment event sequence.
type PaymentUpdate struct {
	State PaymentState
	Err   error
}

// PaymentSubscription yields send_payment state transitions.
type PaymentSubscription interface {
	Events() <-chan PaymentUpdate
	Close() error
}

// Driver is the contract the coordinator programs against for every
// interaction with the Lightning node (spec.md §4.5).
type Driver interface {
	// CreateHoldInvoice produces an invoice whose payment is held (HTLC
	// locked) until explicitly settled or canceled.
	CreateHoldInvoice(ctx context.Context, orderID uuid.UUID, amountSat int64) (HoldInvoice, error)
	// Subscribe yields state changes for hash, restartable by
	// re-subscribing with the same stored hash after a coordinator
	// restart.
	Subscribe(ctx context.Context, hash string) (Subscription, error)
	// Settle releases the HTLC, authorizing payout.
	Settle(ctx context.Context, preimage string) error
	// Cancel returns funds to the payer (seller).
	Cancel(ctx context.Context, hash string) error
	// SendPayment attempts payout to destination (bolt11 or LN address).
	SendPayment(ctx context.Context, destination string, amountSat int64) (PaymentSubscription, error)
}

// fakeSubscription is a single-subscriber, buffered channel of contract
// state transitions, grounded on breez's hodlSubscriptions channel fan-out.
type fakeSubscription struct {
	ch chan ContractState
}

func (s *fakeSubscription) Events() <-chan ContractState { return s.ch }
func (s *fakeSubscription) Close() error                 { return nil }

type fakePaymentSubscription struct {
	ch chan PaymentUpdate
}

func (s *fakePaymentSubscription) Events() <-chan PaymentUpdate { return s.ch }
func (s *fakePaymentSubscription) Close() error                 { return nil }

type fakeInvoice struct {
	amountSat int64
	preimage  string
	hash      string
	state     ContractState
	sub       *fakeSubscription
}

// FakeSendPaymentFunc decides the outcome of a simulated SendPayment call,
// letting tests drive the retry path (spec.md scenario 4).
type FakeSendPaymentFunc func(destination string, amountSat int64) PaymentState

// Fake is an in-memory Driver, never reaching a real Lightning node. Hold
// invoices must be advanced explicitly via AcceptFake, Settle, and Cancel from
// test code simulating the external node's behavior.
type Fake struct {
	mu       sync.Mutex
	invoices map[string]*fakeInvoice // keyed by hash
	byPreimg map[string]string       // preimage -> hash

	// SendPaymentFunc is consulted for every simulated payout; defaults to
	// always succeeding.
	SendPaymentFunc FakeSendPaymentFunc
}

// NewFake constructs a Fake driver that always succeeds payouts unless
// SendPaymentFunc is overridden.
func NewFake() *Fake {
	return &Fake{
		invoices: make(map[string]*fakeInvoice),
		byPreimg: make(map[string]string),
		SendPaymentFunc: func(string, int64) PaymentState {
			return PaymentSucceeded
		},
	}
}

func (f *Fake) CreateHoldInvoice(_ context.Context, orderID uuid.UUID, amountSat int64) (HoldInvoice, error) {
	preimageBytes, err := helpers.GenerateSecureRandom(32)
	if err != nil {
		return HoldInvoice{}, fmt.Errorf("escrow: generate preimage: %w", err)
	}
	hashBytes := sha256.Sum256(preimageBytes)
	preimage := helpers.BytesToHex(preimageBytes)
	hash := helpers.BytesToHex(hashBytes[:])
	bolt11 := fmt.Sprintf("lnbcrt%dn1fake%s", amountSat, orderID.String()[:8])

	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoices[hash] = &fakeInvoice{
		amountSat: amountSat,
		preimage:  preimage,
		hash:      hash,
		state:     ContractOpen,
	}
	f.byPreimg[preimage] = hash

	return HoldInvoice{Bolt11: bolt11, Preimage: preimage, Hash: hash}, nil
}

func (f *Fake) Subscribe(_ context.Context, hash string) (Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[hash]
	if !ok {
		return nil, ErrInvoiceNotFound
	}
	sub := &fakeSubscription{ch: make(chan ContractState, 8)}
	inv.sub = sub
	sub.ch <- inv.state
	return sub, nil
}

// AcceptFake simulates the seller paying into the hold invoice, transitioning
// it from Open to Accepted (spec.md §4.5 "a subscription transition to
// Accepted advances the order toward Active").
func (f *Fake) AcceptFake(hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[hash]
	if !ok {
		return ErrInvoiceNotFound
	}
	if inv.state != ContractOpen {
		return ErrAlreadySettled
	}
	inv.state = ContractAccepted
	f.notify(inv)
	return nil
}

func (f *Fake) Settle(_ context.Context, preimage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	hash, ok := f.byPreimg[preimage]
	if !ok {
		return ErrWrongPreimage
	}
	inv := f.invoices[hash]
	if inv.state == ContractSettled || inv.state == ContractCanceled {
		return ErrAlreadySettled
	}
	inv.state = ContractSettled
	f.notify(inv)
	return nil
}

func (f *Fake) Cancel(_ context.Context, hash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[hash]
	if !ok {
		return ErrInvoiceNotFound
	}
	if inv.state == ContractSettled || inv.state == ContractCanceled {
		return ErrAlreadySettled
	}
	inv.state = ContractCanceled
	f.notify(inv)
	return nil
}

func (f *Fake) notify(inv *fakeInvoice) {
	if inv.sub != nil {
		inv.sub.ch <- inv.state
	}
}

func (f *Fake) SendPayment(_ context.Context, destination string, amountSat int64) (PaymentSubscription, error) {
	f.mu.Lock()
	strategy := f.SendPaymentFunc
	f.mu.Unlock()

	sub := &fakePaymentSubscription{ch: make(chan PaymentUpdate, 2)}
	sub.ch <- PaymentUpdate{State: PaymentInFlight}
	sub.ch <- PaymentUpdate{State: strategy(destination, amountSat)}
	return sub, nil
}
