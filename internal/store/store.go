// Package store defines the persistence contract for orders, users,
// disputes, and pending payouts (C4, spec.md §3), an in-memory reference
// implementation, and a SQLite-backed implementation used by cmd/mostrod.
//
// Storage is an out-of-scope collaborator per spec.md §1: this package
// specifies the Store interface the rest of the coordinator programs
// against, and provides two concrete bodies for it rather than leaving it
// abstract, grounded on the teacher's internal/storage package (mutex
// discipline, CRUD method shapes, migration-on-start pattern).
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mostro-exchange/mostrod/internal/identity"
	"github.com/mostro-exchange/mostrod/internal/message"
)

// Sentinel errors, checked with errors.Is (ambient stack, SPEC_FULL §10.2).
var (
	ErrOrderNotFound    = errors.New("store: order not found")
	ErrUserNotFound     = errors.New("store: user not found")
	ErrDisputeNotFound  = errors.New("store: dispute not found")
	ErrUnknownMigration = errors.New("store: database is at an unknown future schema version")
)

// OrderStatus is the closed set of order lifecycle states (spec.md §3).
type OrderStatus string

const (
	StatusPending               OrderStatus = "pending"
	StatusWaitingPayment        OrderStatus = "waiting_payment"
	StatusWaitingBuyerInvoice   OrderStatus = "waiting_buyer_invoice"
	StatusActive                OrderStatus = "active"
	StatusFiatSent              OrderStatus = "fiat_sent"
	StatusSuccess               OrderStatus = "success"
	StatusDispute               OrderStatus = "dispute"
	StatusSettledHoldInvoice    OrderStatus = "settled_hold_invoice"
	StatusCompletedByAdmin      OrderStatus = "completed_by_admin"
	StatusCanceledByAdmin       OrderStatus = "canceled_by_admin"
	StatusCanceled              OrderStatus = "canceled"
	StatusCooperativelyCanceled OrderStatus = "cooperatively_canceled"
	StatusExpired               OrderStatus = "expired"
	// StatusFailure is the operator-visible state a payout lands in after
	// MAX_ATTEMPTS send_payment failures (spec.md §4.5). It is not terminal,
	// but orderstate.AddInvoice accepts only WaitingBuyerInvoice orders, so
	// an AddInvoice on a Failure order is rejected and no further payout is
	// attempted.
	StatusFailure OrderStatus = "failure"
)

// TerminalStatuses are the states from which the state machine (C6) accepts
// no further transitions (spec.md §4.4).
var TerminalStatuses = map[OrderStatus]bool{
	StatusSuccess:               true,
	StatusCanceled:              true,
	StatusCanceledByAdmin:       true,
	StatusCompletedByAdmin:      true,
	StatusCooperativelyCanceled: true,
	StatusExpired:               true,
}

// DisputeStatus is the closed set of dispute states (spec.md §3).
type DisputeStatus string

const (
	DisputeInitiated      DisputeStatus = "initiated"
	DisputeInProgress     DisputeStatus = "in_progress"
	DisputeSettled        DisputeStatus = "settled"
	DisputeSellerRefunded DisputeStatus = "seller_refunded"
	DisputeReleased       DisputeStatus = "released"
)

// TerminalDisputeStatuses mirrors Invariant D1's "at most one non-terminal
// dispute per order": a dispute in one of these statuses no longer blocks a
// fresh Dispute action on the same order.
var TerminalDisputeStatuses = map[DisputeStatus]bool{
	DisputeSettled:        true,
	DisputeSellerRefunded: true,
	DisputeReleased:       true,
}

// User is a registered identity (spec.md §3). Created lazily on first
// trade-creating message or by admin for solvers; never destroyed.
type User struct {
	Pubkey      identity.PublicKey
	TradeIndex  int64
	IsSolver    bool
	IsAdmin     bool
	IsBanned    bool
	RatingSum   int64
	RatingCount int64
}

// AverageRating returns the user's mean rating, or 0 if unrated.
func (u *User) AverageRating() float64 {
	if u.RatingCount == 0 {
		return 0
	}
	return float64(u.RatingSum) / float64(u.RatingCount)
}

// Order is a trade order row (spec.md §3).
type Order struct {
	ID              uuid.UUID
	Kind            message.OrderKind
	Status          OrderStatus
	CreatorPubkey   identity.PublicKey
	BuyerPubkey     *identity.PublicKey
	SellerPubkey    *identity.PublicKey
	AmountSat       int64
	FeeSat          int64
	FiatCode        string
	FiatAmount      string // decimal string, spec.md §3
	PaymentMethod   string
	BuyerInvoice    string // bolt11 or LN address, empty if not yet supplied
	Preimage        string
	Hash            string
	FailedPayment   bool
	PaymentAttempts int
	CreatedAt       time.Time
	TakenAt         *time.Time
	// ExpiresAt bounds how long a Pending order waits to be taken, set once
	// at creation (spec.md §4.4).
	ExpiresAt *time.Time
	// FundingExpiresAt bounds how long a WaitingPayment order waits for the
	// seller to fund the hold invoice, set when the invoice is opened —
	// independent of ExpiresAt, since funding starts a fresh window from
	// take time rather than inheriting the order's original creation-time
	// deadline (spec.md §4.4).
	FundingExpiresAt *time.Time
}

// IsTerminal reports whether the order accepts no further transitions.
func (o *Order) IsTerminal() bool {
	return TerminalStatuses[o.Status]
}

// Dispute is a dispute row (spec.md §3).
type Dispute struct {
	ID           uuid.UUID
	OrderID      uuid.UUID
	Status       DisputeStatus
	SolverPubkey *identity.PublicKey
	InitiatedBy  identity.PublicKey
	CreatedAt    time.Time
}

// PendingPayout is a queued buyer-payout retry (spec.md §3, §4.5).
type PendingPayout struct {
	OrderID       uuid.UUID
	Attempts      int
	NextAttemptAt time.Time
	Invoice       string
}

// Store is the persistence contract the coordinator programs against.
// Implementations must serialize concurrent mutation of a single order
// (spec.md §5, Invariant T2) — callers additionally hold the coordinator's
// per-order lock, but a Store must not itself corrupt state under
// concurrent calls for different orders.
type Store interface {
	CreateOrder(ctx context.Context, order *Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (*Order, error)
	GetOrderByHash(ctx context.Context, hash string) (*Order, error)
	UpdateOrder(ctx context.Context, order *Order) error
	ListOrdersByStatus(ctx context.Context, status OrderStatus) ([]*Order, error)

	GetUser(ctx context.Context, pubkey identity.PublicKey) (*User, error)
	UpsertUser(ctx context.Context, user *User) error

	CreateDispute(ctx context.Context, dispute *Dispute) error
	GetDispute(ctx context.Context, id uuid.UUID) (*Dispute, error)
	GetDisputeByOrder(ctx context.Context, orderID uuid.UUID) (*Dispute, error)
	UpdateDispute(ctx context.Context, dispute *Dispute) error

	AddPendingPayout(ctx context.Context, payout *PendingPayout) error
	ListDuePendingPayouts(ctx context.Context, now time.Time) ([]*PendingPayout, error)
	RemovePendingPayout(ctx context.Context, orderID uuid.UUID) error

	Close() error
}
