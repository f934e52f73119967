// Package coordinator wires the trade coordinator's components together
// (C2 identity registry, C3 message router, C8 outbound messenger, C10
// admin authority) and drives the per-order keyed lock (spec.md §5,
// Invariant T2), the expiration sweep, and the buyer-payout retry worker
// on top of internal/orderstate, internal/dispute, internal/escrow, and
// internal/store.
//
// Grounded on the teacher's internal/swap coordinator package (a single
// struct gathering every collaborator, with named handler methods per
// message type — internal/swap/coordinator.go, coordinator_types.go), and
// on internal/node/retry_worker.go for the background ticker workers.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mostro-exchange/mostrod/internal/config"
	"github.com/mostro-exchange/mostrod/internal/dispute"
	"github.com/mostro-exchange/mostrod/internal/envelope"
	"github.com/mostro-exchange/mostrod/internal/escrow"
	"github.com/mostro-exchange/mostrod/internal/identity"
	"github.com/mostro-exchange/mostrod/internal/logging"
	"github.com/mostro-exchange/mostrod/internal/message"
	"github.com/mostro-exchange/mostrod/internal/orderstate"
	"github.com/mostro-exchange/mostrod/internal/rating"
	"github.com/mostro-exchange/mostrod/internal/relay"
	"github.com/mostro-exchange/mostrod/internal/store"
)

// routable is the set backing spec.md §4.3's dispatch table, derived from
// message.RoutableActions so the two stay in sync.
var routable = func() map[message.Action]bool {
	m := make(map[message.Action]bool, len(message.RoutableActions))
	for _, a := range message.RoutableActions {
		m[a] = true
	}
	return m
}()

// identityActions are the actions the identity registry (C2) gates (spec.md
// §4.2): NewOrder, TakeBuy, TakeSell.
var identityActions = map[message.Action]bool{
	message.ActionNewOrder: true,
	message.ActionTakeBuy:  true,
	message.ActionTakeSell: true,
}

// Coordinator is the trade coordinator: it authenticates envelopes (via the
// caller-supplied envelope.Decoder), dispatches actions, and mutates orders,
// disputes, and users through Store while driving the escrow Driver.
type Coordinator struct {
	cfg       *config.Config
	store     store.Store
	escrow    escrow.Driver
	publisher relay.Publisher
	nodeKey   *identity.PrivateKey
	adminKey  identity.PublicKey
	hasAdmin  bool
	log       *logging.Logger
	rater     *rating.Aggregator

	locksMu sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex

	cancelMu      sync.Mutex
	pendingCancel map[uuid.UUID]map[identity.PublicKey]bool

	fundedMu sync.Mutex
	funded   map[uuid.UUID]bool

	sweepCancel context.CancelFunc
	retryCancel context.CancelFunc
}

// New builds a Coordinator. adminKey may be the zero value if no
// administrator is configured (admin-gated actions then always reject).
func New(cfg *config.Config, st store.Store, esc escrow.Driver, pub relay.Publisher, nodeKey *identity.PrivateKey, adminKey identity.PublicKey, hasAdmin bool, log *logging.Logger) *Coordinator {
	if log == nil {
		log = logging.GetDefault()
	}
	c := &Coordinator{
		cfg:           cfg,
		store:         st,
		escrow:        esc,
		publisher:     pub,
		nodeKey:       nodeKey,
		adminKey:      adminKey,
		hasAdmin:      hasAdmin,
		log:           log.Component("coordinator"),
		locks:         make(map[uuid.UUID]*sync.Mutex),
		pendingCancel: make(map[uuid.UUID]map[identity.PublicKey]bool),
		funded:        make(map[uuid.UUID]bool),
	}
	c.rater = rating.NewAggregator(st, rating.DefaultConfig(), log)
	return c
}

// Start begins the background workers: the rating aggregator's drain loop,
// the expiration sweep, and the payout retry worker.
func (c *Coordinator) Start() {
	c.rater.Start()

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	c.sweepCancel = sweepCancel
	go c.runExpirationSweep(sweepCtx)

	retryCtx, retryCancel := context.WithCancel(context.Background())
	c.retryCancel = retryCancel
	go c.runPayoutRetryWorker(retryCtx)

	c.log.Info("coordinator started")
}

// Stop cancels every background worker.
func (c *Coordinator) Stop() {
	c.rater.Stop()
	if c.sweepCancel != nil {
		c.sweepCancel()
	}
	if c.retryCancel != nil {
		c.retryCancel()
	}
	c.log.Info("coordinator stopped")
}

// lockFor returns the keyed mutex for orderID, creating it on first use
// (spec.md §5, Invariant T2: "no two handlers may concurrently commit
// mutations to the same order id").
func (c *Coordinator) lockFor(orderID uuid.UUID) *sync.Mutex {
	c.locksMu.Lock()
	defer c.locksMu.Unlock()
	l, ok := c.locks[orderID]
	if !ok {
		l = &sync.Mutex{}
		c.locks[orderID] = l
	}
	return l
}

// withOrderLock runs fn while holding orderID's keyed lock.
func (c *Coordinator) withOrderLock(orderID uuid.UUID, fn func() error) error {
	l := c.lockFor(orderID)
	l.Lock()
	defer l.Unlock()
	return fn()
}

func (c *Coordinator) isAdmin(pubkey identity.PublicKey) bool {
	return c.hasAdmin && c.adminKey.Equal(pubkey)
}

// HandleEnvelope authenticates and dispatches one inbound outer event: the
// full pipeline of spec.md §4.1-§4.3. Decode errors are logged and dropped
// (C1: "failure is terminal for that event"); handler errors never escape
// this method (C3: "the event loop itself never terminates on a handler
// error").
func (c *Coordinator) HandleEnvelope(ctx context.Context, decoder *envelope.Decoder, now time.Time, outer envelope.OuterEvent) {
	auth, err := decoder.Decode(now, outer)
	if err != nil {
		c.log.Debug("envelope rejected", "error", err)
		return
	}
	c.Dispatch(ctx, auth)
}

// Dispatch routes an already-authenticated message to its handler (C3).
func (c *Coordinator) Dispatch(ctx context.Context, auth *envelope.Authenticated) {
	action := auth.Message.Action
	if !routable[action] {
		c.log.Warn("ignoring non-routable action", "action", action, "sender", auth.Sender.Hex())
		return
	}

	if identityActions[action] {
		if ok := c.checkTradeIndex(ctx, auth); !ok {
			c.replyCantDo(ctx, auth, message.ReasonInvalidTradeIndex)
			return
		}
	}

	var herr error
	switch action {
	case message.ActionNewOrder:
		herr = c.handleNewOrder(ctx, auth)
	case message.ActionTakeBuy:
		herr = c.handleTake(ctx, auth, message.ActionTakeBuy)
	case message.ActionTakeSell:
		herr = c.handleTake(ctx, auth, message.ActionTakeSell)
	case message.ActionAddInvoice:
		herr = c.handleAddInvoice(ctx, auth)
	case message.ActionFiatSent:
		herr = c.handleFiatSent(ctx, auth)
	case message.ActionRelease:
		herr = c.handleRelease(ctx, auth)
	case message.ActionCancel:
		herr = c.handleCancel(ctx, auth)
	case message.ActionDispute:
		herr = c.handleDispute(ctx, auth)
	case message.ActionRateUser:
		herr = c.handleRateUser(ctx, auth)
	case message.ActionAdminCancel:
		herr = c.handleAdminCancel(ctx, auth)
	case message.ActionAdminSettle:
		herr = c.handleAdminSettle(ctx, auth)
	case message.ActionAdminAddSolver:
		herr = c.handleAdminAddSolver(ctx, auth)
	case message.ActionAdminTakeDispute:
		herr = c.handleAdminTakeDispute(ctx, auth)
	default:
		c.log.Warn("unhandled routable action", "action", action)
		return
	}

	if herr != nil {
		reason := classifyError(herr)
		if reason == message.ReasonInternalError {
			c.log.Warn("handler failed", "action", action, "error", herr)
		} else {
			c.log.Info("handler rejected", "action", action, "reason", reason, "error", herr)
		}
		c.replyCantDo(ctx, auth, reason)
	}
}

// checkTradeIndex implements C2: the per-identity monotonic trade-index
// gate (spec.md §4.2, invariant T1).
func (c *Coordinator) checkTradeIndex(ctx context.Context, auth *envelope.Authenticated) bool {
	if auth.Message.TradeIndex == nil {
		return true
	}
	n := *auth.Message.TradeIndex

	user, err := c.store.GetUser(ctx, auth.Sender)
	if errors.Is(err, store.ErrUserNotFound) {
		user = &store.User{Pubkey: auth.Sender, TradeIndex: n}
		if err := c.store.UpsertUser(ctx, user); err != nil {
			c.log.Warn("failed to insert new identity", "error", err)
			return false
		}
		return true
	}
	if err != nil {
		c.log.Warn("failed to load identity for trade index check", "error", err)
		return false
	}

	if n <= user.TradeIndex {
		return false
	}
	user.TradeIndex = n
	if err := c.store.UpsertUser(ctx, user); err != nil {
		c.log.Warn("failed to persist advanced trade index", "error", err)
		return false
	}
	return true
}

// classifyError maps a handler error to the peer-facing CantDo reason
// (spec.md §7). Unrecognized errors are treated as internal.
func classifyError(err error) message.CantDoReason {
	switch {
	case errors.Is(err, orderstate.ErrWrongOrderKind):
		return message.ReasonInvalidOrderKind
	case errors.Is(err, orderstate.ErrNotAllowed), errors.Is(err, orderstate.ErrTerminal):
		return message.ReasonNotAllowedByStatus
	case errors.Is(err, dispute.ErrNotYourDispute):
		return message.ReasonIsNotYourDispute
	case errors.Is(err, dispute.ErrWrongStatus):
		return message.ReasonNotAllowedByStatus
	case errors.Is(err, errInvalidInvoice):
		return message.ReasonInvalidInvoice
	case errors.Is(err, errOutOfRange):
		return message.ReasonOutOfRangeSatsAmount
	default:
		return message.ReasonInternalError
	}
}

var (
	errInvalidInvoice = errors.New("coordinator: invalid invoice")
	errOutOfRange     = errors.New("coordinator: amount out of range")
)

// fmtOrderErr is a small helper used by handlers to wrap store lookup
// failures uniformly.
func fmtOrderErr(err error) error {
	return fmt.Errorf("coordinator: load order: %w", err)
}
