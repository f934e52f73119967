// Package rating implements the rating aggregator (C9, spec.md §4.5 /
// §5): a mutex-protected queue of reputation updates emitted after a trade
// completes, drained by a background worker into the order store.
//
// Grounded on the teacher's internal/node/RetryWorker (ticker-driven
// background loop with context cancellation,
// internal/node/retry_worker.go), adapted from message-delivery retries to
// rating-update draining, and on spec.md §5's explicit callout that the
// aggregator "holds a shared queue protected by a mutex" while every other
// piece of shared state is the order store.
package rating

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mostro-exchange/mostrod/internal/identity"
	"github.com/mostro-exchange/mostrod/internal/logging"
	"github.com/mostro-exchange/mostrod/internal/store"
)

// ErrAlreadyRated is returned when the same rater has already rated the
// same order (SPEC_FULL §12: "a rating is only accepted once per completed
// order per rater").
var ErrAlreadyRated = errors.New("rating: this order was already rated by this rater")

// Update is one queued reputation change.
type Update struct {
	OrderID uuid.UUID
	Rater   identity.PublicKey
	Rated   identity.PublicKey
	Rating  int // 1..5
}

type ratingKey struct {
	orderID uuid.UUID
	rater   identity.PublicKey
}

// Config configures the aggregator's drain cadence.
type Config struct {
	DrainInterval time.Duration
}

// DefaultConfig returns the aggregator's default drain cadence.
func DefaultConfig() Config {
	return Config{DrainInterval: 2 * time.Second}
}

// Aggregator queues rating updates and folds them into User.RatingSum /
// User.RatingCount on a background schedule.
type Aggregator struct {
	mu       sync.Mutex
	queue    []Update
	seen     map[ratingKey]bool
	store    store.Store
	log      *logging.Logger
	cfg      Config

	ctx    context.Context
	cancel context.CancelFunc
}

// NewAggregator constructs an Aggregator over store s.
func NewAggregator(s store.Store, cfg Config, log *logging.Logger) *Aggregator {
	if log == nil {
		log = logging.GetDefault()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		seen:   make(map[ratingKey]bool),
		store:  s,
		log:    log.Component("rating"),
		cfg:    cfg,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Enqueue records u for later application, rejecting a duplicate rating for
// the same (order, rater) pair.
func (a *Aggregator) Enqueue(u Update) error {
	if u.Rating < 1 || u.Rating > 5 {
		return fmt.Errorf("rating: rating %d out of range 1..5", u.Rating)
	}
	key := ratingKey{orderID: u.OrderID, rater: u.Rater}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.seen[key] {
		return ErrAlreadyRated
	}
	a.seen[key] = true
	a.queue = append(a.queue, u)
	return nil
}

// Start begins the background drain loop.
func (a *Aggregator) Start() {
	go a.run()
	a.log.Info("rating aggregator started", "drain_interval", a.cfg.DrainInterval)
}

// Stop cancels the background drain loop.
func (a *Aggregator) Stop() {
	a.cancel()
}

func (a *Aggregator) run() {
	ticker := time.NewTicker(a.cfg.DrainInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.Drain(a.ctx)
		}
	}
}

// Drain applies every queued update to the store, logging and skipping
// individual failures rather than losing the rest of the batch.
func (a *Aggregator) Drain(ctx context.Context) {
	a.mu.Lock()
	batch := a.queue
	a.queue = nil
	a.mu.Unlock()

	for _, u := range batch {
		if err := a.apply(ctx, u); err != nil {
			a.log.Warn("failed to apply rating update", "order_id", u.OrderID, "error", err)
		}
	}
}

func (a *Aggregator) apply(ctx context.Context, u Update) error {
	user, err := a.store.GetUser(ctx, u.Rated)
	if errors.Is(err, store.ErrUserNotFound) {
		user = &store.User{Pubkey: u.Rated}
	} else if err != nil {
		return fmt.Errorf("rating: load rated user: %w", err)
	}
	user.RatingSum += int64(u.Rating)
	user.RatingCount++
	if err := a.store.UpsertUser(ctx, user); err != nil {
		return fmt.Errorf("rating: save rated user: %w", err)
	}
	return nil
}
