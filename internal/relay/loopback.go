package relay

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/mostro-exchange/mostrod/internal/envelope"
)

// Loopback is an in-process Client: every Publish is broadcast to every
// live Subscription. It never filters by recipient, since OuterEvent
// carries no plaintext recipient hint (spec.md §1: the relay's tag-based
// routing is an out-of-scope transport concern) — a subscriber simply
// fails to decrypt events not addressed to it and drops them, the same
// behavior a real relay's downstream Decoder exhibits. Useful for the CLI
// demo path and for coordinator tests that need a real Client rather than
// a mock.
type Loopback struct {
	mu   sync.Mutex
	subs map[*loopbackSub]struct{}

	snapshotsMu sync.Mutex
	snapshots   map[uuid.UUID]envelope.OrderSnapshot
}

// NewLoopback constructs an empty Loopback relay.
func NewLoopback() *Loopback {
	return &Loopback{
		subs:      make(map[*loopbackSub]struct{}),
		snapshots: make(map[uuid.UUID]envelope.OrderSnapshot),
	}
}

func (l *Loopback) Publish(_ context.Context, outer envelope.OuterEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for sub := range l.subs {
		select {
		case sub.ch <- outer:
		default:
			// Slow subscriber; drop rather than block the publisher.
		}
	}
	return nil
}

// PublishOrderSnapshot stores snapshot as the current public mirror for its
// order, replacing whatever was published before (spec.md §4.8's
// replaceable-event semantics), unencrypted and readable by any caller of
// LatestOrderSnapshot.
func (l *Loopback) PublishOrderSnapshot(_ context.Context, snapshot envelope.OrderSnapshot) error {
	l.snapshotsMu.Lock()
	defer l.snapshotsMu.Unlock()
	l.snapshots[snapshot.OrderID] = snapshot
	return nil
}

// LatestOrderSnapshot returns the most recently published public mirror for
// orderID, as any relay observer would see it.
func (l *Loopback) LatestOrderSnapshot(orderID uuid.UUID) (envelope.OrderSnapshot, bool) {
	l.snapshotsMu.Lock()
	defer l.snapshotsMu.Unlock()
	snapshot, ok := l.snapshots[orderID]
	return snapshot, ok
}

func (l *Loopback) Subscribe(_ context.Context) (Subscription, error) {
	sub := &loopbackSub{ch: make(chan envelope.OuterEvent, 64), relay: l}
	l.mu.Lock()
	l.subs[sub] = struct{}{}
	l.mu.Unlock()
	return sub, nil
}

type loopbackSub struct {
	ch    chan envelope.OuterEvent
	relay *Loopback
}

func (s *loopbackSub) Events() <-chan envelope.OuterEvent { return s.ch }

func (s *loopbackSub) Close() error {
	s.relay.mu.Lock()
	delete(s.relay.subs, s)
	s.relay.mu.Unlock()
	close(s.ch)
	return nil
}
