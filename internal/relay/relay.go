// Package relay specifies, as Go interfaces only, the event-relay transport
// that carries sealed envelopes between peers. The transport itself (relay
// connection management, reconnection, websocket framing) is out of scope
// (spec.md §1, SPEC_FULL.md §13): mostrod depends only on Publisher and
// Subscription, and the coordinator is wired against a concrete
// implementation at the cmd/mostrod entrypoint.
package relay

import (
	"context"

	"github.com/mostro-exchange/mostrod/internal/envelope"
)

// Publisher sends outbound events to the relay network: Publish for a
// sealed, recipient-encrypted envelope, PublishOrderSnapshot for the
// order's unencrypted public mirror (spec.md §4.8) that any observer can
// read without being a party to the trade.
type Publisher interface {
	Publish(ctx context.Context, outer envelope.OuterEvent) error
	PublishOrderSnapshot(ctx context.Context, snapshot envelope.OrderSnapshot) error
}

// Subscription delivers outer events addressed to the coordinator's node
// key as they arrive, until Close is called.
type Subscription interface {
	Events() <-chan envelope.OuterEvent
	Close() error
}

// Client is the full transport surface the coordinator depends on: it both
// publishes outbound envelopes and subscribes to inbound ones.
type Client interface {
	Publisher
	Subscribe(ctx context.Context) (Subscription, error)
}
