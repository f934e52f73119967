package coordinator

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/mostro-exchange/mostrod/internal/envelope"
	"github.com/mostro-exchange/mostrod/internal/identity"
	"github.com/mostro-exchange/mostrod/internal/message"
	"github.com/mostro-exchange/mostrod/internal/store"
)

// send builds, seals, and publishes an outbound message to recipient (C8,
// spec.md §4.8): sealed with NODE_KEY as both the seal-layer identity and
// the inner trade key, since every outbound message is from the coordinator
// itself.
func (c *Coordinator) send(ctx context.Context, recipient identity.PublicKey, action message.Action, orderID *uuid.UUID, requestID *uuid.UUID, payload *message.Payload) {
	msg := message.Message{
		Version:   1,
		RequestID: requestID,
		OrderID:   orderID,
		Action:    action,
		Payload:   payload,
		CreatedAt: time.Now().UTC(),
	}
	outer, err := envelope.Seal(time.Now().UTC(), c.cfg.POWBits, c.nodeKey, c.nodeKey, recipient, msg)
	if err != nil {
		c.log.Warn("failed to seal outbound message", "action", action, "error", err)
		return
	}
	if err := c.publisher.Publish(ctx, outer); err != nil {
		c.log.Warn("failed to publish outbound message", "action", action, "error", err)
	}
}

// replyCantDo sends a CantDo(reason) to the original sender, carrying the
// original request_id if present (spec.md §4.8, §7).
func (c *Coordinator) replyCantDo(ctx context.Context, auth *envelope.Authenticated, reason message.CantDoReason) {
	payload := &message.Payload{Kind: message.PayloadCantDo, CantDo: &message.CantDoPayload{Reason: reason}}
	c.send(ctx, auth.Sender, message.ActionCantDo, auth.Message.OrderID, auth.Message.RequestID, payload)
}

// notifyStatus sends an OrderStatusUpdate to recipient reflecting order's
// current status.
func (c *Coordinator) notifyStatus(ctx context.Context, recipient identity.PublicKey, order *store.Order, requestID *uuid.UUID) {
	payload := &message.Payload{Kind: message.PayloadText, Text: string(order.Status)}
	c.send(ctx, recipient, message.ActionOrderStatusUpdate, &order.ID, requestID, payload)
}

// publishOrderSnapshot re-publishes the order's public mirror as an
// unencrypted replaceable event, identified by order.id (spec.md §4.8,
// invariant T6). Unlike send(), this never runs the content through
// envelope.Seal: the public mirror has no single intended recipient, so
// gift-wrapping it would make it unreadable to the outside observers and
// prospective order-takers it exists for (grounded on the original
// implementation's update_order_event being a call entirely separate from
// send_dm — original_source's src/app/admin_cancel.rs).
func (c *Coordinator) publishOrderSnapshot(ctx context.Context, order *store.Order) {
	snapshot, err := envelope.SignOrderSnapshot(time.Now().UTC(), c.nodeKey, order.ID, string(order.Status))
	if err != nil {
		c.log.Warn("failed to sign order snapshot", "order_id", order.ID, "error", err)
		return
	}
	if err := c.publisher.PublishOrderSnapshot(ctx, snapshot); err != nil {
		c.log.Warn("failed to publish order snapshot", "order_id", order.ID, "error", err)
	}
}

// notifyPurchaseCompleted tells the buyer their purchase settled.
func (c *Coordinator) notifyPurchaseCompleted(ctx context.Context, buyer identity.PublicKey, order *store.Order) {
	c.send(ctx, buyer, message.ActionPurchaseCompleted, &order.ID, nil, nil)
}

// notifyHoldInvoiceSettled tells a recipient the hold invoice settled.
func (c *Coordinator) notifyHoldInvoiceSettled(ctx context.Context, recipient identity.PublicKey, order *store.Order) {
	c.send(ctx, recipient, message.ActionHoldInvoicePaymentSettled, &order.ID, nil, nil)
}

// notifyCooperativeCancelAccepted tells recipient both parties cancelled.
func (c *Coordinator) notifyCooperativeCancelAccepted(ctx context.Context, recipient identity.PublicKey, order *store.Order) {
	c.send(ctx, recipient, message.ActionCooperativeCancelAccepted, &order.ID, nil, nil)
}
