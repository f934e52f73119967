package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/mostro-exchange/mostrod/internal/escrow"
	"github.com/mostro-exchange/mostrod/internal/store"
)

// sweepInterval is the expiration sweep's tick, per spec.md §4.4 ("one-second
// tick acceptable").
const sweepInterval = 1 * time.Second

// attemptPayout drives one buyer-payout attempt for orderID, following the
// retry policy of spec.md §4.5: success closes the order, failure either
// re-enqueues with backoff or, past MAX_ATTEMPTS, flags the order Failure.
func (c *Coordinator) attemptPayout(ctx context.Context, orderID uuid.UUID) {
	order, err := c.store.GetOrder(ctx, orderID)
	if err != nil {
		c.log.Warn("payout: failed to load order", "order_id", orderID, "error", err)
		return
	}
	if order.BuyerInvoice == "" {
		c.log.Warn("payout: order has no buyer invoice on file", "order_id", orderID)
		return
	}

	sub, err := c.escrow.SendPayment(ctx, order.BuyerInvoice, order.AmountSat-order.FeeSat)
	if err != nil {
		c.log.Warn("payout: send_payment failed to start", "order_id", orderID, "error", err)
		return
	}
	defer sub.Close()

	for update := range sub.Events() {
		switch update.State {
		case escrow.PaymentInFlight:
			continue
		case escrow.PaymentSucceeded:
			c.onPayoutSucceeded(ctx, order)
			return
		case escrow.PaymentFailed:
			c.onPayoutFailed(ctx, order)
			return
		}
	}
}

func (c *Coordinator) onPayoutSucceeded(ctx context.Context, order *store.Order) {
	c.withOrderLock(order.ID, func() error {
		order, err := c.store.GetOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		order.Status = store.StatusSuccess
		if err := c.store.UpdateOrder(ctx, order); err != nil {
			return err
		}
		if err := c.store.RemovePendingPayout(ctx, order.ID); err != nil && !errors.Is(err, store.ErrOrderNotFound) {
			c.log.Warn("payout: failed to clear pending payout", "order_id", order.ID, "error", err)
		}
		if order.BuyerPubkey != nil {
			c.notifyPurchaseCompleted(ctx, *order.BuyerPubkey, order)
		}
		c.publishOrderSnapshot(ctx, order)
		return nil
	})
}

func (c *Coordinator) onPayoutFailed(ctx context.Context, order *store.Order) {
	c.withOrderLock(order.ID, func() error {
		order, err := c.store.GetOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		order.PaymentAttempts++
		order.FailedPayment = true

		if order.PaymentAttempts < c.cfg.MaxAttempts {
			if err := c.store.UpdateOrder(ctx, order); err != nil {
				return err
			}
			next := time.Now().UTC().Add(time.Duration(c.cfg.RetryIntervalSecs) * time.Second)
			return c.store.AddPendingPayout(ctx, &store.PendingPayout{
				OrderID:       order.ID,
				Attempts:      order.PaymentAttempts,
				NextAttemptAt: next,
				Invoice:       order.BuyerInvoice,
			})
		}

		order.Status = store.StatusFailure
		if err := c.store.UpdateOrder(ctx, order); err != nil {
			return err
		}
		if order.BuyerPubkey != nil {
			c.notifyStatus(ctx, *order.BuyerPubkey, order, nil)
		}
		c.publishOrderSnapshot(ctx, order)
		return nil
	})
}

// runPayoutRetryWorker periodically retries due PendingPayout rows,
// grounded on the teacher's internal/node.RetryWorker ticker-driven
// background loop (retry_worker.go).
func (c *Coordinator) runPayoutRetryWorker(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(c.cfg.RetryIntervalSecs) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.processDuePayouts(ctx)
		}
	}
}

func (c *Coordinator) processDuePayouts(ctx context.Context) {
	due, err := c.store.ListDuePendingPayouts(ctx, time.Now().UTC())
	if err != nil {
		c.log.Warn("payout retry: failed to list due payouts", "error", err)
		return
	}
	for _, p := range due {
		if err := c.store.RemovePendingPayout(ctx, p.OrderID); err != nil {
			c.log.Warn("payout retry: failed to clear due payout before retry", "order_id", p.OrderID, "error", err)
			continue
		}
		go c.attemptPayout(ctx, p.OrderID)
	}
}

// runExpirationSweep moves Pending orders past expires_at to Expired, and
// cancels WaitingPayment orders whose hold invoice missed its own
// funding_expires_at window, started fresh when the invoice was opened
// rather than inherited from the order's creation-time expires_at
// (spec.md §4.4).
func (c *Coordinator) runExpirationSweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweepExpired(ctx)
		}
	}
}

func (c *Coordinator) sweepExpired(ctx context.Context) {
	now := time.Now().UTC()

	pending, err := c.store.ListOrdersByStatus(ctx, store.StatusPending)
	if err != nil {
		c.log.Warn("expiration sweep: failed to list pending orders", "error", err)
	} else {
		for _, order := range pending {
			if order.ExpiresAt != nil && now.After(*order.ExpiresAt) {
				c.expireOrder(ctx, order)
			}
		}
	}

	waiting, err := c.store.ListOrdersByStatus(ctx, store.StatusWaitingPayment)
	if err != nil {
		c.log.Warn("expiration sweep: failed to list waiting_payment orders", "error", err)
		return
	}
	for _, order := range waiting {
		if order.FundingExpiresAt != nil && now.After(*order.FundingExpiresAt) {
			c.cancelUnfundedOrder(ctx, order)
		}
	}
}

func (c *Coordinator) expireOrder(ctx context.Context, order *store.Order) {
	c.withOrderLock(order.ID, func() error {
		order, err := c.store.GetOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if order.Status != store.StatusPending {
			return nil
		}
		order.Status = store.StatusExpired
		if err := c.store.UpdateOrder(ctx, order); err != nil {
			return err
		}
		c.publishOrderSnapshot(ctx, order)
		return nil
	})
}

func (c *Coordinator) cancelUnfundedOrder(ctx context.Context, order *store.Order) {
	c.withOrderLock(order.ID, func() error {
		order, err := c.store.GetOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if order.Status != store.StatusWaitingPayment {
			return nil
		}
		if order.Hash != "" {
			if err := c.escrow.Cancel(ctx, order.Hash); err != nil {
				c.log.Warn("expiration sweep: failed to cancel hold invoice", "order_id", order.ID, "error", err)
			}
		}
		order.Status = store.StatusCanceled
		if err := c.store.UpdateOrder(ctx, order); err != nil {
			return err
		}
		c.publishOrderSnapshot(ctx, order)
		return nil
	})
}
