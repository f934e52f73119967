package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mostro-exchange/mostrod/internal/dispute"
	"github.com/mostro-exchange/mostrod/internal/envelope"
	"github.com/mostro-exchange/mostrod/internal/escrow"
	"github.com/mostro-exchange/mostrod/internal/identity"
	"github.com/mostro-exchange/mostrod/internal/message"
	"github.com/mostro-exchange/mostrod/internal/orderstate"
	"github.com/mostro-exchange/mostrod/internal/rating"
	"github.com/mostro-exchange/mostrod/internal/store"
	"github.com/mostro-exchange/mostrod/pkg/helpers"
)

func requireOrderID(auth *envelope.Authenticated) (uuid.UUID, error) {
	if auth.Message.OrderID == nil {
		return uuid.UUID{}, fmt.Errorf("%w: message is missing an order id", orderstate.ErrNotAllowed)
	}
	return *auth.Message.OrderID, nil
}

func (c *Coordinator) loadOrder(ctx context.Context, id uuid.UUID) (*store.Order, error) {
	order, err := c.store.GetOrder(ctx, id)
	if err != nil {
		return nil, fmtOrderErr(err)
	}
	return order, nil
}

// handleNewOrder implements NewOrder → order (spec.md §4.3, §4.4): creates a
// Pending order with the creator recorded as buyer or seller depending on
// order.kind.
func (c *Coordinator) handleNewOrder(ctx context.Context, auth *envelope.Authenticated) error {
	payload := auth.Message.Payload
	if payload == nil || payload.Kind != message.PayloadOrder || payload.Order == nil {
		return fmt.Errorf("%w: new_order requires an order payload", orderstate.ErrNotAllowed)
	}
	o := payload.Order
	if o.FiatCode == "" || o.PaymentMethod == "" {
		return fmt.Errorf("%w: fiat_code and payment_method are required", orderstate.ErrNotAllowed)
	}
	if o.AmountSat < 0 {
		return errOutOfRange
	}

	now := time.Now().UTC()
	expiresAt := now.Add(time.Duration(c.cfg.FundingTimeoutSecs) * time.Second)
	order := &store.Order{
		ID:            uuid.New(),
		Kind:          o.Kind,
		Status:        store.StatusPending,
		CreatorPubkey: auth.Sender,
		AmountSat:     o.AmountSat,
		FeeSat:        helpers.FeeSat(o.AmountSat, c.cfg.FeeBPS),
		FiatCode:      o.FiatCode,
		FiatAmount:    o.FiatAmount,
		PaymentMethod: o.PaymentMethod,
		BuyerInvoice:  o.BuyerInvoice,
		CreatedAt:     now,
		ExpiresAt:     &expiresAt,
	}
	switch o.Kind {
	case message.KindBuy:
		order.BuyerPubkey = &auth.Sender
	case message.KindSell:
		order.SellerPubkey = &auth.Sender
	default:
		return orderstate.ErrWrongOrderKind
	}

	if err := c.store.CreateOrder(ctx, order); err != nil {
		return fmt.Errorf("coordinator: create order: %w", err)
	}
	c.notifyStatus(ctx, auth.Sender, order, auth.Message.RequestID)
	c.publishOrderSnapshot(ctx, order)
	return nil
}

// handleTake implements TakeBuy/TakeSell (spec.md §4.4): assigns the missing
// counterpart and, once the order reaches WaitingPayment, opens the seller's
// hold invoice.
func (c *Coordinator) handleTake(ctx context.Context, auth *envelope.Authenticated, action message.Action) error {
	orderID, err := requireOrderID(auth)
	if err != nil {
		return err
	}
	invoice := invoiceFromPayload(auth.Message.Payload)

	var next store.OrderStatus
	var order *store.Order
	err = c.withOrderLock(orderID, func() error {
		order, err = c.loadOrder(ctx, orderID)
		if err != nil {
			return err
		}
		next, err = orderstate.Take(order, action, auth.Sender, invoice)
		if err != nil {
			return err
		}
		order.Status = next
		return c.store.UpdateOrder(ctx, order)
	})
	if err != nil {
		return err
	}

	c.notifyStatus(ctx, auth.Sender, order, auth.Message.RequestID)
	c.notifyStatus(ctx, order.CreatorPubkey, order, nil)
	c.publishOrderSnapshot(ctx, order)

	if next == store.StatusWaitingPayment && order.Hash == "" {
		return c.openHoldInvoice(ctx, order)
	}
	return nil
}

// openHoldInvoice creates the seller's hold invoice and starts a watcher
// goroutine following its contract-state transitions (C5, spec.md §4.5).
// It also sets FundingExpiresAt fresh from now, since the funding window
// starts when the invoice is opened, not when the order was first created
// (spec.md §4.4: a WaitingPayment order carries its own deadline, separate
// from the Pending-stage ExpiresAt it was taken against).
func (c *Coordinator) openHoldInvoice(ctx context.Context, order *store.Order) error {
	inv, err := c.escrow.CreateHoldInvoice(ctx, order.ID, order.AmountSat)
	if err != nil {
		return fmt.Errorf("coordinator: create hold invoice: %w", err)
	}
	order.Preimage = inv.Preimage
	order.Hash = inv.Hash
	fundingExpiresAt := time.Now().UTC().Add(time.Duration(c.cfg.FundingTimeoutSecs) * time.Second)
	order.FundingExpiresAt = &fundingExpiresAt
	if err := c.store.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("coordinator: persist hold invoice: %w", err)
	}
	if order.SellerPubkey != nil {
		c.send(ctx, *order.SellerPubkey, message.ActionAddInvoice, &order.ID, nil,
			&message.Payload{Kind: message.PayloadPaymentRequest, PaymentRequest: &message.PaymentRequestPayload{Invoice: inv.Bolt11}})
	}
	go c.watchHoldInvoice(order.ID, inv.Hash)
	return nil
}

// watchHoldInvoice follows one hash's contract-state subscription until it
// leaves Open, advancing the order through orderstate on an Accepted
// transition (spec.md §4.5's "a subscription transition to Accepted
// advances the order toward Active").
func (c *Coordinator) watchHoldInvoice(orderID uuid.UUID, hash string) {
	ctx := context.Background()
	sub, err := c.escrow.Subscribe(ctx, hash)
	if err != nil {
		c.log.Warn("failed to subscribe to hold invoice", "hash", hash, "error", err)
		return
	}
	defer sub.Close()

	for state := range sub.Events() {
		switch state {
		case escrow.ContractAccepted:
			c.setFunded(orderID, true)
			c.withOrderLock(orderID, func() error {
				order, err := c.loadOrder(ctx, orderID)
				if err != nil {
					return err
				}
				next, err := orderstate.HoldInvoiceAccepted(order)
				if err != nil {
					return err
				}
				order.Status = next
				if err := c.store.UpdateOrder(ctx, order); err != nil {
					return err
				}
				c.publishOrderSnapshot(ctx, order)
				return nil
			})
			return
		case escrow.ContractCanceled, escrow.ContractSettled:
			return
		}
	}
}

func (c *Coordinator) setFunded(orderID uuid.UUID, v bool) {
	c.fundedMu.Lock()
	defer c.fundedMu.Unlock()
	c.funded[orderID] = v
}

func (c *Coordinator) isFunded(orderID uuid.UUID) bool {
	c.fundedMu.Lock()
	defer c.fundedMu.Unlock()
	return c.funded[orderID]
}

// handleAddInvoice implements AddInvoice (spec.md §4.4).
func (c *Coordinator) handleAddInvoice(ctx context.Context, auth *envelope.Authenticated) error {
	orderID, err := requireOrderID(auth)
	if err != nil {
		return err
	}
	invoice := invoiceFromPayload(auth.Message.Payload)
	if invoice == "" {
		return errInvalidInvoice
	}

	var order *store.Order
	err = c.withOrderLock(orderID, func() error {
		order, err = c.loadOrder(ctx, orderID)
		if err != nil {
			return err
		}
		next, err := orderstate.AddInvoice(order, auth.Sender, invoice, c.isFunded(orderID))
		if err != nil {
			return err
		}
		order.Status = next
		return c.store.UpdateOrder(ctx, order)
	})
	if err != nil {
		return err
	}
	c.notifyStatus(ctx, auth.Sender, order, auth.Message.RequestID)
	c.publishOrderSnapshot(ctx, order)
	return nil
}

// handleFiatSent implements FiatSent (spec.md §4.4).
func (c *Coordinator) handleFiatSent(ctx context.Context, auth *envelope.Authenticated) error {
	orderID, err := requireOrderID(auth)
	if err != nil {
		return err
	}
	var order *store.Order
	err = c.withOrderLock(orderID, func() error {
		order, err = c.loadOrder(ctx, orderID)
		if err != nil {
			return err
		}
		next, err := orderstate.FiatSent(order, auth.Sender)
		if err != nil {
			return err
		}
		order.Status = next
		return c.store.UpdateOrder(ctx, order)
	})
	if err != nil {
		return err
	}
	if order.SellerPubkey != nil {
		c.notifyStatus(ctx, *order.SellerPubkey, order, nil)
	}
	c.publishOrderSnapshot(ctx, order)
	return nil
}

// handleRelease implements Release (spec.md §4.4, §4.5): settles the hold
// invoice and kicks off the buyer payout.
func (c *Coordinator) handleRelease(ctx context.Context, auth *envelope.Authenticated) error {
	orderID, err := requireOrderID(auth)
	if err != nil {
		return err
	}
	var order *store.Order
	err = c.withOrderLock(orderID, func() error {
		order, err = c.loadOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := orderstate.Release(order, auth.Sender); err != nil {
			return err
		}
		return c.settleAndCommit(ctx, order)
	})
	if err != nil {
		return err
	}
	go c.attemptPayout(context.Background(), order.ID)
	return nil
}

// settleAndCommit releases the hold invoice and commits the
// SettledHoldInvoice status, in that order (spec.md §5: "escrow actions
// that cannot be rolled back... are performed before the order-status
// commit so that a crash between the two is recovered on restart by
// rescanning SettledHoldInvoice orders").
func (c *Coordinator) settleAndCommit(ctx context.Context, order *store.Order) error {
	if err := c.escrow.Settle(ctx, order.Preimage); err != nil {
		return fmt.Errorf("coordinator: settle hold invoice: %w", err)
	}
	order.Status = store.StatusSettledHoldInvoice
	if err := c.store.UpdateOrder(ctx, order); err != nil {
		return fmt.Errorf("coordinator: commit settled status: %w", err)
	}
	if order.BuyerPubkey != nil {
		c.notifyHoldInvoiceSettled(ctx, *order.BuyerPubkey, order)
	}
	c.publishOrderSnapshot(ctx, order)
	return nil
}

// handleCancel implements Cancel (spec.md §4.4, SPEC_FULL §12's two-party
// rendezvous).
func (c *Coordinator) handleCancel(ctx context.Context, auth *envelope.Authenticated) error {
	orderID, err := requireOrderID(auth)
	if err != nil {
		return err
	}
	var order *store.Order
	var next store.OrderStatus
	err = c.withOrderLock(orderID, func() error {
		order, err = c.loadOrder(ctx, orderID)
		if err != nil {
			return err
		}
		pending := c.pendingCancelFor(orderID)
		next, err = orderstate.Cancel(order, auth.Sender, pending)
		if err != nil {
			return err
		}
		if order.Hash != "" && (next == store.StatusCanceled || next == store.StatusCooperativelyCanceled) {
			if err := c.escrow.Cancel(ctx, order.Hash); err != nil {
				c.log.Warn("failed to cancel hold invoice", "order_id", orderID, "error", err)
			}
		}
		order.Status = next
		return c.store.UpdateOrder(ctx, order)
	})
	if err != nil {
		return err
	}

	switch next {
	case store.StatusCooperativelyCanceled:
		if order.BuyerPubkey != nil {
			c.notifyCooperativeCancelAccepted(ctx, *order.BuyerPubkey, order)
		}
		if order.SellerPubkey != nil {
			c.notifyCooperativeCancelAccepted(ctx, *order.SellerPubkey, order)
		}
	default:
		c.notifyStatus(ctx, auth.Sender, order, auth.Message.RequestID)
	}
	c.publishOrderSnapshot(ctx, order)
	return nil
}

func (c *Coordinator) pendingCancelFor(orderID uuid.UUID) map[identity.PublicKey]bool {
	c.cancelMu.Lock()
	defer c.cancelMu.Unlock()
	m, ok := c.pendingCancel[orderID]
	if !ok {
		m = make(map[identity.PublicKey]bool)
		c.pendingCancel[orderID] = m
	}
	return m
}

// handleDispute implements Dispute (spec.md §4.6).
func (c *Coordinator) handleDispute(ctx context.Context, auth *envelope.Authenticated) error {
	orderID, err := requireOrderID(auth)
	if err != nil {
		return err
	}
	var order *store.Order
	err = c.withOrderLock(orderID, func() error {
		order, err = c.loadOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := orderstate.Dispute(order, auth.Sender); err != nil {
			return err
		}
		order.Status = store.StatusDispute
		if err := c.store.UpdateOrder(ctx, order); err != nil {
			return err
		}
		return c.store.CreateDispute(ctx, &store.Dispute{
			ID:          uuid.New(),
			OrderID:     order.ID,
			Status:      store.DisputeInitiated,
			InitiatedBy: auth.Sender,
			CreatedAt:   time.Now().UTC(),
		})
	})
	if err != nil {
		return err
	}
	c.publishOrderSnapshot(ctx, order)
	return nil
}

// handleRateUser implements RateUser (spec.md §4.4, SPEC_FULL §12).
func (c *Coordinator) handleRateUser(ctx context.Context, auth *envelope.Authenticated) error {
	orderID, err := requireOrderID(auth)
	if err != nil {
		return err
	}
	payload := auth.Message.Payload
	if payload == nil || payload.Kind != message.PayloadRateUser {
		return fmt.Errorf("%w: rate_user requires a rating payload", orderstate.ErrNotAllowed)
	}

	order, err := c.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if err := orderstate.RateUser(order, auth.Sender); err != nil {
		return err
	}
	counterparty, err := orderstate.CounterpartyOf(order, auth.Sender)
	if err != nil {
		return err
	}
	if err := c.rater.Enqueue(rating.Update{OrderID: orderID, Rater: auth.Sender, Rated: counterparty, Rating: payload.Rating}); err != nil {
		if errors.Is(err, rating.ErrAlreadyRated) {
			return fmt.Errorf("%w: already rated", orderstate.ErrNotAllowed)
		}
		return err
	}
	return nil
}

// handleAdminCancel implements AdminCancel (spec.md §4.4, §4.6, §4.7).
func (c *Coordinator) handleAdminCancel(ctx context.Context, auth *envelope.Authenticated) error {
	if !c.isAdmin(auth.Sender) {
		return fmt.Errorf("%w: not admin", orderstate.ErrNotAllowed)
	}
	orderID, err := requireOrderID(auth)
	if err != nil {
		return err
	}

	var order *store.Order
	err = c.withOrderLock(orderID, func() error {
		order, err = c.loadOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != store.StatusDispute {
			return fmt.Errorf("%w: order is %s, not in dispute", orderstate.ErrNotAllowed, order.Status)
		}
		d, err := c.store.GetDisputeByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := dispute.CancelByAdmin(d); err != nil {
			return err
		}
		if err := c.store.UpdateDispute(ctx, d); err != nil {
			return err
		}
		if order.Hash != "" {
			if err := c.escrow.Cancel(ctx, order.Hash); err != nil {
				c.log.Warn("failed to cancel hold invoice on admin cancel", "order_id", orderID, "error", err)
			}
		}
		order.Status = store.StatusCanceledByAdmin
		return c.store.UpdateOrder(ctx, order)
	})
	if err != nil {
		return err
	}
	c.publishOrderSnapshot(ctx, order)
	return nil
}

// handleAdminSettle implements AdminSettle (spec.md §4.4, §4.6, §4.7).
func (c *Coordinator) handleAdminSettle(ctx context.Context, auth *envelope.Authenticated) error {
	orderID, err := requireOrderID(auth)
	if err != nil {
		return err
	}

	var order *store.Order
	err = c.withOrderLock(orderID, func() error {
		order, err = c.loadOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != store.StatusDispute {
			return fmt.Errorf("%w: order is %s, not in dispute", orderstate.ErrNotAllowed, order.Status)
		}
		d, err := c.store.GetDisputeByOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if err := dispute.CheckSettlePermission(d, auth.Sender, c.isAdmin(auth.Sender)); err != nil {
			return err
		}
		if err := dispute.Settle(d); err != nil {
			return err
		}
		if err := c.store.UpdateDispute(ctx, d); err != nil {
			return err
		}
		if err := c.settleAndCommit(ctx, order); err != nil {
			return err
		}
		order.Status = store.StatusCompletedByAdmin
		return c.store.UpdateOrder(ctx, order)
	})
	if err != nil {
		return err
	}
	go c.attemptPayout(context.Background(), order.ID)
	return nil
}

// handleAdminAddSolver implements AdminAddSolver (spec.md §4.7).
func (c *Coordinator) handleAdminAddSolver(ctx context.Context, auth *envelope.Authenticated) error {
	if !c.isAdmin(auth.Sender) {
		return fmt.Errorf("%w: not admin", orderstate.ErrNotAllowed)
	}
	payload := auth.Message.Payload
	if payload == nil || payload.Kind != message.PayloadText || payload.Text == "" {
		return fmt.Errorf("%w: admin_add_solver requires the solver pubkey in the text payload", orderstate.ErrNotAllowed)
	}
	solverPub, err := identity.ParsePublicKeyHex(payload.Text)
	if err != nil {
		return fmt.Errorf("%w: %s", orderstate.ErrNotAllowed, err)
	}

	user, err := c.store.GetUser(ctx, solverPub)
	if errors.Is(err, store.ErrUserNotFound) {
		user = &store.User{Pubkey: solverPub}
	} else if err != nil {
		return fmt.Errorf("coordinator: load solver: %w", err)
	}
	user.IsSolver = true
	return c.store.UpsertUser(ctx, user)
}

// handleAdminTakeDispute implements AdminTakeDispute (spec.md §4.6, §4.7):
// despite the name, the caller must be a registered solver, not the admin.
func (c *Coordinator) handleAdminTakeDispute(ctx context.Context, auth *envelope.Authenticated) error {
	solver, err := c.store.GetUser(ctx, auth.Sender)
	if err != nil || !solver.IsSolver {
		return fmt.Errorf("%w: caller is not a registered solver", orderstate.ErrNotAllowed)
	}
	orderID, err := requireOrderID(auth)
	if err != nil {
		return err
	}

	d, err := c.store.GetDisputeByOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("coordinator: load dispute: %w", err)
	}
	if err := dispute.TakeDispute(d, auth.Sender); err != nil {
		return err
	}
	return c.store.UpdateDispute(ctx, d)
}

func invoiceFromPayload(p *message.Payload) string {
	if p == nil || p.Kind != message.PayloadPaymentRequest || p.PaymentRequest == nil {
		return ""
	}
	return p.PaymentRequest.Invoice
}

