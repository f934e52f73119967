// Package message implements the closed Action/Payload sum types carried
// inside a rumor (spec.md §6) and their (de)serialization, including the
// textual [Message, Signature] encoding the envelope layer signs and
// verifies.
//
// Grounded on the teacher's internal/node/swap_handler.go SwapMessage wire
// type (a tagged envelope with a string Type field and a raw-JSON payload),
// generalized to the closed Action/Payload enums this spec requires instead
// of the teacher's open string constants.
package message

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mostro-exchange/mostrod/internal/identity"
)

// Action is the closed set of message actions the router (C3) dispatches.
type Action string

// Router-dispatchable actions (spec.md §4.3).
const (
	ActionNewOrder         Action = "new_order"
	ActionTakeBuy          Action = "take_buy"
	ActionTakeSell         Action = "take_sell"
	ActionAddInvoice       Action = "add_invoice"
	ActionFiatSent         Action = "fiat_sent"
	ActionRelease          Action = "release"
	ActionCancel           Action = "cancel"
	ActionDispute          Action = "dispute"
	ActionRateUser         Action = "rate_user"
	ActionAdminCancel      Action = "admin_cancel"
	ActionAdminSettle      Action = "admin_settle"
	ActionAdminAddSolver   Action = "admin_add_solver"
	ActionAdminTakeDispute Action = "admin_take_dispute"
)

// Outbound-only notification actions (spec.md §4.5, §4.8, §7); never routed,
// only ever sent by the outbound messenger.
const (
	ActionCantDo                    Action = "cant_do"
	ActionOrderStatusUpdate         Action = "order_status_update"
	ActionPurchaseCompleted         Action = "purchase_completed"
	ActionHoldInvoicePaymentSettled Action = "hold_invoice_payment_settled"
	ActionCooperativeCancelAccepted Action = "cooperative_cancel_accepted"
)

// RoutableActions lists the actions the router dispatches to a handler
// (spec.md §4.3's dispatch table). Kept as a slice, not a map, so callers
// building an exhaustive switch can range over it in tests.
var RoutableActions = []Action{
	ActionNewOrder, ActionTakeBuy, ActionTakeSell, ActionAddInvoice,
	ActionFiatSent, ActionRelease, ActionCancel, ActionDispute, ActionRateUser,
	ActionAdminCancel, ActionAdminSettle, ActionAdminAddSolver, ActionAdminTakeDispute,
}

// OrderKind is Buy or Sell (spec.md §3).
type OrderKind string

const (
	KindBuy  OrderKind = "buy"
	KindSell OrderKind = "sell"
)

// CantDoReason is the closed set of peer-facing error reasons (spec.md §7).
type CantDoReason string

const (
	ReasonInvalidSignature     CantDoReason = "invalid_signature"
	ReasonInvalidTradeIndex    CantDoReason = "invalid_trade_index"
	ReasonOutOfRangeSatsAmount CantDoReason = "out_of_range_sats_amount"
	ReasonInvalidOrderKind     CantDoReason = "invalid_order_kind"
	ReasonNotAllowedByStatus   CantDoReason = "not_allowed_by_status"
	ReasonIsNotYourOrder       CantDoReason = "is_not_your_order"
	ReasonIsNotYourDispute     CantDoReason = "is_not_your_dispute"
	ReasonInvalidInvoice       CantDoReason = "invalid_invoice"
	ReasonLnPaymentFailed      CantDoReason = "ln_payment_failed"
	ReasonInternalError        CantDoReason = "internal_error"
)

// OrderPayload carries the fields needed to create an order (spec.md §3).
type OrderPayload struct {
	Kind          OrderKind `json:"kind"`
	FiatCode      string    `json:"fiat_code"`
	FiatAmount    string    `json:"fiat_amount"` // decimal string
	AmountSat     int64     `json:"amount_sat"`  // stored as given; only negative values are rejected
	PaymentMethod string    `json:"payment_method"`
	BuyerInvoice  string    `json:"buyer_invoice,omitempty"` // bolt11 or LN address
}

// PaymentRequestPayload carries a buyer's invoice/address, used for
// AddInvoice (spec.md §3, Order.buyer_invoice).
type PaymentRequestPayload struct {
	Invoice   string `json:"invoice"` // bolt11 or LN address
	AmountSat *int64 `json:"amount_sat,omitempty"`
}

// CantDoPayload carries the reason of a CantDo reply (spec.md §7).
type CantDoPayload struct {
	Reason CantDoReason `json:"reason"`
}

// PayloadKind tags which field of Payload is populated.
type PayloadKind string

const (
	PayloadNone           PayloadKind = ""
	PayloadText           PayloadKind = "text_message"
	PayloadOrder          PayloadKind = "order"
	PayloadPaymentRequest PayloadKind = "payment_request"
	PayloadDispute        PayloadKind = "dispute"
	PayloadRateUser       PayloadKind = "rate_user"
	PayloadCantDo         PayloadKind = "cant_do"
)

// Payload is the closed sum type carried by a Message (spec.md §6):
// { TextMessage(string), Order(...), PaymentRequest(...), Dispute(order_id),
//   RateUser(rating 1..5) }, plus the outbound-only CantDo(reason).
// Exactly one field matching Kind is populated; Validate enforces this.
type Payload struct {
	Kind           PayloadKind            `json:"kind"`
	Text           string                 `json:"text,omitempty"`
	Order          *OrderPayload          `json:"order,omitempty"`
	PaymentRequest *PaymentRequestPayload `json:"payment_request,omitempty"`
	DisputeOrderID *uuid.UUID             `json:"dispute_order_id,omitempty"`
	Rating         int                    `json:"rating,omitempty"`
	CantDo         *CantDoPayload         `json:"cant_do,omitempty"`
}

// Validate checks that Payload carries exactly the field its Kind names.
func (p *Payload) Validate() error {
	switch p.Kind {
	case PayloadNone:
		return nil
	case PayloadText:
		if p.Text == "" {
			return errors.New("message: text_message payload missing text")
		}
	case PayloadOrder:
		if p.Order == nil {
			return errors.New("message: order payload missing order fields")
		}
	case PayloadPaymentRequest:
		if p.PaymentRequest == nil {
			return errors.New("message: payment_request payload missing fields")
		}
	case PayloadDispute:
		if p.DisputeOrderID == nil {
			return errors.New("message: dispute payload missing order id")
		}
	case PayloadRateUser:
		if p.Rating < 1 || p.Rating > 5 {
			return fmt.Errorf("message: rating %d out of range 1..5", p.Rating)
		}
	case PayloadCantDo:
		if p.CantDo == nil {
			return errors.New("message: cant_do payload missing reason")
		}
	default:
		return fmt.Errorf("message: unknown payload kind %q", p.Kind)
	}
	return nil
}

// Message is the inner trade message (spec.md §6):
// { version, request_id?, id?, action, trade_index?, payload? }, plus the
// trade_key the signature over this message is checked against (spec.md
// §4.1 check 6).
type Message struct {
	Version    int                `json:"version"`
	RequestID  *uuid.UUID         `json:"request_id,omitempty"`
	OrderID    *uuid.UUID         `json:"id,omitempty"`
	Action     Action             `json:"action"`
	TradeIndex *int64             `json:"trade_index,omitempty"`
	TradeKey   identity.PublicKey `json:"trade_key"`
	Payload    *Payload           `json:"payload,omitempty"`
	// CreatedAt is carried for display purposes only; freshness is governed
	// by the enclosing rumor's timestamp (spec.md §4.1 check 4), not this.
	CreatedAt time.Time `json:"created_at,omitempty"`
}

// CanonicalBytes returns the deterministic serialization signed and
// verified for msg (spec.md §4.1 check 6). Go's encoding/json produces
// struct fields in fixed declaration order, so this is stable across calls.
func CanonicalBytes(msg Message) []byte {
	b, err := json.Marshal(msg)
	if err != nil {
		// Message contains only JSON-marshalable fields; a marshal error
		// here would be a programmer error, not a runtime condition.
		panic(fmt.Sprintf("message: marshal canonical bytes: %v", err))
	}
	return b
}

// EncodeSigned produces the textual [Message, Signature] encoding carried
// as a rumor's content field (spec.md §6).
func EncodeSigned(msg Message, sig identity.Signature) (string, error) {
	msgBytes, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("message: marshal message: %w", err)
	}
	sigHex := hex.EncodeToString(sig.Bytes())
	pair := []json.RawMessage{msgBytes, mustQuote(sigHex)}
	out, err := json.Marshal(pair)
	if err != nil {
		return "", fmt.Errorf("message: marshal signed pair: %w", err)
	}
	return string(out), nil
}

// DecodeSigned parses the textual [Message, Signature] encoding. Malformed
// content is rejected gracefully, never a fatal/panic condition (spec.md §9
// "Dynamic deserialization failure").
func DecodeSigned(content string) (Message, identity.Signature, error) {
	var pair []json.RawMessage
	if err := json.Unmarshal([]byte(content), &pair); err != nil {
		return Message{}, identity.Signature{}, fmt.Errorf("message: parse pair: %w", err)
	}
	if len(pair) != 2 {
		return Message{}, identity.Signature{}, fmt.Errorf("message: expected [Message, Signature], got %d elements", len(pair))
	}
	var msg Message
	if err := json.Unmarshal(pair[0], &msg); err != nil {
		return Message{}, identity.Signature{}, fmt.Errorf("message: parse message: %w", err)
	}
	var sigHex string
	if err := json.Unmarshal(pair[1], &sigHex); err != nil {
		return Message{}, identity.Signature{}, fmt.Errorf("message: parse signature: %w", err)
	}
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return Message{}, identity.Signature{}, fmt.Errorf("message: decode signature hex: %w", err)
	}
	sig, err := identity.SignatureFromBytes(sigBytes)
	if err != nil {
		return Message{}, identity.Signature{}, fmt.Errorf("message: signature: %w", err)
	}
	if msg.Payload != nil {
		if err := msg.Payload.Validate(); err != nil {
			return Message{}, identity.Signature{}, err
		}
	}
	return msg, sig, nil
}

func mustQuote(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}
