// Package offer defines the escrow offer document shared by the engine and
// the offer store.
package offer

import (
	"time"

	"github.com/shopspring/decimal"
)

// Type names which leg of the offer is held in escrow.
type Type string

const (
	// TypeSell escrows the sell currency, sent by the init party.
	TypeSell Type = "sell"
	// TypeBuy escrows the buy currency, sent by the counter party.
	TypeBuy Type = "buy"
)

// Status is the lifecycle state of an offer.
type Status string

const (
	StatusCreated                     Status = "created"
	StatusNegotiating                 Status = "negotiating"
	StatusFunding                     Status = "funding"
	StatusAwaitingTransfer            Status = "awaiting_transfer"
	StatusAwaitingConfirmation        Status = "awaiting_confirmation"
	StatusAwaitingCounterConfirmation Status = "awaiting_counter_confirmation"
	StatusCompleted                   Status = "completed"
	StatusCancelled                   Status = "cancelled"
	StatusExpired                     Status = "expired"
	StatusManualReview                Status = "manual_review"
)

// IsTerminal reports whether the offer is finished and archived.
// ManualReview is not terminal: the held asset is still at stake.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// TerminalStatuses lists the statuses of archived offers.
func TerminalStatuses() []Status {
	return []Status{StatusCompleted, StatusCancelled, StatusExpired}
}

// Document keys used in partial updates and conditions.
const (
	FieldStatus            = "status"
	FieldPendingInputFrom  = "pending_input_from"
	FieldBank              = "bank"
	FieldMemo              = "memo"
	FieldTransactionTime   = "transaction_time"
	FieldDeadline          = "deadline"
	FieldTrxID             = "trx_id"
	FieldUnsent            = "unsent"
	FieldReceived          = "received"
	FieldPaymentReportedBy = "payment_reported_by"
	FieldReleaseTrxID      = "release_trx_id"
	FieldInsured           = "insured"
	FieldSumFeeUp          = "sum_fee_up"
	FieldSumFeeDown        = "sum_fee_down"
	FieldReactionTime      = "reaction_time"
	FieldCancelTime        = "cancel_time"
	FieldInit              = "init"
	FieldCounter           = "counter"
)

// Party is one side of an offer.
type Party struct {
	ID             string  `json:"id"`
	Locale         string  `json:"locale,omitempty"`
	Username       string  `json:"username,omitempty"`
	SendAddress    *string `json:"send_address,omitempty"`
	ReceiveAddress *string `json:"receive_address,omitempty"`
	Card           *string `json:"card,omitempty"`
	Name           *string `json:"name,omitempty"`
}

// EscrowOffer is the unit of negotiation and settlement.
type EscrowOffer struct {
	ID      string `json:"_id"`
	OrderID string `json:"order_id"`
	Type    Type   `json:"type"`

	Buy        string          `json:"buy"`
	Sell       string          `json:"sell"`
	SumBuy     decimal.Decimal `json:"sum_buy"`
	SumSell    decimal.Decimal `json:"sum_sell"`
	SumFeeUp   decimal.Decimal `json:"sum_fee_up"`
	SumFeeDown decimal.Decimal `json:"sum_fee_down"`
	Insured    decimal.Decimal `json:"insured"`

	Init    Party `json:"init"`
	Counter Party `json:"counter"`

	Status            Status           `json:"status"`
	PendingInputFrom  *string          `json:"pending_input_from,omitempty"`
	Bank              *string          `json:"bank,omitempty"`
	Memo              *string          `json:"memo,omitempty"`
	TransactionTime   *time.Time       `json:"transaction_time,omitempty"`
	Deadline          *time.Time       `json:"deadline,omitempty"`
	TrxID             *string          `json:"trx_id,omitempty"`
	Unsent            *bool            `json:"unsent,omitempty"`
	Received          *decimal.Decimal `json:"received,omitempty"`
	PaymentReportedBy *string          `json:"payment_reported_by,omitempty"`
	ReleaseTrxID      *string          `json:"release_trx_id,omitempty"`

	Time         time.Time  `json:"time"`
	ReactionTime *time.Time `json:"reaction_time,omitempty"`
	CancelTime   *time.Time `json:"cancel_time,omitempty"`
}

// EscrowAsset returns the currency held in escrow.
func (o *EscrowOffer) EscrowAsset() string {
	if o.Type == TypeBuy {
		return o.Buy
	}
	return o.Sell
}

// EscrowAmount returns the escrowed amount before fees.
func (o *EscrowOffer) EscrowAmount() decimal.Decimal {
	if o.Type == TypeBuy {
		return o.SumBuy
	}
	return o.SumSell
}

// EscrowSender returns the party that transfers the escrowed asset.
func (o *EscrowOffer) EscrowSender() *Party {
	if o.Type == TypeBuy {
		return &o.Counter
	}
	return &o.Init
}

// EscrowReceiver returns the party the escrowed asset is released to.
func (o *EscrowOffer) EscrowReceiver() *Party {
	if o.Type == TypeBuy {
		return &o.Init
	}
	return &o.Counter
}

// Fee returns the service fee on the escrowed amount.
func (o *EscrowOffer) Fee() decimal.Decimal {
	return o.SumFeeUp.Sub(o.EscrowAmount())
}

// Party returns the party with the given identity.
func (o *EscrowOffer) Party(id string) (*Party, bool) {
	switch id {
	case o.Init.ID:
		return &o.Init, true
	case o.Counter.ID:
		return &o.Counter, true
	}
	return nil, false
}

// Counterparty returns the other side of the party with the given identity.
func (o *EscrowOffer) Counterparty(id string) (*Party, bool) {
	switch id {
	case o.Init.ID:
		return &o.Counter, true
	case o.Counter.ID:
		return &o.Init, true
	}
	return nil, false
}

// PartyKey returns the document key ("init" or "counter") for a party.
func (o *EscrowOffer) PartyKey(id string) string {
	if id == o.Init.ID {
		return FieldInit
	}
	return FieldCounter
}

// IsPending reports whether the offer is waiting on input from id.
func (o *EscrowOffer) IsPending(id string) bool {
	return o.PendingInputFrom != nil && *o.PendingInputFrom == id
}

// DeriveFees computes the fee-adjusted amounts for an escrowed amount.
// The fee is truncated to the asset precision.
func DeriveFees(amount, rate decimal.Decimal, precision int32) (up, down decimal.Decimal) {
	fee := amount.Mul(rate).Truncate(precision)
	return amount.Add(fee), amount.Sub(fee)
}

// String returns a pointer to s, for optional document fields.
func String(s string) *string { return &s }

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }

// Time returns a pointer to t.
func Time(t time.Time) *time.Time { return &t }
