package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/escrowd/internal/backend"
	"github.com/Klingon-tech/escrowd/internal/offer"
)

// ResponseKind is a party's answer while an offer waits for their input.
type ResponseKind string

const (
	RespAccept          ResponseKind = "accept"
	RespDecline         ResponseKind = "decline"
	RespAddress         ResponseKind = "address"
	RespBank            ResponseKind = "bank"
	RespName            ResponseKind = "name"
	RespCard            ResponseKind = "card"
	RespConfirmTransfer ResponseKind = "confirm_transfer"
	RespPaymentSent     ResponseKind = "payment_sent"
	RespConfirmReceipt  ResponseKind = "confirm_receipt"
	RespDispute         ResponseKind = "dispute"
)

// Response carries a party's input.
type Response struct {
	Kind  ResponseKind `json:"kind" validate:"required,oneof=accept decline address bank name card confirm_transfer payment_sent confirm_receipt dispute"`
	Value string       `json:"value,omitempty" validate:"max=256"`
}

// CreateRequest opens a new offer between two parties.
type CreateRequest struct {
	OrderID string          `json:"order_id"`
	Type    offer.Type      `json:"type"`
	Buy     string          `json:"buy"`
	Sell    string          `json:"sell"`
	SumBuy  decimal.Decimal `json:"sum_buy"`
	SumSell decimal.Decimal `json:"sum_sell"`
	Init    offer.Party     `json:"init"`
	Counter offer.Party     `json:"counter"`
	Bank    *string         `json:"bank,omitempty"`
}

func (r *CreateRequest) validate() error {
	switch {
	case r.OrderID == "":
		return fmt.Errorf("%w: order_id is required", ErrInvalidRequest)
	case r.Type != offer.TypeBuy && r.Type != offer.TypeSell:
		return fmt.Errorf("%w: type must be buy or sell", ErrInvalidRequest)
	case r.Buy == "" || r.Sell == "":
		return fmt.Errorf("%w: buy and sell currencies are required", ErrInvalidRequest)
	case !r.SumBuy.IsPositive() || !r.SumSell.IsPositive():
		return fmt.Errorf("%w: amounts must be positive", ErrInvalidRequest)
	case r.Init.ID == "" || r.Counter.ID == "":
		return fmt.Errorf("%w: both parties are required", ErrInvalidRequest)
	case r.Init.ID == r.Counter.ID:
		return fmt.Errorf("%w: parties must differ", ErrInvalidRequest)
	case r.Init.ID == OperatorIdentity || r.Counter.ID == OperatorIdentity:
		return fmt.Errorf("%w: reserved identity", ErrInvalidRequest)
	}
	return nil
}

// Create stores a new offer and asks the counter party to respond.
func (e *Engine) Create(ctx context.Context, req *CreateRequest) (*offer.EscrowOffer, error) {
	if err := req.validate(); err != nil {
		return nil, err
	}

	o := &offer.EscrowOffer{
		ID:      uuid.NewString(),
		OrderID: req.OrderID,
		Type:    req.Type,
		Buy:     req.Buy,
		Sell:    req.Sell,
		SumBuy:  req.SumBuy,
		SumSell: req.SumSell,
		Init:    req.Init,
		Counter: req.Counter,
		Status:  offer.StatusCreated,
		Bank:    req.Bank,
		Time:    e.now(),
	}
	o.PendingInputFrom = offer.String(o.Counter.ID)

	adapter, ok := e.registry.ForAsset(o.EscrowAsset())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, o.EscrowAsset())
	}
	amount := o.EscrowAmount()
	o.SumFeeUp, o.SumFeeDown = offer.DeriveFees(amount, e.opts.FeeRate, adapter.Precision(o.EscrowAsset()))

	insured, err := e.insurance.Insurance(o.EscrowAsset(), amount)
	if err != nil {
		return nil, err
	}
	o.Insured = insured

	if err := e.store.InsertOffer(o); err != nil {
		return nil, err
	}

	e.metrics.OffersCreated.Inc()
	e.log.Info("Offer created", "offer", o.ID, "order", o.OrderID, "asset", o.EscrowAsset(), "amount", amount, "insured", insured)
	e.notify(ctx, o.Counter.ID, EventOfferCreated, offerPayload(o))
	return o, nil
}

// Respond applies a response from the party the offer is waiting on.
func (e *Engine) Respond(ctx context.Context, offerID, from string, r Response) (*offer.EscrowOffer, error) {
	o, err := e.store.FindOffer(offerID)
	if err != nil {
		return nil, err
	}
	if !o.IsPending(from) {
		return nil, ErrUnauthorizedResponder
	}

	switch {
	case o.Status == offer.StatusCreated && r.Kind == RespAccept:
		return e.accept(ctx, o, from)
	case o.Status == offer.StatusCreated && r.Kind == RespDecline:
		return e.decline(ctx, o, from)
	case o.Status == offer.StatusNegotiating && r.Kind == RespAddress:
		return e.provideAddress(ctx, o, from, r.Value)
	case o.Status == offer.StatusFunding && (r.Kind == RespBank || r.Kind == RespName || r.Kind == RespCard):
		return e.provideFunding(ctx, o, from, r)
	case o.Status == offer.StatusAwaitingTransfer && r.Kind == RespConfirmTransfer:
		return e.confirmTransfer(ctx, o, from)
	case o.Status == offer.StatusAwaitingCounterConfirmation && r.Kind == RespPaymentSent && from == o.EscrowReceiver().ID:
		return e.paymentSent(ctx, o, from)
	case o.Status == offer.StatusAwaitingCounterConfirmation && r.Kind == RespConfirmReceipt && from == o.EscrowSender().ID:
		return e.release(ctx, o, from)
	case o.Status == offer.StatusAwaitingCounterConfirmation && r.Kind == RespDispute && from == o.EscrowSender().ID:
		return e.dispute(ctx, o, from)
	}
	return nil, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, r.Kind, o.Status)
}

// pendingConds guards a response against a concurrent transition.
func pendingConds(o *offer.EscrowOffer, from string) []offer.Condition {
	return []offer.Condition{
		offer.Equals(offer.FieldStatus, string(o.Status)),
		offer.Equals(offer.FieldPendingInputFrom, from),
	}
}

func (e *Engine) applyResponse(o *offer.EscrowOffer, from string, u offer.Update) (*offer.EscrowOffer, error) {
	updated, applied, err := e.store.UpdateOfferIf(o.ID, pendingConds(o, from), u)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: offer changed concurrently", ErrInvalidTransition)
	}
	return updated, nil
}

// nextStep returns the status and pending party once the fields of o are
// known: both addresses, then how the escrow sender gets paid. A counter leg
// on a served chain needs the sender's receive address, a fiat leg needs
// bank, name and card.
func nextStep(o *offer.EscrowOffer, onChain bool) (offer.Status, string) {
	sender, receiver := o.EscrowSender(), o.EscrowReceiver()
	switch {
	case sender.SendAddress == nil:
		return offer.StatusNegotiating, sender.ID
	case receiver.ReceiveAddress == nil:
		return offer.StatusNegotiating, receiver.ID
	case onChain && sender.ReceiveAddress == nil:
		return offer.StatusNegotiating, sender.ID
	case onChain:
		return offer.StatusAwaitingTransfer, sender.ID
	case o.Bank == nil || sender.Card == nil || sender.Name == nil:
		return offer.StatusFunding, sender.ID
	default:
		return offer.StatusAwaitingTransfer, sender.ID
	}
}

// counterOnChain reports whether the escrow receiver pays in an asset one
// of the adapters serves.
func (e *Engine) counterOnChain(o *offer.EscrowOffer) bool {
	_, currency := counterLeg(o)
	_, ok := e.registry.ForAsset(currency)
	return ok
}

// advance fills status, pending party and, when funding completes, the
// memo into u, computed from the offer as it will look after u.
func (e *Engine) advance(o *offer.EscrowOffer, u offer.Update) offer.Update {
	status, pending := nextStep(o, e.counterOnChain(o))
	u.Set[offer.FieldStatus] = string(status)
	u.Set[offer.FieldPendingInputFrom] = pending
	if status == offer.StatusAwaitingTransfer {
		u.Set[offer.FieldMemo] = offer.BuildMemo(o)
	}
	return u
}

func (e *Engine) accept(ctx context.Context, o *offer.EscrowOffer, from string) (*offer.EscrowOffer, error) {
	u := e.advance(o, offer.Set(offer.FieldReactionTime, e.now()))
	updated, err := e.applyResponse(o, from, u)
	if err != nil {
		return nil, err
	}
	e.log.Info("Offer accepted", "offer", o.ID)
	e.notify(ctx, updated.Init.ID, EventOfferUpdated, offerPayload(updated))
	return e.afterAdvance(ctx, updated)
}

func (e *Engine) decline(ctx context.Context, o *offer.EscrowOffer, from string) (*offer.EscrowOffer, error) {
	u := offer.Update{
		Set: map[string]any{
			offer.FieldStatus:       string(offer.StatusCancelled),
			offer.FieldReactionTime: e.now(),
			offer.FieldCancelTime:   e.now(),
		},
		Unset: []string{offer.FieldPendingInputFrom},
	}
	updated, err := e.applyResponse(o, from, u)
	if err != nil {
		return nil, err
	}
	archived := e.finish(ctx, updated, offer.StatusCancelled)
	e.notify(ctx, updated.Init.ID, EventOfferCancelled, withBy(offerPayload(updated), from))
	return archived, nil
}

// provideAddress records the next missing address. The escrow sender gives
// its send address first and, for an on-chain counter leg, its receive
// address after the receiver gave theirs.
func (e *Engine) provideAddress(ctx context.Context, o *offer.EscrowOffer, from, value string) (*offer.EscrowOffer, error) {
	next := *o
	sender := next.EscrowSender()
	key := o.PartyKey(from)

	asset := o.EscrowAsset()
	field := key + ".receive_address"
	target := &next.EscrowReceiver().ReceiveAddress
	switch {
	case from == sender.ID && sender.SendAddress == nil:
		field = key + ".send_address"
		target = &sender.SendAddress
	case from == sender.ID:
		_, asset = counterLeg(o)
		target = &sender.ReceiveAddress
	}

	adapter, ok := e.registry.ForAsset(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, asset)
	}
	addr, err := backend.NormalizeAddress(adapter, value)
	if err != nil || addr == "" {
		return nil, fmt.Errorf("%w: invalid address", ErrInvalidRequest)
	}
	*target = offer.String(addr)

	updated, err := e.applyResponse(o, from, e.advance(&next, offer.Set(field, addr)))
	if err != nil {
		return nil, err
	}
	return e.afterAdvance(ctx, updated)
}

func (e *Engine) provideFunding(ctx context.Context, o *offer.EscrowOffer, from string, r Response) (*offer.EscrowOffer, error) {
	value := strings.TrimSpace(r.Value)
	if value == "" {
		return nil, fmt.Errorf("%w: %s is required", ErrInvalidRequest, r.Kind)
	}

	next := *o
	p, _ := next.Party(from)
	var field string
	switch r.Kind {
	case RespBank:
		field = offer.FieldBank
		next.Bank = offer.String(value)
	case RespName:
		field = o.PartyKey(from) + ".name"
		p.Name = offer.String(value)
	case RespCard:
		field = o.PartyKey(from) + ".card"
		p.Card = offer.String(value)
	}

	updated, err := e.applyResponse(o, from, e.advance(&next, offer.Set(field, value)))
	if err != nil {
		return nil, err
	}
	return e.afterAdvance(ctx, updated)
}

// afterAdvance tells the next pending party what is expected of them.
func (e *Engine) afterAdvance(ctx context.Context, o *offer.EscrowOffer) (*offer.EscrowOffer, error) {
	if o.PendingInputFrom == nil {
		return o, nil
	}
	pending := *o.PendingInputFrom

	if o.Status != offer.StatusAwaitingTransfer {
		payload := offerPayload(o)
		payload["awaiting"] = awaitedInput(o)
		e.notify(ctx, pending, EventOfferUpdated, payload)
		return o, nil
	}

	adapter, ok := e.registry.ForAsset(o.EscrowAsset())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, o.EscrowAsset())
	}
	payload := offerPayload(o)
	payload["service_address"] = adapter.ServiceAddress()
	payload["amount"] = o.SumFeeUp.String()
	payload["amount_without_fee"] = o.EscrowAmount().String()
	payload["fee"] = o.Fee().String()
	payload["asset"] = o.EscrowAsset()
	payload["memo"] = backend.EncodeMemo(adapter, *o.Memo)
	payload["transfer_deadline"] = e.opts.TransferDeadline.String()
	e.notify(ctx, pending, EventTransferRequested, payload)
	return o, nil
}

func awaitedInput(o *offer.EscrowOffer) string {
	sender := o.EscrowSender()
	switch {
	case o.Status == offer.StatusNegotiating && sender.SendAddress == nil:
		return "send_address"
	case o.Status == offer.StatusNegotiating:
		return "receive_address"
	case o.Bank == nil:
		return string(RespBank)
	case sender.Name == nil:
		return string(RespName)
	case sender.Card == nil:
		return string(RespCard)
	}
	return ""
}

// confirmTransfer starts watching for the sender's transfer.
func (e *Engine) confirmTransfer(ctx context.Context, o *offer.EscrowOffer, from string) (*offer.EscrowOffer, error) {
	w, err := e.watcherFor(o.EscrowAsset())
	if err != nil {
		return nil, err
	}

	now := e.now()
	deadline := now.Add(e.opts.TransferDeadline + e.opts.Grace)
	u := offer.Update{
		Set: map[string]any{
			offer.FieldStatus:          string(offer.StatusAwaitingConfirmation),
			offer.FieldTransactionTime: now,
			offer.FieldDeadline:        deadline,
		},
		Unset: []string{offer.FieldPendingInputFrom},
	}
	updated, err := e.applyResponse(o, from, u)
	if err != nil {
		return nil, err
	}

	entry, err := entryFor(updated, w.adapter)
	if err != nil {
		return nil, err
	}
	if _, err := w.Register(entry); err != nil {
		return nil, err
	}

	e.notify(ctx, updated.EscrowReceiver().ID, EventOfferUpdated, offerPayload(updated))
	return updated, nil
}

// entryFor builds the queue entry for an offer awaiting confirmation.
func entryFor(o *offer.EscrowOffer, a backend.Adapter) (*Entry, error) {
	sender := o.EscrowSender()
	if sender.SendAddress == nil || o.Memo == nil || o.TransactionTime == nil {
		return nil, fmt.Errorf("%w: offer %s is missing transfer details", ErrInvalidTransition, o.ID)
	}
	e := &Entry{
		OfferID:          o.ID,
		From:             *sender.SendAddress,
		AmountWithFee:    o.SumFeeUp,
		AmountWithoutFee: o.EscrowAmount(),
		Asset:            o.EscrowAsset(),
		Memo:             backend.EncodeMemo(a, *o.Memo),
		TransactionTime:  *o.TransactionTime,
	}
	if o.Deadline != nil {
		e.Deadline = *o.Deadline
	}
	return e, nil
}

func (e *Engine) paymentSent(ctx context.Context, o *offer.EscrowOffer, from string) (*offer.EscrowOffer, error) {
	sender := o.EscrowSender()
	u := offer.Update{Set: map[string]any{
		offer.FieldPaymentReportedBy: from,
		offer.FieldPendingInputFrom:  sender.ID,
	}}
	updated, err := e.applyResponse(o, from, u)
	if err != nil {
		return nil, err
	}

	payload := offerPayload(updated)
	payload["pay_amount"], payload["pay_currency"] = counterLeg(updated)
	e.notify(ctx, sender.ID, EventPaymentSent, payload)
	return updated, nil
}

// release sends sum_fee_down to the escrow receiver and completes the
// offer. The receiver gets sum_fee_down whether the sender paid sum_fee_up
// or the amount without fee, so the receiver's fee is taken once.
func (e *Engine) release(ctx context.Context, o *offer.EscrowOffer, from string) (*offer.EscrowOffer, error) {
	adapter, ok := e.registry.ForAsset(o.EscrowAsset())
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, o.EscrowAsset())
	}

	conds := append(pendingConds(o, from), offer.Equals(offer.FieldUnsent, true))
	u := offer.Update{
		Set:   map[string]any{offer.FieldUnsent: false},
		Unset: []string{offer.FieldPendingInputFrom},
	}
	updated, applied, err := e.store.UpdateOfferIf(o.ID, conds, u)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("%w: already released", ErrInvalidTransition)
	}

	received := o.EscrowAmount()
	if updated.Received != nil {
		received = *updated.Received
	}
	amount := updated.SumFeeDown
	receiver := updated.EscrowReceiver()
	if !amount.IsPositive() || amount.GreaterThan(received) || receiver.ReceiveAddress == nil {
		cause := fmt.Errorf("nothing to release: received %s, release %s", received, amount)
		e.manualReview(ctx, o.ID, "release failed", cause)
		return nil, cause
	}

	ref, err := adapter.Transfer(ctx, *receiver.ReceiveAddress, amount, o.EscrowAsset(), releaseMemo(o))
	if err != nil {
		e.metrics.Releases.WithLabelValues(adapter.Chain(), "failed").Inc()
		e.log.Error("Release failed", "offer", o.ID, "error", err)
		e.manualReview(ctx, o.ID, "release failed", err)
		return nil, fmt.Errorf("release failed, offer sent to manual review: %w", err)
	}
	e.metrics.Releases.WithLabelValues(adapter.Chain(), "sent").Inc()
	e.log.Info("Released", "offer", o.ID, "amount", amount, "to", *receiver.ReceiveAddress, "tx", ref.TxID)

	if u, err := e.store.UpdateOffer(o.ID, offer.Set(offer.FieldReleaseTrxID, ref.TxID)); err == nil {
		updated = u
	}
	archived := e.finish(ctx, updated, offer.StatusCompleted)

	payload := offerPayload(archived)
	payload["amount"] = amount.String()
	payload["tx_id"] = ref.TxID
	payload["tx_url"] = ref.URL
	e.notify(ctx, receiver.ID, EventReleaseSent, payload)
	e.notify(ctx, updated.EscrowSender().ID, EventOfferCompleted, payload)
	return archived, nil
}

func releaseMemo(o *offer.EscrowOffer) string {
	id := o.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return "escrow " + id + ": release"
}

func (e *Engine) dispute(ctx context.Context, o *offer.EscrowOffer, from string) (*offer.EscrowOffer, error) {
	if _, err := e.applyResponse(o, from, offer.Update{Set: map[string]any{}}); err != nil {
		return nil, err
	}
	return e.manualReview(ctx, o.ID, "receipt disputed by "+from, nil), nil
}

// Cancel closes an offer on behalf of one party. It is refused once a
// transfer is confirmed or after the party reported its payment.
func (e *Engine) Cancel(ctx context.Context, offerID, by string) (*offer.EscrowOffer, error) {
	o, err := e.store.FindOffer(offerID)
	if err != nil {
		return nil, err
	}
	if _, ok := o.Party(by); !ok {
		return nil, ErrUnauthorizedResponder
	}
	if o.TrxID != nil || o.Status == offer.StatusManualReview || o.Status.IsTerminal() {
		return nil, ErrCancelNotAllowed
	}
	if o.PaymentReportedBy != nil && *o.PaymentReportedBy == by {
		return nil, ErrCancelNotAllowed
	}

	conds := []offer.Condition{
		offer.Missing(offer.FieldTrxID),
		offer.Equals(offer.FieldStatus, string(o.Status)),
	}
	u := offer.Update{
		Set: map[string]any{
			offer.FieldStatus:     string(offer.StatusCancelled),
			offer.FieldCancelTime: e.now(),
		},
		Unset: []string{offer.FieldPendingInputFrom},
	}
	updated, applied, err := e.store.UpdateOfferIf(offerID, conds, u)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, ErrCancelNotAllowed
	}

	e.log.Info("Offer cancelled", "offer", offerID, "by", by)
	archived := e.finish(ctx, updated, offer.StatusCancelled)
	payload := withBy(offerPayload(updated), by)
	e.notify(ctx, updated.Init.ID, EventOfferCancelled, payload)
	e.notify(ctx, updated.Counter.ID, EventOfferCancelled, payload)
	return archived, nil
}

// expire handles a queue timeout. It loses to a confirmation or
// cancellation that already changed the offer.
func (e *Engine) expire(ctx context.Context, w *Watcher, entry Entry) {
	conds := []offer.Condition{
		offer.Missing(offer.FieldTrxID),
		offer.Equals(offer.FieldStatus, string(offer.StatusAwaitingConfirmation)),
	}
	u := offer.Update{
		Set:   map[string]any{offer.FieldStatus: string(offer.StatusExpired)},
		Unset: []string{offer.FieldPendingInputFrom},
	}
	updated, applied, err := e.store.UpdateOfferIf(entry.OfferID, conds, u)
	if errors.Is(err, ErrOfferNotFound) {
		return
	}
	if err != nil {
		e.log.Error("Failed to expire offer", "offer", entry.OfferID, "error", err)
		return
	}
	if !applied {
		return
	}

	e.metrics.Expirations.WithLabelValues(w.chain).Inc()
	e.log.Info("Offer expired", "offer", entry.OfferID, "deadline", entry.Deadline.Format(time.RFC3339))
	e.finish(ctx, updated, offer.StatusExpired)

	payload := offerPayload(updated)
	payload["reason"] = ErrTimeoutExpired.Error()
	e.notify(ctx, updated.Init.ID, EventOfferExpired, payload)
	e.notify(ctx, updated.Counter.ID, EventOfferExpired, payload)
}

// finish removes any live queue entry, then archives the offer. An entry
// left behind by a crash in between finds no offer and is dropped.
func (e *Engine) finish(ctx context.Context, o *offer.EscrowOffer, status offer.Status) *offer.EscrowOffer {
	if w, err := e.watcherFor(o.EscrowAsset()); err == nil {
		w.Remove(o.ID)
	}
	archived, err := e.store.DeleteAndArchiveOffer(o.ID, status)
	if err != nil {
		e.log.Error("Failed to archive offer", "offer", o.ID, "status", status, "error", err)
		o.Status = status
		return o
	}
	e.metrics.OffersFinished.WithLabelValues(string(status)).Inc()
	return archived
}

// manualReview parks an offer for an operator.
func (e *Engine) manualReview(ctx context.Context, offerID, reason string, cause error) *offer.EscrowOffer {
	u := offer.Update{
		Set:   map[string]any{offer.FieldStatus: string(offer.StatusManualReview)},
		Unset: []string{offer.FieldPendingInputFrom},
	}
	updated, err := e.store.UpdateOffer(offerID, u)
	if err != nil {
		e.log.Error("Failed to route offer to manual review", "offer", offerID, "error", err)
	}

	payload := map[string]any{"offer_id": offerID, "reason": reason}
	if cause != nil {
		payload["error"] = cause.Error()
	}
	if updated != nil {
		if w, err := e.watcherFor(updated.EscrowAsset()); err == nil {
			w.Remove(offerID)
		}
		for k, v := range offerPayload(updated) {
			if _, ok := payload[k]; !ok {
				payload[k] = v
			}
		}
		e.notify(ctx, updated.Init.ID, EventManualReview, payload)
		e.notify(ctx, updated.Counter.ID, EventManualReview, payload)
	}

	e.metrics.ManualReviews.Inc()
	e.log.Warn("Offer sent to manual review", "offer", offerID, "reason", reason)
	e.notify(ctx, OperatorIdentity, EventManualReview, payload)
	return updated
}

func offerPayload(o *offer.EscrowOffer) map[string]any {
	p := map[string]any{
		"offer_id": o.ID,
		"order_id": o.OrderID,
		"status":   string(o.Status),
		"type":     string(o.Type),
		"buy":      o.Buy,
		"sell":     o.Sell,
		"sum_buy":  o.SumBuy.String(),
		"sum_sell": o.SumSell.String(),
		"insured":  o.Insured.String(),
	}
	if o.TrxID != nil {
		p["trx_id"] = *o.TrxID
	}
	return p
}

func withBy(p map[string]any, by string) map[string]any {
	p["by"] = by
	return p
}
