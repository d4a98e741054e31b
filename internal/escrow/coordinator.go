package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/Klingon-tech/escrowd/internal/backend"
	"github.com/Klingon-tech/escrowd/internal/offer"
	"github.com/Klingon-tech/escrowd/internal/storage"
	"github.com/Klingon-tech/escrowd/pkg/logging"
)

// ReasonOfferClosed is the refund reason for a transfer whose offer was
// cancelled or expired before the transfer became final.
const ReasonOfferClosed = "offer closed"

// Coordinator drives a matched operation through finality to confirmation
// or refund. Each candidate runs in its own goroutine; the watcher loop is
// never blocked.
type Coordinator struct {
	engine *Engine
	log    *logging.Logger
}

func newCoordinator(e *Engine) *Coordinator {
	return &Coordinator{
		engine: e,
		log:    logging.GetDefault().Component("coordinator"),
	}
}

// waitFinality polls IsFinalized up to the retry budget. It returns an error
// only when ctx ends.
func (c *Coordinator) waitFinality(ctx context.Context, a backend.Adapter, obs *backend.Observation) (bool, error) {
	opts := c.engine.opts
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	for i := 0; i < opts.FinalityRetries; i++ {
		final, err := a.IsFinalized(ctx, obs.BlockHeight, &obs.Operation)
		if err == nil && final {
			return true, nil
		}
		if err != nil {
			c.log.Debug("Finality check failed", "op", obs.ID, "error", err)
		}

		timer.Reset(opts.FinalityBackoff)
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-timer.C:
		}
	}
	return false, nil
}

func (c *Coordinator) opPayload(w *Watcher, offerID string, obs *backend.Observation) map[string]any {
	return map[string]any{
		"offer_id": offerID,
		"chain":    w.chain,
		"tx_id":    obs.TxID,
		"tx_url":   w.adapter.TxURL(obs.TxID),
		"from":     obs.From,
		"amount":   obs.Amount.String(),
		"asset":    obs.Asset,
		"block":    obs.BlockHeight,
	}
}

// confirm handles an exact match. It parks in finality rounds until the
// operation is final or the offer no longer waits for it.
func (c *Coordinator) confirm(ctx context.Context, w *Watcher, e Entry, obs backend.Observation) {
	defer w.taskDone(obs.ID)
	eng := c.engine
	log := c.log.With("offer", e.OfferID, "op", obs.ID)

	if o, err := eng.store.FindOffer(e.OfferID); err == nil {
		eng.notify(ctx, o.EscrowSender().ID, EventTransferSeen, c.opPayload(w, e.OfferID, &obs))
	}

	for round := 1; ; round++ {
		final, err := c.waitFinality(ctx, w.adapter, &obs)
		if err != nil {
			return
		}
		if final {
			break
		}

		o, err := eng.store.FindOffer(e.OfferID)
		if errors.Is(err, ErrOfferNotFound) || (err == nil && (o.TrxID != nil || o.Status != offer.StatusAwaitingConfirmation)) {
			log.Warn("Offer closed while awaiting finality")
			c.settleOrphan(ctx, w, e, obs)
			return
		}
		log.Info("Still awaiting finality", "round", round, "block", obs.BlockHeight)
	}

	o, err := eng.store.FindOffer(e.OfferID)
	if errors.Is(err, ErrOfferNotFound) {
		c.refundOrphan(ctx, w, e, obs)
		return
	}
	if err != nil {
		log.Error("Failed to load offer for confirmation", "error", err)
		c.alertUnresolved(ctx, w, e.OfferID, &obs, err)
		return
	}

	receiver := o.EscrowReceiver()
	conds := []offer.Condition{
		offer.Missing(offer.FieldTrxID),
		offer.Equals(offer.FieldStatus, string(offer.StatusAwaitingConfirmation)),
	}
	update := offer.Update{Set: map[string]any{
		offer.FieldTrxID:            obs.TxID,
		offer.FieldUnsent:           true,
		offer.FieldReceived:         obs.Amount,
		offer.FieldStatus:           string(offer.StatusAwaitingCounterConfirmation),
		offer.FieldPendingInputFrom: receiver.ID,
	}}

	updated, applied, err := eng.store.UpdateOfferIf(e.OfferID, conds, update)
	if errors.Is(err, ErrOfferNotFound) {
		c.refundOrphan(ctx, w, e, obs)
		return
	}
	if err != nil {
		log.Error("Failed to confirm offer", "error", err)
		c.alertUnresolved(ctx, w, e.OfferID, &obs, err)
		return
	}
	if !applied {
		if updated != nil && updated.TrxID != nil && *updated.TrxID == obs.TxID {
			log.Debug("Offer already confirmed")
			return
		}
		log.Warn("Offer left awaiting_confirmation before finality")
		c.refundOrphan(ctx, w, e, obs)
		return
	}

	if _, err := eng.store.ClaimOperation(w.chain, obs.ID, e.OfferID, storage.ActionConfirm); err != nil {
		log.Warn("Failed to record confirmed operation", "error", err)
	}
	w.Remove(e.OfferID)
	eng.metrics.Confirmations.WithLabelValues(w.chain).Inc()
	log.Info("Transfer confirmed", "amount", obs.Amount, "tx", obs.TxID)

	sender := updated.EscrowSender()
	payload := c.opPayload(w, e.OfferID, &obs)
	payload["pay_to"] = sender.Username
	if sender.ReceiveAddress != nil {
		payload["pay_to"] = *sender.ReceiveAddress
	}
	if sender.Card != nil {
		payload["card"] = *sender.Card
	}
	if sender.Name != nil {
		payload["name"] = *sender.Name
	}
	if updated.Bank != nil {
		payload["bank"] = *updated.Bank
	}
	payload["pay_amount"], payload["pay_currency"] = counterLeg(updated)
	eng.notify(ctx, receiver.ID, EventTransferConfirmed, payload)
	eng.notify(ctx, sender.ID, EventTransferConfirmed, c.opPayload(w, e.OfferID, &obs))
}

// counterLeg returns the amount and currency the escrow receiver pays off
// chain.
func counterLeg(o *offer.EscrowOffer) (string, string) {
	if o.Type == offer.TypeBuy {
		return o.SumSell.String(), o.Sell
	}
	return o.SumBuy.String(), o.Buy
}

// settleOrphan gives a transfer whose offer closed one more finality budget,
// then refunds it.
func (c *Coordinator) settleOrphan(ctx context.Context, w *Watcher, e Entry, obs backend.Observation) {
	final, err := c.waitFinality(ctx, w.adapter, &obs)
	if err != nil {
		return
	}
	if !final {
		c.alertUnresolved(ctx, w, e.OfferID, &obs, errors.New("transfer for closed offer never became final"))
		return
	}
	c.refundOrphan(ctx, w, e, obs)
}

func (c *Coordinator) refundOrphan(ctx context.Context, w *Watcher, e Entry, obs backend.Observation) {
	w.Remove(e.OfferID)
	c.sendRefund(ctx, w, e, obs, MismatchReasons{ReasonOfferClosed})
}

// refund handles a mismatch: after finality the observed amount goes back
// to the sender and the entry floor moves to now so the sender can retry.
func (c *Coordinator) refund(ctx context.Context, w *Watcher, e Entry, obs backend.Observation, reasons MismatchReasons) {
	defer w.taskDone(obs.ID)
	eng := c.engine
	log := c.log.With("offer", e.OfferID, "op", obs.ID)

	var sender string
	if o, err := eng.store.FindOffer(e.OfferID); err == nil {
		sender = o.EscrowSender().ID
	}
	payload := c.opPayload(w, e.OfferID, &obs)
	payload["reasons"] = []string(reasons)
	eng.notify(ctx, sender, EventTransferMismatch, payload)

	final, err := c.waitFinality(ctx, w.adapter, &obs)
	if err != nil {
		return
	}
	if !final {
		log.Warn("Mismatched transfer not final, skipping refund")
		c.advanceFloor(w, e.OfferID)
		eng.notify(ctx, sender, EventTransferNotConfirmed, payload)
		return
	}

	if c.sendRefund(ctx, w, e, obs, reasons) {
		c.advanceFloor(w, e.OfferID)
	}
}

// sendRefund claims the operation and transfers it back. It reports whether
// the refund was sent or had already been sent.
func (c *Coordinator) sendRefund(ctx context.Context, w *Watcher, e Entry, obs backend.Observation, reasons MismatchReasons) bool {
	eng := c.engine
	log := c.log.With("offer", e.OfferID, "op", obs.ID)

	claimed, err := eng.store.ClaimOperation(w.chain, obs.ID, e.OfferID, storage.ActionRefund)
	if err != nil {
		log.Error("Failed to claim operation for refund", "error", err)
		c.alertUnresolved(ctx, w, e.OfferID, &obs, err)
		return false
	}
	if !claimed {
		log.Info("Refund already issued")
		eng.metrics.Refunds.WithLabelValues(w.chain, "duplicate").Inc()
		return true
	}

	memo := offer.RefundMemo(reasons)
	ref, err := w.adapter.Transfer(ctx, obs.From, obs.Amount, obs.Asset, memo)
	if err != nil {
		log.Error("Refund failed", "error", err)
		eng.metrics.Refunds.WithLabelValues(w.chain, "failed").Inc()
		eng.manualReview(ctx, e.OfferID, "refund failed", err)
		return false
	}

	eng.metrics.Refunds.WithLabelValues(w.chain, "sent").Inc()
	log.Info("Refund sent", "amount", obs.Amount, "to", obs.From, "tx", ref.TxID)

	var recipient string
	if o, err := eng.store.FindOffer(e.OfferID); err == nil {
		recipient = o.EscrowSender().ID
	}
	payload := c.opPayload(w, e.OfferID, &obs)
	payload["reasons"] = []string(reasons)
	payload["refund_tx_id"] = ref.TxID
	payload["refund_tx_url"] = ref.URL
	payload["memo"] = memo
	eng.notify(ctx, recipient, EventRefundSent, payload)
	return true
}

// advanceFloor moves the matching floor of an entry and its offer to now.
func (c *Coordinator) advanceFloor(w *Watcher, offerID string) {
	now := time.Now().UTC()
	w.advanceFloor(offerID, now)

	_, _, err := c.engine.store.UpdateOfferIf(offerID,
		[]offer.Condition{offer.Equals(offer.FieldStatus, string(offer.StatusAwaitingConfirmation))},
		offer.Set(offer.FieldTransactionTime, now),
	)
	if err != nil && !errors.Is(err, ErrOfferNotFound) {
		c.log.Warn("Failed to advance transaction time", "offer", offerID, "error", err)
	}
}

func (c *Coordinator) alertUnresolved(ctx context.Context, w *Watcher, offerID string, obs *backend.Observation, cause error) {
	payload := c.opPayload(w, offerID, obs)
	payload["error"] = cause.Error()
	c.engine.notify(ctx, OperatorIdentity, EventUnresolvedTransfer, payload)
}
