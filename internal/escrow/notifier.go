package escrow

import "context"

// OperatorIdentity receives manual review and connection alerts.
const OperatorIdentity = "operator"

// EventKind identifies a notification.
type EventKind string

const (
	EventOfferCreated         EventKind = "offer_created"
	EventOfferUpdated         EventKind = "offer_updated"
	EventTransferRequested    EventKind = "transfer_requested"
	EventTransferSeen         EventKind = "transfer_seen"
	EventTransferConfirmed    EventKind = "transfer_confirmed"
	EventTransferMismatch     EventKind = "transfer_mismatch"
	EventTransferNotConfirmed EventKind = "transfer_not_confirmed"
	EventRefundSent           EventKind = "refund_sent"
	EventPaymentSent          EventKind = "payment_sent"
	EventReleaseSent          EventKind = "release_sent"
	EventOfferCompleted       EventKind = "offer_completed"
	EventOfferCancelled       EventKind = "offer_cancelled"
	EventOfferExpired         EventKind = "offer_expired"
	EventManualReview         EventKind = "manual_review"
	EventConnectionError      EventKind = "connection_error"
	EventUnresolvedTransfer   EventKind = "unresolved_transfer"
)

// Notifier informs a party of a state change. Delivery failures stay inside
// the implementation and never fail the caller.
type Notifier interface {
	Notify(ctx context.Context, party string, kind EventKind, payload map[string]any)
}

// NopNotifier drops every notification.
type NopNotifier struct{}

// Notify does nothing.
func (NopNotifier) Notify(context.Context, string, EventKind, map[string]any) {}
