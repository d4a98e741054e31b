package escrow

import (
	"time"

	"github.com/shopspring/decimal"
)

// Entry is one expected incoming transfer.
type Entry struct {
	OfferID          string          `json:"offer_id"`
	From             string          `json:"from"`
	AmountWithFee    decimal.Decimal `json:"amount_with_fee"`
	AmountWithoutFee decimal.Decimal `json:"amount_without_fee"`
	Asset            string          `json:"asset"`
	Memo             string          `json:"memo"`
	TransactionTime  time.Time       `json:"transaction_time"`
	Deadline         time.Time       `json:"deadline"`
	// Confirming is set once an exact match is waiting for finality.
	Confirming bool `json:"confirming"`

	handle *Handle
}

// Handle is the scheduled timeout of a registered entry.
type Handle struct {
	timer *time.Timer
}

// Cancel stops the timeout. It reports whether the timeout was still
// pending.
func (h *Handle) Cancel() bool {
	if h == nil || h.timer == nil {
		return false
	}
	return h.timer.Stop()
}

// TimeoutFunc is invoked when an entry's deadline passes. h is nil when the
// deadline had already passed at registration.
type TimeoutFunc func(e *Entry, h *Handle)

// Queue holds the pending transfers of one adapter in registration order.
// It is not safe for concurrent use; its owner serializes access.
type Queue struct {
	entries   []*Entry
	onTimeout TimeoutFunc
	now       func() time.Time
}

// NewQueue creates an empty queue.
func NewQueue(onTimeout TimeoutFunc) *Queue {
	return &Queue{
		onTimeout: onTimeout,
		now:       time.Now,
	}
}

// Register adds e with a timeout at deadline. If the deadline has already
// passed the entry is not added, the timeout callback runs immediately and
// no handle is returned. A previous entry for the same offer is replaced.
func (q *Queue) Register(e *Entry, deadline time.Time) (*Handle, bool) {
	q.Remove(e.OfferID)

	e.Deadline = deadline
	d := deadline.Sub(q.now())
	if d <= 0 {
		q.onTimeout(e, nil)
		return nil, false
	}

	h := &Handle{}
	h.timer = time.AfterFunc(d, func() { q.onTimeout(e, h) })
	e.handle = h
	q.entries = append(q.entries, e)
	return h, true
}

// Remove deletes the entry for an offer and cancels its timeout.
func (q *Queue) Remove(offerID string) bool {
	for i, e := range q.entries {
		if e.OfferID == offerID {
			e.handle.Cancel()
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Get returns the entry for an offer.
func (q *Queue) Get(offerID string) (*Entry, bool) {
	for _, e := range q.entries {
		if e.OfferID == offerID {
			return e, true
		}
	}
	return nil, false
}

// IsCurrent reports whether h is still the live timeout of e.
func (q *Queue) IsCurrent(e *Entry, h *Handle) bool {
	cur, ok := q.Get(e.OfferID)
	return ok && cur == e && h != nil && cur.handle == h
}

// CancelTimeout stops the timeout of an entry without removing it.
func (q *Queue) CancelTimeout(offerID string) bool {
	e, ok := q.Get(offerID)
	if !ok {
		return false
	}
	e.handle.Cancel()
	e.handle = nil
	return true
}

// ForEach calls fn for each entry in registration order until fn returns
// false.
func (q *Queue) ForEach(fn func(e *Entry) bool) {
	for _, e := range q.entries {
		if !fn(e) {
			return
		}
	}
}

// Entries returns a copy of the entry list.
func (q *Queue) Entries() []*Entry {
	return append([]*Entry(nil), q.entries...)
}

// Len returns the number of entries.
func (q *Queue) Len() int { return len(q.entries) }

// Since returns the earliest transaction time floor among the entries.
func (q *Queue) Since() time.Time {
	var min time.Time
	for _, e := range q.entries {
		if min.IsZero() || e.TransactionTime.Before(min) {
			min = e.TransactionTime
		}
	}
	return min
}

// Clear cancels every timeout and empties the queue.
func (q *Queue) Clear() {
	for _, e := range q.entries {
		e.handle.Cancel()
	}
	q.entries = nil
}
