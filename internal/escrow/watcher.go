package escrow

import (
	"context"
	"strings"
	"time"

	"github.com/Klingon-tech/escrowd/internal/backend"
	"github.com/Klingon-tech/escrowd/pkg/goroutine"
	"github.com/Klingon-tech/escrowd/pkg/logging"
)

// Watcher owns the pending transfer queue of one adapter. Every queue
// mutation runs inside its loop goroutine, posted through requests.
type Watcher struct {
	engine  *Engine
	adapter backend.Adapter
	chain   string
	queue   *Queue
	log     *logging.Logger

	requests chan func()
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}

	// Owned by the loop.
	watching     bool
	watchCancel  context.CancelFunc
	watchSince   time.Time
	observations <-chan backend.Observation
	gen          uint64
	retryAt      time.Time
	inflight     map[string]bool
}

func newWatcher(e *Engine, a backend.Adapter) *Watcher {
	ctx, cancel := context.WithCancel(e.ctx)
	w := &Watcher{
		engine:   e,
		adapter:  a,
		chain:    a.Chain(),
		log:      logging.GetDefault().Component("watch-" + strings.ToLower(a.Chain())),
		requests: make(chan func(), 64),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		inflight: make(map[string]bool),
	}
	w.queue = NewQueue(w.onTimeout)
	return w
}

// Chain returns the adapter's chain.
func (w *Watcher) Chain() string { return w.chain }

func (w *Watcher) start() {
	goroutine.SafeGo(w.log, w.chain+"-watcher", w.run)
}

func (w *Watcher) stop() {
	w.cancel()
	<-w.done
}

// post hands fn to the loop without waiting for it to run.
func (w *Watcher) post(fn func()) bool {
	select {
	case w.requests <- fn:
		return true
	case <-w.ctx.Done():
		return false
	}
}

// do runs fn inside the loop and waits for it. It must not be called from
// the loop itself.
func (w *Watcher) do(fn func()) error {
	done := make(chan struct{})
	if !w.post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-w.ctx.Done():
		return ErrStopped
	}
}

// Register adds an entry. It reports false when the deadline had already
// passed and the entry expired immediately.
func (w *Watcher) Register(e *Entry) (bool, error) {
	var ok bool
	err := w.do(func() {
		_, ok = w.queue.Register(e, e.Deadline)
		if ok {
			w.log.Info("Awaiting transfer", "offer", e.OfferID, "from", e.From, "amount", e.AmountWithoutFee, "deadline", e.Deadline.Format(time.RFC3339))
		}
	})
	return ok, err
}

// RegisterAll adds entries in a single loop pass, so the chain watch starts
// from the earliest floor among them. It returns how many were queued.
func (w *Watcher) RegisterAll(entries []*Entry) (int, error) {
	n := 0
	err := w.do(func() {
		for _, e := range entries {
			if _, ok := w.queue.Register(e, e.Deadline); ok {
				n++
			}
		}
		w.log.Info("Resumed pending transfers", "queued", n, "since", w.queue.Since().Format(time.RFC3339))
	})
	return n, err
}

// Remove deletes the entry for an offer.
func (w *Watcher) Remove(offerID string) (bool, error) {
	var ok bool
	err := w.do(func() { ok = w.queue.Remove(offerID) })
	return ok, err
}

// Entries returns a copy of the queued entries.
func (w *Watcher) Entries() ([]Entry, error) {
	var out []Entry
	err := w.do(func() {
		w.queue.ForEach(func(e *Entry) bool {
			out = append(out, *e)
			return true
		})
	})
	return out, err
}

// Watching reports whether the chain watch is running.
func (w *Watcher) Watching() (bool, error) {
	var watching bool
	err := w.do(func() { watching = w.watching })
	return watching, err
}

func (w *Watcher) advanceFloor(offerID string, t time.Time) {
	w.post(func() {
		if e, ok := w.queue.Get(offerID); ok && t.After(e.TransactionTime) {
			e.TransactionTime = t
		}
	})
}

func (w *Watcher) taskDone(opID string) {
	w.post(func() { delete(w.inflight, opID) })
}

// onTimeout runs from the entry's timer, or from Register inside the loop
// when the deadline already passed.
func (w *Watcher) onTimeout(e *Entry, h *Handle) {
	if h == nil {
		w.spawnExpire(*e)
		return
	}
	w.post(func() {
		if !w.queue.IsCurrent(e, h) {
			return
		}
		w.queue.Remove(e.OfferID)
		w.spawnExpire(*e)
	})
}

func (w *Watcher) spawnExpire(e Entry) {
	goroutine.SafeGo(w.log, "expire-"+e.OfferID, func() {
		w.engine.expire(w.ctx, w, e)
	})
}

func (w *Watcher) run() {
	defer close(w.done)
	defer w.shutdown()

	for {
		select {
		case <-w.ctx.Done():
			return
		case fn := <-w.requests:
			fn()
		case obs, ok := <-w.observations:
			if !ok {
				w.watchFailed("watch stream ended")
			} else {
				w.handleObservation(obs)
			}
		}
		w.syncWatch()
	}
}

func (w *Watcher) shutdown() {
	if w.watchCancel != nil {
		w.watchCancel()
	}
	w.queue.Clear()
	w.engine.metrics.Watching.WithLabelValues(w.chain).Set(0)
}

// syncWatch starts the chain watch when the queue has entries and stops it
// when the queue is empty. A watch running from a later floor than the
// queue's earliest entry is restarted so that history gets scanned.
func (w *Watcher) syncWatch() {
	n := w.queue.Len()
	w.engine.metrics.QueueLength.WithLabelValues(w.chain).Set(float64(n))

	switch {
	case n > 0 && w.watching && w.queue.Since().Before(w.watchSince):
		w.log.Info("Restarting chain watch from an earlier floor", "since", w.queue.Since().Format(time.RFC3339))
		w.stopWatch()
		w.startWatch()
	case n > 0 && !w.watching && !time.Now().Before(w.retryAt):
		w.startWatch()
	case n == 0 && w.watching:
		w.stopWatch()
	}
}

func (w *Watcher) startWatch() {
	ctx, cancel := context.WithCancel(w.ctx)
	w.gen++
	gen := w.gen
	w.watching = true
	w.watchCancel = cancel
	since := w.queue.Since()
	w.watchSince = since

	goroutine.SafeGo(w.log, w.chain+"-watch-start", func() {
		ch, err := w.adapter.Watch(ctx, since)
		w.post(func() {
			if gen != w.gen {
				cancel()
				return
			}
			if err != nil {
				w.log.Error("Failed to start chain watch", "error", err)
				w.engine.notify(w.ctx, OperatorIdentity, EventConnectionError, map[string]any{
					"chain": w.chain,
					"error": err.Error(),
				})
				w.watchFailed("watch start failed")
				return
			}
			w.observations = ch
			w.engine.metrics.Watching.WithLabelValues(w.chain).Set(1)
			w.log.Info("Chain watch started", "since", since.Format(time.RFC3339))
		})
	})
}

func (w *Watcher) stopWatch() {
	if w.watchCancel != nil {
		w.watchCancel()
	}
	w.watching = false
	w.watchCancel = nil
	w.observations = nil
	w.gen++
	w.engine.metrics.Watching.WithLabelValues(w.chain).Set(0)
	w.log.Info("Chain watch stopped")
}

// watchFailed stops the watch and schedules a restart after WatchRetry.
func (w *Watcher) watchFailed(reason string) {
	w.stopWatch()
	delay := w.engine.opts.WatchRetry
	w.retryAt = time.Now().Add(delay)
	w.log.Warn("Chain watch interrupted", "reason", reason, "retry_in", delay)
	time.AfterFunc(delay, func() { w.post(func() {}) })
}

// processed reports whether op already led to a confirmation or refund,
// as happens when a restarted watch replays history.
func (w *Watcher) processed(op *backend.Operation) bool {
	claimed, err := w.engine.store.IsOperationClaimed(w.chain, op.ID)
	if err != nil {
		w.log.Warn("Failed to look up operation", "op", op.ID, "error", err)
		return false
	}
	return claimed
}

func (w *Watcher) handleObservation(obs backend.Observation) {
	op := &obs.Operation
	if w.inflight[op.ID] {
		return
	}

	res := Match(op, w.queue.Entries(), w.adapter.ServiceAddress())
	if res.Kind != NoMatch && w.processed(op) {
		w.log.Debug("Operation already processed", "op", op.ID, "offer", res.Entry.OfferID)
		res = MatchResult{Kind: NoMatch}
	}
	w.engine.metrics.Matches.WithLabelValues(w.chain, res.Kind.String()).Inc()

	switch res.Kind {
	case NoMatch:
		w.log.Debug("Unmatched operation", "op", op.ID, "from", op.From, "amount", op.Amount)

	case ExactMatch:
		e := res.Entry
		e.Confirming = true
		w.queue.CancelTimeout(e.OfferID)
		w.inflight[op.ID] = true
		w.log.Info("Transfer matched", "offer", e.OfferID, "op", op.ID, "amount", op.Amount)

		entry := *e
		goroutine.SafeGo(w.log, "confirm-"+e.OfferID, func() {
			w.engine.coord.confirm(w.ctx, w, entry, obs)
		})

	case Mismatch:
		e := res.Entry
		w.inflight[op.ID] = true
		w.log.Warn("Transfer mismatch", "offer", e.OfferID, "op", op.ID, "reasons", res.Reasons)

		entry := *e
		goroutine.SafeGo(w.log, "refund-"+e.OfferID, func() {
			w.engine.coord.refund(w.ctx, w, entry, obs, res.Reasons)
		})
	}
}
