// Package escrow implements the offer lifecycle and the reconciliation of
// observed chain transfers against pending offers.
//
// Each chain adapter gets a Watcher that owns the queue of offers awaiting
// a transfer on that chain. Observed operations are matched against the
// queue; an exact match is confirmed once the operation is final and a
// mismatch is refunded. Confirmed offers are released to the escrow
// receiver after the sender confirms off-chain receipt.
package escrow

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Klingon-tech/escrowd/internal/backend"
	"github.com/Klingon-tech/escrowd/internal/offer"
	"github.com/Klingon-tech/escrowd/pkg/logging"
)

// Config holds the engine dependencies.
type Config struct {
	Store    Store
	Registry *backend.Registry
	Notifier Notifier
	Options  Options
	Metrics  *Metrics
}

// Engine runs offers from creation to release or refund.
type Engine struct {
	store     Store
	registry  *backend.Registry
	notifier  Notifier
	opts      Options
	metrics   *Metrics
	insurance *InsuranceAllocator
	coord     *Coordinator
	log       *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.RWMutex
	watchers map[string]*Watcher
	failed   map[string]error
	started  bool

	now func() time.Time
}

// ChainStatus describes one configured adapter.
type ChainStatus struct {
	Chain          string       `json:"chain"`
	Type           backend.Type `json:"type"`
	ServiceAddress string       `json:"service_address"`
	Assets         []string     `json:"assets"`
	Connected      bool         `json:"connected"`
	Error          string       `json:"error,omitempty"`
	Queued         int          `json:"queued"`
	Watching       bool         `json:"watching"`
}

// New creates an engine. Start must be called before offers can be funded.
func New(cfg *Config) *Engine {
	notifier := cfg.Notifier
	if notifier == nil {
		notifier = NopNotifier{}
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = NewMetrics(nil)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:     cfg.Store,
		registry:  cfg.Registry,
		notifier:  notifier,
		opts:      cfg.Options.withDefaults(),
		metrics:   metrics,
		insurance: NewInsuranceAllocator(cfg.Registry, cfg.Store),
		log:       logging.GetDefault().Component("escrow"),
		ctx:       ctx,
		cancel:    cancel,
		watchers:  make(map[string]*Watcher),
		failed:    make(map[string]error),
		now:       func() time.Time { return time.Now().UTC() },
	}
	e.coord = newCoordinator(e)
	return e
}

// Start connects every adapter, starts a watcher per connected adapter and
// resumes offers that were awaiting confirmation. An adapter that fails to
// connect is reported to the operator and left out; the others run.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	e.started = true

	failed := e.registry.ConnectAll(ctx)
	for _, a := range e.registry.All() {
		chain := a.Chain()
		if err, ok := failed[chain]; ok {
			e.failed[chain] = err
			e.log.Error("Adapter unavailable", "chain", chain, "error", err)
			continue
		}
		w := newWatcher(e, a)
		e.watchers[chain] = w
		w.start()
	}
	e.mu.Unlock()

	for chain, err := range failed {
		e.notify(ctx, OperatorIdentity, EventConnectionError, map[string]any{
			"chain": chain,
			"error": err.Error(),
		})
	}

	n, err := e.Resume(ctx)
	if err != nil {
		return err
	}
	e.log.Info("Escrow engine started", "chains", len(e.watchers), "resumed", n)
	return nil
}

// Stop stops all watchers. Pending timers are dropped; Resume rebuilds
// them on the next start.
func (e *Engine) Stop() {
	e.cancel()

	e.mu.RLock()
	watchers := make([]*Watcher, 0, len(e.watchers))
	for _, w := range e.watchers {
		watchers = append(watchers, w)
	}
	e.mu.RUnlock()

	for _, w := range watchers {
		w.stop()
	}
	e.log.Info("Escrow engine stopped")
}

// Resume registers a queue entry for every offer awaiting confirmation.
// Entries whose deadline passed while the engine was down expire at once.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	offers, err := e.store.ListOffersByStatus(offer.StatusAwaitingConfirmation)
	if err != nil {
		return 0, fmt.Errorf("failed to load awaiting offers: %w", err)
	}

	var order []*Watcher
	batches := make(map[*Watcher][]*Entry)
	for _, o := range offers {
		w, err := e.watcherFor(o.EscrowAsset())
		if err != nil {
			e.log.Warn("Cannot resume offer", "offer", o.ID, "error", err)
			continue
		}
		entry, err := entryFor(o, w.adapter)
		if err != nil {
			e.log.Warn("Cannot resume offer", "offer", o.ID, "error", err)
			continue
		}
		if entry.Deadline.IsZero() {
			entry.Deadline = entry.TransactionTime.Add(e.opts.TransferDeadline + e.opts.Grace)
		}
		if _, ok := batches[w]; !ok {
			order = append(order, w)
		}
		batches[w] = append(batches[w], entry)
	}

	n := 0
	for _, w := range order {
		k, err := w.RegisterAll(batches[w])
		n += k
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func (e *Engine) watcherFor(asset string) (*Watcher, error) {
	a, ok := e.registry.ForAsset(asset)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoAdapter, asset)
	}
	return e.Watcher(a.Chain())
}

// Watcher returns the watcher of a chain.
func (e *Engine) Watcher(chain string) (*Watcher, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if w, ok := e.watchers[chain]; ok {
		return w, nil
	}
	if err, ok := e.failed[chain]; ok {
		return nil, fmt.Errorf("%w: %s unavailable: %v", ErrNoAdapter, chain, err)
	}
	if !e.started {
		return nil, ErrStopped
	}
	return nil, fmt.Errorf("%w: %s", ErrNoAdapter, chain)
}

// Queue returns the entries awaiting a transfer on chain, oldest first.
func (e *Engine) Queue(chain string) ([]Entry, error) {
	w, err := e.Watcher(chain)
	if err != nil {
		return nil, err
	}
	entries, err := w.Entries()
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].TransactionTime.Before(entries[j].TransactionTime)
	})
	return entries, nil
}

// Chains reports the state of every configured adapter.
func (e *Engine) Chains() []ChainStatus {
	var out []ChainStatus
	for _, a := range e.registry.All() {
		st := ChainStatus{
			Chain:          a.Chain(),
			Type:           a.Type(),
			ServiceAddress: a.ServiceAddress(),
			Assets:         a.Assets(),
		}
		if w, err := e.Watcher(a.Chain()); err == nil {
			st.Connected = true
			if entries, err := w.Entries(); err == nil {
				st.Queued = len(entries)
			}
			st.Watching, _ = w.Watching()
		} else {
			st.Error = err.Error()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Chain < out[j].Chain })
	return out
}

// Find returns an active offer.
func (e *Engine) Find(offerID string) (*offer.EscrowOffer, error) {
	return e.store.FindOffer(offerID)
}

// InsuranceQuote returns the insured part an offer of amount would get now.
func (e *Engine) InsuranceQuote(asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	return e.insurance.Insurance(asset, amount)
}

// Options returns the effective engine options.
func (e *Engine) Options() Options {
	return e.opts
}

// Registry returns the adapter registry.
func (e *Engine) Registry() *backend.Registry {
	return e.registry
}

func (e *Engine) notify(ctx context.Context, party string, kind EventKind, payload map[string]any) {
	if party == "" {
		return
	}
	e.notifier.Notify(ctx, party, kind, payload)
}
