package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Registry manages chain adapters, keyed by chain.
type Registry struct {
	adapters map[string]Adapter
	assets   map[string]string // base asset -> chain
	mu       sync.RWMutex
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		adapters: make(map[string]Adapter),
		assets:   make(map[string]string),
	}
}

// NewFromConfig builds an adapter for every configured chain.
func NewFromConfig(chains map[string]*Config) (*Registry, error) {
	r := NewRegistry()
	names := make([]string, 0, len(chains))
	for name := range chains {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		a, err := New(name, chains[name])
		if err != nil {
			return nil, err
		}
		if err := r.Register(a); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// New creates an adapter of the configured type.
func New(chain string, cfg *Config) (Adapter, error) {
	if err := cfg.Validate(chain); err != nil {
		return nil, err
	}
	switch cfg.Type {
	case TypeGolos:
		return NewGolosAdapter(chain, cfg), nil
	case TypeEVM:
		return NewEVMAdapter(chain, cfg), nil
	case TypeStellar:
		return NewStellarAdapter(chain, cfg), nil
	case TypeSolana:
		return NewSolanaAdapter(chain, cfg), nil
	default:
		return nil, fmt.Errorf("%w: %q for chain %s", ErrUnsupportedType, cfg.Type, chain)
	}
}

// Register adds an adapter. Each asset may be served by one adapter only.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.adapters[a.Chain()]; ok {
		return fmt.Errorf("chain %s already registered", a.Chain())
	}
	for _, asset := range a.Assets() {
		if other, ok := r.assets[BaseAsset(asset)]; ok {
			return fmt.Errorf("asset %s already served by %s", asset, other)
		}
	}

	r.adapters[a.Chain()] = a
	for _, asset := range a.Assets() {
		r.assets[BaseAsset(asset)] = a.Chain()
	}
	return nil
}

// Get returns the adapter for a chain.
func (r *Registry) Get(chain string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[chain]
	return a, ok
}

// ForAsset resolves the adapter that handles an asset, ignoring gateway
// prefixes.
func (r *Registry) ForAsset(asset string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain, ok := r.assets[BaseAsset(asset)]
	if !ok {
		return nil, false
	}
	return r.adapters[chain], true
}

// List returns the registered chains, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for chain := range r.adapters {
		out = append(out, chain)
	}
	sort.Strings(out)
	return out
}

// All returns the registered adapters ordered by chain.
func (r *Registry) All() []Adapter {
	chains := r.List()
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(chains))
	for _, chain := range chains {
		out = append(out, r.adapters[chain])
	}
	return out
}

// ConnectAll connects every adapter in parallel. A failing adapter does not
// affect the others; failures are returned keyed by chain.
func (r *Registry) ConnectAll(ctx context.Context) map[string]error {
	var (
		g      errgroup.Group
		mu     sync.Mutex
		failed = make(map[string]error)
	)
	for _, a := range r.All() {
		a := a
		g.Go(func() error {
			if err := a.Connect(ctx); err != nil {
				mu.Lock()
				failed[a.Chain()] = err
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return failed
}

// CloseAll closes every adapter.
func (r *Registry) CloseAll() {
	for _, a := range r.All() {
		a.Close()
	}
}
