package consent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
)

// Registry hands out one Gate per visitor, loading the latest persisted record on first use.
type Registry struct {
	store  Store
	logger *slog.Logger
	policy Policy
	opts   []Option

	mu    sync.Mutex
	gates map[string]*Gate
}

// NewRegistry builds a registry; opts are applied to every gate it creates.
func NewRegistry(store Store, logger *slog.Logger, policy Policy, opts ...Option) *Registry {
	return &Registry{
		store:  store,
		logger: logger,
		policy: policy,
		opts:   opts,
		gates:  map[string]*Gate{},
	}
}

// Gate returns the visitor's gate. A store failure is returned and nothing is cached, so the
// next call retries the load.
func (r *Registry) Gate(ctx context.Context, visitorID string) (*Gate, error) {
	if visitorID == "" {
		return nil, errors.New("visitor id is required")
	}
	r.mu.Lock()
	if g, ok := r.gates[visitorID]; ok {
		r.mu.Unlock()
		return g, nil
	}
	r.mu.Unlock()

	opts := append([]Option(nil), r.opts...)
	if r.store != nil {
		rec, err := r.store.LatestConsent(ctx, visitorID)
		switch {
		case err == nil:
			opts = append(opts, WithRecord(rec))
		case errors.Is(err, model.ErrNotFound):
		default:
			return nil, fmt.Errorf("load consent for %s: %w", visitorID, err)
		}
	}
	g := NewGate(visitorID, r.store, r.logger, r.policy, opts...)

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.gates[visitorID]; ok {
		return existing, nil
	}
	r.gates[visitorID] = g
	return g, nil
}

// Refresh re-evaluates expiry on every loaded gate.
func (r *Registry) Refresh() {
	r.mu.Lock()
	gates := make([]*Gate, 0, len(r.gates))
	for _, g := range r.gates {
		gates = append(gates, g)
	}
	r.mu.Unlock()
	for _, g := range gates {
		g.Refresh()
	}
}

// Evict drops the visitor's cached gate. The next Gate call reloads it from the store.
func (r *Registry) Evict(visitorID string) {
	r.mu.Lock()
	delete(r.gates, visitorID)
	r.mu.Unlock()
}

// Loaded is the number of cached gates.
func (r *Registry) Loaded() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.gates)
}

// Keep re-registers g unless another gate for its visitor was loaded meanwhile.
func (r *Registry) Keep(g *Gate) {
	r.mu.Lock()
	if _, ok := r.gates[g.VisitorID()]; !ok {
		r.gates[g.VisitorID()] = g
	}
	r.mu.Unlock()
}

// Visitors lists the visitors with a cached gate.
func (r *Registry) Visitors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.gates))
	for id := range r.gates {
		ids = append(ids, id)
	}
	return ids
}
