// Package consent holds the per-visitor consent gate every tracking component consults before
// recording or forwarding anything non-essential.
package consent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
)

const DefaultExpiry = 365 * 24 * time.Hour

var ErrInvalidTransition = errors.New("invalid consent transition")

type State string

const (
	StateUnknown   State = "unknown"
	StateGranted   State = "granted"
	StateDeclined  State = "declined"
	StateWithdrawn State = "withdrawn"
)

// Policy configures data handling once collection is permitted.
type Policy struct {
	SensitiveDataMasking bool
	Expiry               time.Duration
}

// Store persists consent versions and the activity log.
type Store interface {
	SaveConsent(ctx context.Context, rec model.ConsentRecord) error
	LatestConsent(ctx context.Context, visitorID string) (model.ConsentRecord, error)
	InsertConsentActivity(ctx context.Context, act model.ConsentActivity) error
}

// Prompter asks the visitor which categories they accept. Rendering is up to the implementation.
type Prompter interface {
	Prompt(ctx context.Context, current map[model.ConsentType]bool) (map[model.ConsentType]bool, error)
}

// Listener is notified after every state change, synchronously and in registration order.
type Listener func(State)

type Gate struct {
	visitorID string
	store     Store
	logger    *slog.Logger
	policy    Policy
	now       func() time.Time

	mu        sync.RWMutex
	record    *model.ConsentRecord
	announced State

	listenerMu sync.Mutex
	listeners  map[int]Listener
	nextID     int
}

type Option func(*Gate)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) { g.now = now }
}

// WithRecord seeds the gate with a previously persisted record.
func WithRecord(rec model.ConsentRecord) Option {
	return func(g *Gate) {
		r := cloneRecord(rec)
		g.record = &r
	}
}

// NewGate builds a gate for one visitor. store may be nil, in which case changes are kept in
// memory only.
func NewGate(visitorID string, store Store, logger *slog.Logger, policy Policy, opts ...Option) *Gate {
	if policy.Expiry <= 0 {
		policy.Expiry = DefaultExpiry
	}
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gate{
		visitorID: visitorID,
		store:     store,
		logger:    logger,
		policy:    policy,
		now:       time.Now,
		listeners: map[int]Listener{},
	}
	for _, opt := range opts {
		opt(g)
	}
	g.announced = g.State()
	return g
}

func (g *Gate) VisitorID() string { return g.visitorID }

func (g *Gate) Policy() Policy { return g.policy }

// State derives the current state; an expired record reads as Unknown.
func (g *Gate) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.stateLocked()
}

func (g *Gate) stateLocked() State {
	rec := g.record
	if rec == nil || !g.now().Before(rec.ExpiryDate) {
		return StateUnknown
	}
	if rec.WithdrawnAt != nil {
		return StateWithdrawn
	}
	if rec.Declined {
		return StateDeclined
	}
	return StateGranted
}

// NeedsPrompt is true when no valid decision is on record.
func (g *Gate) NeedsPrompt() bool {
	return g.State() == StateUnknown
}

// HasConsent reports whether t may be collected now. Essential is always allowed.
func (g *Gate) HasConsent(t model.ConsentType) bool {
	if t == model.ConsentEssential {
		return true
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.stateLocked() != StateGranted {
		return false
	}
	return g.record.Types[t]
}

// Record returns a copy of the active record, if any.
func (g *Gate) Record() (model.ConsentRecord, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.record == nil {
		return model.ConsentRecord{}, false
	}
	return cloneRecord(*g.record), true
}

// Granted lists the consent types currently in force, sorted.
func (g *Gate) Granted() []model.ConsentType {
	out := []model.ConsentType{model.ConsentEssential}
	for _, t := range model.ConsentTypes {
		if t != model.ConsentEssential && g.HasConsent(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Grant records consent for exactly the given types; unlisted non-essential types are denied.
func (g *Gate) Grant(ctx context.Context, types []model.ConsentType) error {
	granted := map[model.ConsentType]bool{}
	for _, t := range model.ConsentTypes {
		granted[t] = t == model.ConsentEssential
	}
	for _, t := range types {
		if !t.Valid() {
			return fmt.Errorf("unknown consent type %q", t)
		}
		granted[t] = true
	}
	return g.supersede(ctx, "granted", func(rec *model.ConsentRecord, now time.Time) error {
		rec.Types = granted
		rec.Declined = false
		rec.WithdrawnAt = nil
		rec.ExpiryDate = now.Add(g.policy.Expiry)
		return nil
	})
}

// Decline records a refusal of every non-essential type.
func (g *Gate) Decline(ctx context.Context) error {
	return g.supersede(ctx, "declined", func(rec *model.ConsentRecord, now time.Time) error {
		rec.Types = essentialOnly()
		rec.Declined = true
		rec.WithdrawnAt = nil
		rec.ExpiryDate = now.Add(g.policy.Expiry)
		return nil
	})
}

// Withdraw is only valid from Granted.
func (g *Gate) Withdraw(ctx context.Context) error {
	return g.supersede(ctx, "withdrawn", func(rec *model.ConsentRecord, now time.Time) error {
		if g.stateLocked() != StateGranted {
			return fmt.Errorf("%w: withdraw from %s", ErrInvalidTransition, g.stateLocked())
		}
		rec.WithdrawnAt = &now
		return nil
	})
}

// RequestConsent asks p for a decision and records it. Choosing no non-essential type is a decline.
func (g *Gate) RequestConsent(ctx context.Context, p Prompter) ([]model.ConsentType, error) {
	current := map[model.ConsentType]bool{}
	for _, t := range model.ConsentTypes {
		current[t] = g.HasConsent(t)
	}
	answer, err := p.Prompt(ctx, current)
	if err != nil {
		return nil, err
	}
	var chosen []model.ConsentType
	for _, t := range model.ConsentTypes {
		if t != model.ConsentEssential && answer[t] {
			chosen = append(chosen, t)
		}
	}
	if len(chosen) == 0 {
		if err := g.Decline(ctx); err != nil {
			return nil, err
		}
		return g.Granted(), nil
	}
	if err := g.Grant(ctx, chosen); err != nil {
		return nil, err
	}
	return g.Granted(), nil
}

// Subscribe registers l and returns a function that removes it.
func (g *Gate) Subscribe(l Listener) func() {
	g.listenerMu.Lock()
	id := g.nextID
	g.nextID++
	g.listeners[id] = l
	g.listenerMu.Unlock()
	return func() {
		g.listenerMu.Lock()
		delete(g.listeners, id)
		g.listenerMu.Unlock()
	}
}

// Refresh re-evaluates expiry and notifies listeners if the derived state moved since the
// last broadcast.
func (g *Gate) Refresh() State {
	g.mu.Lock()
	state := g.stateLocked()
	changed := state != g.announced
	g.announced = state
	g.mu.Unlock()
	if changed {
		g.logger.Info("consent state changed", "visitor_id", g.visitorID, "state", state)
		g.broadcast(state)
	}
	return state
}

// Redact applies the masking policy to an outgoing payload.
func (g *Gate) Redact(payload map[string]any) map[string]any {
	if !g.policy.SensitiveDataMasking {
		return payload
	}
	return RedactSensitive(payload)
}

func (g *Gate) supersede(ctx context.Context, action string, mutate func(rec *model.ConsentRecord, now time.Time) error) error {
	g.mu.Lock()
	now := g.now().UTC()
	next := model.ConsentRecord{
		ID:        uuid.NewString(),
		VisitorID: g.visitorID,
		Version:   1,
		Types:     essentialOnly(),
		CreatedAt: now,
	}
	if g.record != nil {
		next = cloneRecord(*g.record)
		next.Version++
	}
	next.UpdatedAt = now
	if err := mutate(&next, now); err != nil {
		g.mu.Unlock()
		return err
	}
	g.record = &next
	state := g.stateLocked()
	g.announced = state
	g.mu.Unlock()

	g.persist(ctx, next, action)
	g.logger.Info("consent updated", "visitor_id", g.visitorID, "action", action, "state", state, "version", next.Version)
	g.broadcast(state)
	return nil
}

func (g *Gate) persist(ctx context.Context, rec model.ConsentRecord, action string) {
	if g.store == nil {
		return
	}
	if err := g.store.SaveConsent(ctx, rec); err != nil {
		g.logger.Warn("consent record write failed", "visitor_id", g.visitorID, "err", err)
	}
	act := model.ConsentActivity{
		ConsentID: rec.ID,
		VisitorID: rec.VisitorID,
		Action:    action,
		Types:     rec.Types,
		At:        rec.UpdatedAt,
	}
	if err := g.store.InsertConsentActivity(ctx, act); err != nil {
		g.logger.Warn("consent activity write failed", "visitor_id", g.visitorID, "err", err)
	}
}

func (g *Gate) broadcast(state State) {
	g.listenerMu.Lock()
	ids := make([]int, 0, len(g.listeners))
	for id := range g.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	ls := make([]Listener, 0, len(ids))
	for _, id := range ids {
		ls = append(ls, g.listeners[id])
	}
	g.listenerMu.Unlock()

	for _, l := range ls {
		l(state)
	}
}

func essentialOnly() map[model.ConsentType]bool {
	out := map[model.ConsentType]bool{}
	for _, t := range model.ConsentTypes {
		out[t] = t == model.ConsentEssential
	}
	return out
}

func cloneRecord(rec model.ConsentRecord) model.ConsentRecord {
	out := rec
	out.Types = make(map[model.ConsentType]bool, len(rec.Types))
	for k, v := range rec.Types {
		out.Types[k] = v
	}
	if rec.WithdrawnAt != nil {
		w := *rec.WithdrawnAt
		out.WithdrawnAt = &w
	}
	return out
}
