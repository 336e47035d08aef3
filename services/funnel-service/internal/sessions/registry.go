// Package sessions owns the live booking sessions and behavioral buses of the process.
package sessions

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/behavior"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/consent"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/emitter"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/tracker"
)

var ErrUnknownSession = errors.New("unknown booking session")

const (
	DefaultIdleTimeout   = 30 * time.Minute
	DefaultSweepInterval = time.Minute
)

type Config struct {
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	Behavior      behavior.Config
	Clock         func() time.Time
}

type StartRequest struct {
	VisitorID  string `json:"visitor_id"`
	DeviceType string `json:"device_type"`
	Language   string `json:"language"`
	Category   string `json:"service_category"`
}

// Registry maps session ids to trackers and visitor ids to behavioral buses. Each bus runs its
// own flush loop until it goes idle or the registry closes.
type Registry struct {
	consents      *consent.Registry
	emit          tracker.Emitter
	behaviorStore behavior.Store
	pseudo        tracker.Pseudonymizer
	logger        *slog.Logger
	cfg           Config

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	trackers map[string]liveSession
	buses    map[string]*liveBus
}

type liveSession struct {
	tracker   *tracker.Tracker
	visitorID string
}

type liveBus struct {
	bus    *behavior.Bus
	cancel context.CancelFunc
	done   chan struct{}
}

func New(consents *consent.Registry, emit tracker.Emitter, behaviorStore behavior.Store, pseudo tracker.Pseudonymizer, logger *slog.Logger, cfg Config) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Behavior.Clock == nil {
		cfg.Behavior.Clock = cfg.Clock
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		consents:      consents,
		emit:          emit,
		behaviorStore: behaviorStore,
		pseudo:        pseudo,
		logger:        logger,
		cfg:           cfg,
		ctx:           ctx,
		cancel:        cancel,
		trackers:      map[string]liveSession{},
		buses:         map[string]*liveBus{},
	}
}

// Gate returns the visitor's consent gate.
func (r *Registry) Gate(ctx context.Context, visitorID string) (*consent.Gate, error) {
	return r.consents.Gate(ctx, visitorID)
}

// Start opens a booking session for the visitor and records its first step.
func (r *Registry) Start(ctx context.Context, req StartRequest) (tracker.Session, emitter.Result, error) {
	gate, err := r.consents.Gate(ctx, req.VisitorID)
	if err != nil {
		return tracker.Session{}, emitter.Result{}, err
	}
	t := tracker.New(gate, r.emit, r.logger, tracker.Options{
		VisitorID:     req.VisitorID,
		DeviceType:    req.DeviceType,
		Language:      req.Language,
		Pseudonymizer: r.pseudo,
		Clock:         r.cfg.Clock,
	})
	id, res := t.StartFlow(ctx, req.Category)

	r.mu.Lock()
	r.trackers[id] = liveSession{tracker: t, visitorID: req.VisitorID}
	r.consents.Keep(gate)
	r.mu.Unlock()

	snap, _ := t.Snapshot()
	return snap, res, nil
}

func (r *Registry) Tracker(sessionID string) (*tracker.Tracker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ls, ok := r.trackers[sessionID]
	if !ok {
		return nil, ErrUnknownSession
	}
	return ls.tracker, nil
}

// Complete reports a payment outcome for a live session.
func (r *Registry) Complete(ctx context.Context, sessionID, bookingID string, status tracker.PaymentStatus) (emitter.Result, error) {
	t, err := r.Tracker(sessionID)
	if err != nil {
		return emitter.Result{}, err
	}
	return t.Complete(ctx, bookingID, status)
}

// Bus returns the visitor's behavioral bus, starting its flush loop on first use.
func (r *Registry) Bus(ctx context.Context, visitorID string) (*behavior.Bus, error) {
	r.mu.Lock()
	if lb, ok := r.buses[visitorID]; ok {
		r.mu.Unlock()
		return lb.bus, nil
	}
	r.mu.Unlock()

	gate, err := r.consents.Gate(ctx, visitorID)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if lb, ok := r.buses[visitorID]; ok {
		return lb.bus, nil
	}
	r.consents.Keep(gate)
	bctx, cancel := context.WithCancel(r.ctx)
	lb := &liveBus{
		bus:    behavior.NewBus(r.behaviorStore, gate, r.logger.With("visitor_id", visitorID), r.cfg.Behavior),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	r.buses[visitorID] = lb
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(lb.done)
		lb.bus.Run(bctx)
	}()
	return lb.bus, nil
}

// Forget drops a session without emitting anything: its tracker, and its queued behavioral
// events and journey on every live bus. Used before erasing its rows.
func (r *Registry) Forget(sessionID string) {
	r.mu.Lock()
	delete(r.trackers, sessionID)
	buses := make([]*behavior.Bus, 0, len(r.buses))
	for _, lb := range r.buses {
		buses = append(buses, lb.bus)
	}
	r.mu.Unlock()

	for _, b := range buses {
		if n := b.Forget(sessionID); n > 0 {
			r.logger.Info("queued behavior events discarded", "session_id", sessionID, "events", n)
		}
	}
}

// Active is the number of tracked sessions, closed ones included until swept.
func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.trackers)
}

// Buses is the number of live behavioral buses.
func (r *Registry) Buses() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buses)
}

// Sweep abandons sessions idle longer than the idle timeout, evicts closed sessions and idle
// buses past the same timeout, and re-evaluates consent expiry. Gates of visitors with nothing
// live left are dropped from the consent cache. It returns the number of abandoned sessions.
func (r *Registry) Sweep(ctx context.Context) int {
	r.consents.Refresh()

	r.mu.Lock()
	snapshot := make(map[string]*tracker.Tracker, len(r.trackers))
	for id, ls := range r.trackers {
		snapshot[id] = ls.tracker
	}
	r.mu.Unlock()

	now := r.cfg.Clock()
	abandoned := 0
	for id, t := range snapshot {
		if _, ok := t.AbandonIfIdle(ctx, tracker.ReasonInactivity, r.cfg.IdleTimeout); ok {
			abandoned++
			r.logger.Info("booking session abandoned for inactivity", "session_id", id)
			continue
		}
		s, ok := t.Snapshot()
		if ok && s.Closed() && now.Sub(s.LastActivity) >= r.cfg.IdleTimeout {
			r.mu.Lock()
			delete(r.trackers, id)
			r.mu.Unlock()
		}
	}

	r.evictIdleBuses(ctx, now)
	r.evictIdleGates()
	return abandoned
}

func (r *Registry) evictIdleBuses(ctx context.Context, now time.Time) {
	r.mu.Lock()
	idle := map[string]*liveBus{}
	for visitorID, lb := range r.buses {
		if now.Sub(lb.bus.LastActivity()) >= r.cfg.IdleTimeout {
			idle[visitorID] = lb
			delete(r.buses, visitorID)
		}
	}
	r.mu.Unlock()

	for visitorID, lb := range idle {
		for _, sessionID := range lb.bus.OpenSessions() {
			if _, err := lb.bus.CloseSession(ctx, sessionID); err != nil {
				r.logger.Warn("idle journey close failed", "visitor_id", visitorID, "session_id", sessionID, "err", err)
			}
		}
		lb.bus.Close()
		lb.cancel()
		<-lb.done
		r.logger.Debug("idle behavior bus evicted", "visitor_id", visitorID)
	}
}

func (r *Registry) evictIdleGates() {
	r.mu.Lock()
	defer r.mu.Unlock()
	live := make(map[string]bool, len(r.trackers)+len(r.buses))
	for _, ls := range r.trackers {
		live[ls.visitorID] = true
	}
	for visitorID := range r.buses {
		live[visitorID] = true
	}
	for _, visitorID := range r.consents.Visitors() {
		if !live[visitorID] {
			r.consents.Evict(visitorID)
		}
	}
}

// RunSweeper sweeps on every interval until ctx is done.
func (r *Registry) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

// Close stops every bus after a final flush.
func (r *Registry) Close() {
	r.cancel()
	r.wg.Wait()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, lb := range r.buses {
		lb.bus.Close()
		lb.cancel()
	}
}
