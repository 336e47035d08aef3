// Package behavior captures page-level interactions outside the booking funnel and rebuilds
// user journeys from them.
package behavior

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/consent"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/emitter"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
)

const (
	DefaultBatchSize     = 50
	DefaultFlushInterval = 30 * time.Second
)

type Store interface {
	InsertBehaviorEvents(ctx context.Context, events []model.BehaviorEvent) error
	InsertUserJourney(ctx context.Context, j model.UserJourney) error
}

// Gate is the consent surface the bus depends on.
type Gate interface {
	HasConsent(t model.ConsentType) bool
	Redact(payload map[string]any) map[string]any
	Subscribe(l consent.Listener) func()
}

type Config struct {
	BatchSize     int
	FlushInterval time.Duration
	WriteTimeout  time.Duration
	Clock         func() time.Time
}

// Bus queues behavioral events and flushes them in batches. Delivery is at-least-once: a
// failed batch goes back to the head of the queue and is retried with the next flush.
type Bus struct {
	store  Store
	gate   Gate
	logger *slog.Logger
	cfg    Config
	now    func() time.Time

	mu           sync.Mutex
	queue        []model.BehaviorEvent
	sessions     map[string]*journeyBuilder
	lastActivity time.Time
	closed       bool

	flushMu sync.Mutex
	unsub   func()
}

func NewBus(store Store, gate Gate, logger *slog.Logger, cfg Config) *Bus {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bus{
		store:        store,
		gate:         gate,
		logger:       logger,
		cfg:          cfg,
		now:          cfg.Clock,
		sessions:     map[string]*journeyBuilder{},
		lastActivity: cfg.Clock(),
	}
	b.unsub = gate.Subscribe(b.onConsentChange)
	return b
}

// Track enqueues ev and flushes when the batch is full. A failed size-triggered flush still
// reports the event as recorded: it stays queued for the next flush.
func (b *Bus) Track(ctx context.Context, ev model.BehaviorEvent) emitter.Outcome {
	if !b.gate.HasConsent(model.ConsentAnalytics) {
		return emitter.Dropped(emitter.ReasonConsent)
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.now().UTC()
	}
	ev.Data = b.gate.Redact(ev.Data)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return emitter.Dropped(emitter.ReasonClosed)
	}
	b.lastActivity = b.now()
	b.queue = append(b.queue, ev)
	jb, ok := b.sessions[ev.SessionID]
	if !ok {
		jb = newJourneyBuilder(ev.SessionID)
		b.sessions[ev.SessionID] = jb
	}
	jb.add(ev)
	full := len(b.queue) >= b.cfg.BatchSize
	b.mu.Unlock()

	if full {
		_ = b.Flush(ctx)
	}
	return emitter.Recorded()
}

// LastActivity is the time of the latest tracked event, or the bus creation time.
func (b *Bus) LastActivity() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastActivity
}

// OpenSessions lists the sessions with a journey still being built.
func (b *Bus) OpenSessions() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	ids := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Forget removes every queued event and the journey of sessionID. It waits for an in-flight
// flush, so once it returns no write for the session is pending.
func (b *Bus) Forget(sessionID string) int {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.queue[:0]
	removed := 0
	for _, ev := range b.queue {
		if ev.SessionID == sessionID {
			removed++
			continue
		}
		kept = append(kept, ev)
	}
	clear(b.queue[len(kept):])
	b.queue = kept
	delete(b.sessions, sessionID)
	return removed
}

// Pending is the number of queued events.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Flush writes every queued event. Flushes are serialized so a retried batch keeps its place
// ahead of newer events.
func (b *Bus) Flush(ctx context.Context) error {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	batch := b.queue
	b.queue = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.WriteTimeout)
	defer cancel()
	if err := b.store.InsertBehaviorEvents(ctx, batch); err != nil {
		b.mu.Lock()
		if b.gate.HasConsent(model.ConsentAnalytics) {
			b.queue = append(batch, b.queue...)
		}
		pending := len(b.queue)
		b.mu.Unlock()
		b.logger.Warn("behavior flush failed", "events", len(batch), "pending", pending, "err", err)
		return err
	}
	return nil
}

// CloseSession flushes pending events and writes the session's journey row.
func (b *Bus) CloseSession(ctx context.Context, sessionID string) (model.UserJourney, error) {
	b.mu.Lock()
	jb, ok := b.sessions[sessionID]
	delete(b.sessions, sessionID)
	b.mu.Unlock()
	if !ok {
		return model.UserJourney{}, model.ErrNotFound
	}
	j := jb.build()
	if !b.gate.HasConsent(model.ConsentAnalytics) {
		return j, nil
	}
	flushErr := b.Flush(ctx)
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.WriteTimeout)
	defer cancel()
	if err := b.store.InsertUserJourney(wctx, j); err != nil {
		return j, errors.Join(flushErr, err)
	}
	return j, flushErr
}

// Unload performs the final flush when the client goes away.
func (b *Bus) Unload(ctx context.Context) error {
	return b.Flush(ctx)
}

// Run flushes on every tick until ctx is done, then flushes once more.
func (b *Bus) Run(ctx context.Context) {
	ticker := time.NewTicker(b.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := b.Unload(context.Background()); err != nil {
				b.logger.Warn("behavior final flush failed", "err", err)
			}
			return
		case <-ticker.C:
			_ = b.Flush(ctx)
		}
	}
}

// Close detaches the bus from the consent gate. Events tracked afterwards are dropped; the
// queue is still written by the next Flush or Unload.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	if b.unsub != nil {
		b.unsub()
	}
}

func (b *Bus) onConsentChange(consent.State) {
	if b.gate.HasConsent(model.ConsentAnalytics) {
		return
	}
	b.mu.Lock()
	dropped := len(b.queue)
	b.queue = nil
	b.sessions = map[string]*journeyBuilder{}
	b.mu.Unlock()
	if dropped > 0 {
		b.logger.Info("behavior queue discarded after consent change", "events", dropped)
	}
}
