package behavior

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/consent"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/emitter"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
)

type memStore struct {
	mu       sync.Mutex
	batches  [][]model.BehaviorEvent
	journeys []model.UserJourney
	fail     bool
	calls    int
}

func (m *memStore) InsertBehaviorEvents(_ context.Context, events []model.BehaviorEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail {
		return errors.New("store unavailable")
	}
	m.batches = append(m.batches, append([]model.BehaviorEvent(nil), events...))
	return nil
}

func (m *memStore) InsertUserJourney(_ context.Context, j model.UserJourney) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.fail {
		return errors.New("store unavailable")
	}
	m.journeys = append(m.journeys, j)
	return nil
}

func (m *memStore) written() []model.BehaviorEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.BehaviorEvent
	for _, b := range m.batches {
		out = append(out, b...)
	}
	return out
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func grantedGate(t *testing.T) *consent.Gate {
	t.Helper()
	g := consent.NewGate("v1", nil, quiet(), consent.Policy{SensitiveDataMasking: true})
	if err := g.Grant(context.Background(), []model.ConsentType{model.ConsentAnalytics}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	return g
}

func click(session string, i int) model.BehaviorEvent {
	return model.BehaviorEvent{SessionID: session, Type: model.InteractionClick, Page: "/services", Target: fmt.Sprintf("btn-%d", i)}
}

func TestBusFlushesAtBatchSize(t *testing.T) {
	store := &memStore{}
	bus := NewBus(store, grantedGate(t), quiet(), Config{})
	defer bus.Close()
	ctx := context.Background()

	for i := 0; i < DefaultBatchSize-1; i++ {
		bus.Track(ctx, click("s1", i))
	}
	if store.calls != 0 {
		t.Fatalf("flushed too early")
	}
	bus.Track(ctx, click("s1", 49))
	if len(store.batches) != 1 || len(store.batches[0]) != DefaultBatchSize {
		t.Fatalf("expected one batch of %d", DefaultBatchSize)
	}
	if bus.Pending() != 0 {
		t.Fatalf("queue should be empty after flush")
	}
}

func TestBusRequeuesFailedBatchAtHead(t *testing.T) {
	store := &memStore{fail: true}
	bus := NewBus(store, grantedGate(t), quiet(), Config{BatchSize: 100})
	defer bus.Close()
	ctx := context.Background()

	bus.Track(ctx, click("s1", 0))
	bus.Track(ctx, click("s1", 1))
	if err := bus.Flush(ctx); err == nil {
		t.Fatalf("expected flush error")
	}
	if bus.Pending() != 2 {
		t.Fatalf("failed batch should be re-queued, pending=%d", bus.Pending())
	}
	bus.Track(ctx, click("s1", 2))

	store.mu.Lock()
	store.fail = false
	store.mu.Unlock()
	if err := bus.Unload(ctx); err != nil {
		t.Fatalf("unload: %v", err)
	}
	got := store.written()
	if len(got) != 3 {
		t.Fatalf("expected 3 events, got %d", len(got))
	}
	for i, ev := range got {
		if ev.Target != fmt.Sprintf("btn-%d", i) {
			t.Fatalf("order lost at %d: %s", i, ev.Target)
		}
	}
}

func TestBusFailedBatchFlushKeepsEventRecorded(t *testing.T) {
	store := &memStore{fail: true}
	bus := NewBus(store, grantedGate(t), quiet(), Config{BatchSize: 2})
	defer bus.Close()
	ctx := context.Background()

	bus.Track(ctx, click("s1", 0))
	if out := bus.Track(ctx, click("s1", 1)); !out.IsRecorded() {
		t.Fatalf("queued event should count as recorded, got %+v", out)
	}
	if bus.Pending() != 2 {
		t.Fatalf("expected both events queued for retry, pending=%d", bus.Pending())
	}
}

func TestBusForgetDropsOneSession(t *testing.T) {
	store := &memStore{}
	bus := NewBus(store, grantedGate(t), quiet(), Config{})
	defer bus.Close()
	ctx := context.Background()

	bus.Track(ctx, click("s1", 0))
	bus.Track(ctx, click("s2", 1))
	bus.Track(ctx, click("s1", 2))
	if n := bus.Forget("s1"); n != 2 {
		t.Fatalf("expected 2 events removed, got %d", n)
	}
	if got := bus.OpenSessions(); len(got) != 1 || got[0] != "s2" {
		t.Fatalf("expected only s2 open, got %v", got)
	}
	if _, err := bus.CloseSession(ctx, "s1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected s1 journey gone, got %v", err)
	}
	_ = bus.Flush(ctx)
	got := store.written()
	if len(got) != 1 || got[0].SessionID != "s2" {
		t.Fatalf("expected only s2 written, got %+v", got)
	}
}

func TestBusClosedDropsLateEvents(t *testing.T) {
	bus := NewBus(&memStore{}, grantedGate(t), quiet(), Config{})
	bus.Close()
	if out := bus.Track(context.Background(), click("s1", 0)); out.Reason != emitter.ReasonClosed {
		t.Fatalf("expected closed drop, got %+v", out)
	}
}

func TestBusWithoutConsent(t *testing.T) {
	store := &memStore{}
	gate := consent.NewGate("v1", nil, quiet(), consent.Policy{})
	bus := NewBus(store, gate, quiet(), Config{BatchSize: 1})
	defer bus.Close()

	if out := bus.Track(context.Background(), click("s1", 0)); out.IsRecorded() {
		t.Fatalf("expected drop without consent")
	}
	_ = bus.Unload(context.Background())
	if store.calls != 0 {
		t.Fatalf("expected zero store calls, got %d", store.calls)
	}
}

func TestBusDiscardsQueueOnWithdraw(t *testing.T) {
	store := &memStore{}
	gate := grantedGate(t)
	bus := NewBus(store, gate, quiet(), Config{BatchSize: 10})
	defer bus.Close()

	bus.Track(context.Background(), click("s1", 0))
	if err := gate.Withdraw(context.Background()); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if bus.Pending() != 0 {
		t.Fatalf("queue should be discarded after withdrawal")
	}
	_ = bus.Unload(context.Background())
	if store.calls != 0 {
		t.Fatalf("nothing should be written after withdrawal")
	}
}

func TestBusRedactsPayload(t *testing.T) {
	store := &memStore{}
	bus := NewBus(store, grantedGate(t), quiet(), Config{})
	defer bus.Close()
	ev := click("s1", 0)
	ev.Data = map[string]any{"email": "a@b.com", "note": "ok"}
	bus.Track(context.Background(), ev)
	_ = bus.Flush(context.Background())
	got := store.written()[0].Data
	if got["email"] != consent.Redacted || got["note"] != "ok" {
		t.Fatalf("unexpected payload %v", got)
	}
}

func TestBusRunFlushesOnTickAndShutdown(t *testing.T) {
	store := &memStore{}
	bus := NewBus(store, grantedGate(t), quiet(), Config{FlushInterval: 10 * time.Millisecond})
	defer bus.Close()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		bus.Run(ctx)
		close(done)
	}()

	bus.Track(context.Background(), click("s1", 0))
	deadline := time.Now().Add(2 * time.Second)
	for len(store.written()) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(store.written()) != 1 {
		t.Fatalf("ticker flush did not happen")
	}
	bus.Track(context.Background(), click("s1", 1))
	cancel()
	<-done
	if len(store.written()) != 2 {
		t.Fatalf("expected final flush on shutdown")
	}
}

func TestCloseSessionWritesJourney(t *testing.T) {
	store := &memStore{}
	bus := NewBus(store, grantedGate(t), quiet(), Config{})
	defer bus.Close()
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	ctx := context.Background()
	bus.Track(ctx, model.BehaviorEvent{SessionID: "s1", Type: model.InteractionPageView, Page: "/", Timestamp: base})
	bus.Track(ctx, model.BehaviorEvent{SessionID: "s1", Type: model.InteractionPageView, Page: "/book", Timestamp: base.Add(time.Minute)})
	bus.Track(ctx, model.BehaviorEvent{SessionID: "s1", Type: model.InteractionBookingComplete, Page: "/book", Timestamp: base.Add(2 * time.Minute)})

	j, err := bus.CloseSession(ctx, "s1")
	if err != nil {
		t.Fatalf("close session: %v", err)
	}
	if j.EntryPage != "/" || j.ExitPage != "/book" || !j.Converted || j.Bounced || j.DurationSeconds != 120 {
		t.Fatalf("unexpected journey %+v", j)
	}
	if len(store.journeys) != 1 || len(store.written()) != 3 {
		t.Fatalf("expected journey and events persisted")
	}
	if _, err := bus.CloseSession(ctx, "s1"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected not found for closed session, got %v", err)
	}
}

func TestAnalyzeJourneysAndSummarize(t *testing.T) {
	base := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	events := []model.BehaviorEvent{
		// bounce: one page, 10s
		{SessionID: "a", Type: model.InteractionPageView, Page: "/", Timestamp: base},
		{SessionID: "a", Type: model.InteractionScroll, Page: "/", Timestamp: base.Add(10 * time.Second)},
		// single page but long: not a bounce
		{SessionID: "b", Type: model.InteractionPageView, Page: "/pricing", Timestamp: base.Add(time.Second)},
		{SessionID: "b", Type: model.InteractionClick, Page: "/pricing", Timestamp: base.Add(45 * time.Second)},
		// converts, delivered out of order
		{SessionID: "c", Type: model.InteractionPurchase, Page: "/checkout", Timestamp: base.Add(3 * time.Minute)},
		{SessionID: "c", Type: model.InteractionPageView, Page: "/", Timestamp: base.Add(2 * time.Second)},
		{SessionID: "c", Type: model.InteractionPageView, Page: "/services", Timestamp: base.Add(time.Minute)},
	}
	js := AnalyzeJourneys(events)
	if len(js) != 3 {
		t.Fatalf("expected 3 journeys, got %d", len(js))
	}
	a, b, c := js[0], js[1], js[2]
	if a.SessionID != "a" || !a.Bounced || a.Converted {
		t.Fatalf("unexpected journey a %+v", a)
	}
	if b.Bounced {
		t.Fatalf("journey b lasted 44s and should not bounce")
	}
	if c.EntryPage != "/" || c.ExitPage != "/checkout" || c.DistinctPages != 3 || !c.Converted {
		t.Fatalf("unexpected journey c %+v", c)
	}

	s := Summarize(js)
	if s.Sessions != 3 {
		t.Fatalf("expected 3 sessions")
	}
	if s.ConversionRate < 33.3 || s.ConversionRate > 33.4 || s.BounceRate < 33.3 || s.BounceRate > 33.4 {
		t.Fatalf("unexpected rates %+v", s)
	}
	if s.PagesPerSession != 5.0/3.0 {
		t.Fatalf("unexpected pages per session %v", s.PagesPerSession)
	}
	if len(s.TopEntryPages) != 2 || s.TopEntryPages[0].Page != "/" || s.TopEntryPages[0].Sessions != 2 {
		t.Fatalf("unexpected entry pages %+v", s.TopEntryPages)
	}

	empty := Summarize(nil)
	if empty.BounceRate != 0 || empty.ConversionRate != 0 {
		t.Fatalf("empty summary must be zero")
	}
}
