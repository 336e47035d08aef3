package storage

import (
	"context"
	"testing"
	"time"

	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
)

type memBehavior struct {
	events   []model.BehaviorEvent
	journeys map[string]model.UserJourney
}

func (m *memBehavior) InsertBehaviorEvents(_ context.Context, events []model.BehaviorEvent) error {
	m.events = append(m.events, events...)
	return nil
}

func (m *memBehavior) InsertUserJourney(_ context.Context, j model.UserJourney) error {
	if m.journeys == nil {
		m.journeys = map[string]model.UserJourney{}
	}
	m.journeys[j.SessionID] = j
	return nil
}

func (m *memBehavior) ListBehaviorEvents(context.Context, time.Time, time.Time) ([]model.BehaviorEvent, error) {
	return m.events, nil
}

func (m *memBehavior) ListUserJourneys(context.Context, time.Time, time.Time) ([]model.UserJourney, error) {
	var out []model.UserJourney
	for _, j := range m.journeys {
		out = append(out, j)
	}
	return out, nil
}

func (m *memBehavior) ExportSession(_ context.Context, sessionID string) (model.SubjectExport, error) {
	var out model.SubjectExport
	for _, ev := range m.events {
		if ev.SessionID == sessionID {
			out.BehaviorEvents = append(out.BehaviorEvents, ev)
		}
	}
	if j, ok := m.journeys[sessionID]; ok {
		out.UserJourneys = append(out.UserJourneys, j)
	}
	return out, nil
}

func (m *memBehavior) EraseSession(_ context.Context, sessionID string) (int64, error) {
	var n int64
	kept := m.events[:0]
	for _, ev := range m.events {
		if ev.SessionID == sessionID {
			n++
			continue
		}
		kept = append(kept, ev)
	}
	m.events = kept
	if _, ok := m.journeys[sessionID]; ok {
		delete(m.journeys, sessionID)
		n++
	}
	return n, nil
}

func TestWithBehaviorRoutesAndErasesBoth(t *testing.T) {
	ctx := context.Background()
	primary := openTestStore(t)
	behavior := &memBehavior{}
	s := WithBehavior(primary, behavior)

	if err := s.InsertStepEvent(ctx, stepEvent("e1", "s1", model.StepChooseService, base, nil)); err != nil {
		t.Fatalf("step: %v", err)
	}
	if err := s.InsertBehaviorEvents(ctx, []model.BehaviorEvent{{ID: "b1", SessionID: "s1", Type: model.InteractionPageView, Page: "/", Timestamp: base}}); err != nil {
		t.Fatalf("behavior: %v", err)
	}
	if len(behavior.events) != 1 {
		t.Fatalf("expected behavior routed to secondary store, got %d", len(behavior.events))
	}
	if own, _ := primary.ListBehaviorEvents(ctx, base, base.Add(time.Hour)); len(own) != 0 {
		t.Fatalf("expected primary behavior table empty, got %d", len(own))
	}

	export, err := s.ExportSession(ctx, "s1")
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if export.Rows() != 2 {
		t.Fatalf("expected 2 exported rows, got %d", export.Rows())
	}
	n, err := s.EraseSession(ctx, "s1")
	if err != nil || n != 2 {
		t.Fatalf("expected 2 erased rows, got %d, %v", n, err)
	}
}

func TestWithBehaviorNil(t *testing.T) {
	primary := openTestStore(t)
	if got := WithBehavior(primary, nil); got != Store(primary) {
		t.Fatalf("expected primary store returned unchanged")
	}
}
