package tracker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/consent"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/emitter"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
)

type memSink struct {
	mu     sync.Mutex
	events []model.TelemetryEvent
	jrn    []model.BookingJourney
	abd    []model.Abandonment
	writes int
}

func (m *memSink) InsertStepEvent(_ context.Context, ev model.TelemetryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	m.events = append(m.events, ev)
	return nil
}

func (m *memSink) InsertJourney(_ context.Context, j model.BookingJourney) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	m.jrn = append(m.jrn, j)
	return nil
}

func (m *memSink) InsertAbandonment(_ context.Context, a model.Abandonment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	m.abd = append(m.abd, a)
	return nil
}

type stepClock struct {
	t time.Time
}

func (c *stepClock) now() time.Time {
	c.t = c.t.Add(7 * time.Second)
	return c.t
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func grantedGate(t *testing.T) *consent.Gate {
	t.Helper()
	g := consent.NewGate("visitor-1", nil, quiet(), consent.Policy{SensitiveDataMasking: true})
	if err := g.Grant(context.Background(), []model.ConsentType{model.ConsentAnalytics}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	return g
}

func newTracker(t *testing.T, gate emitter.Gate, sink *memSink) *Tracker {
	t.Helper()
	clock := &stepClock{t: time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)}
	em := emitter.New(sink, nil, quiet(), emitter.Config{Currency: "PLN"})
	pseudo, _ := consent.NewPseudonymizer([]byte("test-key"))
	return New(gate, em, quiet(), Options{
		VisitorID:     "visitor-1",
		DeviceType:    "desktop",
		Language:      "pl",
		Pseudonymizer: pseudo,
		Clock:         clock.now,
	})
}

var haircut = model.ServiceSelection{ID: "s1", Name: "Haircut", Type: "service", Price: 300, Category: "beauty"}

func TestScenarioCompletedBooking(t *testing.T) {
	sink := &memSink{}
	tr := newTracker(t, grantedGate(t), sink)
	ctx := context.Background()

	sessionID, res := tr.StartFlow(ctx, "beauty")
	if !res.Sink.IsRecorded() {
		t.Fatalf("start not recorded: %+v", res)
	}
	if _, err := tr.SelectService(ctx, haircut); err != nil {
		t.Fatalf("select service: %v", err)
	}
	if _, err := tr.SelectTime(ctx, "14:00", "available"); err != nil {
		t.Fatalf("select time: %v", err)
	}
	if _, err := tr.EnterCustomerInfo(ctx, model.CustomerInfo{Name: "Ann", Email: "ann@example.com"}); err != nil {
		t.Fatalf("customer info: %v", err)
	}
	res, err := tr.Complete(ctx, "bk1", PaymentSuccess)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.Record == nil || !res.Record.IsRecorded() {
		t.Fatalf("journey not recorded: %+v", res)
	}

	snap, _ := tr.Snapshot()
	if !snap.IsCompleted || snap.TotalTimeSpent <= 0 || snap.ID != sessionID {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if len(sink.events) != 4 {
		t.Fatalf("expected 4 step events, got %d", len(sink.events))
	}
	for i, ev := range sink.events {
		if !ev.Success || ev.Step != model.Step(i+1) || ev.SessionID != sessionID {
			t.Fatalf("event %d unexpected: step=%d success=%v", i, ev.Step, ev.Success)
		}
	}
	last := sink.events[3]
	if last.AdditionalData[model.DataCompletionRate] != 100.0 {
		t.Fatalf("expected completion rate 100, got %v", last.AdditionalData[model.DataCompletionRate])
	}

	if len(sink.jrn) != 1 {
		t.Fatalf("expected one journey, got %d", len(sink.jrn))
	}
	j := sink.jrn[0]
	if j.BookingID != "bk1" || j.ServicePrice != 300 || !j.HasCustomerEmail || j.HasCustomerPhone {
		t.Fatalf("unexpected journey %+v", j)
	}
	if j.CustomerRef == "" || j.CustomerRef == "ann@example.com" {
		t.Fatalf("journey must carry a pseudonymous reference, got %q", j.CustomerRef)
	}
	if len(j.StepTimestamps) != 4 {
		t.Fatalf("expected 4 step timestamps, got %d", len(j.StepTimestamps))
	}
	var prev time.Time
	for _, s := range model.Steps {
		ts := j.StepTimestamps[s]
		if !ts.After(prev) {
			t.Fatalf("step timestamps not increasing at step %d", s)
		}
		prev = ts
	}
	if len(sink.abd) != 0 {
		t.Fatalf("completed session must not be abandoned")
	}

	if _, err := tr.Abandon(ctx, "late", 0); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
}

func TestScenarioSlotFullThenUnload(t *testing.T) {
	sink := &memSink{}
	tr := newTracker(t, grantedGate(t), sink)
	ctx := context.Background()

	tr.StartFlow(ctx, "beauty")
	_, _ = tr.SelectService(ctx, haircut)
	res, err := tr.SelectTime(ctx, "14:00", AvailabilityFull)
	if err != nil {
		t.Fatalf("select time: %v", err)
	}
	if !res.Sink.IsRecorded() {
		t.Fatalf("expected failure event recorded")
	}
	snap, _ := tr.Snapshot()
	if snap.CurrentStep != model.StepEnterDetails {
		t.Fatalf("session should advance to step 3, at %d", snap.CurrentStep)
	}

	res, ok := tr.Unload(ctx)
	if !ok || res.Record == nil || !res.Record.IsRecorded() {
		t.Fatalf("unload should abandon: ok=%v res=%+v", ok, res)
	}
	if _, again := tr.Unload(ctx); again {
		t.Fatalf("second unload should be a no-op")
	}

	var slotEvents int
	for _, ev := range sink.events {
		if ev.ErrorCode == CodeSlotUnavailable {
			slotEvents++
			if ev.Step != model.StepEnterDetails || ev.Success {
				t.Fatalf("unexpected slot event %+v", ev)
			}
		}
	}
	if slotEvents != 1 {
		t.Fatalf("expected 1 slot_unavailable event, got %d", slotEvents)
	}
	if len(sink.abd) != 1 {
		t.Fatalf("expected one abandonment, got %d", len(sink.abd))
	}
	a := sink.abd[0]
	if a.Step != model.StepEnterDetails || a.StepsCompleted != 2 || a.Reason != ReasonPageUnload || a.ServicePrice != 300 {
		t.Fatalf("unexpected abandonment %+v", a)
	}
	lastEv := sink.events[len(sink.events)-1]
	if lastEv.AbandonmentReason() != ReasonPageUnload || lastEv.ErrorCode != CodeAbandoned {
		t.Fatalf("unexpected abandonment event %+v", lastEv)
	}
}

func TestNoConsentNoWrites(t *testing.T) {
	sink := &memSink{}
	gate := consent.NewGate("visitor-1", nil, quiet(), consent.Policy{})
	tr := newTracker(t, gate, sink)
	ctx := context.Background()

	_, res := tr.StartFlow(ctx, "beauty")
	if res.Sink.Reason != emitter.ReasonConsent {
		t.Fatalf("expected consent drop, got %+v", res)
	}
	_, _ = tr.SelectService(ctx, haircut)
	_, _ = tr.SelectTime(ctx, "10:00", "available")
	_, _ = tr.Error(ctx, "card declined", 0, "card_declined")
	_, _ = tr.EnterCustomerInfo(ctx, model.CustomerInfo{Email: "x@y.z"})
	_, _ = tr.Complete(ctx, "bk", PaymentSuccess)
	if sink.writes != 0 {
		t.Fatalf("expected zero sink writes, got %d", sink.writes)
	}
	snap, _ := tr.Snapshot()
	if !snap.IsCompleted {
		t.Fatalf("state must still advance without consent")
	}
}

func TestStepPreconditions(t *testing.T) {
	sink := &memSink{}
	tr := newTracker(t, grantedGate(t), sink)
	ctx := context.Background()

	if _, err := tr.SelectService(ctx, haircut); !errors.Is(err, ErrNotStarted) {
		t.Fatalf("expected ErrNotStarted, got %v", err)
	}
	tr.StartFlow(ctx, "beauty")
	if _, err := tr.SelectTime(ctx, "10:00", "available"); !errors.Is(err, ErrStepOutOfOrder) {
		t.Fatalf("expected ErrStepOutOfOrder, got %v", err)
	}
	if _, err := tr.Complete(ctx, "bk", PaymentSuccess); !errors.Is(err, ErrStepOutOfOrder) {
		t.Fatalf("expected ErrStepOutOfOrder, got %v", err)
	}
	if _, err := tr.Abandon(ctx, "x", model.StepCompletePayment); !errors.Is(err, ErrStepOutOfOrder) {
		t.Fatalf("abandon ahead of current step should fail, got %v", err)
	}
	if _, err := tr.Complete(ctx, "bk", "pending"); err == nil {
		t.Fatalf("expected error for unknown payment status")
	}
	if len(sink.events) != 1 {
		t.Fatalf("rejected calls must not emit, got %d events", len(sink.events))
	}
}

func TestCurrentStepNeverDecreases(t *testing.T) {
	sink := &memSink{}
	tr := newTracker(t, grantedGate(t), sink)
	ctx := context.Background()

	var steps []model.Step
	observe := func() {
		s, _ := tr.Snapshot()
		steps = append(steps, s.CurrentStep)
	}
	tr.StartFlow(ctx, "beauty")
	observe()
	_, _ = tr.SelectService(ctx, haircut)
	observe()
	_, _ = tr.SelectTime(ctx, "09:00", "available")
	observe()
	_, _ = tr.SelectService(ctx, model.ServiceSelection{ID: "s2", Price: 999})
	observe()
	_, _ = tr.Error(ctx, "validation failed", model.StepChooseService, "")
	observe()
	_, _ = tr.EnterCustomerInfo(ctx, model.CustomerInfo{})
	observe()

	if !sort.SliceIsSorted(steps, func(i, j int) bool { return steps[i] < steps[j] }) {
		t.Fatalf("current step decreased: %v", steps)
	}
	snap, _ := tr.Snapshot()
	if snap.Service.ID != "s1" {
		t.Fatalf("first selection should be kept, got %s", snap.Service.ID)
	}
	if got := sink.events[3]; got.Step != model.StepSelectTime {
		t.Fatalf("re-entry should record at step 2, got %d", got.Step)
	}
	if len(snap.StepTimestamps) != 4 {
		t.Fatalf("expected 4 timestamps, got %d", len(snap.StepTimestamps))
	}
}

func TestFailedPaymentIsRetryable(t *testing.T) {
	sink := &memSink{}
	tr := newTracker(t, grantedGate(t), sink)
	ctx := context.Background()

	tr.StartFlow(ctx, "beauty")
	_, _ = tr.SelectService(ctx, haircut)
	_, _ = tr.SelectTime(ctx, "14:00", "available")
	_, _ = tr.EnterCustomerInfo(ctx, model.CustomerInfo{})

	res, err := tr.Complete(ctx, "bk1", PaymentFailed)
	if err != nil || res.Record != nil {
		t.Fatalf("failed payment: err=%v record=%v", err, res.Record)
	}
	snap, _ := tr.Snapshot()
	if snap.Closed() {
		t.Fatalf("failed payment must not close the session")
	}
	failed := sink.events[len(sink.events)-1]
	if failed.Success || failed.ErrorCode != CodePaymentFailed || failed.AdditionalData[model.DataSeverity] != string(SeverityHigh) {
		t.Fatalf("unexpected failure event %+v", failed)
	}

	if _, err := tr.Complete(ctx, "bk1", PaymentSuccess); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if len(sink.jrn) != 1 || len(sink.abd) != 0 {
		t.Fatalf("expected journey after retry")
	}
}

func TestAbandonIfIdle(t *testing.T) {
	sink := &memSink{}
	tr := newTracker(t, grantedGate(t), sink)
	ctx := context.Background()
	tr.StartFlow(ctx, "beauty")

	if _, ok := tr.AbandonIfIdle(ctx, ReasonInactivity, time.Hour); ok {
		t.Fatalf("session is not idle yet")
	}
	if _, ok := tr.AbandonIfIdle(ctx, ReasonInactivity, time.Second); !ok {
		t.Fatalf("expected idle abandonment")
	}
	if sink.abd[0].Reason != ReasonInactivity || sink.abd[0].StepsCompleted != 0 {
		t.Fatalf("unexpected abandonment %+v", sink.abd[0])
	}
}

func TestClassifySeverity(t *testing.T) {
	cases := []struct {
		code, msg string
		want      Severity
	}{
		{"CARD_DECLINED", "", SeverityHigh},
		{"slot_unavailable", "", SeverityMedium},
		{"", "Stripe request failed", SeverityHigh},
		{"", "invalid phone format", SeverityMedium},
		{"", "user went for coffee", SeverityLow},
		{"temporary_system_error", "", SeverityHigh},
		{"something_else", "email is required", SeverityMedium},
	}
	for _, c := range cases {
		if got := ClassifySeverity(c.code, c.msg); got != c.want {
			t.Fatalf("ClassifySeverity(%q, %q) = %s, want %s", c.code, c.msg, got, c.want)
		}
	}
}

func TestCustomerInfoWritesNoStepRow(t *testing.T) {
	sink := &memSink{}
	tr := newTracker(t, grantedGate(t), sink)
	ctx := context.Background()

	tr.StartFlow(ctx, "beauty")
	_, _ = tr.SelectService(ctx, haircut)
	_, _ = tr.SelectTime(ctx, "14:00", "available")
	before := len(sink.events)
	res, err := tr.EnterCustomerInfo(ctx, model.CustomerInfo{Name: "Ann"})
	if err != nil {
		t.Fatalf("customer info: %v", err)
	}
	if res.Sink.IsRecorded() || res.Sink.Reason != emitter.ReasonDisabled {
		t.Fatalf("expected sink disabled for details step, got %+v", res.Sink)
	}
	if len(sink.events) != before {
		t.Fatalf("details step must not write a step row, got %d new", len(sink.events)-before)
	}
	snap, _ := tr.Snapshot()
	if snap.CurrentStep != model.StepCompletePayment || !snap.HasCustomerInfo {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}
