package funnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
)

type sliceSource struct {
	events []model.TelemetryEvent
	err    error
	mu     sync.Mutex
	calls  int
}

func (s *sliceSource) ListStepEvents(_ context.Context, f model.EventFilter) ([]model.TelemetryEvent, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	var out []model.TelemetryEvent
	for _, ev := range s.events {
		if f.Match(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

var day = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC)

func ev(session string, step model.Step, at time.Time, success bool, code string, data map[string]any) model.TelemetryEvent {
	if data == nil {
		data = map[string]any{}
	}
	if _, ok := data[model.DataServiceCategory]; !ok {
		data[model.DataServiceCategory] = "beauty"
	}
	return model.TelemetryEvent{
		ID:             fmt.Sprintf("%s-%d-%d", session, step, at.UnixNano()),
		SessionID:      session,
		Step:           step,
		Timestamp:      at,
		Success:        success,
		ErrorCode:      code,
		DeviceType:     "mobile",
		AdditionalData: data,
	}
}

// completedSession emits the four successful step events of a booking.
func completedSession(id string, start time.Time, price float64) []model.TelemetryEvent {
	var out []model.TelemetryEvent
	for i, s := range model.Steps {
		data := map[string]any{}
		if s > model.StepChooseService {
			data[model.DataServicePrice] = price
		}
		e := ev(id, s, start.Add(time.Duration(i)*time.Minute), true, "", data)
		e.TimeSpentSeconds = model.Seconds(time.Duration(10*(i+1)) * time.Second)
		out = append(out, e)
	}
	return out
}

func q() Query {
	return Query{From: day, To: day.Add(24 * time.Hour)}
}

func TestComputeEmptyRange(t *testing.T) {
	agg := NewAggregator(&sliceSource{})
	r, err := agg.Compute(context.Background(), q())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(r.Steps) != model.TotalSteps {
		t.Fatalf("expected %d steps, got %d", model.TotalSteps, len(r.Steps))
	}
	for _, s := range r.Steps {
		if s.CompletionRate != 0 || s.SessionsReached != 0 {
			t.Fatalf("empty step should report zeros: %+v", s)
		}
	}
	if r.ConversionRate != 0 || r.DropOff.Step != model.StepNone || len(r.TimeOfDay) != 0 {
		t.Fatalf("unexpected empty report %+v", r)
	}
}

func TestComputeInvalidRange(t *testing.T) {
	src := &sliceSource{}
	agg := NewAggregator(src)
	cases := []Query{
		{},
		{From: day, To: day},
		{From: day.Add(time.Hour), To: day},
		{From: day, To: day.Add(500 * 24 * time.Hour)},
	}
	for _, c := range cases {
		if _, err := agg.Compute(context.Background(), c); !errors.Is(err, ErrInvalidRange) {
			t.Fatalf("expected ErrInvalidRange for %+v, got %v", c, err)
		}
	}
	if src.calls != 0 {
		t.Fatalf("invalid ranges must not hit the store")
	}
}

func TestComputeStoreErrorPropagates(t *testing.T) {
	agg := NewAggregator(&sliceSource{err: errors.New("connection refused")})
	if _, err := agg.Compute(context.Background(), q()); err == nil {
		t.Fatalf("expected store error")
	}
}

func TestComputeStepsAndRevenue(t *testing.T) {
	at := day.Add(10 * time.Hour)
	var events []model.TelemetryEvent
	events = append(events, completedSession("c1", at, 300)...)
	events = append(events, completedSession("c2", at, 100)...)
	// abandoned at step 3 after a full slot
	events = append(events,
		ev("a1", model.StepChooseService, at, true, "", nil),
		ev("a1", model.StepSelectTime, at, true, "", map[string]any{model.DataServicePrice: 250.0}),
		ev("a1", model.StepEnterDetails, at, false, "slot_unavailable", map[string]any{model.DataServicePrice: 250.0}),
		ev("a1", model.StepEnterDetails, at, false, "abandoned", map[string]any{
			model.DataServicePrice:      250.0,
			model.DataAbandonmentReason: "page_unload",
		}),
	)
	// payment failed, never retried
	events = append(events,
		ev("p1", model.StepChooseService, at, true, "", nil),
		ev("p1", model.StepSelectTime, at, true, "", map[string]any{model.DataServicePrice: 80.0}),
		ev("p1", model.StepEnterDetails, at, true, "", map[string]any{model.DataServicePrice: 80.0}),
		ev("p1", model.StepCompletePayment, at, false, "payment_failed", map[string]any{model.DataServicePrice: 80.0}),
	)
	// outside the range
	events = append(events, completedSession("old", day.Add(-time.Hour), 999)...)

	agg := NewAggregator(&sliceSource{events: events})
	r, err := agg.Compute(context.Background(), q())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if r.TotalSessions != 4 || r.CompletedSessions != 2 || r.ConversionRate != 50 {
		t.Fatalf("unexpected totals: sessions=%d completed=%d rate=%v", r.TotalSessions, r.CompletedSessions, r.ConversionRate)
	}

	s3 := r.Steps[2]
	if s3.SessionsReached != 4 || s3.SessionsCompleted != 3 || s3.CompletionRate != 75 {
		t.Fatalf("unexpected step 3 metrics %+v", s3)
	}
	if len(s3.CommonErrors) != 2 || s3.CommonErrors[0].Code != "abandoned" || s3.CommonErrors[0].Percentage != 20 {
		t.Fatalf("unexpected step 3 errors %+v", s3.CommonErrors)
	}
	s4 := r.Steps[3]
	if s4.SessionsReached != 3 || s4.SessionsCompleted != 2 {
		t.Fatalf("unexpected step 4 metrics %+v", s4)
	}
	if r.Steps[0].AverageTimeSeconds != 10 {
		t.Fatalf("expected step 1 average 10s, got %v", r.Steps[0].AverageTimeSeconds)
	}
	for _, s := range r.Steps {
		if s.CompletionRate < 0 || s.CompletionRate > 100 {
			t.Fatalf("completion rate out of range: %+v", s)
		}
	}

	if r.DropOff.Step != model.StepEnterDetails || r.DropOff.Count != 2 {
		t.Fatalf("unexpected drop-off %+v", r.DropOff)
	}
	wantReasons := map[string]int{"page_unload": 1, "slot_unavailable": 1, "payment_failed": 1}
	if len(r.DropOff.Reasons) != len(wantReasons) {
		t.Fatalf("unexpected reasons %+v", r.DropOff.Reasons)
	}
	for _, rc := range r.DropOff.Reasons {
		if wantReasons[rc.Code] != rc.Count {
			t.Fatalf("unexpected reason %+v", rc)
		}
	}

	rev := r.Revenue
	if rev.Total != 400 || rev.Average != 200 || rev.AbandonedValue != 330 {
		t.Fatalf("unexpected revenue %+v", rev)
	}
	if rev.CompletedSessions+rev.AbandonedSessions != r.TotalSessions {
		t.Fatalf("every session must land in one revenue bucket")
	}
	if rev.Total+rev.AbandonedValue != 300+100+250+80 {
		t.Fatalf("revenue buckets must add up to all observed prices")
	}
}

func TestDropOffTieTakesFirstStep(t *testing.T) {
	events := []model.TelemetryEvent{
		ev("a", model.StepSelectTime, day.Add(time.Hour), false, "x", nil),
		ev("b", model.StepEnterDetails, day.Add(time.Hour), false, "y", nil),
		ev("c", model.StepEnterDetails, day.Add(time.Hour), false, "", nil),
		ev("d", model.StepSelectTime, day.Add(time.Hour), false, "", nil),
	}
	r := Build(events, q())
	if r.DropOff.Step != model.StepSelectTime || r.DropOff.Count != 2 {
		t.Fatalf("expected step 2 to win the tie, got %+v", r.DropOff)
	}
	if r.DropOff.Reasons[0].Code != unknownDropLabel || r.DropOff.Reasons[0].Count != 2 {
		t.Fatalf("expected Unknown fallback reason first, got %+v", r.DropOff.Reasons)
	}
}

func TestTimeOfDay(t *testing.T) {
	var events []model.TelemetryEvent
	// hours 8..14 get 5 sessions each; hour h converts (h-8) of them, capped at 5
	for h := 8; h <= 14; h++ {
		for i := 0; i < 5; i++ {
			id := fmt.Sprintf("h%d-%d", h, i)
			at := day.Add(time.Duration(h) * time.Hour)
			if i < h-8 {
				events = append(events, ev(id, model.StepCompletePayment, at, true, "", nil))
			} else {
				events = append(events, ev(id, model.StepChooseService, at, true, "", nil))
			}
		}
	}
	// below the noise floor
	for i := 0; i < 4; i++ {
		events = append(events, ev(fmt.Sprintf("late-%d", i), model.StepCompletePayment, day.Add(22*time.Hour), true, "", nil))
	}

	r := Build(events, q())
	if len(r.TimeOfDay) != topHours {
		t.Fatalf("expected %d hours, got %d", topHours, len(r.TimeOfDay))
	}
	// hours 13 and 14 both convert 100%; the earlier hour ranks first
	if r.TimeOfDay[0].Hour != 13 || r.TimeOfDay[1].Hour != 14 || r.TimeOfDay[2].Hour != 12 {
		t.Fatalf("unexpected ranking %+v", r.TimeOfDay)
	}
	for _, h := range r.TimeOfDay {
		if h.Hour == 22 || h.Sessions < minHourSessions {
			t.Fatalf("hour below noise floor reported: %+v", h)
		}
	}
}

func TestSegmentsAndFilters(t *testing.T) {
	at := day.Add(9 * time.Hour)
	events := completedSession("s1", at, 100)
	nails := ev("s2", model.StepChooseService, at, true, "", map[string]any{model.DataServiceCategory: "nails", model.DataLanguage: "en"})
	nails.DeviceType = "desktop"
	events = append(events, nails)

	agg := NewAggregator(&sliceSource{events: events})
	r, err := agg.Compute(context.Background(), q())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(r.ByCategory) != 2 || len(r.ByDevice) != 2 || len(r.ByLanguage) != 2 {
		t.Fatalf("unexpected segments %+v %+v %+v", r.ByCategory, r.ByDevice, r.ByLanguage)
	}
	for _, seg := range r.ByCategory {
		if seg.Key == "beauty" && seg.ConversionRate != 100 {
			t.Fatalf("beauty should convert fully: %+v", seg)
		}
	}

	fq := q()
	fq.Category = "nails"
	r, err = agg.Compute(context.Background(), fq)
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if r.TotalSessions != 1 || r.ByCategory[0].Key != "nails" {
		t.Fatalf("category filter not applied: %+v", r.ByCategory)
	}
}

func TestComputeConcurrent(t *testing.T) {
	events := completedSession("s1", day.Add(time.Hour), 100)
	agg := NewAggregator(&sliceSource{events: events})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := agg.Compute(context.Background(), q())
			if err != nil || r.CompletedSessions != 1 {
				t.Errorf("concurrent compute: err=%v completed=%d", err, r.CompletedSessions)
			}
		}()
	}
	wg.Wait()
}

type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
	fail bool
}

func (m *memCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, false, errors.New("cache down")
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("cache down")
	}
	m.data[key] = value
	return nil
}

func TestCachedReporter(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	src := &sliceSource{events: completedSession("s1", day.Add(time.Hour), 100)}
	cache := &memCache{data: map[string][]byte{}}
	c := NewCached(NewAggregator(src), cache, time.Minute, quiet)
	ctx := context.Background()

	first, err := c.Compute(ctx, q())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	second, err := c.Compute(ctx, q())
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if src.calls != 1 {
		t.Fatalf("second call should be served from cache, source calls=%d", src.calls)
	}
	if second.Revenue.Total != first.Revenue.Total || second.CompletedSessions != 1 {
		t.Fatalf("cached report differs")
	}

	open := Query{From: time.Now().Add(-time.Hour), To: time.Now().Add(time.Hour)}
	_, _ = c.Compute(ctx, open)
	_, _ = c.Compute(ctx, open)
	if src.calls != 3 {
		t.Fatalf("open ranges must bypass the cache, source calls=%d", src.calls)
	}

	cache.fail = true
	if _, err := c.Compute(ctx, q()); err != nil {
		t.Fatalf("cache failure must fall through: %v", err)
	}
	if _, err := c.Compute(ctx, Query{}); !errors.Is(err, ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidRange, got %v", err)
	}
}
