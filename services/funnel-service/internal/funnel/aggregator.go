// Package funnel computes booking funnel reports from the step event log.
package funnel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var ErrInvalidRange = errors.New("invalid date range")

const (
	topStepErrors    = 5
	topDropReasons   = 10
	minHourSessions  = 5
	topHours         = 6
	maxRange         = 400 * 24 * time.Hour
	unknownDropLabel = "Unknown"
)

type Query struct {
	From       time.Time
	To         time.Time
	Category   string
	DeviceType string
	Language   string
	// Location sets the clock used for hour-of-day buckets. Nil means UTC.
	Location *time.Location
}

func (q Query) Validate() error {
	if q.From.IsZero() || q.To.IsZero() {
		return fmt.Errorf("%w: from and to are required", ErrInvalidRange)
	}
	if !q.From.Before(q.To) {
		return fmt.Errorf("%w: from must be before to", ErrInvalidRange)
	}
	if q.To.Sub(q.From) > maxRange {
		return fmt.Errorf("%w: range longer than %d days", ErrInvalidRange, int(maxRange.Hours()/24))
	}
	return nil
}

func (q Query) filter() model.EventFilter {
	return model.EventFilter{From: q.From, To: q.To, Category: q.Category, DeviceType: q.DeviceType, Language: q.Language}
}

// EventSource reads the step event log.
type EventSource interface {
	ListStepEvents(ctx context.Context, f model.EventFilter) ([]model.TelemetryEvent, error)
}

// Reporter is implemented by Aggregator and its decorators.
type Reporter interface {
	Compute(ctx context.Context, q Query) (Report, error)
}

// Aggregator is stateless; Compute may be called concurrently.
type Aggregator struct {
	source EventSource
	now    func() time.Time
}

func NewAggregator(source EventSource) *Aggregator {
	return &Aggregator{source: source, now: time.Now}
}

func (a *Aggregator) Compute(ctx context.Context, q Query) (Report, error) {
	if err := q.Validate(); err != nil {
		return Report{}, err
	}
	ctx, span := otel.Tracer("funnel").Start(ctx, "funnel.aggregate",
		trace.WithAttributes(
			attribute.String("funnel.from", q.From.UTC().Format(time.RFC3339)),
			attribute.String("funnel.to", q.To.UTC().Format(time.RFC3339)),
		),
	)
	defer span.End()

	events, err := a.source.ListStepEvents(ctx, q.filter())
	if err != nil {
		span.RecordError(err)
		return Report{}, fmt.Errorf("load step events: %w", err)
	}
	// stores are allowed to over-select; the filter is authoritative
	f := q.filter()
	kept := events[:0:0]
	for _, ev := range events {
		if f.Match(ev) {
			kept = append(kept, ev)
		}
	}
	r := Build(kept, q)
	r.GeneratedAt = a.now().UTC()
	span.SetAttributes(attribute.Int("funnel.events", r.TotalEvents), attribute.Int("funnel.sessions", r.TotalSessions))
	return r, nil
}

type sessionInfo struct {
	completed bool
	price     float64
	hasPrice  bool
	category  string
	device    string
	language  string
	hours     map[int]bool
}

// Build computes a report from events already restricted to q.
func Build(events []model.TelemetryEvent, q Query) Report {
	loc := q.Location
	if loc == nil {
		loc = time.UTC
	}
	r := Report{
		From:        q.From,
		To:          q.To,
		Category:    q.Category,
		DeviceType:  q.DeviceType,
		Language:    q.Language,
		TotalEvents: len(events),
	}

	sessions := map[string]*sessionInfo{}
	var order []string
	for _, ev := range events {
		s, ok := sessions[ev.SessionID]
		if !ok {
			s = &sessionInfo{hours: map[int]bool{}}
			sessions[ev.SessionID] = s
			order = append(order, ev.SessionID)
		}
		if ev.Step == model.StepCompletePayment && ev.Success {
			s.completed = true
		}
		if price, ok := ev.ServicePrice(); ok && !s.hasPrice {
			s.price, s.hasPrice = price, true
		}
		if s.category == "" {
			s.category = ev.Category()
		}
		if s.device == "" {
			s.device = ev.DeviceType
		}
		if s.language == "" {
			s.language = ev.Language()
		}
		s.hours[ev.Timestamp.In(loc).Hour()] = true
	}

	r.TotalSessions = len(sessions)
	for _, s := range sessions {
		if s.completed {
			r.CompletedSessions++
		}
	}
	r.ConversionRate = percent(r.CompletedSessions, r.TotalSessions)
	r.Steps = stepMetrics(events)
	r.DropOff = dropOff(events)
	r.Revenue = revenue(sessions)
	r.TimeOfDay = timeOfDay(sessions)
	r.ByCategory = segments(sessions, order, func(s *sessionInfo) string { return s.category })
	r.ByDevice = segments(sessions, order, func(s *sessionInfo) string { return s.device })
	r.ByLanguage = segments(sessions, order, func(s *sessionInfo) string { return s.language })
	return r
}

func stepMetrics(events []model.TelemetryEvent) []StepMetrics {
	type acc struct {
		reached, completed map[string]bool
		total              int
		timeSum            float64
		timeN              int
		errors             map[string]int
	}
	per := map[model.Step]*acc{}
	for _, s := range model.Steps {
		per[s] = &acc{reached: map[string]bool{}, completed: map[string]bool{}, errors: map[string]int{}}
	}
	for _, ev := range events {
		a, ok := per[ev.Step]
		if !ok {
			continue
		}
		a.total++
		a.reached[ev.SessionID] = true
		if ev.Success {
			a.completed[ev.SessionID] = true
		} else if ev.ErrorCode != "" {
			a.errors[ev.ErrorCode]++
		}
		if ev.TimeSpentSeconds != nil {
			a.timeSum += *ev.TimeSpentSeconds
			a.timeN++
		}
	}

	out := make([]StepMetrics, 0, len(model.Steps))
	for _, s := range model.Steps {
		a := per[s]
		m := StepMetrics{
			Step:              s,
			Name:              s.Name(),
			SessionsReached:   len(a.reached),
			SessionsCompleted: len(a.completed),
			CompletionRate:    percent(len(a.completed), len(a.reached)),
			CommonErrors:      topCounts(a.errors, a.total, topStepErrors),
		}
		if a.timeN > 0 {
			m.AverageTimeSeconds = a.timeSum / float64(a.timeN)
		}
		out = append(out, m)
	}
	return out
}

// dropOff counts failed events per step. The first step in funnel order with the strictly
// highest count wins ties.
func dropOff(events []model.TelemetryEvent) DropOff {
	perStep := map[model.Step]int{}
	reasons := map[string]int{}
	total := 0
	for _, ev := range events {
		if ev.Success {
			continue
		}
		total++
		perStep[ev.Step]++
		reason := ev.AbandonmentReason()
		if reason == "" {
			reason = ev.ErrorCode
		}
		if reason == "" {
			reason = unknownDropLabel
		}
		reasons[reason]++
	}
	var d DropOff
	for _, s := range model.Steps {
		if perStep[s] > d.Count {
			d.Step, d.Count = s, perStep[s]
		}
	}
	d.Reasons = topCounts(reasons, total, topDropReasons)
	return d
}

func revenue(sessions map[string]*sessionInfo) Revenue {
	var r Revenue
	for _, s := range sessions {
		if s.completed {
			r.CompletedSessions++
			if s.hasPrice {
				r.Total += s.price
			}
			continue
		}
		r.AbandonedSessions++
		if s.hasPrice {
			r.AbandonedValue += s.price
		}
	}
	if r.CompletedSessions > 0 {
		r.Average = r.Total / float64(r.CompletedSessions)
	}
	return r
}

func timeOfDay(sessions map[string]*sessionInfo) []HourMetrics {
	var hours [24]HourMetrics
	for h := range hours {
		hours[h].Hour = h
	}
	for _, s := range sessions {
		for h := range s.hours {
			hours[h].Sessions++
			if s.completed {
				hours[h].Conversions++
			}
		}
	}
	out := []HourMetrics{}
	for _, h := range hours {
		if h.Sessions < minHourSessions {
			continue
		}
		h.ConversionRate = percent(h.Conversions, h.Sessions)
		out = append(out, h)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ConversionRate != out[j].ConversionRate {
			return out[i].ConversionRate > out[j].ConversionRate
		}
		return out[i].Hour < out[j].Hour
	})
	if len(out) > topHours {
		out = out[:topHours]
	}
	return out
}

func segments(sessions map[string]*sessionInfo, order []string, key func(*sessionInfo) string) []Segment {
	idx := map[string]int{}
	out := []Segment{}
	for _, id := range order {
		s := sessions[id]
		k := key(s)
		if k == "" {
			k = "unknown"
		}
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, Segment{Key: k})
		}
		out[i].Sessions++
		if s.completed {
			out[i].Conversions++
		}
	}
	for i := range out {
		out[i].ConversionRate = percent(out[i].Conversions, out[i].Sessions)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Sessions != out[j].Sessions {
			return out[i].Sessions > out[j].Sessions
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func topCounts(counts map[string]int, total, limit int) []CodeCount {
	out := make([]CodeCount, 0, len(counts))
	for code, c := range counts {
		out = append(out, CodeCount{Code: code, Count: c, Percentage: percent(c, total)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Code < out[j].Code
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

// percent is n/d as a percentage, 0 when d is 0.
func percent(n, d int) float64 {
	if d <= 0 {
		return 0
	}
	return float64(n) / float64(d) * 100
}
