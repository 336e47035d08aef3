package behavior

import (
	"sort"
	"time"

	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
)

// BounceWindow is the duration under which a single-page visit counts as a bounce.
const BounceWindow = 30 * time.Second

type journeyBuilder struct {
	sessionID    string
	pages        []string
	seen         map[string]bool
	interactions int
	converted    bool
	first, last  time.Time
}

func newJourneyBuilder(sessionID string) *journeyBuilder {
	return &journeyBuilder{sessionID: sessionID, seen: map[string]bool{}}
}

func (b *journeyBuilder) add(ev model.BehaviorEvent) {
	b.interactions++
	if b.first.IsZero() || ev.Timestamp.Before(b.first) {
		b.first = ev.Timestamp
	}
	if ev.Timestamp.After(b.last) {
		b.last = ev.Timestamp
	}
	if ev.Page != "" && (len(b.pages) == 0 || b.pages[len(b.pages)-1] != ev.Page) {
		b.pages = append(b.pages, ev.Page)
	}
	if ev.Page != "" {
		b.seen[ev.Page] = true
	}
	if model.IsConversion(ev.Type) {
		b.converted = true
	}
}

func (b *journeyBuilder) build() model.UserJourney {
	j := model.UserJourney{
		SessionID:     b.sessionID,
		Pages:         append([]string(nil), b.pages...),
		DistinctPages: len(b.seen),
		Interactions:  b.interactions,
		Converted:     b.converted,
		StartedAt:     b.first,
		EndedAt:       b.last,
	}
	if len(b.pages) > 0 {
		j.EntryPage = b.pages[0]
		j.ExitPage = b.pages[len(b.pages)-1]
	}
	d := b.last.Sub(b.first)
	j.DurationSeconds = d.Seconds()
	j.Bounced = j.DistinctPages == 1 && d < BounceWindow
	return j
}

// AnalyzeJourneys groups events by session and reconstructs each journey in time order.
// The result is sorted by start time, then session id.
func AnalyzeJourneys(events []model.BehaviorEvent) []model.UserJourney {
	bySession := map[string][]model.BehaviorEvent{}
	for _, ev := range events {
		bySession[ev.SessionID] = append(bySession[ev.SessionID], ev)
	}
	out := make([]model.UserJourney, 0, len(bySession))
	for id, evs := range bySession {
		sort.SliceStable(evs, func(i, j int) bool { return evs[i].Timestamp.Before(evs[j].Timestamp) })
		b := newJourneyBuilder(id)
		for _, ev := range evs {
			b.add(ev)
		}
		out = append(out, b.build())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].SessionID < out[j].SessionID
	})
	return out
}

type PageCount struct {
	Page     string `json:"page"`
	Sessions int    `json:"sessions"`
}

// Summary aggregates journey-level behavior. Rates are percentages.
type Summary struct {
	Sessions           int         `json:"sessions"`
	BounceRate         float64     `json:"bounce_rate"`
	ConversionRate     float64     `json:"conversion_rate"`
	PagesPerSession    float64     `json:"pages_per_session"`
	AvgDurationSeconds float64     `json:"avg_duration_seconds"`
	TopEntryPages      []PageCount `json:"top_entry_pages"`
}

const topEntryPages = 5

func Summarize(journeys []model.UserJourney) Summary {
	s := Summary{Sessions: len(journeys), TopEntryPages: []PageCount{}}
	if len(journeys) == 0 {
		return s
	}
	var bounced, converted, pages int
	var duration float64
	entries := map[string]int{}
	for _, j := range journeys {
		if j.Bounced {
			bounced++
		}
		if j.Converted {
			converted++
		}
		pages += j.DistinctPages
		duration += j.DurationSeconds
		if j.EntryPage != "" {
			entries[j.EntryPage]++
		}
	}
	n := float64(len(journeys))
	s.BounceRate = float64(bounced) / n * 100
	s.ConversionRate = float64(converted) / n * 100
	s.PagesPerSession = float64(pages) / n
	s.AvgDurationSeconds = duration / n
	for page, c := range entries {
		s.TopEntryPages = append(s.TopEntryPages, PageCount{Page: page, Sessions: c})
	}
	sort.Slice(s.TopEntryPages, func(i, j int) bool {
		a, b := s.TopEntryPages[i], s.TopEntryPages[j]
		if a.Sessions != b.Sessions {
			return a.Sessions > b.Sessions
		}
		return a.Page < b.Page
	})
	if len(s.TopEntryPages) > topEntryPages {
		s.TopEntryPages = s.TopEntryPages[:topEntryPages]
	}
	return s
}
