package storage

import (
	"context"
	"time"

	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
)

// WithBehavior routes behavioral reads and writes to b. Export and erase cover both stores.
func WithBehavior(primary Store, b BehaviorStore) Store {
	if b == nil {
		return primary
	}
	return &split{Store: primary, behavior: b}
}

type split struct {
	Store
	behavior BehaviorStore
}

func (s *split) InsertBehaviorEvents(ctx context.Context, events []model.BehaviorEvent) error {
	return s.behavior.InsertBehaviorEvents(ctx, events)
}

func (s *split) InsertUserJourney(ctx context.Context, j model.UserJourney) error {
	return s.behavior.InsertUserJourney(ctx, j)
}

func (s *split) ListBehaviorEvents(ctx context.Context, from, to time.Time) ([]model.BehaviorEvent, error) {
	return s.behavior.ListBehaviorEvents(ctx, from, to)
}

func (s *split) ListUserJourneys(ctx context.Context, from, to time.Time) ([]model.UserJourney, error) {
	return s.behavior.ListUserJourneys(ctx, from, to)
}

func (s *split) ExportSession(ctx context.Context, sessionID string) (model.SubjectExport, error) {
	out, err := s.Store.ExportSession(ctx, sessionID)
	if err != nil {
		return out, err
	}
	more, err := s.behavior.ExportSession(ctx, sessionID)
	if err != nil {
		return out, err
	}
	// the primary may still hold behavior rows written before the split
	out.Merge(more)
	return out, nil
}

func (s *split) EraseSession(ctx context.Context, sessionID string) (int64, error) {
	n, err := s.Store.EraseSession(ctx, sessionID)
	if err != nil {
		return n, err
	}
	m, err := s.behavior.EraseSession(ctx, sessionID)
	return n + m, err
}
