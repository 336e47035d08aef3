// Package dsr runs data-subject access and deletion requests against every store that holds
// session-keyed rows.
package dsr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/storage"
)

var ErrEmptySubject = errors.New("subject id required")

const defaultTimeout = 2 * time.Minute

// Requests persists the request rows.
type Requests interface {
	CreateDataRequest(ctx context.Context, r model.DataRequest) error
	UpdateDataRequest(ctx context.Context, r model.DataRequest) error
	GetDataRequest(ctx context.Context, id string) (model.DataRequest, error)
}

// Forgetter drops in-memory state for a session before its rows are erased.
type Forgetter interface {
	Forget(sessionID string)
}

type Config struct {
	Timeout time.Duration
	Clock   func() time.Time
}

type Service struct {
	requests Requests
	subjects []storage.Subject
	logger   *slog.Logger
	timeout  time.Duration
	now      func() time.Time

	mu        sync.Mutex
	forgetter Forgetter

	wg sync.WaitGroup
}

func NewService(requests Requests, logger *slog.Logger, cfg Config, subjects ...storage.Subject) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		requests: requests,
		subjects: subjects,
		logger:   logger,
		timeout:  cfg.Timeout,
		now:      cfg.Clock,
	}
}

// SetForgetter registers the live-session owner. It is set after construction because the
// session registry is built later in main.
func (s *Service) SetForgetter(f Forgetter) {
	s.mu.Lock()
	s.forgetter = f
	s.mu.Unlock()
}

func (s *Service) RequestAccess(ctx context.Context, sessionID string) (model.DataRequest, error) {
	return s.submit(ctx, model.DataRequestAccess, sessionID)
}

// RequestDeletion erases every row of the session. Repeating it completes with zero rows.
func (s *Service) RequestDeletion(ctx context.Context, sessionID string) (model.DataRequest, error) {
	return s.submit(ctx, model.DataRequestDeletion, sessionID)
}

func (s *Service) Get(ctx context.Context, id string) (model.DataRequest, error) {
	return s.requests.GetDataRequest(ctx, id)
}

// Wait blocks until every submitted workflow has finished.
func (s *Service) Wait() { s.wg.Wait() }

func (s *Service) submit(ctx context.Context, kind model.DataRequestKind, sessionID string) (model.DataRequest, error) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return model.DataRequest{}, ErrEmptySubject
	}
	req := model.DataRequest{
		ID:        uuid.NewString(),
		Kind:      kind,
		SubjectID: sessionID,
		Status:    model.DataRequestPending,
		CreatedAt: s.now().UTC(),
	}
	if err := s.requests.CreateDataRequest(ctx, req); err != nil {
		return model.DataRequest{}, fmt.Errorf("create data request: %w", err)
	}
	s.logger.Info("data request accepted", "request_id", req.ID, "kind", kind, "session_id", sessionID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		s.run(wctx, req)
	}()
	return req, nil
}

func (s *Service) run(ctx context.Context, req model.DataRequest) {
	var err error
	switch req.Kind {
	case model.DataRequestAccess:
		var export model.SubjectExport
		export, err = s.export(ctx, req.SubjectID)
		if err == nil {
			req.Export = &export
			req.RowsAffected = export.Rows()
		}
	case model.DataRequestDeletion:
		s.mu.Lock()
		f := s.forgetter
		s.mu.Unlock()
		if f != nil {
			f.Forget(req.SubjectID)
		}
		req.RowsAffected, err = s.erase(ctx, req.SubjectID)
	default:
		err = fmt.Errorf("unknown request kind %q", req.Kind)
	}

	done := s.now().UTC()
	req.CompletedAt = &done
	if err != nil {
		req.Status = model.DataRequestRejected
		req.Reason = err.Error()
		req.RowsAffected = 0
		req.Export = nil
		s.logger.Error("data request failed", "request_id", req.ID, "kind", req.Kind, "err", err)
	} else {
		req.Status = model.DataRequestCompleted
		s.logger.Info("data request completed", "request_id", req.ID, "kind", req.Kind, "rows", req.RowsAffected)
	}
	if err := s.requests.UpdateDataRequest(ctx, req); err != nil {
		s.logger.Error("data request update failed", "request_id", req.ID, "err", err)
	}
}

func (s *Service) export(ctx context.Context, sessionID string) (model.SubjectExport, error) {
	var out model.SubjectExport
	for _, sub := range s.subjects {
		part, err := sub.ExportSession(ctx, sessionID)
		if err != nil {
			return model.SubjectExport{}, fmt.Errorf("export: %w", err)
		}
		out.Merge(part)
	}
	return out, nil
}

// erase keeps going after a failing store so one outage does not leave the others untouched.
func (s *Service) erase(ctx context.Context, sessionID string) (int64, error) {
	var total int64
	var errs []error
	for _, sub := range s.subjects {
		n, err := sub.EraseSession(ctx, sessionID)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return total, fmt.Errorf("erase: %w", errors.Join(errs...))
	}
	return total, nil
}
