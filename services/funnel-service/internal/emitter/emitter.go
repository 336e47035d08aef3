// Package emitter turns tracker transitions into event-log rows and vendor analytics calls.
package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/vendor"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const DefaultTimeout = 5 * time.Second

// Sink is the append-only event log.
type Sink interface {
	InsertStepEvent(ctx context.Context, ev model.TelemetryEvent) error
	InsertJourney(ctx context.Context, j model.BookingJourney) error
	InsertAbandonment(ctx context.Context, a model.Abandonment) error
}

// Gate is the consent check applied before anything leaves the process.
type Gate interface {
	HasConsent(t model.ConsentType) bool
	Redact(payload map[string]any) map[string]any
}

type Config struct {
	Timeout  time.Duration
	Currency string
}

type Emitter struct {
	sink   Sink
	vendor vendor.Tracker
	logger *slog.Logger
	cfg    Config
}

// New builds an emitter. A nil vendor tracker disables vendor calls.
func New(sink Sink, v vendor.Tracker, logger *slog.Logger, cfg Config) *Emitter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Currency == "" {
		cfg.Currency = "PLN"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{sink: sink, vendor: v, logger: logger, cfg: cfg}
}

func (e *Emitter) Currency() string { return e.cfg.Currency }

// Emit writes ev to the event log and forwards it to the vendor as name. The two writes run
// concurrently and independently. Nothing is written when analytics consent is missing.
func (e *Emitter) Emit(ctx context.Context, gate Gate, name string, ev model.TelemetryEvent) Result {
	if gate == nil || !gate.HasConsent(model.ConsentAnalytics) {
		return droppedBoth(ReasonConsent)
	}
	ctx, span := otel.Tracer("funnel").Start(ctx, "funnel.emit",
		trace.WithAttributes(
			attribute.String("funnel.event", name),
			attribute.Int("funnel.step", int(ev.Step)),
		),
	)
	defer span.End()

	ev.AdditionalData = gate.Redact(ev.AdditionalData)
	// the caller may cancel once it has its response; telemetry should still land
	base := context.WithoutCancel(ctx)

	var res Result
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		res.Sink = e.write(base, ev.SessionID, ev.Step, "step_event", func(ctx context.Context) error {
			return e.sink.InsertStepEvent(ctx, ev)
		})
	}()
	go func() {
		defer wg.Done()
		if e.vendor == nil {
			res.Vendor = Dropped(ReasonDisabled)
			return
		}
		params := e.vendorParams(ev)
		res.Vendor = e.write(base, ev.SessionID, ev.Step, "vendor", func(ctx context.Context) error {
			return e.vendor.Track(ctx, name, params)
		})
	}()
	wg.Wait()

	span.SetAttributes(
		attribute.String("funnel.sink", string(res.Sink.Status)),
		attribute.String("funnel.vendor", string(res.Vendor.Status)),
	)
	return res
}

// Track sends a vendor-only event, used for transitions that write no event-log row.
func (e *Emitter) Track(ctx context.Context, gate Gate, name string, ev model.TelemetryEvent) Outcome {
	if gate == nil || !gate.HasConsent(model.ConsentAnalytics) {
		return Dropped(ReasonConsent)
	}
	if e.vendor == nil {
		return Dropped(ReasonDisabled)
	}
	ev.AdditionalData = gate.Redact(ev.AdditionalData)
	params := e.vendorParams(ev)
	return e.write(context.WithoutCancel(ctx), ev.SessionID, ev.Step, "vendor", func(ctx context.Context) error {
		return e.vendor.Track(ctx, name, params)
	})
}

// EmitJourney persists the consolidated record of a completed session.
func (e *Emitter) EmitJourney(ctx context.Context, gate Gate, j model.BookingJourney) Outcome {
	if gate == nil || !gate.HasConsent(model.ConsentAnalytics) {
		return Dropped(ReasonConsent)
	}
	return e.write(context.WithoutCancel(ctx), j.SessionID, model.StepCompletePayment, "journey", func(ctx context.Context) error {
		return e.sink.InsertJourney(ctx, j)
	})
}

// EmitAbandonment persists the abandonment row of a session.
func (e *Emitter) EmitAbandonment(ctx context.Context, gate Gate, a model.Abandonment) Outcome {
	if gate == nil || !gate.HasConsent(model.ConsentAnalytics) {
		return Dropped(ReasonConsent)
	}
	return e.write(context.WithoutCancel(ctx), a.SessionID, a.Step, "abandonment", func(ctx context.Context) error {
		return e.sink.InsertAbandonment(ctx, a)
	})
}

func (e *Emitter) write(ctx context.Context, sessionID string, step model.Step, dest string, fn func(context.Context) error) Outcome {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	err := fn(ctx)
	if err == nil {
		return Recorded()
	}
	reason := ReasonError
	if errors.Is(err, context.DeadlineExceeded) {
		reason = ReasonTimeout
	}
	e.logger.Warn("telemetry write failed", "destination", dest, "session_id", sessionID, "step", int(step), "err", err)
	return Dropped(reason)
}

func (e *Emitter) vendorParams(ev model.TelemetryEvent) vendor.Params {
	currency := e.cfg.Currency
	if c, ok := ev.AdditionalData[model.DataCurrency].(string); ok && c != "" {
		currency = c
	}
	p := vendor.Params{
		"service_category": ev.Category(),
		"step":             int(ev.Step),
		"total_steps":      model.TotalSteps,
		"currency":         currency,
		"session_id":       ev.SessionID,
		"device_type":      ev.DeviceType,
		"language":         ev.Language(),
	}
	if ev.TimeSpentSeconds != nil {
		p["time_spent"] = *ev.TimeSpentSeconds
	}
	if ev.ErrorCode != "" {
		p["error_code"] = ev.ErrorCode
	}
	if price, ok := ev.ServicePrice(); ok {
		p["value"] = price
	}
	return p
}

// EventName is the vendor event name for a step transition.
func EventName(step model.Step) string {
	return fmt.Sprintf("funnel_step_%d", int(step))
}
