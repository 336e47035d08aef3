// Package tracker follows one browser tab through the booking funnel and reports every
// transition to the emitter.
package tracker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/emitter"
	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
)

var (
	ErrNotStarted     = errors.New("booking flow not started")
	ErrStepOutOfOrder = errors.New("booking step out of order")
	ErrSessionClosed  = errors.New("booking session already closed")
)

// Error codes recorded on failed step events.
const (
	CodeSlotUnavailable = "slot_unavailable"
	CodePaymentFailed   = "payment_failed"
	CodeAbandoned       = "abandoned"
	CodeUnknownError    = "unknown_error"
)

// Abandonment reasons set by the service itself.
const (
	ReasonPageUnload = "page_unload"
	ReasonInactivity = "inactivity"
)

const AvailabilityFull = "full"

type PaymentStatus string

const (
	PaymentSuccess PaymentStatus = "success"
	PaymentFailed  PaymentStatus = "failed"
)

// Emitter is what the tracker needs from the emission layer.
type Emitter interface {
	Emit(ctx context.Context, gate emitter.Gate, name string, ev model.TelemetryEvent) emitter.Result
	Track(ctx context.Context, gate emitter.Gate, name string, ev model.TelemetryEvent) emitter.Outcome
	EmitJourney(ctx context.Context, gate emitter.Gate, j model.BookingJourney) emitter.Outcome
	EmitAbandonment(ctx context.Context, gate emitter.Gate, a model.Abandonment) emitter.Outcome
	Currency() string
}

// Pseudonymizer derives the journey customer reference.
type Pseudonymizer interface {
	Ref(value string) string
}

type Options struct {
	VisitorID     string
	DeviceType    string
	Language      string
	Pseudonymizer Pseudonymizer
	Clock         func() time.Time
}

// Session is a point-in-time copy of the tracker state.
type Session struct {
	ID                string                   `json:"session_id"`
	VisitorID         string                   `json:"visitor_id,omitempty"`
	Category          string                   `json:"service_category"`
	CurrentStep       model.Step               `json:"current_step"`
	Service           *model.ServiceSelection  `json:"service,omitempty"`
	TimeSlot          string                   `json:"time_slot,omitempty"`
	HasCustomerInfo   bool                     `json:"has_customer_info"`
	StartedAt         time.Time                `json:"started_at"`
	LastActivity      time.Time                `json:"last_activity"`
	StepTimestamps    map[model.Step]time.Time `json:"step_timestamps"`
	TotalTimeSpent    time.Duration            `json:"total_time_spent"`
	IsCompleted       bool                     `json:"is_completed"`
	IsAbandoned       bool                     `json:"is_abandoned"`
	AbandonmentReason string                   `json:"abandonment_reason,omitempty"`
	BookingID         string                   `json:"booking_id,omitempty"`
}

// Closed reports whether the session reached a terminal state.
func (s Session) Closed() bool { return s.IsCompleted || s.IsAbandoned }

// Tracker owns one mutable session at a time. State changes happen under the lock before the
// corresponding emission, and emission also happens under the lock, so events of a session
// reach the emitter in transition order.
type Tracker struct {
	gate   emitter.Gate
	emit   Emitter
	logger *slog.Logger
	opts   Options
	now    func() time.Time

	mu         sync.Mutex
	s          *Session
	lastStepAt time.Time
	customer   model.CustomerInfo
}

func New(gate emitter.Gate, emit Emitter, logger *slog.Logger, opts Options) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	if opts.DeviceType == "" {
		opts.DeviceType = "unknown"
	}
	return &Tracker{gate: gate, emit: emit, logger: logger, opts: opts, now: now}
}

// StartFlow begins a new session, replacing any previous one.
func (t *Tracker) StartFlow(ctx context.Context, category string) (string, emitter.Result) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.s = &Session{
		ID:             uuid.NewString(),
		VisitorID:      t.opts.VisitorID,
		Category:       category,
		CurrentStep:    model.StepChooseService,
		StartedAt:      now,
		LastActivity:   now,
		StepTimestamps: map[model.Step]time.Time{model.StepChooseService: now},
	}
	t.lastStepAt = now
	t.customer = model.CustomerInfo{}

	ev := t.event(model.StepChooseService, now, true, "", nil, model.KindStepEntered)
	return t.s.ID, t.emit.Emit(ctx, t.gate, emitter.EventName(model.StepChooseService), ev)
}

// SelectService records the chosen service and moves to time selection. The first selection
// of a session is kept; re-entering the step records another event with it.
func (t *Tracker) SelectService(ctx context.Context, svc model.ServiceSelection) (emitter.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(model.StepChooseService); err != nil {
		return emitter.Result{}, err
	}
	if t.s.Service == nil {
		sel := svc
		t.s.Service = &sel
		if t.s.Category == "" {
			t.s.Category = svc.Category
		}
	}
	now, spent := t.advance(model.StepSelectTime)
	ev := t.event(model.StepSelectTime, now, true, "", model.Seconds(spent), model.KindStepEntered)
	ev.AdditionalData[model.DataServiceName] = t.s.Service.Name
	return t.emit.Emit(ctx, t.gate, emitter.EventName(model.StepSelectTime), ev), nil
}

// SelectTime records the chosen slot. A full slot is recorded as a failed event but the
// session still advances so the visitor can pick again.
func (t *Tracker) SelectTime(ctx context.Context, slot, availability string) (emitter.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(model.StepSelectTime); err != nil {
		return emitter.Result{}, err
	}
	success, code := true, ""
	if availability == AvailabilityFull {
		success, code = false, CodeSlotUnavailable
	} else {
		t.s.TimeSlot = slot
	}
	now, spent := t.advance(model.StepEnterDetails)
	ev := t.event(model.StepEnterDetails, now, success, code, model.Seconds(spent), model.KindStepEntered)
	ev.AdditionalData[model.DataTimeSlot] = slot
	ev.AdditionalData[model.DataAvailability] = availability
	return t.emit.Emit(ctx, t.gate, emitter.EventName(model.StepEnterDetails), ev), nil
}

// EnterCustomerInfo moves to payment. Customer details stay in memory; only a vendor event
// without them is sent. No step row is written, so step 4 in the event log means payment was
// attempted or the session left at that step.
func (t *Tracker) EnterCustomerInfo(ctx context.Context, info model.CustomerInfo) (emitter.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(model.StepEnterDetails); err != nil {
		return emitter.Result{}, err
	}
	t.customer = info
	t.s.HasCustomerInfo = info.Name != "" || info.Email != "" || info.Phone != ""
	now, spent := t.advance(model.StepCompletePayment)
	ev := t.event(model.StepCompletePayment, now, true, "", model.Seconds(spent), model.KindStepEntered)
	out := t.emit.Track(ctx, t.gate, "funnel_customer_info", ev)
	return emitter.Result{Sink: emitter.Dropped(emitter.ReasonDisabled), Vendor: out}, nil
}

// Complete reports the payment outcome. Success closes the session and writes the journey
// record; failure is recorded and leaves the session open for a retry.
func (t *Tracker) Complete(ctx context.Context, bookingID string, status PaymentStatus) (emitter.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if status != PaymentSuccess && status != PaymentFailed {
		return emitter.Result{}, fmt.Errorf("unknown payment status %q", status)
	}
	if err := t.require(model.StepCompletePayment); err != nil {
		return emitter.Result{}, err
	}
	now, spent := t.advance(model.StepCompletePayment)
	t.s.BookingID = bookingID

	if status == PaymentFailed {
		ev := t.event(model.StepCompletePayment, now, false, CodePaymentFailed, model.Seconds(spent), model.KindPaymentFail)
		ev.AdditionalData[model.DataBookingID] = bookingID
		ev.AdditionalData[model.DataPaymentStatus] = string(status)
		ev.AdditionalData[model.DataSeverity] = string(ClassifySeverity(CodePaymentFailed, ""))
		return t.emit.Emit(ctx, t.gate, "booking_payment_failed", ev), nil
	}

	t.s.IsCompleted = true
	rate := float64(len(t.s.StepTimestamps)) / float64(model.TotalSteps) * 100
	ev := t.event(model.StepCompletePayment, now, true, "", model.Seconds(spent), model.KindCompleted)
	ev.AdditionalData[model.DataBookingID] = bookingID
	ev.AdditionalData[model.DataPaymentStatus] = string(status)
	ev.AdditionalData[model.DataCompletionRate] = rate
	ev.AdditionalData[model.DataTotalTimeSpent] = t.s.TotalTimeSpent.Seconds()
	res := t.emit.Emit(ctx, t.gate, "booking_completed", ev)

	rec := t.emit.EmitJourney(ctx, t.gate, t.journey(now))
	res.Record = &rec
	t.logger.Info("booking session completed", "session_id", t.s.ID, "booking_id", bookingID)
	return res, nil
}

// Abandon closes the session without a booking. atStep of zero means the current step.
func (t *Tracker) Abandon(ctx context.Context, reason string, atStep model.Step) (emitter.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.abandonLocked(ctx, reason, atStep)
}

// Unload is the page-unload hook: a live session is abandoned at its current step. It
// reports false when there was nothing to close.
func (t *Tracker) Unload(ctx context.Context) (emitter.Result, bool) {
	return t.AbandonIfIdle(ctx, ReasonPageUnload, 0)
}

// AbandonIfIdle abandons a live session whose last activity is older than idle. A zero idle
// abandons unconditionally.
func (t *Tracker) AbandonIfIdle(ctx context.Context, reason string, idle time.Duration) (emitter.Result, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.s == nil || t.s.Closed() {
		return emitter.Result{}, false
	}
	if idle > 0 && t.now().Sub(t.s.LastActivity) < idle {
		return emitter.Result{}, false
	}
	res, err := t.abandonLocked(ctx, reason, 0)
	if err != nil {
		return emitter.Result{}, false
	}
	return res, true
}

// Error records a non-terminal failure at step. step zero means the current step; an empty
// code is recorded as unknown_error.
func (t *Tracker) Error(ctx context.Context, message string, step model.Step, code string) (emitter.Result, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.require(model.StepChooseService); err != nil {
		return emitter.Result{}, err
	}
	if step == model.StepNone {
		step = t.s.CurrentStep
	}
	if !step.Valid() {
		return emitter.Result{}, fmt.Errorf("%w: step %d", ErrStepOutOfOrder, int(step))
	}
	if code == "" {
		code = CodeUnknownError
	}
	now := t.now()
	t.s.LastActivity = now
	sev := ClassifySeverity(code, message)
	ev := t.event(step, now, false, code, nil, model.KindError)
	ev.AdditionalData[model.DataErrorMessage] = message
	ev.AdditionalData[model.DataSeverity] = string(sev)
	if sev == SeverityHigh {
		t.logger.Warn("booking error", "session_id", t.s.ID, "step", int(step), "code", code, "severity", sev)
	}
	return t.emit.Emit(ctx, t.gate, "booking_error", ev), nil
}

// Snapshot returns a copy of the current session, if one was started.
func (t *Tracker) Snapshot() (Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.s == nil {
		return Session{}, false
	}
	out := *t.s
	out.StepTimestamps = make(map[model.Step]time.Time, len(t.s.StepTimestamps))
	for k, v := range t.s.StepTimestamps {
		out.StepTimestamps[k] = v
	}
	if t.s.Service != nil {
		svc := *t.s.Service
		out.Service = &svc
	}
	return out, true
}

func (t *Tracker) abandonLocked(ctx context.Context, reason string, atStep model.Step) (emitter.Result, error) {
	if err := t.require(model.StepChooseService); err != nil {
		return emitter.Result{}, err
	}
	if atStep == model.StepNone {
		atStep = t.s.CurrentStep
	}
	if !atStep.Valid() || atStep > t.s.CurrentStep {
		return emitter.Result{}, fmt.Errorf("%w: abandon at step %d from step %d", ErrStepOutOfOrder, int(atStep), int(t.s.CurrentStep))
	}
	if reason == "" {
		reason = "unknown"
	}
	now, spent := t.advance(atStep)
	t.s.IsAbandoned = true
	t.s.AbandonmentReason = reason
	stepsCompleted := int(atStep) - 1

	ev := t.event(atStep, now, false, CodeAbandoned, model.Seconds(spent), model.KindAbandoned)
	ev.AdditionalData[model.DataAbandonmentReason] = reason
	ev.AdditionalData[model.DataStepsCompleted] = stepsCompleted
	ev.AdditionalData[model.DataTotalTimeSpent] = t.s.TotalTimeSpent.Seconds()
	res := t.emit.Emit(ctx, t.gate, "booking_abandoned", ev)

	a := model.Abandonment{
		SessionID:        t.s.ID,
		Step:             atStep,
		StepsCompleted:   stepsCompleted,
		Reason:           reason,
		ServiceCategory:  t.s.Category,
		TotalTimeSeconds: t.s.TotalTimeSpent.Seconds(),
		DeviceType:       t.opts.DeviceType,
		AbandonedAt:      now,
	}
	if t.s.Service != nil {
		a.ServicePrice = t.s.Service.Price
	}
	rec := t.emit.EmitAbandonment(ctx, t.gate, a)
	res.Record = &rec
	t.logger.Info("booking session abandoned", "session_id", t.s.ID, "step", int(atStep), "reason", reason)
	return res, nil
}

// require checks the session is live and has reached at least min.
func (t *Tracker) require(min model.Step) error {
	if t.s == nil {
		return ErrNotStarted
	}
	if t.s.Closed() {
		return ErrSessionClosed
	}
	if t.s.CurrentStep < min {
		return fmt.Errorf("%w: at step %d, need step %d", ErrStepOutOfOrder, int(t.s.CurrentStep), int(min))
	}
	return nil
}

// advance charges the time since the last transition to the session and moves forward to
// step if it is ahead. currentStep never decreases and each step timestamp is set once.
func (t *Tracker) advance(step model.Step) (time.Time, time.Duration) {
	now := t.now()
	spent := now.Sub(t.lastStepAt)
	if spent < 0 {
		spent = 0
	}
	t.s.TotalTimeSpent += spent
	t.lastStepAt = now
	t.s.LastActivity = now
	if step > t.s.CurrentStep {
		t.s.CurrentStep = step
	}
	if _, ok := t.s.StepTimestamps[step]; !ok {
		t.s.StepTimestamps[step] = now
	}
	return now, spent
}

func (t *Tracker) event(step model.Step, at time.Time, success bool, code string, spent *float64, kind string) model.TelemetryEvent {
	data := map[string]any{
		model.DataServiceCategory: t.s.Category,
		model.DataCurrency:        t.emit.Currency(),
		model.DataEventKind:       kind,
	}
	if t.opts.Language != "" {
		data[model.DataLanguage] = t.opts.Language
	}
	if t.s.Service != nil {
		data[model.DataServiceID] = t.s.Service.ID
		data[model.DataServicePrice] = t.s.Service.Price
	}
	return model.TelemetryEvent{
		ID:               uuid.NewString(),
		SessionID:        t.s.ID,
		Step:             step,
		Timestamp:        at,
		Success:          success,
		ErrorCode:        code,
		TimeSpentSeconds: spent,
		DeviceType:       t.opts.DeviceType,
		AdditionalData:   data,
	}
}

func (t *Tracker) journey(now time.Time) model.BookingJourney {
	j := model.BookingJourney{
		SessionID:        t.s.ID,
		BookingID:        t.s.BookingID,
		ServiceCategory:  t.s.Category,
		Currency:         t.emit.Currency(),
		TimeSlot:         t.s.TimeSlot,
		HasCustomerName:  t.customer.Name != "",
		HasCustomerEmail: t.customer.Email != "",
		HasCustomerPhone: t.customer.Phone != "",
		DeviceType:       t.opts.DeviceType,
		Language:         t.opts.Language,
		TotalTimeSeconds: t.s.TotalTimeSpent.Seconds(),
		StepTimestamps:   make(map[model.Step]time.Time, len(t.s.StepTimestamps)),
		CompletedAt:      now,
	}
	for k, v := range t.s.StepTimestamps {
		j.StepTimestamps[k] = v
	}
	if svc := t.s.Service; svc != nil {
		j.ServiceID = svc.ID
		j.ServiceName = svc.Name
		j.ServicePrice = svc.Price
	}
	if t.opts.Pseudonymizer != nil && t.customer.Email != "" {
		j.CustomerRef = t.opts.Pseudonymizer.Ref(t.customer.Email)
	}
	return j
}
