package consent

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/md-rashed-zaman/funnelscope/services/funnel-service/internal/model"
)

type memStore struct {
	mu        sync.Mutex
	records   []model.ConsentRecord
	activity  []model.ConsentActivity
	failWrite bool
	loadErr   error
}

func (m *memStore) SaveConsent(_ context.Context, rec model.ConsentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite {
		return errors.New("store down")
	}
	m.records = append(m.records, rec)
	return nil
}

func (m *memStore) LatestConsent(_ context.Context, visitorID string) (model.ConsentRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return model.ConsentRecord{}, m.loadErr
	}
	for i := len(m.records) - 1; i >= 0; i-- {
		if m.records[i].VisitorID == visitorID {
			return m.records[i], nil
		}
	}
	return model.ConsentRecord{}, model.ErrNotFound
}

func (m *memStore) InsertConsentActivity(_ context.Context, act model.ConsentActivity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWrite {
		return errors.New("store down")
	}
	m.activity = append(m.activity, act)
	return nil
}

type fixedPrompter struct {
	answer map[model.ConsentType]bool
	err    error
}

func (p fixedPrompter) Prompt(context.Context, map[model.ConsentType]bool) (map[model.ConsentType]bool, error) {
	return p.answer, p.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestGate(store Store, now *time.Time) *Gate {
	return NewGate("v1", store, quietLogger(), Policy{SensitiveDataMasking: true}, WithClock(func() time.Time { return *now }))
}

func TestGateStartsUnknown(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	g := newTestGate(nil, &now)
	if g.State() != StateUnknown {
		t.Fatalf("expected unknown, got %s", g.State())
	}
	if !g.HasConsent(model.ConsentEssential) {
		t.Fatalf("essential must always be allowed")
	}
	if g.HasConsent(model.ConsentAnalytics) {
		t.Fatalf("analytics must not be allowed before a decision")
	}
	if !g.NeedsPrompt() {
		t.Fatalf("expected prompt to be needed")
	}
}

func TestGateGrantPersistsAndSupersedes(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store := &memStore{}
	g := newTestGate(store, &now)
	ctx := context.Background()

	if err := g.Grant(ctx, []model.ConsentType{model.ConsentAnalytics}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if g.State() != StateGranted || !g.HasConsent(model.ConsentAnalytics) {
		t.Fatalf("expected analytics granted")
	}
	if g.HasConsent(model.ConsentMarketing) {
		t.Fatalf("marketing was not granted")
	}

	now = now.Add(time.Hour)
	if err := g.Grant(ctx, []model.ConsentType{model.ConsentAnalytics, model.ConsentMarketing}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if len(store.records) != 2 || len(store.activity) != 2 {
		t.Fatalf("expected 2 records and 2 activity rows, got %d/%d", len(store.records), len(store.activity))
	}
	first, second := store.records[0], store.records[1]
	if first.ID != second.ID {
		t.Fatalf("superseding record must keep the id")
	}
	if second.Version != first.Version+1 {
		t.Fatalf("expected version %d, got %d", first.Version+1, second.Version)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Fatalf("expected newer timestamp")
	}
	if first.Types[model.ConsentMarketing] {
		t.Fatalf("stored record was mutated")
	}
}

func TestGateGrantRejectsUnknownType(t *testing.T) {
	now := time.Now()
	g := newTestGate(nil, &now)
	if err := g.Grant(context.Background(), []model.ConsentType{"telepathy"}); err == nil {
		t.Fatalf("expected error for unknown consent type")
	}
	if g.State() != StateUnknown {
		t.Fatalf("failed grant must not change state")
	}
}

func TestGateWithdrawOnlyFromGranted(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	g := newTestGate(nil, &now)
	ctx := context.Background()

	if err := g.Withdraw(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from unknown, got %v", err)
	}
	if err := g.Decline(ctx); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if g.State() != StateDeclined {
		t.Fatalf("expected declined, got %s", g.State())
	}
	if err := g.Withdraw(ctx); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition from declined, got %v", err)
	}
	if err := g.Grant(ctx, []model.ConsentType{model.ConsentAnalytics, model.ConsentPersonalization}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := g.Withdraw(ctx); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if g.State() != StateWithdrawn {
		t.Fatalf("expected withdrawn, got %s", g.State())
	}
	for _, ct := range []model.ConsentType{model.ConsentAnalytics, model.ConsentMarketing, model.ConsentPersonalization} {
		if g.HasConsent(ct) {
			t.Fatalf("%s must be off after withdrawal", ct)
		}
	}
}

func TestGateExpiryRevertsToUnknown(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	g := newTestGate(nil, &now)
	var seen []State
	g.Subscribe(func(s State) { seen = append(seen, s) })

	if err := g.Grant(context.Background(), []model.ConsentType{model.ConsentAnalytics}); err != nil {
		t.Fatalf("grant: %v", err)
	}
	now = now.Add(DefaultExpiry)
	if g.HasConsent(model.ConsentAnalytics) {
		t.Fatalf("expired consent must not allow analytics")
	}
	if g.State() != StateUnknown {
		t.Fatalf("expected unknown after expiry, got %s", g.State())
	}
	if got := g.Refresh(); got != StateUnknown {
		t.Fatalf("refresh returned %s", got)
	}
	g.Refresh()
	want := []State{StateGranted, StateUnknown}
	if !reflect.DeepEqual(seen, want) {
		t.Fatalf("expected broadcasts %v, got %v", want, seen)
	}
}

func TestGatePersistenceFailureStillApplies(t *testing.T) {
	now := time.Now()
	g := newTestGate(&memStore{failWrite: true}, &now)
	if err := g.Grant(context.Background(), []model.ConsentType{model.ConsentAnalytics}); err != nil {
		t.Fatalf("grant should not fail on store errors: %v", err)
	}
	if !g.HasConsent(model.ConsentAnalytics) {
		t.Fatalf("in-memory consent should still change")
	}
}

func TestGateSubscribeOrderAndUnsubscribe(t *testing.T) {
	now := time.Now()
	g := newTestGate(nil, &now)
	var calls []string
	g.Subscribe(func(State) { calls = append(calls, "a") })
	unsub := g.Subscribe(func(State) { calls = append(calls, "b") })
	g.Subscribe(func(State) { calls = append(calls, "c") })

	_ = g.Decline(context.Background())
	unsub()
	_ = g.Grant(context.Background(), []model.ConsentType{model.ConsentAnalytics})

	want := []string{"a", "b", "c", "a", "c"}
	if !reflect.DeepEqual(calls, want) {
		t.Fatalf("expected %v, got %v", want, calls)
	}
}

func TestRequestConsent(t *testing.T) {
	now := time.Now()
	g := newTestGate(nil, &now)
	ctx := context.Background()

	got, err := g.RequestConsent(ctx, fixedPrompter{answer: map[model.ConsentType]bool{
		model.ConsentAnalytics: true,
		model.ConsentMarketing: false,
	}})
	if err != nil {
		t.Fatalf("request consent: %v", err)
	}
	want := []model.ConsentType{model.ConsentAnalytics, model.ConsentEssential}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	got, err = g.RequestConsent(ctx, fixedPrompter{answer: map[model.ConsentType]bool{}})
	if err != nil {
		t.Fatalf("request consent: %v", err)
	}
	if g.State() != StateDeclined {
		t.Fatalf("empty answer should decline, got %s", g.State())
	}
	if !reflect.DeepEqual(got, []model.ConsentType{model.ConsentEssential}) {
		t.Fatalf("expected essential only, got %v", got)
	}

	if _, err := g.RequestConsent(ctx, fixedPrompter{err: errors.New("closed")}); err == nil {
		t.Fatalf("expected prompt error")
	}
	if g.State() != StateDeclined {
		t.Fatalf("prompt failure must leave state alone")
	}
}

func TestRedactSensitive(t *testing.T) {
	in := map[string]any{"email": "a@b.com", "note": "ok"}
	got := RedactSensitive(in)
	want := map[string]any{"email": Redacted, "note": "ok"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if in["email"] != "a@b.com" {
		t.Fatalf("input was modified")
	}
}

func TestRedactNested(t *testing.T) {
	in := map[string]any{
		"service_name": "Haircut",
		"customer": map[string]any{
			"Full_Name":   "Jan Kowalski",
			"phoneNumber": "+48 600 000 000",
			"address":     map[string]any{"city": "Warsaw"},
		},
		"attendees": []any{
			map[string]any{"customer_email": "x@y.z", "seat": 2},
		},
		"card-number": "4242424242424242",
		"PESEL":       "44051401359",
	}
	got := RedactSensitive(in)
	customer := got["customer"].(map[string]any)
	if customer["Full_Name"] != Redacted || customer["phoneNumber"] != Redacted || customer["address"] != Redacted {
		t.Fatalf("nested fields not redacted: %v", customer)
	}
	att := got["attendees"].([]any)[0].(map[string]any)
	if att["customer_email"] != Redacted || att["seat"] != 2 {
		t.Fatalf("slice element not redacted: %v", att)
	}
	if got["card-number"] != Redacted || got["PESEL"] != Redacted {
		t.Fatalf("top-level fields not redacted: %v", got)
	}
	if got["service_name"] != "Haircut" {
		t.Fatalf("service_name must survive, got %v", got["service_name"])
	}
}

func TestGateRedactHonoursPolicy(t *testing.T) {
	payload := map[string]any{"email": "a@b.com"}
	off := NewGate("v", nil, quietLogger(), Policy{})
	if off.Redact(payload)["email"] != "a@b.com" {
		t.Fatalf("masking disabled should pass through")
	}
	on := NewGate("v", nil, quietLogger(), Policy{SensitiveDataMasking: true})
	if on.Redact(payload)["email"] != Redacted {
		t.Fatalf("masking enabled should redact")
	}
}

func TestPseudonymizer(t *testing.T) {
	p, err := NewPseudonymizer([]byte("k1"))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	a := p.Ref("Jan@Example.com ")
	if a == "" || a != p.Ref("jan@example.com") {
		t.Fatalf("expected stable normalized ref")
	}
	if len(a) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(a))
	}
	if p.Ref("") != "" {
		t.Fatalf("empty input should map to empty ref")
	}
	other, _ := NewPseudonymizer([]byte("k2"))
	if other.Ref("jan@example.com") == a {
		t.Fatalf("different keys must yield different refs")
	}
	if _, err := NewPseudonymizer(nil); err == nil {
		t.Fatalf("expected error for empty key")
	}
}

func TestRegistryLoadsLatest(t *testing.T) {
	now := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	store := &memStore{}
	seed := NewGate("v9", store, quietLogger(), Policy{}, WithClock(func() time.Time { return now }))
	if err := seed.Grant(context.Background(), []model.ConsentType{model.ConsentAnalytics}); err != nil {
		t.Fatalf("grant: %v", err)
	}

	reg := NewRegistry(store, quietLogger(), Policy{}, WithClock(func() time.Time { return now }))
	g, err := reg.Gate(context.Background(), "v9")
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if !g.HasConsent(model.ConsentAnalytics) {
		t.Fatalf("expected loaded consent")
	}
	again, _ := reg.Gate(context.Background(), "v9")
	if again != g {
		t.Fatalf("expected cached gate")
	}
	fresh, err := reg.Gate(context.Background(), "new-visitor")
	if err != nil || fresh.State() != StateUnknown {
		t.Fatalf("expected unknown gate for new visitor, err=%v", err)
	}
}

func TestRegistryLoadError(t *testing.T) {
	store := &memStore{loadErr: errors.New("boom")}
	reg := NewRegistry(store, quietLogger(), Policy{})
	if _, err := reg.Gate(context.Background(), "v1"); err == nil {
		t.Fatalf("expected load error")
	}
	store.loadErr = nil
	if _, err := reg.Gate(context.Background(), "v1"); err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
}
