package identity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medicore/hms/internal/domain/patient"
	"github.com/medicore/hms/internal/platform/auth"
	"github.com/medicore/hms/internal/platform/db"
	"github.com/medicore/hms/internal/platform/fhir"
)

// -- Fake patient store --

type fakeStore struct {
	mu       sync.Mutex
	records  []*patient.Record
	seq      int
	findErr  error
	created  int
	lastRegs []patient.Registration
}

func (f *fakeStore) add(hid, mrn, email string) *patient.Record {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	rec := &patient.Record{
		ID:         uuid.New(),
		HospitalID: hid,
		MedicalID:  mrn,
		CreatedAt:  time.Date(2024, 1, 1, 0, 0, f.seq, 0, time.UTC),
	}
	if email != "" {
		rec.Contact = []fhir.ContactPoint{{System: fhir.ContactSystemEmail, Value: email}}
	}
	f.records = append(f.records, rec)
	return rec
}

func (f *fakeStore) Get(ctx context.Context, id uuid.UUID) (*patient.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.ID == id && r.HospitalID == db.HospitalFromContext(ctx) {
			cp := *r
			return &cp, nil
		}
	}
	return nil, patient.ErrRecordNotFound
}

func (f *fakeStore) FindByEmail(ctx context.Context, email string) ([]*patient.Record, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*patient.Record
	for _, r := range f.records {
		if r.HospitalID == db.HospitalFromContext(ctx) && strings.EqualFold(r.Email(), email) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (f *fakeStore) GetByMedicalID(ctx context.Context, mrn string) (*patient.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, r := range f.records {
		if r.HospitalID == db.HospitalFromContext(ctx) && r.MedicalID == mrn {
			return r, nil
		}
	}
	return nil, patient.ErrRecordNotFound
}

func (f *fakeStore) Register(ctx context.Context, reg patient.Registration) (*patient.Record, error) {
	if reg.MedicalID != "" {
		if _, err := f.GetByMedicalID(ctx, reg.MedicalID); err == nil {
			return nil, patient.ErrMedicalIDTaken
		}
	}
	mrn := reg.MedicalID
	if mrn == "" {
		mrn = fmt.Sprintf("G%06d", f.seq+1)
	}
	f.mu.Lock()
	f.created++
	f.lastRegs = append(f.lastRegs, reg)
	f.mu.Unlock()
	return f.add(db.HospitalFromContext(ctx), mrn, reg.Email), nil
}

func (f *fakeStore) ValidateUpdate(u *patient.Update) error {
	_, err := patient.NewExtractor(zerolog.Nop()).NormalizeUpdate(u)
	return err
}

func (f *fakeStore) ApplyUpdate(ctx context.Context, id uuid.UUID, u *patient.Update) (*patient.Record, error) {
	cur, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := patient.NewExtractor(zerolog.Nop()).NormalizeUpdate(u)
	if err != nil {
		return nil, err
	}
	res := patient.Merge(*cur, p)

	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.records {
		if r.ID == id {
			merged := res.Record
			f.records[i] = &merged
		}
	}
	return &res.Record, nil
}

func (f *fakeStore) Profile(ctx context.Context, id uuid.UUID, asOf time.Time) (*patient.Profile, error) {
	rec, err := f.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p := patient.BuildProfile(rec, asOf)
	return &p, nil
}

type staticSessions struct{ s *auth.Session }

func (s staticSessions) CurrentSession(context.Context) *auth.Session { return s.s }

type recordedMetrics struct {
	mu     sync.Mutex
	events []string
}

func (m *recordedMetrics) Resolution(provider, outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, provider+":"+outcome)
}

func newTestResolver(store *fakeStore, session *auth.Session, logger zerolog.Logger) (*Resolver, *recordedMetrics) {
	m := &recordedMetrics{}
	return NewResolver(m, logger, DefaultProviders(staticSessions{session}, store, logger)...), m
}

func ctxFor(hid string) context.Context {
	return db.WithHospital(context.Background(), hid)
}

// -- Tests --

func TestResolve_NoSessionNoSignals(t *testing.T) {
	r, m := newTestResolver(&fakeStore{}, nil, zerolog.Nop())
	_, err := r.Resolve(ctxFor("h1"), Signals{})
	if !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
	if len(m.events) != 1 || m.events[0] != "none:not_authenticated" {
		t.Errorf("unexpected metrics %v", m.events)
	}
}

func TestResolve_ValidSessionIsTerminal(t *testing.T) {
	store := &fakeStore{}
	bound := store.add("h1", "P1", "bound@x.com")
	other := store.add("h1", "P2", "other@x.com")

	r, _ := newTestResolver(store, &auth.Session{RecordID: bound.ID, HospitalID: "h1", Valid: true}, zerolog.Nop())
	res, err := r.Resolve(ctxFor("h1"), Signals{RecoveryEmail: "other@x.com", ClaimedMedicalID: "P2", IsRecoveryAttempt: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RecordID != bound.ID || res.Provider != ProviderSession {
		t.Errorf("expected session record, got %+v (other=%s)", res, other.ID)
	}
	if store.created != 0 {
		t.Error("expected no record creation")
	}
}

func TestResolve_ExpiredSessionFallsBackToRecovery(t *testing.T) {
	store := &fakeStore{}
	rec := store.add("h1", "P1", "a@b.com")

	r, _ := newTestResolver(store, &auth.Session{RecordID: uuid.New(), HospitalID: "h1", Valid: false}, zerolog.Nop())
	res, err := r.Resolve(ctxFor("h1"), Signals{RecoveryEmail: " A@B.com ", ClaimedMedicalID: "P1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RecordID != rec.ID || res.Provider != ProviderRecoveryEmail || res.Created {
		t.Errorf("unexpected resolution %+v", res)
	}
}

func TestResolve_ExpiredSessionWithoutSignals(t *testing.T) {
	r, _ := newTestResolver(&fakeStore{}, &auth.Session{RecordID: uuid.New(), Valid: false}, zerolog.Nop())
	if _, err := r.Resolve(ctxFor("h1"), Signals{}); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestResolve_SessionForOtherHospitalIgnored(t *testing.T) {
	store := &fakeStore{}
	rec := store.add("h2", "P1", "a@b.com")

	r, _ := newTestResolver(store, &auth.Session{RecordID: rec.ID, HospitalID: "h2", Valid: true}, zerolog.Nop())
	if _, err := r.Resolve(ctxFor("h1"), Signals{}); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestResolve_SessionForMissingRecordFallsThrough(t *testing.T) {
	store := &fakeStore{}
	rec := store.add("h1", "P1", "a@b.com")

	r, _ := newTestResolver(store, &auth.Session{RecordID: uuid.New(), HospitalID: "h1", Valid: true}, zerolog.Nop())
	res, err := r.Resolve(ctxFor("h1"), Signals{RecoveryEmail: "a@b.com", ClaimedMedicalID: "P1"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RecordID != rec.ID {
		t.Errorf("expected recovery match, got %+v", res)
	}
}

func TestResolve_EmailIsTrustAnchor(t *testing.T) {
	store := &fakeStore{}
	rec := store.add("h1", "P1", "a@b.com")

	var buf bytes.Buffer
	r, _ := newTestResolver(store, nil, zerolog.New(&buf))
	res, err := r.Resolve(ctxFor("h1"), Signals{RecoveryEmail: "a@b.com", ClaimedMedicalID: "P999"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RecordID != rec.ID || res.MedicalID != "P1" {
		t.Errorf("expected email match regardless of MRN, got %+v", res)
	}
	if !strings.Contains(buf.String(), "claimed medical id does not match") {
		t.Errorf("expected MRN mismatch to be logged, got %s", buf.String())
	}
}

func TestResolve_AmbiguousEmailPicksOldest(t *testing.T) {
	store := &fakeStore{}
	oldest := store.add("h1", "P1", "dup@x.com")
	store.add("h1", "P2", "dup@x.com")

	var buf bytes.Buffer
	r, _ := newTestResolver(store, nil, zerolog.New(&buf))
	for i := 0; i < 3; i++ {
		res, err := r.Resolve(ctxFor("h1"), Signals{RecoveryEmail: "dup@x.com", ClaimedMedicalID: "P2"})
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.RecordID != oldest.ID {
			t.Fatalf("expected deterministic oldest record, got %s", res.RecordID)
		}
	}
	if !strings.Contains(buf.String(), "several records") {
		t.Errorf("expected ambiguity to be logged, got %s", buf.String())
	}
}

func TestResolve_RecoveryCreatesRecord(t *testing.T) {
	store := &fakeStore{}
	r, m := newTestResolver(store, nil, zerolog.Nop())

	res, err := r.Resolve(ctxFor("h1"), Signals{RecoveryEmail: "a@b.com", ClaimedMedicalID: "P1234", IsRecoveryAttempt: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Created || res.Provider != ProviderRecoveryCreate || res.MedicalID != "P1234" {
		t.Errorf("unexpected resolution %+v", res)
	}

	rec, err := store.Get(ctxFor("h1"), res.RecordID)
	if err != nil {
		t.Fatalf("created record not stored: %v", err)
	}
	if rec.MedicalID != "P1234" {
		t.Errorf("expected MRN P1234, got %q", rec.MedicalID)
	}
	if len(rec.Contact) != 1 || rec.Contact[0].System != "email" || rec.Contact[0].Value != "a@b.com" {
		t.Errorf("expected single email contact, got %+v", rec.Contact)
	}
	if len(m.events) != 1 || m.events[0] != "recovery-create:created" {
		t.Errorf("unexpected metrics %v", m.events)
	}

	// A second attempt now resolves the created record instead of creating again.
	again, err := r.Resolve(ctxFor("h1"), Signals{RecoveryEmail: "a@b.com", ClaimedMedicalID: "P1234", IsRecoveryAttempt: true})
	if err != nil || again.Created || again.RecordID != res.RecordID {
		t.Errorf("expected existing record on retry, got %+v %v", again, err)
	}
}

func TestResolve_RecoveryCreateGeneratesMRN(t *testing.T) {
	store := &fakeStore{}
	r, _ := newTestResolver(store, nil, zerolog.Nop())

	res, err := r.Resolve(ctxFor("h1"), Signals{RecoveryEmail: "new@x.com", IsRecoveryAttempt: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Created || res.MedicalID == "" {
		t.Errorf("expected created record with generated MRN, got %+v", res)
	}
	if store.lastRegs[0].MedicalID != "" {
		t.Errorf("expected no claimed MRN passed, got %q", store.lastRegs[0].MedicalID)
	}
}

func TestResolve_NoMatchWithoutAttemptFails(t *testing.T) {
	store := &fakeStore{}
	r, m := newTestResolver(store, nil, zerolog.Nop())

	_, err := r.Resolve(ctxFor("h1"), Signals{RecoveryEmail: "a@b.com", ClaimedMedicalID: "P1234"})
	if !errors.Is(err, ErrRecoveryFailed) {
		t.Fatalf("expected ErrRecoveryFailed, got %v", err)
	}
	if store.created != 0 {
		t.Error("expected no record creation")
	}
	if m.events[0] != "none:recovery_failed" {
		t.Errorf("unexpected metrics %v", m.events)
	}
}

func TestResolve_EmailOnlyWithoutAttemptIsNotAuthenticated(t *testing.T) {
	r, _ := newTestResolver(&fakeStore{}, nil, zerolog.Nop())
	if _, err := r.Resolve(ctxFor("h1"), Signals{RecoveryEmail: "a@b.com"}); !errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected ErrNotAuthenticated, got %v", err)
	}
}

func TestResolve_CreateRefusedWhenClaimedMRNBelongsToOther(t *testing.T) {
	store := &fakeStore{}
	store.add("h1", "P1234", "someone@else.com")

	var buf bytes.Buffer
	r, m := newTestResolver(store, nil, zerolog.New(&buf))
	_, err := r.Resolve(ctxFor("h1"), Signals{RecoveryEmail: "a@b.com", ClaimedMedicalID: "P1234", IsRecoveryAttempt: true})
	if !errors.Is(err, ErrRecoveryFailed) {
		t.Fatalf("expected ErrRecoveryFailed, got %v", err)
	}
	if store.created != 0 {
		t.Error("expected no duplicate identity")
	}
	if m.events[0] != "recovery-create:recovery_failed" {
		t.Errorf("unexpected metrics %v", m.events)
	}
	if !strings.Contains(buf.String(), "refusing to create") {
		t.Errorf("expected refusal to be logged, got %s", buf.String())
	}
}

func TestResolve_RecoveryScopedToHospital(t *testing.T) {
	store := &fakeStore{}
	store.add("h2", "P1", "a@b.com")

	r, _ := newTestResolver(store, nil, zerolog.Nop())
	if _, err := r.Resolve(ctxFor("h1"), Signals{RecoveryEmail: "a@b.com", ClaimedMedicalID: "P1"}); !errors.Is(err, ErrRecoveryFailed) {
		t.Fatalf("expected ErrRecoveryFailed across hospitals, got %v", err)
	}
}

func TestResolve_StorageErrorStops(t *testing.T) {
	store := &fakeStore{findErr: errors.New("connection reset")}
	r, m := newTestResolver(store, nil, zerolog.Nop())

	_, err := r.Resolve(ctxFor("h1"), Signals{RecoveryEmail: "a@b.com", ClaimedMedicalID: "P1", IsRecoveryAttempt: true})
	if err == nil || errors.Is(err, ErrRecoveryFailed) || errors.Is(err, ErrNotAuthenticated) {
		t.Fatalf("expected storage error, got %v", err)
	}
	if store.created != 0 {
		t.Error("expected no creation after a storage error")
	}
	if m.events[0] != "recovery-email:error" {
		t.Errorf("unexpected metrics %v", m.events)
	}
}

type stubProvider struct {
	name string
	res  *Resolution
}

func (p stubProvider) Name() string { return p.name }
func (p stubProvider) TryResolve(context.Context, Signals) (*Resolution, error) {
	return p.res, nil
}

func TestResolver_ProviderOrder(t *testing.T) {
	first := uuid.New()
	r := NewResolver(nil, zerolog.Nop(),
		stubProvider{name: "empty"},
		stubProvider{name: "first", res: &Resolution{RecordID: first}},
		stubProvider{name: "second", res: &Resolution{RecordID: uuid.New()}},
	)
	res, err := r.Resolve(context.Background(), Signals{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.RecordID != first || res.Provider != "first" {
		t.Errorf("expected first non-empty provider, got %+v", res)
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrNotAuthenticated, 401},
		{ErrRecoveryFailed, 422},
		{fmt.Errorf("wrap: %w", patient.ErrRecordNotFound), 404},
		{patient.ErrMedicalIDTaken, 409},
		{errors.New("boom"), 500},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
