package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medicore/hms/internal/domain/patient"
	"github.com/medicore/hms/internal/platform/auth"
	"github.com/medicore/hms/internal/platform/db"
)

// Provider names, in resolution order.
const (
	ProviderSession        = "session"
	ProviderRecoveryEmail  = "recovery-email"
	ProviderRecoveryCreate = "recovery-create"
)

// Resolution outcomes reported to Metrics.
const (
	OutcomeResolved         = "resolved"
	OutcomeCreated          = "created"
	OutcomeNotAuthenticated = "not_authenticated"
	OutcomeRecoveryFailed   = "recovery_failed"
	OutcomeError            = "error"
)

// Signals are the caller-supplied inputs besides the session.
type Signals struct {
	RecoveryEmail     string `json:"recoveryEmail,omitempty"`
	ClaimedMedicalID  string `json:"claimedMedicalId,omitempty"`
	IsRecoveryAttempt bool   `json:"isRecoveryAttempt,omitempty"`
}

func (s Signals) normalized() Signals {
	return Signals{
		RecoveryEmail:     strings.ToLower(strings.TrimSpace(s.RecoveryEmail)),
		ClaimedMedicalID:  strings.TrimSpace(s.ClaimedMedicalID),
		IsRecoveryAttempt: s.IsRecoveryAttempt,
	}
}

// recovering reports whether the recovery path should run at all.
func (s Signals) recovering() bool {
	return s.RecoveryEmail != "" && (s.ClaimedMedicalID != "" || s.IsRecoveryAttempt)
}

// Resolution identifies the authoritative record for a request.
type Resolution struct {
	RecordID  uuid.UUID `json:"id"`
	MedicalID string    `json:"medicalId"`
	Provider  string    `json:"provider"`
	Created   bool      `json:"created"`
}

// Provider is one identity source. TryResolve returns (nil, nil) when it has
// nothing to say so the next provider is consulted, and an error to stop
// resolution.
type Provider interface {
	Name() string
	TryResolve(ctx context.Context, sig Signals) (*Resolution, error)
}

// Records is the subset of the patient service the resolver reads and
// creates through.
type Records interface {
	Get(ctx context.Context, id uuid.UUID) (*patient.Record, error)
	FindByEmail(ctx context.Context, email string) ([]*patient.Record, error)
	GetByMedicalID(ctx context.Context, medicalID string) (*patient.Record, error)
	Register(ctx context.Context, reg patient.Registration) (*patient.Record, error)
}

// Metrics receives one event per resolution.
type Metrics interface {
	Resolution(provider, outcome string)
}

type noopMetrics struct{}

func (noopMetrics) Resolution(string, string) {}

// Resolver runs its providers in order and returns the first resolution.
type Resolver struct {
	providers []Provider
	metrics   Metrics
	log       zerolog.Logger
}

func NewResolver(metrics Metrics, logger zerolog.Logger, providers ...Provider) *Resolver {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Resolver{
		providers: providers,
		metrics:   metrics,
		log:       logger.With().Str("component", "identity").Logger(),
	}
}

// DefaultProviders returns session, recovery-email and recovery-create.
func DefaultProviders(sessions auth.SessionStore, records Records, logger zerolog.Logger) []Provider {
	logger = logger.With().Str("component", "identity").Logger()
	return []Provider{
		&SessionProvider{sessions: sessions, records: records, log: logger},
		&RecoveryEmailProvider{records: records, log: logger},
		&RecoveryCreateProvider{records: records, log: logger},
	}
}

// Resolve returns exactly one record identity or ErrNotAuthenticated,
// ErrRecoveryFailed or a storage error.
func (r *Resolver) Resolve(ctx context.Context, sig Signals) (*Resolution, error) {
	sig = sig.normalized()

	for _, p := range r.providers {
		res, err := p.TryResolve(ctx, sig)
		if err != nil {
			outcome := OutcomeError
			if errors.Is(err, ErrRecoveryFailed) {
				outcome = OutcomeRecoveryFailed
			}
			r.metrics.Resolution(p.Name(), outcome)
			return nil, err
		}
		if res == nil {
			continue
		}
		res.Provider = p.Name()
		outcome := OutcomeResolved
		if res.Created {
			outcome = OutcomeCreated
		}
		r.metrics.Resolution(p.Name(), outcome)
		r.log.Debug().
			Str("provider", p.Name()).
			Str("record_id", res.RecordID.String()).
			Str("hospital_id", db.HospitalFromContext(ctx)).
			Bool("created", res.Created).
			Msg("identity resolved")
		return res, nil
	}

	if sig.recovering() {
		r.metrics.Resolution("none", OutcomeRecoveryFailed)
		return nil, ErrRecoveryFailed
	}
	r.metrics.Resolution("none", OutcomeNotAuthenticated)
	return nil, ErrNotAuthenticated
}

// SessionProvider trusts a valid session bound to a record in the request's
// hospital.
type SessionProvider struct {
	sessions auth.SessionStore
	records  Records
	log      zerolog.Logger
}

func (p *SessionProvider) Name() string { return ProviderSession }

func (p *SessionProvider) TryResolve(ctx context.Context, _ Signals) (*Resolution, error) {
	s := p.sessions.CurrentSession(ctx)
	if s == nil || !s.Valid {
		return nil, nil
	}
	hid := db.HospitalFromContext(ctx)
	if s.HospitalID != "" && s.HospitalID != hid {
		p.log.Warn().Str("record_id", s.RecordID.String()).Str("hospital_id", hid).
			Str("session_hospital_id", s.HospitalID).Msg("session bound to another hospital ignored")
		return nil, nil
	}

	rec, err := p.records.Get(ctx, s.RecordID)
	if errors.Is(err, patient.ErrRecordNotFound) {
		p.log.Warn().Str("record_id", s.RecordID.String()).Str("hospital_id", hid).
			Msg("session bound to a missing record")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session record: %w", err)
	}
	return &Resolution{RecordID: rec.ID, MedicalID: rec.MedicalID}, nil
}

// RecoveryEmailProvider matches the recovery email against authoritative
// record emails. The email is the trust anchor; the claimed MRN is only
// compared for logging.
type RecoveryEmailProvider struct {
	records Records
	log     zerolog.Logger
}

func (p *RecoveryEmailProvider) Name() string { return ProviderRecoveryEmail }

func (p *RecoveryEmailProvider) TryResolve(ctx context.Context, sig Signals) (*Resolution, error) {
	if !sig.recovering() {
		return nil, nil
	}
	matches, err := p.records.FindByEmail(ctx, sig.RecoveryEmail)
	if err != nil {
		return nil, fmt.Errorf("find by recovery email: %w", err)
	}
	if len(matches) == 0 {
		return nil, nil
	}

	rec := matches[0]
	hid := db.HospitalFromContext(ctx)
	if len(matches) > 1 {
		ids := make([]string, 0, len(matches))
		for _, m := range matches {
			ids = append(ids, m.ID.String())
		}
		p.log.Warn().
			Str("provider", ProviderRecoveryEmail).
			Str("hospital_id", hid).
			Str("record_id", rec.ID.String()).
			Strs("candidate_ids", ids).
			Msg("recovery email matches several records, using the oldest")
	}
	if sig.ClaimedMedicalID != "" && sig.ClaimedMedicalID != rec.MedicalID {
		p.log.Warn().
			Str("provider", ProviderRecoveryEmail).
			Str("hospital_id", hid).
			Str("record_id", rec.ID.String()).
			Str("medical_id", rec.MedicalID).
			Str("claimed_medical_id", sig.ClaimedMedicalID).
			Msg("claimed medical id does not match recovered record")
	}
	return &Resolution{RecordID: rec.ID, MedicalID: rec.MedicalID}, nil
}

// RecoveryCreateProvider creates a minimal record on an explicit recovery
// attempt. It refuses when the claimed MRN already belongs to a record in
// the hospital, so a mistyped email cannot fork an existing identity.
type RecoveryCreateProvider struct {
	records Records
	log     zerolog.Logger
}

func (p *RecoveryCreateProvider) Name() string { return ProviderRecoveryCreate }

func (p *RecoveryCreateProvider) TryResolve(ctx context.Context, sig Signals) (*Resolution, error) {
	if !sig.IsRecoveryAttempt || sig.RecoveryEmail == "" {
		return nil, nil
	}
	hid := db.HospitalFromContext(ctx)

	if sig.ClaimedMedicalID != "" {
		existing, err := p.records.GetByMedicalID(ctx, sig.ClaimedMedicalID)
		switch {
		case err == nil:
			p.log.Warn().
				Str("provider", ProviderRecoveryCreate).
				Str("hospital_id", hid).
				Str("record_id", existing.ID.String()).
				Str("claimed_medical_id", sig.ClaimedMedicalID).
				Msg("claimed medical id already in use under another email, refusing to create")
			return nil, ErrRecoveryFailed
		case !errors.Is(err, patient.ErrRecordNotFound):
			return nil, fmt.Errorf("check claimed medical id: %w", err)
		}
	}

	rec, err := p.records.Register(ctx, patient.Registration{
		Email:     sig.RecoveryEmail,
		MedicalID: sig.ClaimedMedicalID,
	})
	if errors.Is(err, patient.ErrMedicalIDTaken) {
		return nil, ErrRecoveryFailed
	}
	if err != nil {
		return nil, fmt.Errorf("create recovered record: %w", err)
	}

	p.log.Info().
		Str("provider", ProviderRecoveryCreate).
		Str("hospital_id", hid).
		Str("record_id", rec.ID.String()).
		Str("medical_id", rec.MedicalID).
		Msg("patient record created from recovery attempt")
	return &Resolution{RecordID: rec.ID, MedicalID: rec.MedicalID, Created: true}, nil
}
