package patient

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medicore/hms/internal/domain/clinical"
	"github.com/medicore/hms/internal/platform/fhir"
	"github.com/medicore/hms/internal/platform/notification"
)

const mrnAttempts = 5

// Notifier delivers the welcome email without blocking the caller.
type Notifier interface {
	DispatchWelcomeEmail(ctx context.Context, recipient string, fields notification.WelcomeFields)
}

// Metrics receives record lifecycle events.
type Metrics interface {
	RecordCreated()
	RecordMerged(changed bool)
	MedicalIDConflict()
}

type noopMetrics struct{}

func (noopMetrics) RecordCreated()     {}
func (noopMetrics) RecordMerged(bool)  {}
func (noopMetrics) MedicalIDConflict() {}

type Service struct {
	repo      Repository
	tx        TxRunner
	ext       *Extractor
	notifier  Notifier
	metrics   Metrics
	log       zerolog.Logger
	mrnPrefix string
}

// NewService wires the record service. notifier and metrics may be nil.
func NewService(repo Repository, tx TxRunner, notifier Notifier, metrics Metrics, logger zerolog.Logger, mrnPrefix string) *Service {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	logger = logger.With().Str("component", "patient").Logger()
	return &Service{
		repo:      repo,
		tx:        tx,
		ext:       NewExtractor(logger),
		notifier:  notifier,
		metrics:   metrics,
		log:       logger,
		mrnPrefix: mrnPrefix,
	}
}

// Extractor returns the field extractor used to normalize stored rows.
func (s *Service) Extractor() *Extractor { return s.ext }

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	stored, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.ext.Normalize(stored), nil
}

func (s *Service) GetByMedicalID(ctx context.Context, medicalID string) (*Record, error) {
	stored, err := s.repo.GetByMedicalID(ctx, strings.TrimSpace(medicalID))
	if err != nil {
		return nil, err
	}
	return s.ext.Normalize(stored), nil
}

// FindByEmail returns records whose authoritative email equals email,
// oldest first.
func (s *Service) FindByEmail(ctx context.Context, email string) ([]*Record, error) {
	email = normalizeContactValue(fhir.ContactSystemEmail, email)
	if email == "" {
		return nil, nil
	}
	rows, err := s.repo.FindByContactEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, row := range rows {
		if rec := s.ext.Normalize(row); rec.Email() == email {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*Record, int, error) {
	rows, total, err := s.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	out := make([]*Record, 0, len(rows))
	for _, row := range rows {
		out = append(out, s.ext.Normalize(row))
	}
	return out, total, nil
}

// Register creates a minimal record. A supplied MRN must be unused in the
// hospital; otherwise one is generated. The welcome email is dispatched after
// the record is stored and its failure never affects the result.
func (s *Service) Register(ctx context.Context, reg Registration) (*Record, error) {
	email := normalizeContactValue(fhir.ContactSystemEmail, reg.Email)
	if email == "" || !strings.Contains(email, "@") {
		return nil, newValidationError("email", "must be a valid email address")
	}

	rec := &Record{
		Contact: []fhir.ContactPoint{{System: fhir.ContactSystemEmail, Value: email}},
	}
	first, last := strings.TrimSpace(reg.FirstName), strings.TrimSpace(reg.LastName)
	if first != "" {
		rec.Name.Given = []string{first}
	}
	rec.Name.Family = last
	if phone := strings.TrimSpace(reg.Phone); phone != "" {
		rec.Contact = append(rec.Contact, fhir.ContactPoint{System: fhir.ContactSystemPhone, Value: phone})
	}

	if mrn := strings.TrimSpace(reg.MedicalID); mrn != "" {
		if _, err := s.repo.GetByMedicalID(ctx, mrn); err == nil {
			return nil, ErrMedicalIDTaken
		} else if !errors.Is(err, ErrRecordNotFound) {
			return nil, fmt.Errorf("check medical id: %w", err)
		}
		rec.MedicalID = mrn
		if err := s.repo.Create(ctx, rec); err != nil {
			return nil, err
		}
	} else if err := s.createWithGeneratedMRN(ctx, rec); err != nil {
		return nil, err
	}

	s.metrics.RecordCreated()
	s.log.Info().Str("record_id", rec.ID.String()).Str("hospital_id", rec.HospitalID).
		Str("medical_id", rec.MedicalID).Msg("patient record created")

	if s.notifier != nil {
		s.notifier.DispatchWelcomeEmail(ctx, email, notification.WelcomeFields{
			DisplayName: DisplayName(rec.Name),
			MedicalID:   rec.MedicalID,
			HospitalID:  rec.HospitalID,
		})
	}
	return rec, nil
}

func (s *Service) createWithGeneratedMRN(ctx context.Context, rec *Record) error {
	for attempt := 0; attempt < mrnAttempts; attempt++ {
		mrn, err := GenerateMedicalID(s.mrnPrefix)
		if err != nil {
			return err
		}
		if _, err := s.repo.GetByMedicalID(ctx, mrn); err == nil {
			continue
		} else if !errors.Is(err, ErrRecordNotFound) {
			return fmt.Errorf("check medical id: %w", err)
		}

		rec.MedicalID = mrn
		err = s.repo.Create(ctx, rec)
		if errors.Is(err, ErrMedicalIDTaken) {
			continue
		}
		return err
	}
	return fmt.Errorf("generate medical id: no free id after %d attempts", mrnAttempts)
}

// GenerateMedicalID returns prefix followed by six random digits.
func GenerateMedicalID(prefix string) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate medical id: %w", err)
	}
	return fmt.Sprintf("%s%06d", prefix, n.Int64()), nil
}

// ValidateUpdate reports the validation errors ApplyUpdate would return for
// u, without touching storage.
func (s *Service) ValidateUpdate(u *Update) error {
	_, err := s.ext.NormalizeUpdate(u)
	return err
}

// ApplyUpdate merges u into the stored record under a row lock. The stored
// MRN always wins over a different proposed one. It never creates records.
func (s *Service) ApplyUpdate(ctx context.Context, id uuid.UUID, u *Update) (*Record, error) {
	patch, err := s.ext.NormalizeUpdate(u)
	if err != nil {
		return nil, err
	}

	var merged *Record
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		stored, err := s.repo.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		res := Merge(*s.ext.Normalize(stored), patch)

		if res.Conflict != nil {
			s.metrics.MedicalIDConflict()
			s.log.Warn().
				Str("record_id", id.String()).
				Str("hospital_id", stored.HospitalID).
				Str("current_medical_id", res.Conflict.Current).
				Str("proposed_medical_id", res.Conflict.Proposed).
				Msg("conflicting medical id ignored, keeping current value")
		}

		if res.Changed {
			if err := s.repo.Update(ctx, &res.Record); err != nil {
				return err
			}
		}
		s.metrics.RecordMerged(res.Changed)
		merged = &res.Record
		return nil
	})
	if err != nil {
		return nil, err
	}
	return merged, nil
}

// Profile returns the patient-facing view of a record as of asOf.
func (s *Service) Profile(ctx context.Context, id uuid.UUID, asOf time.Time) (*Profile, error) {
	rec, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p := BuildProfile(rec, asOf)
	return &p, nil
}

func BuildProfile(rec *Record, asOf time.Time) Profile {
	p := Profile{
		ID:             rec.ID,
		MedicalID:      rec.MedicalID,
		DisplayName:    DisplayName(rec.Name),
		Email:          rec.Email(),
		Phone:          rec.Phone(),
		Gender:         rec.Gender,
		BirthDate:      clinical.FormatDate(rec.BirthDate),
		DueDate:        clinical.FormatDate(rec.DueDate),
		Derived:        clinical.Summarize(rec.BirthDate, rec.DueDate, asOf),
		Extension:      rec.Extension,
		MedicalHistory: rec.MedicalHistory,
	}
	if rec.Address != nil {
		p.Address = DisplayAddress(*rec.Address)
	}
	if done := rec.Extension.OnboardingComplete; done != nil {
		p.OnboardingComplete = *done
	}
	return p
}
