package patient

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/medicore/hms/internal/domain/clinical"
	"github.com/medicore/hms/internal/platform/fhir"
)

// Record is the normalized patient identity within one hospital.
type Record struct {
	ID             uuid.UUID           `json:"id"`
	HospitalID     string              `json:"hospitalId"`
	MedicalID      string              `json:"medicalId"`
	Name           fhir.HumanName      `json:"name"`
	Contact        []fhir.ContactPoint `json:"contact,omitempty"`
	Address        *fhir.Address       `json:"address,omitempty"`
	Gender         string              `json:"gender,omitempty"`
	BirthDate      *time.Time          `json:"birthDate,omitempty"`
	DueDate        *time.Time          `json:"dueDate,omitempty"`
	Extension      Bag                 `json:"extension"`
	MedicalHistory Bag                 `json:"medicalHistory"`
	CreatedAt      time.Time           `json:"createdAt"`
	UpdatedAt      time.Time           `json:"updatedAt"`
}

func (r *Record) contactValue(system string) string {
	for _, cp := range r.Contact {
		if cp.System == system && cp.Value != "" {
			return cp.Value
		}
	}
	return ""
}

// Email returns the authoritative email, or "".
func (r *Record) Email() string { return r.contactValue(fhir.ContactSystemEmail) }

// Phone returns the authoritative phone, or "".
func (r *Record) Phone() string { return r.contactValue(fhir.ContactSystemPhone) }

// setContact makes value the single authoritative entry for system, keeping
// the existing entry's use.
func (r *Record) setContact(system, value string) {
	out := make([]fhir.ContactPoint, 0, len(r.Contact)+1)
	use := ""
	placed := false
	for _, cp := range r.Contact {
		if cp.System != system {
			out = append(out, cp)
			continue
		}
		if !placed {
			use = cp.Use
			out = append(out, fhir.ContactPoint{System: system, Value: value, Use: use})
			placed = true
		}
	}
	if !placed {
		out = append(out, fhir.ContactPoint{System: system, Value: value})
	}
	r.Contact = out
}

// ToFHIR renders the record as a FHIR R4 Patient resource.
func (r *Record) ToFHIR() map[string]interface{} {
	result := map[string]interface{}{
		"resourceType": "Patient",
		"id":           r.ID.String(),
		"active":       true,
		"meta":         fhir.Meta{LastUpdated: r.UpdatedAt},
	}

	if r.MedicalID != "" {
		result["identifier"] = []fhir.Identifier{
			{
				Use:   "usual",
				Type:  &fhir.CodeableConcept{Coding: []fhir.Coding{{System: "http://terminology.hl7.org/CodeSystem/v2-0203", Code: "MR"}}},
				Value: r.MedicalID,
			},
		}
	}

	if !r.Name.IsZero() {
		name := r.Name
		if name.Use == "" {
			name.Use = "official"
		}
		result["name"] = []fhir.HumanName{name}
	}
	if len(r.Contact) > 0 {
		result["telecom"] = r.Contact
	}
	if r.Gender != "" {
		result["gender"] = strings.ToLower(r.Gender)
	}
	if r.BirthDate != nil {
		result["birthDate"] = clinical.FormatDate(r.BirthDate)
	}
	if r.Address != nil && !r.Address.IsZero() {
		result["address"] = []fhir.Address{*r.Address}
	}
	result["managingOrganization"] = fhir.Reference{Reference: fhir.FormatReference("Organization", r.HospitalID)}

	return result
}

// StoredRecord is a patient_record row before normalization. Name, Telecom,
// Address and the bags hold whatever JSON the original writer produced.
type StoredRecord struct {
	ID             uuid.UUID
	HospitalID     string
	MedicalID      string
	Name           []byte
	Telecom        []byte
	Address        []byte
	Email          *string
	Phone          *string
	Gender         string
	BirthDate      *time.Time
	DueDate        *time.Time
	Extension      []byte
	MedicalHistory []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Stored encodes r in the canonical row form. The flat email and phone
// columns mirror the authoritative contact entries for lookup.
func (r *Record) Stored() (*StoredRecord, error) {
	name, err := json.Marshal(r.Name)
	if err != nil {
		return nil, fmt.Errorf("encode name: %w", err)
	}
	telecom, err := json.Marshal(r.Contact)
	if err != nil {
		return nil, fmt.Errorf("encode telecom: %w", err)
	}
	var address []byte
	if r.Address != nil {
		if address, err = json.Marshal(r.Address); err != nil {
			return nil, fmt.Errorf("encode address: %w", err)
		}
	}
	ext, err := json.Marshal(r.Extension)
	if err != nil {
		return nil, fmt.Errorf("encode extension: %w", err)
	}
	hist, err := json.Marshal(r.MedicalHistory)
	if err != nil {
		return nil, fmt.Errorf("encode medical_history: %w", err)
	}
	return &StoredRecord{
		ID:             r.ID,
		HospitalID:     r.HospitalID,
		MedicalID:      r.MedicalID,
		Name:           name,
		Telecom:        telecom,
		Address:        address,
		Email:          nullable(r.Email()),
		Phone:          nullable(r.Phone()),
		Gender:         r.Gender,
		BirthDate:      r.BirthDate,
		DueDate:        r.DueDate,
		Extension:      ext,
		MedicalHistory: hist,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// Update is a partial record submitted by an onboarding step, an offline
// cache replay or a staff edit. Name, Contact and Address accept any of the
// shapes the field extractors understand.
type Update struct {
	MedicalID      string          `json:"medicalId,omitempty"`
	Name           json.RawMessage `json:"name,omitempty"`
	FirstName      string          `json:"firstName,omitempty"`
	LastName       string          `json:"lastName,omitempty"`
	Contact        json.RawMessage `json:"contact,omitempty"`
	Telecom        json.RawMessage `json:"telecom,omitempty"`
	Email          string          `json:"email,omitempty"`
	Phone          string          `json:"phone,omitempty"`
	Address        json.RawMessage `json:"address,omitempty"`
	Gender         string          `json:"gender,omitempty"`
	BirthDate      string          `json:"birthDate,omitempty"`
	DueDate        string          `json:"dueDate,omitempty"`
	Extension      json.RawMessage `json:"extension,omitempty"`
	MedicalHistory json.RawMessage `json:"medicalHistory,omitempty"`
}

// Patch is a normalized Update. Zero values mean "leave unchanged".
type Patch struct {
	MedicalID      string
	Name           *fhir.HumanName
	Email          string
	Phone          string
	Address        *fhir.Address
	Gender         string
	BirthDate      *time.Time
	DueDate        *time.Time
	Extension      Bag
	MedicalHistory Bag
}

// Registration carries the minimal fields accepted at sign-up.
type Registration struct {
	Email     string `json:"email"`
	FirstName string `json:"firstName,omitempty"`
	LastName  string `json:"lastName,omitempty"`
	Phone     string `json:"phone,omitempty"`
	MedicalID string `json:"medicalId,omitempty"`
}

// Profile is the read model returned to the patient-facing app.
type Profile struct {
	ID                 uuid.UUID        `json:"id"`
	MedicalID          string           `json:"medicalId"`
	DisplayName        string           `json:"displayName"`
	Email              string           `json:"email,omitempty"`
	Phone              string           `json:"phone,omitempty"`
	Address            string           `json:"address,omitempty"`
	Gender             string           `json:"gender,omitempty"`
	BirthDate          string           `json:"birthDate,omitempty"`
	DueDate            string           `json:"dueDate,omitempty"`
	Derived            clinical.Summary `json:"derived"`
	OnboardingComplete bool             `json:"onboardingComplete"`
	Extension          Bag              `json:"extension"`
	MedicalHistory     Bag              `json:"medicalHistory"`
}
