package fhir

import (
	"strings"
	"time"
)

type Meta struct {
	VersionID   string    `json:"versionId,omitempty"`
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

type CodeableConcept struct {
	Coding []Coding `json:"coding,omitempty"`
	Text   string   `json:"text,omitempty"`
}

type Reference struct {
	Reference string `json:"reference,omitempty"`
	Type      string `json:"type,omitempty"`
	Display   string `json:"display,omitempty"`
}

type Identifier struct {
	Use    string           `json:"use,omitempty"`
	Type   *CodeableConcept `json:"type,omitempty"`
	System string           `json:"system,omitempty"`
	Value  string           `json:"value,omitempty"`
}

type HumanName struct {
	Use    string   `json:"use,omitempty"`
	Text   string   `json:"text,omitempty"`
	Family string   `json:"family,omitempty"`
	Given  []string `json:"given,omitempty"`
	Prefix []string `json:"prefix,omitempty"`
	Suffix []string `json:"suffix,omitempty"`
}

// IsZero reports whether the name carries no usable part.
func (n HumanName) IsZero() bool {
	return strings.TrimSpace(n.Text) == "" && strings.TrimSpace(n.Family) == "" && len(n.Given) == 0
}

type Address struct {
	Use        string   `json:"use,omitempty"`
	Text       string   `json:"text,omitempty"`
	Line       []string `json:"line,omitempty"`
	City       string   `json:"city,omitempty"`
	District   string   `json:"district,omitempty"`
	State      string   `json:"state,omitempty"`
	PostalCode string   `json:"postalCode,omitempty"`
	Country    string   `json:"country,omitempty"`
}

// IsZero reports whether the address carries no usable part.
func (a Address) IsZero() bool {
	return a.Text == "" && len(a.Line) == 0 && a.City == "" && a.District == "" &&
		a.State == "" && a.PostalCode == "" && a.Country == ""
}

const (
	ContactSystemEmail = "email"
	ContactSystemPhone = "phone"
)

type ContactPoint struct {
	System string `json:"system,omitempty"`
	Value  string `json:"value,omitempty"`
	Use    string `json:"use,omitempty"`
}

// OperationOutcome represents a FHIR OperationOutcome for errors.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []OperationOutcomeIssue{
			{
				Severity:    severity,
				Code:        code,
				Diagnostics: diagnostics,
			},
		},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "processing", diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome("error", "not-found", resourceType+"/"+id+" not found")
}

// FormatReference builds a relative literal reference such as "Patient/123".
func FormatReference(resourceType, id string) string {
	return resourceType + "/" + id
}
