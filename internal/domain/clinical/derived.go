// Package clinical computes values derived from a patient's recorded dates:
// calendar age from birth date, and gestational age and trimester from an
// expected due date. All functions are pure and total.
package clinical

import (
	"strings"
	"time"
)

const (
	// PregnancyDays is the nominal length of a pregnancy counted from the
	// first day of the last menstrual period.
	PregnancyDays = 280

	// MaxGestationalWeeks caps the reported gestational age.
	MaxGestationalWeeks = 42

	dateLayout = "2006-01-02"
)

// ParseDate parses a date-only ("2006-01-02") or RFC 3339 timestamp value.
// The result is truncated to a UTC calendar date.
func ParseDate(s string) (*time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, false
	}
	for _, layout := range []string{dateLayout, time.RFC3339, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			d := toDate(t)
			return &d, true
		}
	}
	return nil, false
}

// FormatDate renders d as 2006-01-02, or "" when d is nil.
func FormatDate(d *time.Time) string {
	if d == nil {
		return ""
	}
	return d.Format(dateLayout)
}

func toDate(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Age returns completed years between birthDate and asOf. A nil or future
// birth date yields 0.
func Age(birthDate *time.Time, asOf time.Time) int {
	if birthDate == nil {
		return 0
	}
	birth := toDate(*birthDate)
	now := toDate(asOf)
	if birth.After(now) {
		return 0
	}

	years := now.Year() - birth.Year()
	if now.Month() < birth.Month() ||
		(now.Month() == birth.Month() && now.Day() < birth.Day()) {
		years--
	}
	if years < 0 {
		return 0
	}
	return years
}

// DaysUntilDue returns whole calendar days from asOf to dueDate; negative
// once the due date has passed.
func DaysUntilDue(dueDate time.Time, asOf time.Time) int {
	return int(toDate(dueDate).Sub(toDate(asOf)).Hours() / 24)
}

// GestationalAgeWeeks returns floor((280 - daysUntilDue) / 7) clamped to
// [0, 42]. A nil due date yields 0.
func GestationalAgeWeeks(dueDate *time.Time, asOf time.Time) int {
	if dueDate == nil {
		return 0
	}
	weeks := floorDiv(PregnancyDays-DaysUntilDue(*dueDate, asOf), 7)
	switch {
	case weeks < 0:
		return 0
	case weeks > MaxGestationalWeeks:
		return MaxGestationalWeeks
	}
	return weeks
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

// Trimester maps gestational weeks to 1, 2 or 3.
func Trimester(weeks int) int {
	switch {
	case weeks < 13:
		return 1
	case weeks < 27:
		return 2
	default:
		return 3
	}
}

// Antenatal holds pregnancy-derived values.
type Antenatal struct {
	GestationalAgeWeeks int `json:"gestationalAgeWeeks"`
	Trimester           int `json:"trimester"`
	DaysUntilDue        int `json:"daysUntilDue"`
}

// Summary aggregates derived values for API responses. Antenatal is nil when
// no due date is recorded.
type Summary struct {
	AgeYears  int        `json:"ageYears"`
	Antenatal *Antenatal `json:"antenatal,omitempty"`
}

func Summarize(birthDate, dueDate *time.Time, asOf time.Time) Summary {
	s := Summary{AgeYears: Age(birthDate, asOf)}
	if dueDate != nil {
		weeks := GestationalAgeWeeks(dueDate, asOf)
		s.Antenatal = &Antenatal{
			GestationalAgeWeeks: weeks,
			Trimester:           Trimester(weeks),
			DaysUntilDue:        DaysUntilDue(*dueDate, asOf),
		}
	}
	return s
}
