package patient

import (
	"slices"
	"strings"
	"time"

	"github.com/medicore/hms/internal/platform/fhir"
)

// MedicalIDConflict records an update that proposed a different MRN for a
// record that already has one. The current value is always kept.
type MedicalIDConflict struct {
	Current  string
	Proposed string
}

type MergeResult struct {
	Record   Record
	Changed  bool
	Conflict *MedicalIDConflict
}

// Merge applies p onto current without losing set fields:
//   - zero values in p leave the current value unchanged
//   - names and addresses merge part by part: a non-empty part in p
//     replaces the stored part, empty parts keep it
//   - an email or phone replaces the authoritative entry of that system
//   - bags merge key by key
//   - the MRN is only adopted when current has none
//
// Merge is pure and idempotent: merging the same patch twice yields the same
// record as merging it once.
func Merge(current Record, p Patch) MergeResult {
	out := current
	out.Contact = slices.Clone(current.Contact)
	res := MergeResult{}

	if p.MedicalID != "" && p.MedicalID != current.MedicalID {
		if current.MedicalID == "" {
			out.MedicalID = p.MedicalID
			res.Changed = true
		} else {
			res.Conflict = &MedicalIDConflict{Current: current.MedicalID, Proposed: p.MedicalID}
		}
	}

	if p.Name != nil {
		if n := mergeName(current.Name, *p.Name); !nameEqual(n, current.Name) {
			out.Name = n
			res.Changed = true
		}
	}

	if p.Email != "" && p.Email != current.Email() {
		out.setContact(fhir.ContactSystemEmail, p.Email)
		res.Changed = true
	}
	if p.Phone != "" && p.Phone != current.Phone() {
		out.setContact(fhir.ContactSystemPhone, p.Phone)
		res.Changed = true
	}

	if p.Address != nil && !p.Address.IsZero() {
		var cur fhir.Address
		if current.Address != nil {
			cur = *current.Address
		}
		if a := mergeAddress(cur, *p.Address); current.Address == nil || !addressEqual(a, cur) {
			out.Address = &a
			res.Changed = true
		}
	}

	if p.Gender != "" && p.Gender != current.Gender {
		out.Gender = p.Gender
		res.Changed = true
	}
	if p.BirthDate != nil && !dateEqual(p.BirthDate, current.BirthDate) {
		d := *p.BirthDate
		out.BirthDate = &d
		res.Changed = true
	}
	if p.DueDate != nil && !dateEqual(p.DueDate, current.DueDate) {
		d := *p.DueDate
		out.DueDate = &d
		res.Changed = true
	}

	if !p.Extension.IsEmpty() {
		merged := MergeBags(current.Extension, p.Extension)
		if !merged.Equal(current.Extension) {
			out.Extension = merged
			res.Changed = true
		}
	}
	if !p.MedicalHistory.IsEmpty() {
		merged := MergeBags(current.MedicalHistory, p.MedicalHistory)
		if !merged.Equal(current.MedicalHistory) {
			out.MedicalHistory = merged
			res.Changed = true
		}
	}

	res.Record = out
	return res
}

func mergeName(cur, p fhir.HumanName) fhir.HumanName {
	out := cur
	out.Use = pick(cur.Use, p.Use)
	out.Text = pick(cur.Text, p.Text)
	out.Family = pick(cur.Family, p.Family)
	out.Given = pickList(cur.Given, p.Given)
	out.Prefix = pickList(cur.Prefix, p.Prefix)
	out.Suffix = pickList(cur.Suffix, p.Suffix)
	return out
}

func mergeAddress(cur, p fhir.Address) fhir.Address {
	return fhir.Address{
		Use:        pick(cur.Use, p.Use),
		Text:       pick(cur.Text, p.Text),
		Line:       pickList(cur.Line, p.Line),
		City:       pick(cur.City, p.City),
		District:   pick(cur.District, p.District),
		State:      pick(cur.State, p.State),
		PostalCode: pick(cur.PostalCode, p.PostalCode),
		Country:    pick(cur.Country, p.Country),
	}
}

// pick returns v unless it is blank.
func pick(cur, v string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return cur
}

// pickList replaces cur with v when v has at least one non-blank entry.
func pickList(cur, v []string) []string {
	var out []string
	for _, s := range v {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return cur
	}
	return out
}

func nameEqual(a, b fhir.HumanName) bool {
	return a.Use == b.Use && a.Text == b.Text && a.Family == b.Family &&
		slices.Equal(a.Given, b.Given) && slices.Equal(a.Prefix, b.Prefix) && slices.Equal(a.Suffix, b.Suffix)
}

func addressEqual(a, b fhir.Address) bool {
	return a.Use == b.Use && a.Text == b.Text && slices.Equal(a.Line, b.Line) &&
		a.City == b.City && a.District == b.District && a.State == b.State &&
		a.PostalCode == b.PostalCode && a.Country == b.Country
}

func dateEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}
