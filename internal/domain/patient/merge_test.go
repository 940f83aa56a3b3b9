package patient

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/medicore/hms/internal/platform/fhir"
)

func boolPtr(b bool) *bool { return &b }

func datePtr(y int, m time.Month, d int) *time.Time {
	t := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &t
}

func baseRecord() Record {
	return Record{
		ID:         uuid.New(),
		HospitalID: "h1",
		MedicalID:  "P1234",
		Name:       fhir.HumanName{Given: []string{"Jane"}, Family: "Doe"},
		Contact: []fhir.ContactPoint{
			{System: fhir.ContactSystemEmail, Value: "jane@doe.com", Use: "home"},
			{System: fhir.ContactSystemPhone, Value: "555"},
		},
		Address:   &fhir.Address{City: "Leeds"},
		Gender:    "female",
		BirthDate: datePtr(1990, 5, 1),
		MedicalHistory: Bag{
			Allergies: []string{"peanuts"},
			Other:     map[string]json.RawMessage{"bloodType": json.RawMessage(`"O+"`)},
		},
	}
}

func TestMerge_EmptyPatchChangesNothing(t *testing.T) {
	cur := baseRecord()
	res := Merge(cur, Patch{})
	if res.Changed {
		t.Error("expected no change for empty patch")
	}
	if !reflect.DeepEqual(res.Record, cur) {
		t.Error("expected record unchanged")
	}
}

func TestMerge_NeverNullsOut(t *testing.T) {
	cur := baseRecord()
	res := Merge(cur, Patch{Extension: Bag{Other: map[string]json.RawMessage{"note": json.RawMessage(`null`)}}})
	got := res.Record

	if DisplayName(got.Name) != "Jane Doe" || got.Email() != "jane@doe.com" || got.Phone() != "555" {
		t.Errorf("expected identity fields kept, got %+v", got)
	}
	if got.Address == nil || got.Address.City != "Leeds" {
		t.Error("expected address kept")
	}
	if got.BirthDate == nil || got.Gender != "female" {
		t.Error("expected demographics kept")
	}
	if _, ok := got.Extension.Other["note"]; ok {
		t.Error("expected null bag entry to be ignored")
	}
}

func TestMerge_MedicalIDAdoptedWhenEmpty(t *testing.T) {
	cur := baseRecord()
	cur.MedicalID = ""
	res := Merge(cur, Patch{MedicalID: "P777"})
	if res.Record.MedicalID != "P777" || !res.Changed {
		t.Errorf("expected MRN adopted, got %q changed=%v", res.Record.MedicalID, res.Changed)
	}
	if res.Conflict != nil {
		t.Error("expected no conflict when current MRN is empty")
	}
}

func TestMerge_MedicalIDConflictKeepsCurrent(t *testing.T) {
	cur := baseRecord()
	res := Merge(cur, Patch{MedicalID: "P9999"})
	if res.Record.MedicalID != "P1234" {
		t.Errorf("expected current MRN kept, got %q", res.Record.MedicalID)
	}
	if res.Conflict == nil || res.Conflict.Proposed != "P9999" || res.Conflict.Current != "P1234" {
		t.Errorf("expected conflict recorded, got %+v", res.Conflict)
	}
	if res.Changed {
		t.Error("a conflicting MRN alone is not a change")
	}

	same := Merge(cur, Patch{MedicalID: "P1234"})
	if same.Conflict != nil || same.Changed {
		t.Error("expected same MRN to be a no-op")
	}
}

func TestMerge_BagsMergeKeyWise(t *testing.T) {
	cur := baseRecord()
	res := Merge(cur, Patch{MedicalHistory: Bag{
		Conditions: []string{"asthma"},
		Other:      map[string]json.RawMessage{"smoker": json.RawMessage(`false`)},
	}})
	h := res.Record.MedicalHistory

	if !reflect.DeepEqual(h.Allergies, []string{"peanuts"}) {
		t.Errorf("expected allergies kept, got %v", h.Allergies)
	}
	if !reflect.DeepEqual(h.Conditions, []string{"asthma"}) {
		t.Errorf("expected conditions added, got %v", h.Conditions)
	}
	if string(h.Other["bloodType"]) != `"O+"` || string(h.Other["smoker"]) != "false" {
		t.Errorf("expected other keys merged, got %v", h.Other)
	}
	if len(cur.MedicalHistory.Conditions) != 0 || len(cur.MedicalHistory.Other) != 1 {
		t.Error("merge must not mutate the current record")
	}
}

func TestMerge_ContactReplacesAuthoritativeEntry(t *testing.T) {
	cur := baseRecord()
	res := Merge(cur, Patch{Email: "new@doe.com"})
	if res.Record.Email() != "new@doe.com" {
		t.Errorf("expected new email, got %q", res.Record.Email())
	}
	var emails int
	for _, cp := range res.Record.Contact {
		if cp.System == fhir.ContactSystemEmail {
			emails++
			if cp.Use != "home" {
				t.Errorf("expected use kept, got %q", cp.Use)
			}
		}
	}
	if emails != 1 {
		t.Errorf("expected exactly one email, got %d", emails)
	}
	if cur.Email() != "jane@doe.com" {
		t.Error("merge must not mutate the current contact list")
	}
}

func TestMerge_NameAndAddressPartsReplaced(t *testing.T) {
	cur := baseRecord()
	res := Merge(cur, Patch{
		Name:    &fhir.HumanName{Text: "Jane Smith"},
		Address: &fhir.Address{Line: []string{"1 Main St"}, City: "York"},
	})
	if DisplayName(res.Record.Name) != "Jane Smith" {
		t.Errorf("unexpected name %q", DisplayName(res.Record.Name))
	}
	if res.Record.Address.City != "York" || len(res.Record.Address.Line) != 1 {
		t.Errorf("unexpected address %+v", res.Record.Address)
	}
	if !res.Changed {
		t.Error("expected change")
	}

	zero := Merge(cur, Patch{Name: &fhir.HumanName{}, Address: &fhir.Address{}})
	if zero.Changed {
		t.Error("expected zero name and address to be ignored")
	}
}

func TestMerge_NamePartsKeepStoredValues(t *testing.T) {
	ext := NewExtractor(zerolog.Nop())
	tests := []struct {
		name   string
		update Update
		given  []string
		family string
	}{
		{"first name only", Update{FirstName: "Ann"}, []string{"Ann"}, "Doe"},
		{"last name only", Update{LastName: "Smith"}, []string{"Jane"}, "Smith"},
		{"both", Update{FirstName: "Ann", LastName: "Smith"}, []string{"Ann"}, "Smith"},
		{"structured family only", Update{Name: json.RawMessage(`{"family":"Lee"}`)}, []string{"Jane"}, "Lee"},
		{"blank parts", Update{Name: json.RawMessage(`{"family":"  ","given":[""],"use":"official"}`)}, []string{"Jane"}, "Doe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := ext.NormalizeUpdate(&tt.update)
			if err != nil {
				t.Fatalf("NormalizeUpdate: %v", err)
			}
			got := Merge(baseRecord(), p).Record.Name
			if !reflect.DeepEqual(got.Given, tt.given) || got.Family != tt.family {
				t.Errorf("name = %+v, want given %v family %q", got, tt.given, tt.family)
			}
		})
	}
}

func TestMerge_AddressPartsKeepStoredValues(t *testing.T) {
	ext := NewExtractor(zerolog.Nop())
	cur := baseRecord()
	cur.Address = &fhir.Address{Line: []string{"1 Main St"}, City: "Freetown"}

	p, err := ext.NormalizeUpdate(&Update{FirstName: "Ann", Address: json.RawMessage(`{"postalCode":"123"}`)})
	if err != nil {
		t.Fatalf("NormalizeUpdate: %v", err)
	}
	res := Merge(cur, p)
	a := res.Record.Address
	if a.City != "Freetown" || !reflect.DeepEqual(a.Line, []string{"1 Main St"}) || a.PostalCode != "123" {
		t.Errorf("unexpected address %+v", a)
	}
	if res.Record.Name.Family != "Doe" {
		t.Errorf("expected family name kept, got %+v", res.Record.Name)
	}
	if cur.Address.PostalCode != "" {
		t.Error("merge must not mutate the current address")
	}

	again := Merge(res.Record, p)
	if again.Changed {
		t.Error("expected second merge to be a no-op")
	}

	fresh := baseRecord()
	fresh.Address = nil
	if got := Merge(fresh, p).Record.Address; got == nil || got.PostalCode != "123" {
		t.Errorf("expected address adopted when none stored, got %+v", got)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	patches := []Patch{
		{},
		{MedicalID: "P9999"},
		{Email: "x@y.com", Phone: "999"},
		{Name: &fhir.HumanName{Given: []string{"Ann"}}},
		{Address: &fhir.Address{Text: "PO Box 1"}},
		{Name: &fhir.HumanName{Family: "Smith"}, Address: &fhir.Address{PostalCode: "LS1"}},
		{Gender: "other", BirthDate: datePtr(1985, 1, 2), DueDate: datePtr(2024, 12, 1)},
		{Extension: Bag{OnboardingComplete: boolPtr(true), Other: map[string]json.RawMessage{"step": json.RawMessage(`3`)}}},
		{MedicalHistory: Bag{Allergies: []string{"latex"}, Medications: []string{"iron"}}},
	}
	starts := []Record{baseRecord(), {ID: uuid.New(), HospitalID: "h1"}}

	for _, start := range starts {
		for i, p := range patches {
			once := Merge(start, p)
			twice := Merge(once.Record, p)
			if twice.Changed {
				t.Errorf("patch %d: second merge reported a change", i)
			}
			a, _ := json.Marshal(once.Record)
			b, _ := json.Marshal(twice.Record)
			if string(a) != string(b) {
				t.Errorf("patch %d: merge not idempotent\n once: %s\ntwice: %s", i, a, b)
			}
		}
	}
}

func TestMerge_DatesNotReplacedByEqualValue(t *testing.T) {
	cur := baseRecord()
	res := Merge(cur, Patch{BirthDate: datePtr(1990, 5, 1)})
	if res.Changed {
		t.Error("expected equal birth date to be a no-op")
	}
}
