package patient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"
)

// Known bag keys.
const (
	BagKeyAllergies          = "allergies"
	BagKeyConditions         = "conditions"
	BagKeyMedications        = "medications"
	BagKeyOnboardingComplete = "onboardingComplete"

	// BagKeyLegacy holds an unparseable stored bag verbatim.
	BagKeyLegacy = "legacy"
)

// Bag is the clinical annotation map stored in extension and medical_history.
// Known keys are typed; anything else is kept as raw JSON in Other so the bag
// always round-trips as a valid JSON object.
type Bag struct {
	Allergies          []string
	Conditions         []string
	Medications        []string
	OnboardingComplete *bool
	Other              map[string]json.RawMessage
}

// IsEmpty reports whether the bag has no entries.
func (b Bag) IsEmpty() bool {
	return len(b.Allergies) == 0 && len(b.Conditions) == 0 && len(b.Medications) == 0 &&
		b.OnboardingComplete == nil && len(b.Other) == 0
}

// ParseBag decodes a stored or submitted bag. It accepts a JSON object, a
// JSON string wrapping an object, or null.
func ParseBag(raw []byte) (Bag, error) {
	var b Bag
	if err := b.UnmarshalJSON(raw); err != nil {
		return Bag{}, err
	}
	return b, nil
}

func (b Bag) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(b.Other)+4)
	for k, v := range b.Other {
		out[k] = v
	}
	if len(b.Allergies) > 0 {
		out[BagKeyAllergies] = b.Allergies
	}
	if len(b.Conditions) > 0 {
		out[BagKeyConditions] = b.Conditions
	}
	if len(b.Medications) > 0 {
		out[BagKeyMedications] = b.Medications
	}
	if b.OnboardingComplete != nil {
		out[BagKeyOnboardingComplete] = *b.OnboardingComplete
	}
	return json.Marshal(out)
}

func (b *Bag) UnmarshalJSON(data []byte) error {
	*b = Bag{}
	data = bytes.TrimSpace(data)
	for depth := 0; depth < maxDecodeDepth; depth++ {
		if len(data) == 0 || bytes.Equal(data, []byte("null")) {
			return nil
		}
		if data[0] != '"' {
			break
		}
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return fmt.Errorf("decode bag string: %w", err)
		}
		data = bytes.TrimSpace([]byte(inner))
	}

	var entries map[string]json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("decode bag: %w", err)
	}

	for k, v := range entries {
		switch k {
		case BagKeyAllergies:
			if list, ok := decodeList(v); ok {
				b.Allergies = list
				continue
			}
		case BagKeyConditions:
			if list, ok := decodeList(v); ok {
				b.Conditions = list
				continue
			}
		case BagKeyMedications:
			if list, ok := decodeList(v); ok {
				b.Medications = list
				continue
			}
		case BagKeyOnboardingComplete:
			var flag bool
			if err := json.Unmarshal(v, &flag); err == nil {
				b.OnboardingComplete = &flag
				continue
			}
		}
		if b.Other == nil {
			b.Other = make(map[string]json.RawMessage)
		}
		b.Other[k] = v
	}
	return nil
}

// decodeList accepts a JSON array of strings or a comma separated string.
func decodeList(raw json.RawMessage) ([]string, bool) {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return cleanList(list), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return cleanList(strings.Split(s, ",")), true
	}
	return nil, false
}

func cleanList(in []string) []string {
	var out []string
	for _, v := range in {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// MergeBags merges update into current key by key. Non-empty update entries
// win; absent, null or empty entries leave the current value alone.
func MergeBags(current, update Bag) Bag {
	out := Bag{
		Allergies:          slices.Clone(current.Allergies),
		Conditions:         slices.Clone(current.Conditions),
		Medications:        slices.Clone(current.Medications),
		OnboardingComplete: current.OnboardingComplete,
		Other:              maps.Clone(current.Other),
	}

	if len(update.Allergies) > 0 {
		out.Allergies = slices.Clone(update.Allergies)
	}
	if len(update.Conditions) > 0 {
		out.Conditions = slices.Clone(update.Conditions)
	}
	if len(update.Medications) > 0 {
		out.Medications = slices.Clone(update.Medications)
	}
	if update.OnboardingComplete != nil {
		v := *update.OnboardingComplete
		out.OnboardingComplete = &v
	}
	for k, v := range update.Other {
		if isEmptyJSON(v) {
			continue
		}
		if out.Other == nil {
			out.Other = make(map[string]json.RawMessage)
		}
		out.Other[k] = v
	}
	return out
}

func isEmptyJSON(v json.RawMessage) bool {
	switch string(bytes.TrimSpace(v)) {
	case "", "null", `""`, "[]", "{}":
		return true
	}
	return false
}

// Equal reports whether two bags encode to the same JSON.
func (b Bag) Equal(other Bag) bool {
	x, err1 := json.Marshal(b)
	y, err2 := json.Marshal(other)
	return err1 == nil && err2 == nil && bytes.Equal(x, y)
}
