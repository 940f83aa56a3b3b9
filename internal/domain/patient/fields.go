package patient

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/medicore/hms/internal/domain/clinical"
	"github.com/medicore/hms/internal/platform/fhir"
)

// UnknownName is displayed when no name can be recovered.
const UnknownName = "Unknown"

// maxDecodeDepth bounds how many JSON-string wrappings are unwrapped.
const maxDecodeDepth = 3

// FieldKind tags the shape a raw sub-field was found in.
type FieldKind int

const (
	FieldMissing FieldKind = iota
	FieldStructured
	FieldEncoded
	FieldLegacy
	FieldMalformed
)

func (k FieldKind) String() string {
	switch k {
	case FieldStructured:
		return "structured"
	case FieldEncoded:
		return "encoded"
	case FieldLegacy:
		return "legacy"
	case FieldMalformed:
		return "malformed"
	default:
		return "missing"
	}
}

var errTooDeep = errors.New("json string nesting too deep")

type NameField struct {
	Kind FieldKind
	Name fhir.HumanName
	Err  error
}

type ContactField struct {
	Kind   FieldKind
	Points []fhir.ContactPoint
	Err    error
}

type AddressField struct {
	Kind    FieldKind
	Address fhir.Address
	Err     error
}

// Extractor turns patient sub-fields of unknown shape into display values.
// It never returns an error; malformed input is logged and treated as absent.
type Extractor struct {
	log zerolog.Logger
}

func NewExtractor(logger zerolog.Logger) *Extractor {
	return &Extractor{log: logger}
}

// -- Name --

// Name returns a trimmed display name, or UnknownName. Idempotence holds on
// the canonical structured form: a plain display string passed back in is not
// JSON and yields UnknownName.
func (e *Extractor) Name(raw any) string {
	f := ParseName(raw)
	e.warnMalformed(e.log, "name", f.Kind, f.Err)
	return DisplayName(f.Name)
}

// DisplayName renders a structured name as a single line.
func DisplayName(n fhir.HumanName) string {
	if t := strings.TrimSpace(n.Text); t != "" {
		return t
	}
	var parts []string
	parts = append(parts, n.Prefix...)
	parts = append(parts, n.Given...)
	parts = append(parts, n.Family)
	parts = append(parts, n.Suffix...)
	if s := joinNonEmpty(parts, " "); s != "" {
		return s
	}
	return UnknownName
}

// ParseName classifies raw as a name. A Go string must hold JSON; plain
// text only counts as a name when it was itself JSON-encoded.
func ParseName(raw any) NameField {
	switch v := raw.(type) {
	case nil:
		return NameField{Kind: FieldMissing}
	case fhir.HumanName:
		return structuredName(v)
	case *fhir.HumanName:
		if v == nil {
			return NameField{Kind: FieldMissing}
		}
		return structuredName(*v)
	case []fhir.HumanName:
		return structuredName(pickName(v))
	case json.RawMessage:
		return parseNameJSON(v, 0)
	case []byte:
		return parseNameJSON(v, 0)
	case string:
		if strings.TrimSpace(v) == "" {
			return NameField{Kind: FieldMissing}
		}
		f := parseNameJSON([]byte(v), 0)
		if f.Kind == FieldStructured {
			f.Kind = FieldEncoded
		}
		return f
	case map[string]any, []any:
		return nameFromValue(v, 0)
	default:
		return NameField{Kind: FieldMalformed, Err: fmt.Errorf("unsupported name type %T", raw)}
	}
}

func structuredName(n fhir.HumanName) NameField {
	if n.IsZero() {
		return NameField{Kind: FieldMissing}
	}
	return NameField{Kind: FieldStructured, Name: n}
}

func parseNameJSON(data []byte, depth int) NameField {
	v, present, err := decodeJSON(data)
	if err != nil {
		return NameField{Kind: FieldMalformed, Err: err}
	}
	if !present {
		return NameField{Kind: FieldMissing}
	}
	return nameFromValue(v, depth)
}

func nameFromValue(v any, depth int) NameField {
	switch val := v.(type) {
	case nil:
		return NameField{Kind: FieldMissing}
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return NameField{Kind: FieldMissing}
		}
		if looksLikeJSON(s) {
			if depth+1 >= maxDecodeDepth {
				return NameField{Kind: FieldMalformed, Err: errTooDeep}
			}
			f := parseNameJSON([]byte(s), depth+1)
			if f.Kind == FieldStructured {
				f.Kind = FieldEncoded
			}
			return f
		}
		return NameField{Kind: FieldEncoded, Name: fhir.HumanName{Text: s}}
	case map[string]any:
		n := nameFromMap(val)
		if n.IsZero() {
			return NameField{Kind: FieldMissing}
		}
		return NameField{Kind: FieldStructured, Name: n}
	case []any:
		var names []fhir.HumanName
		for _, item := range val {
			if m, ok := item.(map[string]any); ok {
				names = append(names, nameFromMap(m))
			}
		}
		return structuredName(pickName(names))
	default:
		return NameField{Kind: FieldMalformed, Err: fmt.Errorf("unsupported name value %T", v)}
	}
}

func nameFromMap(m map[string]any) fhir.HumanName {
	n := fhir.HumanName{
		Use:    str(m["use"]),
		Text:   firstStr(m, "text", "fullName", "full_name"),
		Family: firstStr(m, "family", "lastName", "last_name", "familyName"),
		Given:  strList(m["given"]),
		Prefix: strList(m["prefix"]),
		Suffix: strList(m["suffix"]),
	}
	if len(n.Given) == 0 {
		if first := firstStr(m, "firstName", "first_name", "givenName"); first != "" {
			n.Given = []string{first}
		}
	}
	return n
}

// pickName prefers the official name, then the first usable one.
func pickName(names []fhir.HumanName) fhir.HumanName {
	for _, n := range names {
		if n.Use == "official" && !n.IsZero() {
			return n
		}
	}
	for _, n := range names {
		if !n.IsZero() {
			return n
		}
	}
	return fhir.HumanName{}
}

// -- Contact --

// Contact returns the first value for system ("email" or "phone") found in
// raw, falling back to the legacy flat field. Emails are lower-cased.
func (e *Extractor) Contact(raw any, legacy string, system string) string {
	f := ParseContact(raw)
	e.warnMalformed(e.log, "contact", f.Kind, f.Err)
	return contactFrom(f.Points, legacy, system)
}

func contactFrom(points []fhir.ContactPoint, legacy, system string) string {
	for _, cp := range points {
		if cp.System == system {
			if v := normalizeContactValue(system, cp.Value); v != "" {
				return v
			}
		}
	}
	return normalizeContactValue(system, legacy)
}

func normalizeContactValue(system, value string) string {
	value = strings.TrimSpace(value)
	if system == fhir.ContactSystemEmail {
		return strings.ToLower(value)
	}
	return value
}

func ParseContact(raw any) ContactField {
	switch v := raw.(type) {
	case nil:
		return ContactField{Kind: FieldMissing}
	case []fhir.ContactPoint:
		return structuredContact(v)
	case fhir.ContactPoint:
		return structuredContact([]fhir.ContactPoint{v})
	case json.RawMessage:
		return parseContactJSON(v, 0)
	case []byte:
		return parseContactJSON(v, 0)
	case string:
		if strings.TrimSpace(v) == "" {
			return ContactField{Kind: FieldMissing}
		}
		f := parseContactJSON([]byte(v), 0)
		if f.Kind == FieldStructured {
			f.Kind = FieldEncoded
		}
		return f
	case map[string]any, []any:
		return contactFromValue(v, 0)
	default:
		return ContactField{Kind: FieldMalformed, Err: fmt.Errorf("unsupported contact type %T", raw)}
	}
}

func structuredContact(points []fhir.ContactPoint) ContactField {
	var out []fhir.ContactPoint
	for _, cp := range points {
		if strings.TrimSpace(cp.Value) != "" {
			out = append(out, cp)
		}
	}
	if len(out) == 0 {
		return ContactField{Kind: FieldMissing}
	}
	return ContactField{Kind: FieldStructured, Points: out}
}

func parseContactJSON(data []byte, depth int) ContactField {
	v, present, err := decodeJSON(data)
	if err != nil {
		return ContactField{Kind: FieldMalformed, Err: err}
	}
	if !present {
		return ContactField{Kind: FieldMissing}
	}
	return contactFromValue(v, depth)
}

func contactFromValue(v any, depth int) ContactField {
	switch val := v.(type) {
	case nil:
		return ContactField{Kind: FieldMissing}
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return ContactField{Kind: FieldMissing}
		}
		if !looksLikeJSON(s) {
			return ContactField{Kind: FieldMalformed, Err: errors.New("contact is plain text")}
		}
		if depth+1 >= maxDecodeDepth {
			return ContactField{Kind: FieldMalformed, Err: errTooDeep}
		}
		f := parseContactJSON([]byte(s), depth+1)
		if f.Kind == FieldStructured {
			f.Kind = FieldEncoded
		}
		return f
	case map[string]any:
		return structuredContact(pointsFromMap(val))
	case []any:
		var points []fhir.ContactPoint
		for _, item := range val {
			if m, ok := item.(map[string]any); ok {
				points = append(points, pointsFromMap(m)...)
			}
		}
		return structuredContact(points)
	default:
		return ContactField{Kind: FieldMalformed, Err: fmt.Errorf("unsupported contact value %T", v)}
	}
}

// pointsFromMap reads either a single {system, value, use} entry or the
// object form {email, phone}.
func pointsFromMap(m map[string]any) []fhir.ContactPoint {
	if system := strings.ToLower(str(m["system"])); system != "" {
		return []fhir.ContactPoint{{System: system, Value: str(m["value"]), Use: str(m["use"])}}
	}
	var out []fhir.ContactPoint
	if email := str(m["email"]); email != "" {
		out = append(out, fhir.ContactPoint{System: fhir.ContactSystemEmail, Value: email})
	}
	if phone := firstStr(m, "phone", "mobile"); phone != "" {
		out = append(out, fhir.ContactPoint{System: fhir.ContactSystemPhone, Value: phone})
	}
	return out
}

// canonicalContact reduces points to at most one email and one phone, with
// normalized values. Other systems are kept as-is.
func canonicalContact(points []fhir.ContactPoint, legacyEmail, legacyPhone string) []fhir.ContactPoint {
	var out []fhir.ContactPoint
	seen := map[string]bool{}
	for _, cp := range points {
		switch cp.System {
		case fhir.ContactSystemEmail, fhir.ContactSystemPhone:
			if seen[cp.System] {
				continue
			}
			if v := normalizeContactValue(cp.System, cp.Value); v != "" {
				seen[cp.System] = true
				out = append(out, fhir.ContactPoint{System: cp.System, Value: v, Use: cp.Use})
			}
		default:
			out = append(out, cp)
		}
	}
	if !seen[fhir.ContactSystemEmail] {
		if v := normalizeContactValue(fhir.ContactSystemEmail, legacyEmail); v != "" {
			out = append(out, fhir.ContactPoint{System: fhir.ContactSystemEmail, Value: v})
		}
	}
	if !seen[fhir.ContactSystemPhone] {
		if v := normalizeContactValue(fhir.ContactSystemPhone, legacyPhone); v != "" {
			out = append(out, fhir.ContactPoint{System: fhir.ContactSystemPhone, Value: v})
		}
	}
	return out
}

// -- Address --

// Address returns a single-line display address, or "".
func (e *Extractor) Address(raw any) string {
	f := ParseAddress(raw)
	e.warnMalformed(e.log, "address", f.Kind, f.Err)
	return DisplayAddress(f.Address)
}

func DisplayAddress(a fhir.Address) string {
	if t := strings.TrimSpace(a.Text); t != "" {
		return t
	}
	parts := append([]string{}, a.Line...)
	parts = append(parts, a.City, a.District, a.State, a.PostalCode, a.Country)
	return joinNonEmpty(parts, ", ")
}

// ParseAddress classifies raw as an address. Plain text that is not JSON is
// a legacy single-line address.
func ParseAddress(raw any) AddressField {
	switch v := raw.(type) {
	case nil:
		return AddressField{Kind: FieldMissing}
	case fhir.Address:
		return structuredAddress(v)
	case *fhir.Address:
		if v == nil {
			return AddressField{Kind: FieldMissing}
		}
		return structuredAddress(*v)
	case []fhir.Address:
		for _, a := range v {
			if !a.IsZero() {
				return structuredAddress(a)
			}
		}
		return AddressField{Kind: FieldMissing}
	case json.RawMessage:
		return parseAddressJSON(v, 0)
	case []byte:
		return parseAddressJSON(v, 0)
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return AddressField{Kind: FieldMissing}
		}
		if !looksLikeJSON(s) {
			return AddressField{Kind: FieldLegacy, Address: fhir.Address{Text: s}}
		}
		f := parseAddressJSON([]byte(s), 0)
		if f.Kind == FieldStructured {
			f.Kind = FieldEncoded
		}
		return f
	case map[string]any, []any:
		return addressFromValue(v, 0)
	default:
		return AddressField{Kind: FieldMalformed, Err: fmt.Errorf("unsupported address type %T", raw)}
	}
}

func structuredAddress(a fhir.Address) AddressField {
	if a.IsZero() {
		return AddressField{Kind: FieldMissing}
	}
	return AddressField{Kind: FieldStructured, Address: a}
}

func parseAddressJSON(data []byte, depth int) AddressField {
	v, present, err := decodeJSON(data)
	if err != nil {
		return AddressField{Kind: FieldMalformed, Err: err}
	}
	if !present {
		return AddressField{Kind: FieldMissing}
	}
	return addressFromValue(v, depth)
}

func addressFromValue(v any, depth int) AddressField {
	switch val := v.(type) {
	case nil:
		return AddressField{Kind: FieldMissing}
	case string:
		s := strings.TrimSpace(val)
		if s == "" {
			return AddressField{Kind: FieldMissing}
		}
		if !looksLikeJSON(s) {
			return AddressField{Kind: FieldLegacy, Address: fhir.Address{Text: s}}
		}
		if depth+1 >= maxDecodeDepth {
			return AddressField{Kind: FieldMalformed, Err: errTooDeep}
		}
		f := parseAddressJSON([]byte(s), depth+1)
		if f.Kind == FieldStructured {
			f.Kind = FieldEncoded
		}
		return f
	case map[string]any:
		return structuredAddress(addressFromMap(val))
	case []any:
		for _, item := range val {
			if m, ok := item.(map[string]any); ok {
				if a := addressFromMap(m); !a.IsZero() {
					return structuredAddress(a)
				}
			}
		}
		return AddressField{Kind: FieldMissing}
	default:
		return AddressField{Kind: FieldMalformed, Err: fmt.Errorf("unsupported address value %T", v)}
	}
}

func addressFromMap(m map[string]any) fhir.Address {
	a := fhir.Address{
		Use:        str(m["use"]),
		Text:       str(m["text"]),
		Line:       strList(m["line"]),
		City:       str(m["city"]),
		District:   str(m["district"]),
		State:      str(m["state"]),
		PostalCode: firstStr(m, "postalCode", "postal_code", "zip"),
		Country:    str(m["country"]),
	}
	if len(a.Line) == 0 {
		for _, k := range []string{"line1", "line2", "address_line1", "address_line2", "street"} {
			if s := str(m[k]); s != "" {
				a.Line = append(a.Line, s)
			}
		}
	}
	return a
}

// -- Records --

// Normalize converts a stored row into a Record. Unparseable sub-fields are
// logged against the record and treated as absent.
func (e *Extractor) Normalize(s *StoredRecord) *Record {
	log := e.log.With().Str("record_id", s.ID.String()).Str("hospital_id", s.HospitalID).Logger()

	r := &Record{
		ID:         s.ID,
		HospitalID: s.HospitalID,
		MedicalID:  strings.TrimSpace(s.MedicalID),
		Gender:     s.Gender,
		BirthDate:  s.BirthDate,
		DueDate:    s.DueDate,
		CreatedAt:  s.CreatedAt,
		UpdatedAt:  s.UpdatedAt,
	}

	name := ParseName(json.RawMessage(s.Name))
	e.warnMalformed(log, "name", name.Kind, name.Err)
	r.Name = name.Name

	contact := ParseContact(json.RawMessage(s.Telecom))
	e.warnMalformed(log, "contact", contact.Kind, contact.Err)
	r.Contact = canonicalContact(contact.Points, deref(s.Email), deref(s.Phone))

	addr := ParseAddress(json.RawMessage(s.Address))
	e.warnMalformed(log, "address", addr.Kind, addr.Err)
	if !addr.Address.IsZero() {
		a := addr.Address
		r.Address = &a
	}

	r.Extension = e.storedBag(log, "extension", s.Extension)
	r.MedicalHistory = e.storedBag(log, "medical_history", s.MedicalHistory)
	return r
}

func (e *Extractor) storedBag(log zerolog.Logger, field string, raw []byte) Bag {
	b, err := ParseBag(raw)
	if err != nil {
		log.Warn().Err(err).Str("field", field).Msg("stored bag is not a JSON object, keeping it as legacy text")
		legacy := json.RawMessage(raw)
		if !json.Valid(raw) {
			legacy, _ = json.Marshal(string(raw))
		}
		return Bag{Other: map[string]json.RawMessage{BagKeyLegacy: legacy}}
	}
	return b
}

// NormalizeUpdate converts a submitted Update into a Patch. Dates and bags
// are validated; name, contact and address never fail.
func (e *Extractor) NormalizeUpdate(u *Update) (Patch, error) {
	p := Patch{
		MedicalID: strings.TrimSpace(u.MedicalID),
		Gender:    strings.TrimSpace(u.Gender),
	}

	if len(u.Name) > 0 {
		f := ParseName(u.Name)
		e.warnMalformed(e.log, "name", f.Kind, f.Err)
		if !f.Name.IsZero() {
			n := f.Name
			p.Name = &n
		}
	}
	if p.Name == nil {
		first, last := strings.TrimSpace(u.FirstName), strings.TrimSpace(u.LastName)
		if first != "" || last != "" {
			n := fhir.HumanName{Family: last}
			if first != "" {
				n.Given = []string{first}
			}
			p.Name = &n
		}
	}

	contactRaw := u.Contact
	if len(contactRaw) == 0 {
		contactRaw = u.Telecom
	}
	var points []fhir.ContactPoint
	if len(contactRaw) > 0 {
		f := ParseContact(contactRaw)
		e.warnMalformed(e.log, "contact", f.Kind, f.Err)
		points = f.Points
	}
	p.Email = contactFrom(points, u.Email, fhir.ContactSystemEmail)
	p.Phone = contactFrom(points, u.Phone, fhir.ContactSystemPhone)

	if len(u.Address) > 0 {
		f := ParseAddress(u.Address)
		e.warnMalformed(e.log, "address", f.Kind, f.Err)
		if !f.Address.IsZero() {
			a := f.Address
			p.Address = &a
		}
	}

	var ve ValidationError
	if s := strings.TrimSpace(u.BirthDate); s != "" {
		if d, ok := clinical.ParseDate(s); ok {
			p.BirthDate = d
		} else {
			ve.add("birthDate", "must be a date (YYYY-MM-DD)")
		}
	}
	if s := strings.TrimSpace(u.DueDate); s != "" {
		if d, ok := clinical.ParseDate(s); ok {
			p.DueDate = d
		} else {
			ve.add("dueDate", "must be a date (YYYY-MM-DD)")
		}
	}
	if len(u.Extension) > 0 {
		b, err := ParseBag(u.Extension)
		if err != nil {
			ve.add("extension", "must be a JSON object")
		}
		p.Extension = b
	}
	if len(u.MedicalHistory) > 0 {
		b, err := ParseBag(u.MedicalHistory)
		if err != nil {
			ve.add("medicalHistory", "must be a JSON object")
		}
		p.MedicalHistory = b
	}
	if len(ve.Fields) > 0 {
		return Patch{}, &ve
	}
	return p, nil
}

func (e *Extractor) warnMalformed(log zerolog.Logger, field string, kind FieldKind, err error) {
	if kind != FieldMalformed {
		return
	}
	log.Warn().Err(err).Str("field", field).Msg("malformed patient field ignored")
}

// -- helpers --

// decodeJSON decodes data. present is false for empty input or null.
func decodeJSON(data []byte) (v any, present bool, err error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil, false, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, false, fmt.Errorf("decode json: %w", err)
	}
	return v, v != nil, nil
}

func looksLikeJSON(s string) bool {
	switch s[0] {
	case '{', '[', '"':
		return true
	}
	return false
}

func str(v any) string {
	s, _ := v.(string)
	return strings.TrimSpace(s)
}

func firstStr(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s := str(m[k]); s != "" {
			return s
		}
	}
	return ""
}

// strList reads a string or an array of strings.
func strList(v any) []string {
	switch val := v.(type) {
	case string:
		if s := strings.TrimSpace(val); s != "" {
			return []string{s}
		}
	case []any:
		var out []string
		for _, item := range val {
			if s := str(item); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func joinNonEmpty(parts []string, sep string) string {
	var out []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, sep)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
