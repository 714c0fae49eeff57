package indexing

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/ehr/fhirengine/internal/platform/fhirpath"
	"github.com/ehr/fhirengine/internal/platform/ucum"
	"github.com/ehr/fhirengine/internal/refs"
	"github.com/ehr/fhirengine/internal/searchparam"
)

// Extract evaluates every active parameter in params against resource and
// returns the complete typed row set (spec.md §4.6 algorithm, steps 1-3).
// Callers supply the already-activated parameter set (internal/searchparam)
// for resource's concrete type.
func Extract(resource map[string]interface{}, params []*searchparam.Parameter) (Rows, error) {
	var rows Rows
	for _, p := range params {
		col, err := p.Compiled.Evaluate(resource)
		if err != nil {
			return Rows{}, fmt.Errorf("indexing: evaluate %s.%s: %w", p.Base, p.Code, err)
		}
		if col.Empty() {
			continue
		}
		switch p.Type {
		case searchparam.TypeString:
			rows.String = append(rows.String, extractString(p.Code, col)...)
		case searchparam.TypeToken:
			rows.Token = append(rows.Token, extractToken(p.Code, col)...)
		case searchparam.TypeReference:
			rows.Reference = append(rows.Reference, extractReference(p.Code, col)...)
		case searchparam.TypeDate:
			rows.Date = append(rows.Date, extractDate(p.Code, col)...)
		case searchparam.TypeNumber:
			rows.Number = append(rows.Number, extractNumber(p.Code, col)...)
		case searchparam.TypeQuantity:
			rows.Quantity = append(rows.Quantity, extractQuantity(p.Code, col)...)
		case searchparam.TypeURI:
			rows.URI = append(rows.URI, extractURI(p.Code, col)...)
		case searchparam.TypeComposite:
			row, ok := extractComposite(p, col)
			if ok {
				rows.Composite = append(rows.Composite, row)
			}
		case searchparam.TypeSpecial:
			rows.Text = append(rows.Text, extractText(col)...)
		}
	}
	return rows, nil
}

var diacriticStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Collate lowercases and strips diacritics, matching spec.md §4.6.3's
// "downcase, strip diacritics for a collated form". Exported so the search
// engine (internal/search) can apply the identical transform to a query's
// string value before matching it against value_collated.
func Collate(s string) string {
	out, _, err := transform.String(diacriticStripper, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

func collate(s string) string { return Collate(s) }

func valueText(v fhirpath.Value) (string, bool) {
	switch v.Kind {
	case fhirpath.KindString:
		return v.Str, true
	case fhirpath.KindBoolean:
		return strconv.FormatBool(v.Bool), true
	case fhirpath.KindInteger:
		return strconv.FormatInt(v.Int, 10), true
	case fhirpath.KindDecimal:
		return strconv.FormatFloat(v.Dec, 'f', -1, 64), true
	default:
		return "", false
	}
}

func extractString(code string, col fhirpath.Collection) []StringRow {
	var out []StringRow
	for _, v := range col {
		s, ok := valueText(v)
		if !ok {
			continue
		}
		out = append(out, StringRow{ParamName: code, Value: s, ValueCollated: collate(s)})
	}
	return out
}

// extractToken implements spec.md §4.6.3 "token": one row per coding for a
// CodeableConcept, one row for a bare Coding, (system, value) for an
// Identifier, (nil, value) for a primitive.
func extractToken(code string, col fhirpath.Collection) []TokenRow {
	var out []TokenRow
	for _, v := range col {
		if v.Kind != fhirpath.KindObject {
			if s, ok := valueText(v); ok {
				out = append(out, TokenRow{ParamName: code, Code: s})
			}
			continue
		}
		obj := v.Object
		if codings, ok := obj["coding"].([]interface{}); ok {
			for _, c := range codings {
				if cm, ok := c.(map[string]interface{}); ok {
					out = append(out, tokenFromCoding(code, cm))
				}
			}
			continue
		}
		if _, hasSystem := obj["system"]; hasSystem {
			if _, hasValue := obj["value"]; hasValue {
				out = append(out, TokenRow{
					ParamName: code,
					System:    stringField(obj, "system"),
					Code:      stringField(obj, "value"),
				})
				continue
			}
		}
		out = append(out, tokenFromCoding(code, obj))
	}
	return out
}

func tokenFromCoding(code string, obj map[string]interface{}) TokenRow {
	return TokenRow{ParamName: code, System: stringField(obj, "system"), Code: stringField(obj, "code")}
}

func stringField(obj map[string]interface{}, field string) string {
	s, _ := obj[field].(string)
	return s
}

// extractReference implements spec.md §4.6.3 "reference": split Type/id;
// record (target_type, target_id); absolute/canonical/fragment refs drop.
func extractReference(code string, col fhirpath.Collection) []ReferenceRow {
	var out []ReferenceRow
	for _, v := range col {
		if v.Kind != fhirpath.KindObject {
			continue
		}
		raw, _ := v.Object["reference"].(string)
		if raw == "" {
			continue
		}
		ref, ok := refs.ParseReference(raw)
		if !ok {
			continue
		}
		out = append(out, ReferenceRow{ParamName: code, TargetType: ref.TargetType, TargetID: ref.TargetID})
	}
	return out
}

// extractDate implements spec.md §4.6.3 "date": parse partial-precision
// date into a half-open [start, end) range.
func extractDate(code string, col fhirpath.Collection) []DateRow {
	var out []DateRow
	for _, v := range col {
		if v.Kind != fhirpath.KindDate && v.Kind != fhirpath.KindDateTime && v.Kind != fhirpath.KindTime {
			continue
		}
		start, end := dateRange(v.Time, v.Precision)
		out = append(out, DateRow{ParamName: code, Start: start.Format(time.RFC3339), End: end.Format(time.RFC3339)})
	}
	return out
}

// dateRange returns the half-open [start, end) range a partial-precision
// instant covers, e.g. "2024-03" (month precision) -> [2024-03-01, 2024-04-01).
func dateRange(t time.Time, precision string) (time.Time, time.Time) {
	switch precision {
	case "year":
		start := time.Date(t.Year(), 1, 1, 0, 0, 0, 0, t.Location())
		return start, start.AddDate(1, 0, 0)
	case "month":
		start := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, t.Location())
		return start, start.AddDate(0, 1, 0)
	case "day":
		start := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
		return start, start.AddDate(0, 0, 1)
	default:
		// Full second (or finer) precision: an exact instant, represented as
		// a zero-width closed range.
		return t, t
	}
}

func extractNumber(code string, col fhirpath.Collection) []NumberRow {
	var out []NumberRow
	for _, v := range col {
		var f float64
		switch v.Kind {
		case fhirpath.KindInteger:
			f = float64(v.Int)
		case fhirpath.KindDecimal:
			f = v.Dec
		default:
			continue
		}
		out = append(out, NumberRow{ParamName: code, Value: f, PrecisionDigits: decimalDigits(f)})
	}
	return out
}

func decimalDigits(f float64) int {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	idx := strings.IndexByte(s, '.')
	if idx < 0 {
		return 0
	}
	return len(s) - idx - 1
}

// extractQuantity implements spec.md §4.6.3 "number/quantity": record
// value and precision; canonicalize unit via UCUM when possible.
func extractQuantity(code string, col fhirpath.Collection) []QuantityRow {
	var out []QuantityRow
	for _, v := range col {
		if v.Kind != fhirpath.KindQuantity {
			continue
		}
		canon := ucum.Normalize(v.QuantityValue, v.QuantitySystem, v.QuantityUnit)
		out = append(out, QuantityRow{
			ParamName:      code,
			Value:          v.QuantityValue,
			Unit:           v.QuantityUnit,
			System:         v.QuantitySystem,
			Code:           v.QuantityUnit,
			CanonicalCode:  canon.Code,
			CanonicalValue: canon.Value,
		})
	}
	return out
}

func extractURI(code string, col fhirpath.Collection) []URIRow {
	var out []URIRow
	for _, v := range col {
		s, ok := valueText(v)
		if !ok || s == "" {
			continue
		}
		out = append(out, URIRow{ParamName: code, Value: s})
	}
	return out
}

// extractComposite packs each component's first extracted value into a
// single "$"-joined key, in component-definition order (spec.md §3.2
// "packed composite key"). Each component is rendered the way its own
// parameter type would be matched on its own (token -> "system|code",
// quantity -> canonical value, everything else -> the collated form),
// so a composite query value built the same way compares equal.
func extractComposite(p *searchparam.Parameter, col fhirpath.Collection) (CompositeRow, bool) {
	if len(p.Components) == 0 {
		return CompositeRow{}, false
	}
	parts := make([]string, 0, len(p.Components))
	for _, comp := range p.Components {
		expr, err := fhirpath.Compile(comp.Expression)
		if err != nil {
			return CompositeRow{}, false
		}
		var part string
		for _, v := range col {
			if v.Kind != fhirpath.KindObject {
				continue
			}
			sub, err := expr.Evaluate(v.Object)
			if err != nil || sub.Empty() {
				continue
			}
			part = renderCompositePart(comp.Type, sub[0])
			break
		}
		parts = append(parts, part)
	}
	return CompositeRow{ParamName: p.Code, PackedKey: strings.Join(parts, "$")}, true
}

// renderCompositePart renders a single component's matched value into the
// same string form the search engine builds from a query-supplied
// composite component value, so packed keys compare literally.
func renderCompositePart(typ searchparam.Type, v fhirpath.Value) string {
	switch typ {
	case searchparam.TypeToken:
		if v.Kind == fhirpath.KindObject {
			tok := tokenFromCoding("", v.Object)
			return tok.System + "|" + tok.Code
		}
		s, _ := valueText(v)
		return "|" + s
	case searchparam.TypeQuantity:
		if v.Kind == fhirpath.KindQuantity {
			canon := ucum.Normalize(v.QuantityValue, v.QuantitySystem, v.QuantityUnit)
			if canon.Code != "" {
				return strconv.FormatFloat(canon.Value, 'f', -1, 64) + "|" + canon.Code
			}
			return strconv.FormatFloat(v.QuantityValue, 'f', -1, 64) + "|" + v.QuantityUnit
		}
		s, _ := valueText(v)
		return s
	default:
		s, _ := valueText(v)
		return collate(s)
	}
}

func extractText(col fhirpath.Collection) []TextRow {
	var out []TextRow
	for _, v := range col {
		if s, ok := valueText(v); ok && s != "" {
			out = append(out, TextRow{Content: s})
		}
	}
	return out
}
