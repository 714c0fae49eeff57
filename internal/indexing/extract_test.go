package indexing

import (
	"testing"
	"time"

	"github.com/ehr/fhirengine/internal/platform/fhirpath"
	"github.com/ehr/fhirengine/internal/searchparam"
)

func TestCollateLowercasesAndStripsDiacritics(t *testing.T) {
	got := collate("José O'Brien")
	want := "jose o'brien"
	if got != want {
		t.Fatalf("collate() = %q, want %q", got, want)
	}
}

func TestExtractStringProducesExactAndCollatedForms(t *testing.T) {
	col := fhirpath.Collection{{Kind: fhirpath.KindString, Str: "Müller"}}
	rows := extractString("family", col)
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	if rows[0].Value != "Müller" {
		t.Fatalf("Value = %q, want %q", rows[0].Value, "Müller")
	}
	if rows[0].ValueCollated != "muller" {
		t.Fatalf("ValueCollated = %q, want %q", rows[0].ValueCollated, "muller")
	}
}

func TestExtractTokenFromCodeableConcept(t *testing.T) {
	col := fhirpath.Collection{{
		Kind: fhirpath.KindObject,
		Object: map[string]interface{}{
			"coding": []interface{}{
				map[string]interface{}{"system": "http://loinc.org", "code": "1234-5"},
				map[string]interface{}{"system": "http://snomed.info/sct", "code": "5678"},
			},
		},
	}}
	rows := extractToken("code", col)
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if rows[0].System != "http://loinc.org" || rows[0].Code != "1234-5" {
		t.Fatalf("rows[0] = %+v", rows[0])
	}
}

func TestExtractTokenFromIdentifier(t *testing.T) {
	col := fhirpath.Collection{{
		Kind:   fhirpath.KindObject,
		Object: map[string]interface{}{"system": "http://example.org/mrn", "value": "12345"},
	}}
	rows := extractToken("identifier", col)
	if len(rows) != 1 || rows[0].System != "http://example.org/mrn" || rows[0].Code != "12345" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestExtractTokenFromPrimitive(t *testing.T) {
	col := fhirpath.Collection{{Kind: fhirpath.KindBoolean, Bool: true}}
	rows := extractToken("active", col)
	if len(rows) != 1 || rows[0].System != "" || rows[0].Code != "true" {
		t.Fatalf("rows = %+v", rows)
	}
}

func TestExtractReferenceParsesRelativeAndSkipsAbsolute(t *testing.T) {
	col := fhirpath.Collection{
		{Kind: fhirpath.KindObject, Object: map[string]interface{}{"reference": "Patient/123"}},
		{Kind: fhirpath.KindObject, Object: map[string]interface{}{"reference": "http://example.org/Patient/123"}},
		{Kind: fhirpath.KindObject, Object: map[string]interface{}{"reference": "#contained-1"}},
	}
	rows := extractReference("subject", col)
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	if rows[0].TargetType != "Patient" || rows[0].TargetID != "123" {
		t.Fatalf("rows[0] = %+v", rows[0])
	}
}

func TestDateRangeMonthPrecision(t *testing.T) {
	start, end := dateRange(time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), "month")
	wantStart := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	wantEnd := time.Date(2024, 4, 1, 0, 0, 0, 0, time.UTC)
	if !start.Equal(wantStart) || !end.Equal(wantEnd) {
		t.Fatalf("dateRange() = %v, %v; want %v, %v", start, end, wantStart, wantEnd)
	}
}

func TestDateRangeSecondPrecisionIsZeroWidth(t *testing.T) {
	instant := time.Date(2024, 3, 15, 10, 30, 0, 0, time.UTC)
	start, end := dateRange(instant, "second")
	if !start.Equal(instant) || !end.Equal(instant) {
		t.Fatalf("dateRange() = %v, %v; want both %v", start, end, instant)
	}
}

func TestDecimalDigits(t *testing.T) {
	cases := map[float64]int{
		1:      0,
		1.5:    1,
		1.250:  2,
		0.001:  3,
	}
	for in, want := range cases {
		if got := decimalDigits(in); got != want {
			t.Errorf("decimalDigits(%v) = %d, want %d", in, got, want)
		}
	}
}

func TestExtractQuantityCanonicalizesUnit(t *testing.T) {
	col := fhirpath.Collection{{
		Kind:           fhirpath.KindQuantity,
		QuantityValue:  10,
		QuantitySystem: "http://unitsofmeasure.org",
		QuantityUnit:   "mg",
	}}
	rows := extractQuantity("value-quantity", col)
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	r := rows[0]
	if r.Value != 10 || r.Unit != "mg" || r.Code != "mg" {
		t.Fatalf("row = %+v", r)
	}
}

func TestRenderCompositePartTokenAndQuantity(t *testing.T) {
	tokenPart := renderCompositePart(searchparam.TypeToken, fhirpath.Value{
		Kind:   fhirpath.KindObject,
		Object: map[string]interface{}{"system": "http://loinc.org", "code": "1234-5"},
	})
	if tokenPart != "http://loinc.org|1234-5" {
		t.Fatalf("token part = %q", tokenPart)
	}

	quantityPart := renderCompositePart(searchparam.TypeQuantity, fhirpath.Value{
		Kind:           fhirpath.KindQuantity,
		QuantityValue:  5,
		QuantitySystem: "http://unitsofmeasure.org",
		QuantityUnit:   "mg",
	})
	if quantityPart == "" {
		t.Fatalf("expected non-empty quantity part")
	}
}

func TestExtractURISkipsEmpty(t *testing.T) {
	col := fhirpath.Collection{
		{Kind: fhirpath.KindString, Str: "http://example.org/fhir/ValueSet/1"},
		{Kind: fhirpath.KindString, Str: ""},
	}
	rows := extractURI("url", col)
	if len(rows) != 1 || rows[0].Value != "http://example.org/fhir/ValueSet/1" {
		t.Fatalf("rows = %+v", rows)
	}
}
