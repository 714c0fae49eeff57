package ucum

import "testing"

func TestNormalizeCrossUnit(t *testing.T) {
	mg := Normalize(10, "http://unitsofmeasure.org", "mg")
	g := Normalize(0.01, "http://unitsofmeasure.org", "g")
	if mg.Code != g.Code {
		t.Fatalf("expected same canonical code, got %q vs %q", mg.Code, g.Code)
	}
	if mg.Value != g.Value {
		t.Fatalf("expected 10mg == 0.01g canonically, got %v vs %v", mg.Value, g.Value)
	}
}

func TestNormalizeNonUCUMSystemUnchanged(t *testing.T) {
	c := Normalize(5, "http://example.org/custom-units", "widgets")
	if c.Value != 5 || c.Code != "widgets" {
		t.Fatalf("expected passthrough for non-UCUM system, got %+v", c)
	}
}
