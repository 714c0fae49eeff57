package operations

import "testing"

func TestInMemoryTerminology_LookupCode(t *testing.T) {
	term := NewInMemoryTerminology()
	result, err := term.LookupCode("http://hl7.org/fhir/administrative-gender", "male", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Display != "Male" {
		t.Errorf("expected display Male, got %s", result.Display)
	}
}

func TestInMemoryTerminology_LookupCode_UnknownSystem(t *testing.T) {
	term := NewInMemoryTerminology()
	if _, err := term.LookupCode("http://example.org/bogus", "x", ""); err == nil {
		t.Fatal("expected error for an unregistered code system")
	}
}

func TestInMemoryTerminology_LookupCode_UnknownCode(t *testing.T) {
	term := NewInMemoryTerminology()
	if _, err := term.LookupCode("http://hl7.org/fhir/administrative-gender", "nonbinary", ""); err == nil {
		t.Fatal("expected error for an unknown code")
	}
}

func TestInMemoryTerminology_ExpandValueSet_ByURL(t *testing.T) {
	term := NewInMemoryTerminology()
	expanded, err := term.ExpandValueSet("http://hl7.org/fhir/administrative-gender", "", 0, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expanded.Total != 4 {
		t.Errorf("expected 4 concepts, got %d", expanded.Total)
	}
}

func TestInMemoryTerminology_ExpandValueSet_ByName(t *testing.T) {
	term := NewInMemoryTerminology()
	expanded, err := term.ExpandValueSet("AdministrativeGender", "", 0, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if expanded.URL != "http://hl7.org/fhir/administrative-gender" {
		t.Errorf("expected lookup by name to resolve the URL, got %s", expanded.URL)
	}
}

func TestInMemoryTerminology_ExpandValueSet_FilterAndPagination(t *testing.T) {
	term := NewInMemoryTerminology()
	expanded, err := term.ExpandValueSet("http://hl7.org/fhir/administrative-gender", "fe", 0, 100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(expanded.Contains) != 1 || expanded.Contains[0].Code != "female" {
		t.Errorf("expected only 'female' to match filter 'fe', got %v", expanded.Contains)
	}

	page, err := term.ExpandValueSet("http://hl7.org/fhir/administrative-gender", "", 1, 2)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(page.Contains) != 2 || page.Offset != 1 {
		t.Errorf("expected a 2-item page starting at offset 1, got %+v", page)
	}
}

func TestInMemoryTerminology_ExpandValueSet_NotFound(t *testing.T) {
	term := NewInMemoryTerminology()
	if _, err := term.ExpandValueSet("http://example.org/bogus", "", 0, 10); err == nil {
		t.Fatal("expected error for an unknown value set")
	}
}

func TestInMemoryTerminology_ValidateCode_Valid(t *testing.T) {
	term := NewInMemoryTerminology()
	result, err := term.ValidateCode("http://hl7.org/fhir/administrative-gender", "female", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Result || result.Display != "Female" {
		t.Errorf("expected a valid match with display Female, got %+v", result)
	}
}

func TestInMemoryTerminology_ValidateCode_WrongSystem(t *testing.T) {
	term := NewInMemoryTerminology()
	result, err := term.ValidateCode("http://hl7.org/fhir/administrative-gender", "female", "http://example.org/other-system")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Result {
		t.Error("expected no match when system filter excludes the value set's own system")
	}
}

func TestInMemoryTerminology_ValidateCode_UnknownValueSet(t *testing.T) {
	term := NewInMemoryTerminology()
	result, err := term.ValidateCode("http://example.org/bogus", "x", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Result || result.Message != "ValueSet not found" {
		t.Errorf("expected a not-found result, got %+v", result)
	}
}
