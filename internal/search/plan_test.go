package search

import (
	"strings"
	"testing"

	"github.com/ehr/fhirengine/internal/searchparam"
)

func TestArgCounterAssignsSequentialPlaceholders(t *testing.T) {
	c := &argCounter{}
	if got := c.add("a"); got != "$1" {
		t.Fatalf("expected $1, got %s", got)
	}
	if got := c.add("b"); got != "$2" {
		t.Fatalf("expected $2, got %s", got)
	}
	if len(c.args) != 2 || c.args[0] != "a" || c.args[1] != "b" {
		t.Fatalf("unexpected accumulated args: %+v", c.args)
	}
}

func TestStringConditionDefaultIsPrefixMatch(t *testing.T) {
	c := &argCounter{}
	cond := stringCondition(ModNone, "Smith", c)
	if !strings.Contains(cond, "LIKE") || !strings.HasSuffix(cond, "|| '%'") {
		t.Fatalf("expected a prefix LIKE condition, got %q", cond)
	}
}

func TestStringConditionExactUsesEquality(t *testing.T) {
	c := &argCounter{}
	cond := stringCondition(ModExact, "Smith", c)
	if !strings.Contains(cond, "t.value =") {
		t.Fatalf("expected exact-match condition, got %q", cond)
	}
}

func TestTokenConditionSystemAndCode(t *testing.T) {
	c := &argCounter{}
	cond, err := tokenCondition(ModNone, "http://loinc.org|1234-5", c)
	if err != nil {
		t.Fatalf("tokenCondition: %v", err)
	}
	if !strings.Contains(cond, "t.system =") || !strings.Contains(cond, "t.code =") {
		t.Fatalf("expected both system and code predicates, got %q", cond)
	}
	if c.args[0] != "http://loinc.org" || c.args[1] != "1234-5" {
		t.Fatalf("unexpected bound args: %+v", c.args)
	}
}

func TestTokenConditionCodeOnly(t *testing.T) {
	c := &argCounter{}
	cond, err := tokenCondition(ModNone, "1234-5", c)
	if err != nil {
		t.Fatalf("tokenCondition: %v", err)
	}
	if strings.Contains(cond, "t.system") {
		t.Fatalf("did not expect a system predicate for a bare code, got %q", cond)
	}
}

func TestTokenConditionSystemOnly(t *testing.T) {
	c := &argCounter{}
	cond, err := tokenCondition(ModNone, "http://loinc.org|", c)
	if err != nil {
		t.Fatalf("tokenCondition: %v", err)
	}
	if !strings.Contains(cond, "t.system =") || strings.Contains(cond, "t.code") {
		t.Fatalf("expected a system-only predicate, got %q", cond)
	}
}

func TestTokenConditionAboveBelowUnsupported(t *testing.T) {
	c := &argCounter{}
	if _, err := tokenCondition(ModAbove, "1234", c); err == nil {
		t.Fatal("expected :above to be unsupported")
	}
}

func TestSplitPrefixDefaultsToEq(t *testing.T) {
	prefix, rest := splitPrefix("2020-01-01")
	if prefix != PrefixEq || rest != "2020-01-01" {
		t.Fatalf("expected eq/2020-01-01, got %q/%q", prefix, rest)
	}
}

func TestSplitPrefixRecognizesKnownPrefixes(t *testing.T) {
	prefix, rest := splitPrefix("ge5")
	if prefix != PrefixGe || rest != "5" {
		t.Fatalf("expected ge/5, got %q/%q", prefix, rest)
	}
}

func TestDateConditionMonthPrecision(t *testing.T) {
	c := &argCounter{}
	cond, err := dateCondition("2020-06", c)
	if err != nil {
		t.Fatalf("dateCondition: %v", err)
	}
	if !strings.Contains(cond, "t.range_start <") || !strings.Contains(cond, "t.range_end >") {
		t.Fatalf("expected a containment range condition, got %q", cond)
	}
	if len(c.args) != 2 {
		t.Fatalf("expected 2 bound args (start, end), got %+v", c.args)
	}
}

func TestDateConditionInvalidLiteral(t *testing.T) {
	c := &argCounter{}
	if _, err := dateCondition("not-a-date", c); err == nil {
		t.Fatal("expected an error for an invalid date literal")
	}
}

func TestNumberConditionEqAppliesTolerance(t *testing.T) {
	c := &argCounter{}
	cond, err := numberCondition("1.5", c)
	if err != nil {
		t.Fatalf("numberCondition: %v", err)
	}
	if !strings.Contains(cond, "BETWEEN") {
		t.Fatalf("expected a BETWEEN tolerance condition, got %q", cond)
	}
}

func TestNumberConditionComparisonPrefix(t *testing.T) {
	c := &argCounter{}
	cond, err := numberCondition("gt10", c)
	if err != nil {
		t.Fatalf("numberCondition: %v", err)
	}
	if !strings.Contains(cond, "t.value >") {
		t.Fatalf("expected a > condition, got %q", cond)
	}
}

func TestQuantityConditionUnknownUnitFallsBackToRawValue(t *testing.T) {
	c := &argCounter{}
	cond, err := quantityCondition("5|http://unitsofmeasure.org|widgets", c)
	if err != nil {
		t.Fatalf("quantityCondition: %v", err)
	}
	if !strings.Contains(cond, "t.value") {
		t.Fatalf("expected a raw-value condition for an unrecognized UCUM code, got %q", cond)
	}
}

func TestCompositeConditionMismatchedComponentCount(t *testing.T) {
	c := &argCounter{}
	param := &searchparam.Parameter{
		Code: "code-value-quantity",
		Type: searchparam.TypeComposite,
		Components: []searchparam.CompositeComponent{
			{Type: searchparam.TypeToken},
			{Type: searchparam.TypeQuantity},
		},
	}
	if _, err := compositeCondition(param, "8480-6$140", c); err != nil {
		t.Fatalf("expected matching component count to succeed, got %v", err)
	}
	if _, err := compositeCondition(param, "8480-6", c); err == nil {
		t.Fatal("expected a component-count mismatch error")
	}
}

func TestRenderCompositeQueryPartToken(t *testing.T) {
	if got := renderCompositeQueryPart(searchparam.TypeToken, "http://loinc.org|8480-6"); got != "http://loinc.org|8480-6" {
		t.Fatalf("unexpected rendering: %q", got)
	}
	if got := renderCompositeQueryPart(searchparam.TypeToken, "8480-6"); got != "|8480-6" {
		t.Fatalf("unexpected rendering for a bare code: %q", got)
	}
}

func TestBuildPredicatesUnknownParameterIsUnsupported(t *testing.T) {
	reg := &searchparam.Registry{}
	q := Query{ResourceType: "Patient", Match: []MatchParam{{Code: "nonexistent", Values: []ValueExpr{{Raw: "x"}}}}}
	c := &argCounter{}
	if _, err := BuildPredicates(reg, q, c); err == nil {
		t.Fatal("expected an error for an unregistered search parameter")
	}
}
