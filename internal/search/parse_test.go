package search

import (
	"net/url"
	"testing"
)

func TestParseQuerySimpleMatch(t *testing.T) {
	q, err := ParseQuery("Patient", url.Values{"name": {"Smith"}})
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if len(q.Match) != 1 || q.Match[0].Code != "name" {
		t.Fatalf("unexpected match params: %+v", q.Match)
	}
	if len(q.Match[0].Values) != 1 || q.Match[0].Values[0].Raw != "Smith" {
		t.Fatalf("unexpected values: %+v", q.Match[0].Values)
	}
}

func TestParseQueryCommaOrValues(t *testing.T) {
	q, err := ParseQuery("Patient", url.Values{"name": {"Smith,Jones"}})
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if len(q.Match[0].Values) != 2 {
		t.Fatalf("expected 2 OR values, got %+v", q.Match[0].Values)
	}
}

func TestParseQueryRepeatedNameIsAND(t *testing.T) {
	q, err := ParseQuery("Observation", url.Values{"code": {"a", "b"}})
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if len(q.Match) != 2 {
		t.Fatalf("expected 2 independent match params, got %+v", q.Match)
	}
}

func TestParseQueryModifier(t *testing.T) {
	q, err := ParseQuery("Patient", url.Values{"name:exact": {"Smith"}})
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if q.Match[0].Modifier != ModExact {
		t.Fatalf("expected :exact modifier, got %q", q.Match[0].Modifier)
	}
}

func TestParseQueryForwardChain(t *testing.T) {
	q, err := ParseQuery("Observation", url.Values{"subject:Patient.name": {"Alice"}})
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if len(q.Match) != 1 || q.Match[0].Chain == nil {
		t.Fatalf("expected a chain match param, got %+v", q.Match)
	}
	chain := q.Match[0].Chain
	if chain.RefParam != "subject" || chain.TargetType != "Patient" {
		t.Fatalf("unexpected chain head: %+v", chain)
	}
	if chain.Next.Code != "name" || chain.Next.Values[0].Raw != "Alice" {
		t.Fatalf("unexpected chain terminal: %+v", chain.Next)
	}
}

func TestParseQueryReverseChain(t *testing.T) {
	q, err := ParseQuery("Patient", url.Values{"_has:Observation:subject:code": {"1234"}})
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if len(q.Match) != 1 || q.Match[0].ReverseChain == nil {
		t.Fatalf("expected a reverse-chain match param, got %+v", q.Match)
	}
	rc := q.Match[0].ReverseChain
	if rc.RefResourceType != "Observation" || rc.RefParam != "subject" {
		t.Fatalf("unexpected reverse chain: %+v", rc)
	}
	if rc.Inner.Code != "code" || rc.Inner.Values[0].Raw != "1234" {
		t.Fatalf("unexpected reverse chain terminal: %+v", rc.Inner)
	}
}

func TestParseQueryNestedReverseChain(t *testing.T) {
	q, err := ParseQuery("Patient", url.Values{"_has:Observation:subject:_has:AuditEvent:entity:agent": {"Practitioner/1"}})
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	rc := q.Match[0].ReverseChain
	if rc.Inner.ReverseChain == nil {
		t.Fatalf("expected nested reverse chain, got %+v", rc.Inner)
	}
	inner := rc.Inner.ReverseChain
	if inner.RefResourceType != "AuditEvent" || inner.RefParam != "entity" || inner.Inner.Code != "agent" {
		t.Fatalf("unexpected nested reverse chain: %+v", inner)
	}
}

func TestParseQueryControlParams(t *testing.T) {
	q, err := ParseQuery("Patient", url.Values{
		"_count":   {"25"},
		"_sort":    {"-_lastUpdated,name"},
		"_summary": {"count"},
		"_total":   {"accurate"},
	})
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if q.Count != 25 {
		t.Fatalf("expected _count=25, got %d", q.Count)
	}
	if len(q.Sort) != 2 || q.Sort[0].Code != "_lastUpdated" || !q.Sort[0].Descending || q.Sort[1].Code != "name" || q.Sort[1].Descending {
		t.Fatalf("unexpected sort spec: %+v", q.Sort)
	}
	if q.Summary != SummaryCount {
		t.Fatalf("expected _summary=count, got %q", q.Summary)
	}
	if q.Total != TotalAccurate {
		t.Fatalf("expected _total=accurate, got %q", q.Total)
	}
}

func TestParseQueryInvalidCount(t *testing.T) {
	if _, err := ParseQuery("Patient", url.Values{"_count": {"-1"}}); err == nil {
		t.Fatal("expected an error for a negative _count")
	}
}

func TestParseQueryIncludeAndRevincludeIterate(t *testing.T) {
	q, err := ParseQuery("Observation", url.Values{
		"_include":         {"Observation:subject:Patient"},
		"_revinclude:iterate": {"Provenance:target"},
	})
	if err != nil {
		t.Fatalf("ParseQuery: %v", err)
	}
	if len(q.Include) != 2 {
		t.Fatalf("expected 2 include specs, got %+v", q.Include)
	}
	var fwd, rev IncludeSpec
	for _, inc := range q.Include {
		if inc.Reverse {
			rev = inc
		} else {
			fwd = inc
		}
	}
	if fwd.SourceType != "Observation" || fwd.RefParam != "subject" || fwd.TargetType != "Patient" || fwd.Iterate {
		t.Fatalf("unexpected forward include: %+v", fwd)
	}
	if rev.SourceType != "Provenance" || rev.RefParam != "target" || !rev.Iterate {
		t.Fatalf("unexpected reverse include: %+v", rev)
	}
}
