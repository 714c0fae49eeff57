package operations

import (
	"testing"

	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

func TestRestrictTypes_EmptyFilterReturnsAll(t *testing.T) {
	got := restrictTypes([]string{"Observation", "Condition"}, nil)
	if len(got) != 2 {
		t.Errorf("expected both candidates with no filter, got %v", got)
	}
}

func TestRestrictTypes_IntersectsAndPreservesOrder(t *testing.T) {
	got := restrictTypes([]string{"Observation", "Condition", "Encounter"}, []string{"Encounter", "Observation"})
	if len(got) != 2 || got[0] != "Observation" || got[1] != "Encounter" {
		t.Errorf("expected [Observation Encounter] in candidate order, got %v", got)
	}
}

func TestResourceLastUpdated(t *testing.T) {
	r := fhirmodel.Resource{"meta": map[string]interface{}{"lastUpdated": "2026-01-01T00:00:00Z"}}
	if resourceLastUpdated(r) != "2026-01-01T00:00:00Z" {
		t.Errorf("unexpected lastUpdated: %s", resourceLastUpdated(r))
	}
	if resourceLastUpdated(fhirmodel.Resource{}) != "" {
		t.Error("expected empty string when meta is absent")
	}
}

func TestBundleEntryFor(t *testing.T) {
	r := fhirmodel.Resource{"resourceType": "Patient", "id": "123"}
	entry := bundleEntryFor(r)
	if entry.FullURL != "Patient/123" {
		t.Errorf("expected fullUrl Patient/123, got %s", entry.FullURL)
	}
	if entry.Search == nil || entry.Search.Mode != "match" {
		t.Error("expected search.mode=match")
	}
}
