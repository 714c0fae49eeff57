package txn

import (
	"context"
	"testing"

	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

func TestAssignIDs_PostGetsNewID(t *testing.T) {
	plans := []*plannedEntry{
		{index: 0, fullURL: "urn:uuid:a", request: fhirmodel.BundleRequest{Method: "POST"}, resourceType: "Patient", resource: fhirmodel.Resource{}},
	}
	idMap, err := assignIDs(plans)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plans[0].id == "" {
		t.Fatal("expected an id to be assigned")
	}
	if idMap["urn:uuid:a"] != "Patient/"+plans[0].id {
		t.Errorf("expected idMap entry Patient/%s, got %s", plans[0].id, idMap["urn:uuid:a"])
	}
}

func TestAssignIDs_PostHonorsClientSuppliedID(t *testing.T) {
	plans := []*plannedEntry{
		{index: 0, fullURL: "urn:uuid:a", request: fhirmodel.BundleRequest{Method: "POST"}, resourceType: "Patient", resource: fhirmodel.Resource{"id": "fixed-1"}},
	}
	if _, err := assignIDs(plans); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plans[0].id != "fixed-1" {
		t.Errorf("expected client-supplied id fixed-1, got %s", plans[0].id)
	}
}

func TestAssignIDs_PostMissingResourceType(t *testing.T) {
	plans := []*plannedEntry{
		{index: 0, request: fhirmodel.BundleRequest{Method: "POST"}},
	}
	if _, err := assignIDs(plans); err == nil {
		t.Fatal("expected error for POST with no resource type")
	}
}

func TestAssignIDs_PutWithoutIDOrQueryFails(t *testing.T) {
	plans := []*plannedEntry{
		{index: 0, request: fhirmodel.BundleRequest{Method: "PUT"}, resourceType: "Patient"},
	}
	if _, err := assignIDs(plans); err == nil {
		t.Fatal("expected error for PUT with neither id nor conditional query")
	}
}

func TestAssignIDs_ConditionalPutContributesNoIDMapEntry(t *testing.T) {
	plans := []*plannedEntry{
		{index: 0, fullURL: "urn:uuid:b", request: fhirmodel.BundleRequest{Method: "PUT"}, resourceType: "Patient", isSearch: true},
	}
	idMap, err := assignIDs(plans)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, ok := idMap["urn:uuid:b"]; ok {
		t.Error("expected no idMap entry for a conditional PUT with no id yet")
	}
}

func TestSplitConditionalReference_TypeAndQuery(t *testing.T) {
	rt, query, ok := splitConditionalReference("Patient?identifier=123")
	if !ok {
		t.Fatal("expected conditional reference to be recognized")
	}
	if rt != "Patient" || query.Get("identifier") != "123" {
		t.Errorf("unexpected split: %s %v", rt, query)
	}
}

func TestSplitConditionalReference_AbsoluteURLRejected(t *testing.T) {
	_, _, ok := splitConditionalReference("http://example.org/fhir/Patient?identifier=123")
	if ok {
		t.Error("expected absolute URL to be rejected as a conditional reference")
	}
}

func TestSplitConditionalReference_PlainReferenceRejected(t *testing.T) {
	_, _, ok := splitConditionalReference("Patient/123")
	if ok {
		t.Error("expected a plain Type/id reference to be rejected")
	}
}

func TestSplitConditionalReference_FragmentRejected(t *testing.T) {
	_, _, ok := splitConditionalReference("#contained-1")
	if ok {
		t.Error("expected a contained-resource fragment to be rejected")
	}
}

func TestRewriteReference_URNUUIDResolves(t *testing.T) {
	x := &Executor{}
	idMap := map[string]string{"urn:uuid:bbb": "Patient/456"}
	got, err := x.rewriteReference(context.Background(), "tenant", "urn:uuid:bbb", idMap)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "Patient/456" {
		t.Errorf("expected Patient/456, got %s", got)
	}
}

func TestRewriteReference_UnresolvableURNUUIDFails(t *testing.T) {
	x := &Executor{}
	_, err := x.rewriteReference(context.Background(), "tenant", "urn:uuid:missing", map[string]string{})
	if err == nil {
		t.Fatal("expected error for an unresolvable urn:uuid reference")
	}
}

func TestRewriteReference_PlainReferenceUnchanged(t *testing.T) {
	x := &Executor{}
	got, err := x.rewriteReference(context.Background(), "tenant", "Patient/existing", map[string]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "" {
		t.Errorf("expected no rewrite for a plain reference, got %q", got)
	}
}

func TestRewriteReferences_NestedURNUUIDAndDependencyEdge(t *testing.T) {
	x := &Executor{}
	patient := &plannedEntry{
		index: 0, fullURL: "urn:uuid:patient-1",
		resource: fhirmodel.Resource{"resourceType": "Patient"},
	}
	encounter := &plannedEntry{
		index: 1, fullURL: "urn:uuid:enc-1",
		resource: fhirmodel.Resource{
			"resourceType": "Encounter",
			"participant": []interface{}{
				map[string]interface{}{
					"individual": map[string]interface{}{"reference": "urn:uuid:patient-1"},
				},
			},
		},
	}
	plans := []*plannedEntry{patient, encounter}
	idMap := map[string]string{"urn:uuid:patient-1": "Patient/123"}

	if err := x.rewriteReferences(context.Background(), "tenant", plans, idMap); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	participants := encounter.resource["participant"].([]interface{})
	individual := participants[0].(map[string]interface{})["individual"].(map[string]interface{})
	if individual["reference"] != "Patient/123" {
		t.Errorf("expected resolved reference Patient/123, got %v", individual["reference"])
	}
	if len(encounter.dependsOn) != 1 || encounter.dependsOn[0] != 0 {
		t.Errorf("expected encounter to depend on patient (index 0), got %v", encounter.dependsOn)
	}
}
