package txn

import (
	"testing"

	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

func TestParseEntry_Create(t *testing.T) {
	src := fhirmodel.BundleEntry{
		FullURL:  "urn:uuid:1111",
		Resource: []byte(`{"resourceType":"Patient","name":[{"family":"Doe"}]}`),
		Request:  &fhirmodel.BundleRequest{Method: "post", URL: "Patient"},
	}
	plan, err := parseEntry(0, src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.request.Method != "POST" {
		t.Errorf("expected method normalized to POST, got %s", plan.request.Method)
	}
	if plan.resourceType != "Patient" {
		t.Errorf("expected resourceType Patient, got %s", plan.resourceType)
	}
	if plan.resource["resourceType"] != "Patient" {
		t.Error("expected resource to decode")
	}
	if plan.isSearch {
		t.Error("expected isSearch=false for a bare POST")
	}
}

func TestParseEntry_MissingMethod(t *testing.T) {
	src := fhirmodel.BundleEntry{Request: &fhirmodel.BundleRequest{URL: "Patient"}}
	if _, err := parseEntry(0, src); err == nil {
		t.Fatal("expected error for missing request.method")
	}
}

func TestParseEntry_MissingURL(t *testing.T) {
	src := fhirmodel.BundleEntry{Request: &fhirmodel.BundleRequest{Method: "GET"}}
	if _, err := parseEntry(0, src); err == nil {
		t.Fatal("expected error for missing request.url")
	}
}

func TestParseEntry_MissingRequest(t *testing.T) {
	if _, err := parseEntry(0, fhirmodel.BundleEntry{}); err == nil {
		t.Fatal("expected error for missing request")
	}
}

func TestParseEntry_InvalidResourceJSON(t *testing.T) {
	src := fhirmodel.BundleEntry{
		Resource: []byte(`not json`),
		Request:  &fhirmodel.BundleRequest{Method: "POST", URL: "Patient"},
	}
	if _, err := parseEntry(0, src); err == nil {
		t.Fatal("expected error for invalid resource JSON")
	}
}

func TestParseEntryURL_ResourceWithID(t *testing.T) {
	rt, id, query, isSearch := parseEntryURL("Patient/123")
	if rt != "Patient" || id != "123" {
		t.Errorf("expected Patient/123, got %s/%s", rt, id)
	}
	if isSearch || query != nil {
		t.Error("expected isSearch=false, query=nil")
	}
}

func TestParseEntryURL_SearchQuery(t *testing.T) {
	rt, id, query, isSearch := parseEntryURL("Patient?name=Smith")
	if rt != "Patient" || id != "" {
		t.Errorf("expected Patient with no id, got %s/%s", rt, id)
	}
	if !isSearch {
		t.Error("expected isSearch=true")
	}
	if query.Get("name") != "Smith" {
		t.Errorf("expected name=Smith, got %v", query)
	}
}

func TestParseEntryURL_ResourceTypeOnly(t *testing.T) {
	rt, id, _, isSearch := parseEntryURL("Patient")
	if rt != "Patient" || id != "" || isSearch {
		t.Errorf("unexpected parse of bare resource type: %s %s %v", rt, id, isSearch)
	}
}

func TestParseEntry_ConditionalHeaders(t *testing.T) {
	src := fhirmodel.BundleEntry{
		Resource: []byte(`{"resourceType":"Patient"}`),
		Request: &fhirmodel.BundleRequest{
			Method:      "PUT",
			URL:         "Patient/123",
			IfMatch:     `W/"1"`,
			IfNoneExist: "identifier=http://example.org|12345",
		},
	}
	plan, err := parseEntry(0, src)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if plan.request.IfMatch != `W/"1"` {
		t.Errorf("expected ifMatch preserved, got %s", plan.request.IfMatch)
	}
	if plan.request.IfNoneExist != "identifier=http://example.org|12345" {
		t.Errorf("expected ifNoneExist preserved, got %s", plan.request.IfNoneExist)
	}
}
