package searchparam

import (
	"testing"

	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

func TestSimplifyRewritesGenericBase(t *testing.T) {
	cases := map[string]string{
		"Resource.id":               "Patient.id",
		"DomainResource.text.div":   "Patient.text.div",
		"Patient.name.family":       "Patient.name.family",
	}
	for in, want := range cases {
		if got := Simplify(in, "Patient"); got != want {
			t.Fatalf("Simplify(%q, Patient) = %q, want %q", in, got, want)
		}
	}
}

func TestLoadActivatesOnlyActiveStatus(t *testing.T) {
	r := NewRegistry()
	searchParams := []fhirmodel.Resource{
		{
			"status":     "active",
			"code":       "name",
			"type":       "string",
			"expression": "Patient.name.family",
			"base":       []interface{}{"Patient"},
		},
		{
			"status":     "draft",
			"code":       "ignored",
			"type":       "string",
			"expression": "Patient.name.given",
			"base":       []interface{}{"Patient"},
		},
	}
	if err := r.Load(searchParams, nil); err != nil {
		t.Fatalf("load: %v", err)
	}

	if p := r.Lookup("Patient", "name"); p == nil {
		t.Fatalf("expected 'name' parameter to be active")
	}
	if p := r.Lookup("Patient", "ignored"); p != nil {
		t.Fatalf("expected draft parameter to be inactive, got %+v", p)
	}
}

func TestLoadRespectsDisabledBases(t *testing.T) {
	r := NewRegistry()
	searchParams := []fhirmodel.Resource{
		{
			"status":     "active",
			"code":       "name",
			"type":       "string",
			"expression": "Patient.name.family",
			"base":       []interface{}{"Patient"},
		},
	}
	if err := r.Load(searchParams, DisabledBases{"Patient": true}); err != nil {
		t.Fatalf("load: %v", err)
	}
	if p := r.Lookup("Patient", "name"); p != nil {
		t.Fatalf("expected parameter on disabled base to be inactive")
	}
}

func TestActiveParametersIncludesCommonParamsEvenWithoutCustomOnes(t *testing.T) {
	r := NewRegistry()
	if err := r.Load(nil, nil); err != nil {
		t.Fatalf("load: %v", err)
	}
	params := r.ActiveParameters("Observation")
	found := false
	for _, p := range params {
		if p.Code == "_id" {
			found = true
			if p.Expression != "Observation.id" {
				t.Fatalf("expected simplified expression, got %q", p.Expression)
			}
		}
	}
	if !found {
		t.Fatalf("expected _id common parameter, got %+v", params)
	}
}

func TestLoadResolvesCompositeComponentTypes(t *testing.T) {
	r := NewRegistry()
	searchParams := []fhirmodel.Resource{
		{
			"url":        "http://example.org/SearchParameter/observation-code",
			"status":     "active",
			"code":       "code",
			"type":       "token",
			"expression": "Observation.code",
			"base":       []interface{}{"Observation"},
		},
		{
			"url":        "http://example.org/SearchParameter/observation-value-quantity",
			"status":     "active",
			"code":       "value-quantity",
			"type":       "quantity",
			"expression": "Observation.value",
			"base":       []interface{}{"Observation"},
		},
		{
			"status":     "active",
			"code":       "code-value-quantity",
			"type":       "composite",
			"expression": "Observation",
			"base":       []interface{}{"Observation"},
			"component": []interface{}{
				map[string]interface{}{
					"definition": "http://example.org/SearchParameter/observation-code",
					"expression": "code",
				},
				map[string]interface{}{
					"definition": "http://example.org/SearchParameter/observation-value-quantity",
					"expression": "value",
				},
			},
		},
	}
	if err := r.Load(searchParams, nil); err != nil {
		t.Fatalf("load: %v", err)
	}
	p := r.Lookup("Observation", "code-value-quantity")
	if p == nil {
		t.Fatalf("expected composite parameter to be active")
	}
	if len(p.Components) != 2 {
		t.Fatalf("expected 2 components, got %d", len(p.Components))
	}
	if p.Components[0].Type != TypeToken {
		t.Fatalf("component[0].Type = %q, want token", p.Components[0].Type)
	}
	if p.Components[1].Type != TypeQuantity {
		t.Fatalf("component[1].Type = %q, want quantity", p.Components[1].Type)
	}
}

func TestHashChangesOnlyWhenActiveSetChanges(t *testing.T) {
	r := NewRegistry()
	sp := fhirmodel.Resource{
		"status":     "active",
		"code":       "name",
		"type":       "string",
		"expression": "Patient.name.family",
		"base":       []interface{}{"Patient"},
	}
	if err := r.Load([]fhirmodel.Resource{sp}, nil); err != nil {
		t.Fatalf("load: %v", err)
	}
	hash1, version1 := r.Hash("Patient")

	if err := r.Load([]fhirmodel.Resource{sp}, nil); err != nil {
		t.Fatalf("load: %v", err)
	}
	hash2, version2 := r.Hash("Patient")
	if hash1 != hash2 {
		t.Fatalf("expected stable hash for unchanged set")
	}
	if version1 != version2 {
		t.Fatalf("expected version not to bump when set is unchanged: %d vs %d", version1, version2)
	}

	sp2 := sp.Clone()
	sp2["code"] = "name2"
	if err := r.Load([]fhirmodel.Resource{sp, sp2}, nil); err != nil {
		t.Fatalf("load: %v", err)
	}
	hash3, version3 := r.Hash("Patient")
	if hash3 == hash2 {
		t.Fatalf("expected hash to change when active set changes")
	}
	if version3 <= version2 {
		t.Fatalf("expected version to bump when active set changes")
	}
}
