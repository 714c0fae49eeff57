package compartment

import (
	"testing"

	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

func TestMembershipRowsCollectsParamNamesPerResourceType(t *testing.T) {
	def := fhirmodel.Resource{
		"code": "Patient",
		"resource": []interface{}{
			map[string]interface{}{
				"code": "Observation",
				"param": []interface{}{"subject", "performer"},
			},
			map[string]interface{}{
				"code": "Condition",
				"param": []interface{}{"patient"},
			},
		},
	}
	rows := membershipRows(def)
	if len(rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(rows))
	}
	if got := rows["Observation"]; len(got) != 2 || got[0] != "subject" || got[1] != "performer" {
		t.Fatalf("rows[Observation] = %v", got)
	}
	if got := rows["Condition"]; len(got) != 1 || got[0] != "patient" {
		t.Fatalf("rows[Condition] = %v", got)
	}
}

func TestMembershipRowsSkipsEntriesWithNoParams(t *testing.T) {
	def := fhirmodel.Resource{
		"code": "Patient",
		"resource": []interface{}{
			map[string]interface{}{"code": "Patient"},
			map[string]interface{}{"code": "Observation", "param": []interface{}{"subject"}},
		},
	}
	rows := membershipRows(def)
	if len(rows) != 1 {
		t.Fatalf("len(rows) = %d, want 1", len(rows))
	}
	if _, ok := rows["Patient"]; ok {
		t.Fatal("expected no row for a resource entry with no param[]")
	}
}

func TestMembershipRowsHandlesMissingResourceArray(t *testing.T) {
	rows := membershipRows(fhirmodel.Resource{"code": "Patient"})
	if len(rows) != 0 {
		t.Fatalf("len(rows) = %d, want 0", len(rows))
	}
}
