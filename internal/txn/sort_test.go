package txn

import (
	"testing"

	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

func entryAt(method string, deps ...int) *plannedEntry {
	return &plannedEntry{request: fhirmodel.BundleRequest{Method: method}, dependsOn: deps}
}

func TestTopoOrder_DeletesLast(t *testing.T) {
	plans := []*plannedEntry{
		entryAt("GET"),
		entryAt("DELETE"),
		entryAt("POST"),
	}
	order, err := topoOrder(plans)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order[len(order)-1] != 1 {
		t.Errorf("expected DELETE entry (index 1) last, got order %v", order)
	}
}

func TestTopoOrder_DependencyBeforeReferrer(t *testing.T) {
	// entry 1 (Encounter) depends on entry 0 (Patient).
	plans := []*plannedEntry{
		entryAt("POST"),
		entryAt("POST", 0),
	}
	order, err := topoOrder(plans)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	posOf := func(idx int) int {
		for i, v := range order {
			if v == idx {
				return i
			}
		}
		return -1
	}
	if posOf(0) > posOf(1) {
		t.Errorf("expected dependency (0) to precede referrer (1), got order %v", order)
	}
}

func TestTopoOrder_CycleDoesNotFail(t *testing.T) {
	plans := []*plannedEntry{
		entryAt("POST", 1),
		entryAt("POST", 0),
	}
	order, err := topoOrder(plans)
	if err != nil {
		t.Fatalf("expected cycles to be tolerated, got error: %v", err)
	}
	if len(order) != 2 {
		t.Fatalf("expected both entries in the order, got %v", order)
	}
}

func TestTopoOrder_EmptyPlans(t *testing.T) {
	order, err := topoOrder(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(order) != 0 {
		t.Errorf("expected empty order, got %v", order)
	}
}

func TestTopoOrder_MultipleDeletesPreserveRelativeOrder(t *testing.T) {
	plans := []*plannedEntry{
		entryAt("DELETE"),
		entryAt("POST"),
		entryAt("DELETE"),
	}
	order, err := topoOrder(plans)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	last2 := order[len(order)-2:]
	if last2[0] != 0 || last2[1] != 2 {
		t.Errorf("expected deletes 0 then 2 at the tail in original order, got %v", order)
	}
}
