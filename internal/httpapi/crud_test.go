package httpapi

import (
	"errors"
	"testing"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

func TestIsNoMatchAcceptsZeroMatchPreconditionFailed(t *testing.T) {
	err := errs.New(errs.PreconditionFailed, "conditional reference matched no resources")
	if !isNoMatch(err) {
		t.Error("expected a zero-match PreconditionFailed to be reported as no-match")
	}
}

func TestIsNoMatchRejectsMultipleMatchPreconditionFailed(t *testing.T) {
	err := errs.New(errs.PreconditionFailed, "conditional reference matched more than one resource")
	if isNoMatch(err) {
		t.Error("expected a multiple-match PreconditionFailed to not be reported as no-match")
	}
}

func TestIsNoMatchRejectsOtherKinds(t *testing.T) {
	if isNoMatch(errors.New("plain error")) {
		t.Error("expected a non-errs error to not be reported as no-match")
	}
	if isNoMatch(errs.New(errs.ResourceNotFound, "missing")) {
		t.Error("expected a different Kind to not be reported as no-match")
	}
}

func TestSplitElementsFlattensCommaAndRepeatedParams(t *testing.T) {
	got := splitElements([]string{"name,birthDate", " gender ", ""})
	want := []string{"name", "birthDate", "gender"}
	if len(got) != len(want) {
		t.Fatalf("splitElements() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("splitElements()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSplitElementsEmptyInputYieldsNil(t *testing.T) {
	if got := splitElements(nil); got != nil {
		t.Errorf("splitElements(nil) = %v, want nil", got)
	}
}

func TestProjectElementsKeepsIdentityFieldsAndRequested(t *testing.T) {
	resource := fhirmodel.Resource{
		"resourceType": "Patient",
		"id":           "123",
		"meta":         map[string]interface{}{"versionId": "1"},
		"name":         []interface{}{"Alice"},
		"birthDate":    "1990-01-01",
		"gender":       "female",
	}
	got := projectElements(resource, []string{"name"})

	for _, key := range []string{"resourceType", "id", "meta", "name"} {
		if _, ok := got[key]; !ok {
			t.Errorf("expected projected resource to keep %q", key)
		}
	}
	for _, key := range []string{"birthDate", "gender"} {
		if _, ok := got[key]; ok {
			t.Errorf("expected projected resource to drop %q", key)
		}
	}
}
