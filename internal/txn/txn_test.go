package txn

import (
	"context"
	"testing"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

func TestStatusForKind(t *testing.T) {
	cases := map[errs.Kind]string{
		errs.Validation:           "400 Bad Request",
		errs.ResourceNotFound:     "404 Not Found",
		errs.Conflict:             "409 Conflict",
		errs.Gone:                 "410 Gone",
		errs.PreconditionFailed:   "412 Precondition Failed",
		errs.ReferentialIntegrity: "422 Unprocessable Entity",
		errs.Unsupported:          "422 Unprocessable Entity",
		errs.Timeout:              "503 Service Unavailable",
		errs.Internal:             "500 Internal Server Error",
	}
	for kind, want := range cases {
		if got := statusForKind(kind); got != want {
			t.Errorf("statusForKind(%s) = %s, want %s", kind, got, want)
		}
	}
}

func TestErrorResponse_CarriesKindAndOutcome(t *testing.T) {
	err := errs.New(errs.Validation, "bad request url")
	resp := errorResponse(err)
	if resp.Status != "400 Bad Request" {
		t.Errorf("expected 400 Bad Request, got %s", resp.Status)
	}
	if resp.Outcome == nil {
		t.Fatal("expected an OperationOutcome")
	}
}

func TestExecute_RejectsUnsupportedBundleType(t *testing.T) {
	x := &Executor{}
	_, err := x.Execute(context.Background(), "tenant", &fhirmodel.Bundle{Type: "searchset"})
	if err == nil {
		t.Fatal("expected error for an unsupported Bundle.type")
	}
	if errs.KindOf(err) != errs.Validation {
		t.Errorf("expected Validation kind, got %s", errs.KindOf(err))
	}
}
