package refs

import (
	"context"
	"testing"

	"github.com/ehr/fhirengine/internal/errs"
)

func TestCheckWriteLenientNeverFails(t *testing.T) {
	e := NewEnforcer(Lenient,
		func(ctx context.Context, tenantID, resourceType, id string) (bool, bool, error) { return false, false, nil },
		nil,
	)
	err := e.CheckWrite(context.Background(), "default", []Ref{{TargetType: "Patient", TargetID: "missing"}})
	if err != nil {
		t.Fatalf("expected lenient mode to never fail, got %v", err)
	}
}

func TestCheckWriteStrictFailsOnMissingTarget(t *testing.T) {
	e := NewEnforcer(Strict,
		func(ctx context.Context, tenantID, resourceType, id string) (bool, bool, error) { return false, false, nil },
		nil,
	)
	err := e.CheckWrite(context.Background(), "default", []Ref{{TargetType: "Patient", TargetID: "missing"}})
	if errs.KindOf(err) != errs.ReferentialIntegrity {
		t.Fatalf("expected ReferentialIntegrity, got %v", err)
	}
}

func TestCheckWriteStrictFailsOnDeletedTarget(t *testing.T) {
	e := NewEnforcer(Strict,
		func(ctx context.Context, tenantID, resourceType, id string) (bool, bool, error) { return true, true, nil },
		nil,
	)
	err := e.CheckWrite(context.Background(), "default", []Ref{{TargetType: "Patient", TargetID: "1"}})
	if errs.KindOf(err) != errs.ReferentialIntegrity {
		t.Fatalf("expected ReferentialIntegrity for deleted target, got %v", err)
	}
}

func TestCheckWriteStrictPassesOnLiveTarget(t *testing.T) {
	e := NewEnforcer(Strict,
		func(ctx context.Context, tenantID, resourceType, id string) (bool, bool, error) { return true, false, nil },
		nil,
	)
	if err := e.CheckWrite(context.Background(), "default", []Ref{{TargetType: "Patient", TargetID: "1"}}); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestCheckDeleteStrictFailsWhenReferenced(t *testing.T) {
	e := NewEnforcer(Strict, nil,
		func(ctx context.Context, tenantID, resourceType, id string) (bool, error) { return true, nil },
	)
	err := e.CheckDelete(context.Background(), "default", "Patient", "1")
	if errs.KindOf(err) != errs.ReferentialIntegrity {
		t.Fatalf("expected ReferentialIntegrity, got %v", err)
	}
}

func TestCheckDeleteLenientIgnoresReferencers(t *testing.T) {
	e := NewEnforcer(Lenient, nil,
		func(ctx context.Context, tenantID, resourceType, id string) (bool, error) { return true, nil },
	)
	if err := e.CheckDelete(context.Background(), "default", "Patient", "1"); err != nil {
		t.Fatalf("expected lenient mode to pass, got %v", err)
	}
}
