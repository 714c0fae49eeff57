package refs

import (
	"context"

	"github.com/ehr/fhirengine/internal/errs"
)

// Mode selects the referential-integrity policy (spec.md §4.3).
type Mode string

const (
	Lenient Mode = "lenient"
	Strict  Mode = "strict"
)

// ExistsFunc reports whether (resourceType, id) currently exists and, if
// so, whether its current version is a logical delete. Implemented by
// internal/store without refs importing it, to avoid an import cycle.
type ExistsFunc func(ctx context.Context, tenantID, resourceType, id string) (exists bool, deleted bool, err error)

// ReferencedByFunc reports whether any non-deleted resource still
// references (resourceType, id), backed by the search_reference index.
type ReferencedByFunc func(ctx context.Context, tenantID, resourceType, id string) (bool, error)

// Enforcer applies Mode to writes and deletes.
type Enforcer struct {
	Mode         Mode
	Exists       ExistsFunc
	ReferencedBy ReferencedByFunc
}

func NewEnforcer(mode Mode, exists ExistsFunc, referencedBy ReferencedByFunc) *Enforcer {
	return &Enforcer{Mode: mode, Exists: exists, ReferencedBy: referencedBy}
}

// CheckWrite validates every outbound reference before a create/update
// commits. Lenient mode never fails — references are still collected for
// indexing, but existence isn't enforced.
func (e *Enforcer) CheckWrite(ctx context.Context, tenantID string, refs []Ref) error {
	if e.Mode != Strict {
		return nil
	}
	for _, r := range refs {
		if r.TargetType == "" {
			// Untyped relative references can't be resolved against a
			// specific table; skip rather than fail closed on something
			// the FHIR grammar itself leaves ambiguous.
			continue
		}
		exists, deleted, err := e.Exists(ctx, tenantID, r.TargetType, r.TargetID)
		if err != nil {
			return errs.Wrap(errs.Database, err, "check reference existence")
		}
		if !exists || deleted {
			return errs.WithSubject(errs.ReferentialIntegrity, r.TargetType+"/"+r.TargetID,
				"referenced resource does not exist or is deleted")
		}
	}
	return nil
}

// CheckDelete validates that no live resource still references the victim
// before a delete commits.
func (e *Enforcer) CheckDelete(ctx context.Context, tenantID, resourceType, id string) error {
	if e.Mode != Strict {
		return nil
	}
	referenced, err := e.ReferencedBy(ctx, tenantID, resourceType, id)
	if err != nil {
		return errs.Wrap(errs.Database, err, "check inbound references")
	}
	if referenced {
		return errs.WithSubject(errs.ReferentialIntegrity, resourceType+"/"+id,
			"resource is still referenced by other resources")
	}
	return nil
}
