// Package conformance implements the uniform conformance-resource provider
// (C2, spec.md §4.2): lookup of SearchParameter, StructureDefinition,
// CompartmentDefinition, CodeSystem, ValueSet and OperationDefinition
// resources by canonical URL, independent of how they were loaded.
package conformance

import (
	"context"

	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

// Provider is the capability set every variant implements: list_by_canonical
// and get_by_canonical_and_version from spec.md §4.2.
type Provider interface {
	ListByCanonical(ctx context.Context, tenantID, canonicalURL string) ([]fhirmodel.Resource, error)
	GetByCanonicalAndVersion(ctx context.Context, tenantID, canonicalURL, version string) (fhirmodel.Resource, error)
}

// Empty always reports no match. Used where resolving conformance would
// re-enter the database on a path that must not (spec.md's redesign flag
// on the indexer's FHIRPath evaluation context).
type Empty struct{}

func (Empty) ListByCanonical(ctx context.Context, tenantID, canonicalURL string) ([]fhirmodel.Resource, error) {
	return nil, nil
}

func (Empty) GetByCanonicalAndVersion(ctx context.Context, tenantID, canonicalURL, version string) (fhirmodel.Resource, error) {
	return nil, nil
}

// Fallback checks Primary first, falling through to Secondary when Primary
// has no match — e.g. a DbBacked provider layered over a PackageBacked one
// carrying the shipped FHIR core definitions.
type Fallback struct {
	Primary   Provider
	Secondary Provider
}

func (f Fallback) ListByCanonical(ctx context.Context, tenantID, canonicalURL string) ([]fhirmodel.Resource, error) {
	rs, err := f.Primary.ListByCanonical(ctx, tenantID, canonicalURL)
	if err != nil {
		return nil, err
	}
	if len(rs) > 0 {
		return rs, nil
	}
	return f.Secondary.ListByCanonical(ctx, tenantID, canonicalURL)
}

func (f Fallback) GetByCanonicalAndVersion(ctx context.Context, tenantID, canonicalURL, version string) (fhirmodel.Resource, error) {
	r, err := f.Primary.GetByCanonicalAndVersion(ctx, tenantID, canonicalURL, version)
	if err != nil {
		return nil, err
	}
	if r != nil {
		return r, nil
	}
	return f.Secondary.GetByCanonicalAndVersion(ctx, tenantID, canonicalURL, version)
}
