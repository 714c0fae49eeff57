// Package compartment implements C13 (spec.md §4.12): the compartment
// service that derives compartment_memberships from CompartmentDefinition
// resources, and the conditional-reference resolver shared by internal/txn.
package compartment

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/internal/platform/db"
	"github.com/ehr/fhirengine/internal/store"
	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

// Service rewrites compartment_memberships whenever a CompartmentDefinition
// resource is created, updated, or deleted (spec.md §4.12: "walks its
// resource[].param[] array and rewrites the compartment_memberships table
// (delete-then-insert) for that compartment"). It implements store.Hook so
// the store dispatches every commit to it without a direct dependency in
// the other direction.
type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

var _ store.Hook = (*Service)(nil)

func (s *Service) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// HandleCommit rebuilds this CompartmentDefinition's membership rows on
// every commit (create/update/delete), ignoring commits for any other
// resource type.
func (s *Service) HandleCommit(ctx context.Context, ev store.CommitEvent) error {
	if ev.ResourceType != "CompartmentDefinition" {
		return nil
	}
	if ev.Deleted {
		return s.uninstall(ctx, ev.TenantID, ev.ID)
	}
	return s.Install(ctx, ev.TenantID, ev.Resource)
}

// Install walks def.resource[].param[] and replaces every membership row
// for def.code (the compartment type, e.g. "Patient") with the resource
// types and parameter names the definition declares. A resource[] entry
// with no param[] (the compartment owner's own type, conventionally)
// contributes no row: the compartment itself isn't scoped by a reference
// parameter.
func (s *Service) Install(ctx context.Context, tenantID string, def fhirmodel.Resource) error {
	compartmentType, _ := def["code"].(string)
	if compartmentType == "" {
		return errs.New(errs.Validation, "CompartmentDefinition.code is required")
	}

	rows := membershipRows(def)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Wrap(errs.Database, err, "begin compartment install transaction")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM compartment_memberships WHERE tenant_id=$1 AND compartment_type=$2`,
		tenantID, compartmentType); err != nil {
		return errs.Wrap(errs.Database, err, "clear existing compartment memberships")
	}
	for resourceType, paramNames := range rows {
		if _, err := tx.Exec(ctx, `
			INSERT INTO compartment_memberships (tenant_id, compartment_type, resource_type, parameter_names)
			VALUES ($1,$2,$3,$4)`,
			tenantID, compartmentType, resourceType, paramNames); err != nil {
			return errs.Wrap(errs.Database, err, "insert compartment membership for %s", resourceType)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap(errs.Database, err, "commit compartment install transaction")
	}
	return nil
}

// uninstall removes every membership row for the deleted
// CompartmentDefinition's compartment type. The definition's own code is no
// longer known from the tombstone event alone, so this looks it up from the
// last version still on record; if none exists (already hard-deleted), this
// is a no-op.
func (s *Service) uninstall(ctx context.Context, tenantID, id string) error {
	var compartmentType string
	row := s.conn(ctx).QueryRow(ctx, `
		SELECT resource->>'code' FROM resources
		WHERE tenant_id=$1 AND resource_type='CompartmentDefinition' AND id=$2 AND NOT deleted
		ORDER BY version_id DESC LIMIT 1`, tenantID, id)
	if err := row.Scan(&compartmentType); err != nil {
		if err == pgx.ErrNoRows {
			return nil
		}
		return errs.Wrap(errs.Database, err, "look up deleted compartment definition's code")
	}
	_, err := s.conn(ctx).Exec(ctx, `DELETE FROM compartment_memberships WHERE tenant_id=$1 AND compartment_type=$2`,
		tenantID, compartmentType)
	if err != nil {
		return errs.Wrap(errs.Database, err, "remove compartment memberships")
	}
	return nil
}

// membershipRows walks def.resource[] and collects, per resource type, the
// set of search parameter codes in param[] whose reference lands on the
// compartment owner.
func membershipRows(def fhirmodel.Resource) map[string][]string {
	rows := make(map[string][]string)
	resources, _ := def["resource"].([]interface{})
	for _, raw := range resources {
		entry, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		resourceType, _ := entry["code"].(string)
		if resourceType == "" {
			continue
		}
		params, _ := entry["param"].([]interface{})
		if len(params) == 0 {
			continue
		}
		names := make([]string, 0, len(params))
		for _, p := range params {
			if name, ok := p.(string); ok && name != "" {
				names = append(names, name)
			}
		}
		if len(names) > 0 {
			rows[resourceType] = names
		}
	}
	return rows
}
