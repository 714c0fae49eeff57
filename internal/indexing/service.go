package indexing

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/internal/platform/db"
	"github.com/ehr/fhirengine/internal/searchparam"
	"github.com/ehr/fhirengine/internal/store"
	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

// ResourceVersion is one version to (re)index, used by both the
// immediate post-commit path (IndexResourcesAuto via HandleCommit) and
// bulk reindex jobs.
type ResourceVersion struct {
	TenantID     string
	ResourceType string
	ID           string
	VersionID    int64
	Resource     fhirmodel.Resource
}

// Service is the indexing service (C6). It is stateless beyond its
// registry reference; all durable state lives in the search_* tables.
type Service struct {
	pool     *pgxpool.Pool
	registry *searchparam.Registry
}

func NewService(pool *pgxpool.Pool, registry *searchparam.Registry) *Service {
	return &Service{pool: pool, registry: registry}
}

// IndexResourcesAuto indexes a batch, replacing prior rows at
// (resource_type, id, version_id) for each one (spec.md §4.6 public
// contract). Used by the CRUD post-commit hook (small, immediate) and by
// the reindex job handler in internal/jobs (large, bulk).
func (s *Service) IndexResourcesAuto(ctx context.Context, versions []ResourceVersion) error {
	for _, v := range versions {
		if err := s.indexOne(ctx, v); err != nil {
			return err
		}
	}
	return nil
}

// HandleCommit implements store.Hook: every committed version is reindexed
// (or has its index rows dropped, for a tombstone) synchronously, inline
// with the write (spec.md §4.1 "the store emits a post-commit hook").
func (s *Service) HandleCommit(ctx context.Context, ev store.CommitEvent) error {
	if ev.Deleted {
		return s.deleteVersionRows(ctx, ev.TenantID, ev.ResourceType, ev.ID, ev.VersionID)
	}
	return s.indexOne(ctx, ResourceVersion{
		TenantID: ev.TenantID, ResourceType: ev.ResourceType, ID: ev.ID, VersionID: ev.VersionID, Resource: ev.Resource,
	})
}

var _ store.Hook = (*Service)(nil)

func (s *Service) indexOne(ctx context.Context, v ResourceVersion) error {
	params := s.registry.ActiveParameters(v.ResourceType)
	rows, err := Extract(v.Resource, params)
	if err != nil {
		return errs.Wrap(errs.Validation, err, "extract index rows for %s/%s", v.ResourceType, v.ID)
	}
	hash, _ := s.registry.Hash(v.ResourceType)

	return s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		if err := deleteExistingRows(ctx, tx, v.TenantID, v.ResourceType, v.ID, v.VersionID); err != nil {
			return err
		}
		if err := writeRows(ctx, tx, v.TenantID, v.ResourceType, v.ID, v.VersionID, rows); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			UPDATE resources SET indexed_with_hash=$5, indexed_at=now()
			WHERE tenant_id=$1 AND resource_type=$2 AND id=$3 AND version_id=$4`,
			v.TenantID, v.ResourceType, v.ID, v.VersionID, hash); err != nil {
			return errs.Wrap(errs.Database, err, "stamp indexed_with_hash")
		}
		return nil
	})
}

func (s *Service) deleteVersionRows(ctx context.Context, tenantID, resourceType, id string, versionID int64) error {
	return s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		return deleteExistingRows(ctx, tx, tenantID, resourceType, id, versionID)
	})
}

func (s *Service) inTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if tx := db.TxFromContext(ctx); tx != nil {
		return fn(ctx, tx)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Wrap(errs.Database, err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap(errs.Database, err, "commit transaction")
	}
	return nil
}

var indexTables = []string{
	"search_string", "search_token", "search_reference", "search_date",
	"search_number", "search_quantity", "search_uri", "search_composite", "search_text",
}

func deleteExistingRows(ctx context.Context, tx pgx.Tx, tenantID, resourceType, id string, versionID int64) error {
	for _, table := range indexTables {
		if _, err := tx.Exec(ctx, `DELETE FROM `+table+` WHERE tenant_id=$1 AND resource_type=$2 AND id=$3 AND version_id=$4`,
			tenantID, resourceType, id, versionID); err != nil {
			return errs.Wrap(errs.Database, err, "delete existing %s rows", table)
		}
	}
	return nil
}

func writeRows(ctx context.Context, tx pgx.Tx, tenantID, resourceType, id string, versionID int64, rows Rows) error {
	for _, r := range rows.String {
		if _, err := tx.Exec(ctx, `
			INSERT INTO search_string (tenant_id, resource_type, id, version_id, param_name, value, value_collated)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			tenantID, resourceType, id, versionID, r.ParamName, r.Value, r.ValueCollated); err != nil {
			return errs.Wrap(errs.Database, err, "insert search_string row")
		}
	}
	for _, r := range rows.Token {
		if _, err := tx.Exec(ctx, `
			INSERT INTO search_token (tenant_id, resource_type, id, version_id, param_name, system, code)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			tenantID, resourceType, id, versionID, r.ParamName, nullable(r.System), nullable(r.Code)); err != nil {
			return errs.Wrap(errs.Database, err, "insert search_token row")
		}
	}
	for _, r := range rows.Reference {
		if _, err := tx.Exec(ctx, `
			INSERT INTO search_reference (tenant_id, resource_type, id, version_id, param_name, target_type, target_id)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			tenantID, resourceType, id, versionID, r.ParamName, nullable(r.TargetType), r.TargetID); err != nil {
			return errs.Wrap(errs.Database, err, "insert search_reference row")
		}
	}
	for _, r := range rows.Date {
		if _, err := tx.Exec(ctx, `
			INSERT INTO search_date (tenant_id, resource_type, id, version_id, param_name, range_start, range_end)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			tenantID, resourceType, id, versionID, r.ParamName, r.Start, r.End); err != nil {
			return errs.Wrap(errs.Database, err, "insert search_date row")
		}
	}
	for _, r := range rows.Number {
		if _, err := tx.Exec(ctx, `
			INSERT INTO search_number (tenant_id, resource_type, id, version_id, param_name, value, precision_digits)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			tenantID, resourceType, id, versionID, r.ParamName, r.Value, r.PrecisionDigits); err != nil {
			return errs.Wrap(errs.Database, err, "insert search_number row")
		}
	}
	for _, r := range rows.Quantity {
		if _, err := tx.Exec(ctx, `
			INSERT INTO search_quantity (tenant_id, resource_type, id, version_id, param_name, value, unit, system, code, canonical_code, canonical_value)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
			tenantID, resourceType, id, versionID, r.ParamName, r.Value, nullable(r.Unit), nullable(r.System), nullable(r.Code), nullable(r.CanonicalCode), r.CanonicalValue); err != nil {
			return errs.Wrap(errs.Database, err, "insert search_quantity row")
		}
	}
	for _, r := range rows.URI {
		if _, err := tx.Exec(ctx, `
			INSERT INTO search_uri (tenant_id, resource_type, id, version_id, param_name, value)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			tenantID, resourceType, id, versionID, r.ParamName, r.Value); err != nil {
			return errs.Wrap(errs.Database, err, "insert search_uri row")
		}
	}
	for _, r := range rows.Composite {
		if _, err := tx.Exec(ctx, `
			INSERT INTO search_composite (tenant_id, resource_type, id, version_id, param_name, packed_key)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			tenantID, resourceType, id, versionID, r.ParamName, r.PackedKey); err != nil {
			return errs.Wrap(errs.Database, err, "insert search_composite row")
		}
	}
	for _, r := range rows.Text {
		if _, err := tx.Exec(ctx, `
			INSERT INTO search_text (tenant_id, resource_type, id, version_id, content, content_tsv)
			VALUES ($1,$2,$3,$4,$5, to_tsvector('english', $5))`,
			tenantID, resourceType, id, versionID, r.Content); err != nil {
			return errs.Wrap(errs.Database, err, "insert search_text row")
		}
	}
	return nil
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
