// Package jobs wires the background job handlers this server registers
// with internal/worker.Runner: currently just reindex, which re-extracts
// search index rows for resources whose indexed_with_hash column has
// fallen behind the search parameter registry's current hash for their
// resource type (spec.md §4.5's "stale index" scenario after a
// SearchParameter registration or admin reload).
package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirengine/internal/indexing"
	"github.com/ehr/fhirengine/internal/worker"
	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

const JobTypeReindex = "reindex"

const reindexBatchSize = 200

// ReindexHandler scans current, non-deleted resources of the resource_type
// named in the job's parameters (or every type, if unset) whose
// indexed_with_hash doesn't match the registry's current hash, and
// re-indexes them in batches via indexing.Service.IndexResourcesAuto.
type ReindexHandler struct {
	pool    *pgxpool.Pool
	indexer *indexing.Service
}

func NewReindexHandler(pool *pgxpool.Pool, indexer *indexing.Service) *ReindexHandler {
	return &ReindexHandler{pool: pool, indexer: indexer}
}

func (h *ReindexHandler) Handle(ctx context.Context, rj *worker.RunningJob) error {
	tenantID := rj.Job.TenantID
	resourceType, _ := rj.Job.Parameters["resource_type"].(string)

	total, err := h.countStale(ctx, tenantID, resourceType)
	if err != nil {
		return err
	}

	var processed int64
	for {
		if rj.Cancelled(ctx) {
			return nil
		}

		batch, err := h.staleBatch(ctx, tenantID, resourceType)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			break
		}

		if err := h.indexer.IndexResourcesAuto(ctx, batch); err != nil {
			return err
		}

		processed += int64(len(batch))
		if err := rj.UpdateProgress(ctx, processed, total, nil); err != nil {
			return err
		}
	}

	return nil
}

func (h *ReindexHandler) countStale(ctx context.Context, tenantID, resourceType string) (int64, error) {
	query := `
		SELECT count(*) FROM resources r
		WHERE r.tenant_id = $1 AND r.is_current AND NOT r.deleted
		AND ($2 = '' OR r.resource_type = $2)
		AND r.indexed_with_hash IS DISTINCT FROM (
			SELECT current_hash FROM search_param_schema s
			WHERE s.tenant_id = r.tenant_id AND s.resource_type = r.resource_type
		)`
	var count int64
	if err := h.pool.QueryRow(ctx, query, tenantID, resourceType).Scan(&count); err != nil {
		return 0, fmt.Errorf("count stale resources: %w", err)
	}
	return count, nil
}

func (h *ReindexHandler) staleBatch(ctx context.Context, tenantID, resourceType string) ([]indexing.ResourceVersion, error) {
	query := `
		SELECT r.tenant_id, r.resource_type, r.id, r.version_id, r.resource
		FROM resources r
		WHERE r.tenant_id = $1 AND r.is_current AND NOT r.deleted
		AND ($2 = '' OR r.resource_type = $2)
		AND r.indexed_with_hash IS DISTINCT FROM (
			SELECT current_hash FROM search_param_schema s
			WHERE s.tenant_id = r.tenant_id AND s.resource_type = r.resource_type
		)
		LIMIT $3`
	rows, err := h.pool.Query(ctx, query, tenantID, resourceType, reindexBatchSize)
	if err != nil {
		return nil, fmt.Errorf("select stale batch: %w", err)
	}
	defer rows.Close()

	var out []indexing.ResourceVersion
	for rows.Next() {
		var v indexing.ResourceVersion
		var raw []byte
		if err := rows.Scan(&v.TenantID, &v.ResourceType, &v.ID, &v.VersionID, &raw); err != nil {
			return nil, fmt.Errorf("scan stale row: %w", err)
		}
		var resource fhirmodel.Resource
		if err := json.Unmarshal(raw, &resource); err != nil {
			return nil, fmt.Errorf("unmarshal stale row %s/%s: %w", v.ResourceType, v.ID, err)
		}
		v.Resource = resource
		out = append(out, v)
	}
	return out, rows.Err()
}
