package searchparam

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirengine/internal/errs"
)

// IndexingStatus is the search-parameters/indexing-status read model
// (supplemented feature, SPEC_FULL §4 — spec.md §8 S5 references this
// admin endpoint by name without defining its shape).
type IndexingStatus struct {
	ResourceType       string
	CurrentHash        string
	IndexedWithCurrent int64
	IndexedWithOld     int64
}

// ComputeIndexingStatus reports, for resourceType's current hash, how many
// current non-deleted resource rows were indexed with that hash versus a
// stale one — the drift spec.md §3.3 says "triggers reindex scheduling".
func ComputeIndexingStatus(ctx context.Context, pool *pgxpool.Pool, tenantID, resourceType, currentHash string) (IndexingStatus, error) {
	status := IndexingStatus{ResourceType: resourceType, CurrentHash: currentHash}
	err := pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE indexed_with_hash = $3),
			COUNT(*) FILTER (WHERE indexed_with_hash IS DISTINCT FROM $3)
		FROM resources
		WHERE tenant_id = $1 AND resource_type = $2 AND is_current AND NOT deleted`,
		tenantID, resourceType, currentHash).Scan(&status.IndexedWithCurrent, &status.IndexedWithOld)
	if err != nil {
		return IndexingStatus{}, errs.Wrap(errs.Database, err, "compute indexing status")
	}
	return status, nil
}
