package search

import (
	"context"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/internal/platform/db"
	"github.com/ehr/fhirengine/internal/store"
)

const maxIncludeDepth = 3

// resolveIncludes expands matched into its _include/_revinclude closure
// (spec.md §4.7: collect direct include targets/revinclude sources, iterate
// up to depth 3 for :iterate-marked specs using newly-added resources as
// sources, deduplicate by (type, id)). It reads target references straight
// out of search_reference rather than re-evaluating FHIRPath against the
// fetched resources, reusing the same index rows the match predicates
// themselves join against.
func (e *Engine) resolveIncludes(ctx context.Context, conn db.Queryable, tenantID string, matched []Entry, specs []IncludeSpec) ([]Entry, error) {
	seen := make(map[store.ResourceKey]bool, len(matched))
	for _, m := range matched {
		seen[store.ResourceKey{ResourceType: m.ResourceType, ID: m.ID}] = true
	}

	frontier := make([]store.ResourceKey, len(matched))
	for i, m := range matched {
		frontier[i] = store.ResourceKey{ResourceType: m.ResourceType, ID: m.ID}
	}

	var collected []store.ResourceKey
	for depth := 0; depth < maxIncludeDepth && len(frontier) > 0; depth++ {
		var next []store.ResourceKey
		ran := false
		for _, spec := range specs {
			if depth > 0 && !spec.Iterate {
				continue // non-iterate specs only ever run against the original match set
			}
			ran = true
			keys, err := e.includeTargets(ctx, conn, tenantID, frontier, spec)
			if err != nil {
				return nil, err
			}
			for _, k := range keys {
				if !seen[k] {
					seen[k] = true
					collected = append(collected, k)
					next = append(next, k)
				}
			}
		}
		if !ran {
			break
		}
		frontier = next
	}

	if len(collected) == 0 {
		return nil, nil
	}
	return e.loadIncluded(ctx, conn, tenantID, collected)
}

// includeTargets resolves one _include/_revinclude spec against the current
// frontier of resource keys.
func (e *Engine) includeTargets(ctx context.Context, conn db.Queryable, tenantID string, frontier []store.ResourceKey, spec IncludeSpec) ([]store.ResourceKey, error) {
	types := make([]string, len(frontier))
	ids := make([]string, len(frontier))
	for i, k := range frontier {
		types[i] = k.ResourceType
		ids[i] = k.ID
	}

	var rows pgx.Rows
	var err error
	if !spec.Reverse {
		rows, err = conn.Query(ctx, `
			SELECT DISTINCT sr.target_type, sr.target_id
			FROM search_reference sr
			WHERE sr.tenant_id=$1
			  AND (sr.resource_type, sr.id) IN (SELECT * FROM unnest($2::text[], $3::text[]))
			  AND ($4 = '*' OR sr.param_name = $4)`,
			tenantID, types, ids, spec.RefParam)
	} else {
		rows, err = conn.Query(ctx, `
			SELECT DISTINCT sr.resource_type, sr.id
			FROM search_reference sr
			WHERE sr.tenant_id=$1
			  AND (sr.target_type, sr.target_id) IN (SELECT * FROM unnest($2::text[], $3::text[]))
			  AND ($4 = '*' OR sr.param_name = $4)
			  AND sr.resource_type=$5`,
			tenantID, types, ids, spec.RefParam, spec.SourceType)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Database, err, "resolve include targets")
	}
	defer rows.Close()

	var out []store.ResourceKey
	for rows.Next() {
		var rt, id string
		if err := rows.Scan(&rt, &id); err != nil {
			return nil, errs.Wrap(errs.Database, err, "scan include target")
		}
		if spec.TargetType != "" && rt != spec.TargetType {
			continue
		}
		out = append(out, store.ResourceKey{ResourceType: rt, ID: id})
	}
	return out, rows.Err()
}

// loadIncluded fetches the current version of each key, mirroring
// store.Store.LoadResourcesBatch but staying within the same connection
// Execute is already using (a search inside an open transaction must see
// that transaction's own writes).
func (e *Engine) loadIncluded(ctx context.Context, conn db.Queryable, tenantID string, keys []store.ResourceKey) ([]Entry, error) {
	types := make([]string, len(keys))
	ids := make([]string, len(keys))
	for i, k := range keys {
		types[i] = k.ResourceType
		ids[i] = k.ID
	}

	rows, err := conn.Query(ctx, `
		SELECT resource_type, id, version_id, resource FROM resources
		WHERE tenant_id=$1 AND is_current AND NOT deleted
		AND (resource_type, id) IN (SELECT * FROM unnest($2::text[], $3::text[]))`,
		tenantID, types, ids)
	if err != nil {
		return nil, errs.Wrap(errs.Database, err, "batch load included resources")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var resourceType, id string
		var versionID int64
		var raw []byte
		if err := rows.Scan(&resourceType, &id, &versionID, &raw); err != nil {
			return nil, errs.Wrap(errs.Database, err, "scan included resource")
		}
		res, err := unmarshalResource(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{ResourceType: resourceType, ID: id, VersionID: versionID, Resource: res, Mode: EntryModeInclude})
	}
	return entries, rows.Err()
}
