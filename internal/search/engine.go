package search

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/internal/platform/db"
	"github.com/ehr/fhirengine/internal/searchparam"
	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

const defaultCount = 50

// Engine is the search engine (C8). It is stateless beyond its registry
// reference, matching internal/indexing.Service's shape.
type Engine struct {
	pool     *pgxpool.Pool
	registry *searchparam.Registry
}

func NewEngine(pool *pgxpool.Pool, registry *searchparam.Registry) *Engine {
	return &Engine{pool: pool, registry: registry}
}

func (e *Engine) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return e.pool
}

// Execute runs q (spec.md §4.7 "Execution"), returning the matched page
// plus any _include/_revinclude expansion.
func (e *Engine) Execute(ctx context.Context, tenantID string, q Query) (*Result, error) {
	conn := e.conn(ctx)
	c := &argCounter{}

	where := fmt.Sprintf("r.tenant_id=%s AND r.resource_type=%s AND r.is_current AND NOT r.deleted",
		c.add(tenantID), c.add(q.ResourceType))

	predicates, err := BuildPredicates(e.registry, q, c)
	if err != nil {
		return nil, err
	}
	for _, pred := range predicates {
		where += " AND " + pred
	}

	if q.CompartmentType != "" {
		pred, ok, err := compartmentPredicate(ctx, conn, tenantID, q.CompartmentType, q.ResourceType, q.CompartmentID, c)
		if err != nil {
			return nil, err
		}
		if !ok {
			return &Result{}, nil
		}
		where += " AND " + pred
	}

	if q.Summary == SummaryCount {
		total, err := e.count(ctx, conn, where, c.args)
		if err != nil {
			return nil, err
		}
		return &Result{Total: &total}, nil
	}

	// countArgsLen snapshots the WHERE-clause args before the ORDER BY
	// subquery and LIMIT/OFFSET placeholders are appended, so the separate
	// _total=accurate/estimate count query below binds only the params its
	// own (orderBy-less, limit-less) SQL text actually references.
	countArgsLen := len(c.args)

	orderBy, err := buildOrderBy(e.registry, q.ResourceType, q.Sort, c)
	if err != nil {
		return nil, err
	}

	count := q.Count
	if count <= 0 {
		count = defaultCount
	}
	offset := decodeCursor(q.PageToken)

	limitArg := c.add(count + 1)
	offsetArg := c.add(offset)
	sqlText := fmt.Sprintf(`
		SELECT r.resource_type, r.id, r.version_id, r.resource
		FROM resources r
		WHERE %s
		ORDER BY %s
		LIMIT %s OFFSET %s`, where, orderBy, limitArg, offsetArg)

	rows, err := conn.Query(ctx, sqlText, c.args...)
	if err != nil {
		return nil, errs.Wrap(errs.Database, err, "execute search")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var resourceType, id string
		var versionID int64
		var raw []byte
		if err := rows.Scan(&resourceType, &id, &versionID, &raw); err != nil {
			return nil, errs.Wrap(errs.Database, err, "scan search row")
		}
		res, err := unmarshalResource(raw)
		if err != nil {
			return nil, err
		}
		entries = append(entries, Entry{ResourceType: resourceType, ID: id, VersionID: versionID, Resource: res, Mode: EntryModeMatch})
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Database, err, "iterate search rows")
	}

	result := &Result{SelfToken: q.PageToken}
	if len(entries) > count {
		entries = entries[:count]
		result.NextToken = encodeCursor(offset + count)
	}
	result.Entries = entries

	if q.Total == TotalAccurate || q.Total == TotalEstimate {
		total, err := e.count(ctx, conn, where, c.args[:countArgsLen])
		if err != nil {
			return nil, err
		}
		result.Total = &total
	}

	if len(q.Include) > 0 && len(entries) > 0 {
		included, err := e.resolveIncludes(ctx, conn, tenantID, entries, q.Include)
		if err != nil {
			return nil, err
		}
		result.Entries = append(result.Entries, included...)
	}

	return result, nil
}

func (e *Engine) count(ctx context.Context, conn db.Queryable, where string, countArgs []interface{}) (int64, error) {
	sqlText := fmt.Sprintf("SELECT COUNT(*) FROM resources r WHERE %s", where)
	var total int64
	if err := conn.QueryRow(ctx, sqlText, countArgs...).Scan(&total); err != nil {
		return 0, errs.Wrap(errs.Database, err, "count search results")
	}
	return total, nil
}

func unmarshalResource(raw []byte) (fhirmodel.Resource, error) {
	var res fhirmodel.Resource
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errs.Wrap(errs.Database, err, "decode stored resource")
	}
	return res, nil
}
