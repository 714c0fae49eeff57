package conformance

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/internal/platform/db"
	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// DbBacked reads conformance resources out of the generic resources table
// (spec.md §4.2: "reads resources where is_current=true AND deleted=false
// AND canonical_url=?").
type DbBacked struct {
	pool *pgxpool.Pool
}

func NewDbBacked(pool *pgxpool.Pool) *DbBacked {
	return &DbBacked{pool: pool}
}

func (p *DbBacked) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return p.pool
}

func (p *DbBacked) ListByCanonical(ctx context.Context, tenantID, canonicalURL string) ([]fhirmodel.Resource, error) {
	rows, err := p.conn(ctx).Query(ctx, `
		SELECT resource FROM resources
		WHERE tenant_id = $1 AND canonical_url = $2 AND is_current AND NOT deleted
		ORDER BY canonical_version DESC`, tenantID, canonicalURL)
	if err != nil {
		return nil, errs.Wrap(errs.Database, err, "list conformance resources by canonical url")
	}
	defer rows.Close()

	var out []fhirmodel.Resource
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errs.Wrap(errs.Database, err, "scan conformance resource")
		}
		var res fhirmodel.Resource
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, errs.Wrap(errs.Internal, err, "unmarshal conformance resource")
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (p *DbBacked) GetByCanonicalAndVersion(ctx context.Context, tenantID, canonicalURL, version string) (fhirmodel.Resource, error) {
	var row pgx.Row
	if version == "" {
		row = p.conn(ctx).QueryRow(ctx, `
			SELECT resource FROM resources
			WHERE tenant_id = $1 AND canonical_url = $2 AND is_current AND NOT deleted
			ORDER BY canonical_version DESC LIMIT 1`, tenantID, canonicalURL)
	} else {
		row = p.conn(ctx).QueryRow(ctx, `
			SELECT resource FROM resources
			WHERE tenant_id = $1 AND canonical_url = $2 AND canonical_version = $3
				AND is_current AND NOT deleted`, tenantID, canonicalURL, version)
	}

	var raw []byte
	if err := row.Scan(&raw); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, errs.Wrap(errs.Database, err, "get conformance resource by canonical url/version")
	}
	var res fhirmodel.Resource
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "unmarshal conformance resource")
	}
	return res, nil
}
