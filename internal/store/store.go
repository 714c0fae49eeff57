// Package store implements the versioned resource store (C4, spec.md §4.1):
// create/read/read_version/update/delete/history with optimistic
// concurrency and logical deletes, over the generic resources table.
package store

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/internal/platform/db"
	"github.com/ehr/fhirengine/internal/refs"
	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

// CommitEvent describes a single written version, passed to every Hook
// once the write that produced it returns (see Hook for when that is).
type CommitEvent struct {
	TenantID     string
	ResourceType string
	ID           string
	VersionID    int64
	Resource     fhirmodel.Resource // nil for a deleted (tombstone) version
	Deleted      bool
}

// Hook is a post-commit observer (spec.md §4.1: "the store emits a
// post-commit hook"): reindexing (§4.6), compartment rebuild (§4.13),
// search-parameter registry invalidation (§4.5), operation registry reload
// (§4.9). Hooks run synchronously, in registration order, after the
// store's write returns: after its own commit, or, when ctx already carries
// a transaction (as for a transaction Bundle), inside that transaction
// before it commits.
type Hook interface {
	HandleCommit(ctx context.Context, ev CommitEvent) error
}

// Store is the resource store. It is safe for concurrent use.
type Store struct {
	pool           *pgxpool.Pool
	allowClientIDs bool
	idGen          func() string
	hooks          []Hook
	ri             *refs.Enforcer // nil disables referential-integrity checks entirely
}

// Option configures a Store at construction.
type Option func(*Store)

// WithClientAssignedIDs permits create to honor a client-supplied id
// (spec.md §4.1: "if the client supplies an id and the server is
// configured to permit client IDs, use it").
func WithClientAssignedIDs(allow bool) Option {
	return func(s *Store) { s.allowClientIDs = allow }
}

// WithIDGenerator overrides the server-assigned id generator (default
// uuid.New().String()) — mainly for deterministic tests.
func WithIDGenerator(gen func() string) Option {
	return func(s *Store) { s.idGen = gen }
}

// WithHooks registers post-commit hooks, invoked in order.
func WithHooks(hooks ...Hook) Option {
	return func(s *Store) { s.hooks = append(s.hooks, hooks...) }
}

// WithReferentialIntegrity wires the strict/lenient policy enforcer
// (internal/refs). Omit to disable RI enforcement entirely.
func WithReferentialIntegrity(ri *refs.Enforcer) Option {
	return func(s *Store) { s.ri = ri }
}

func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Store) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

func canonicalsOf(resource fhirmodel.Resource) (url, version string) {
	u, _ := resource["url"].(string)
	v, _ := resource["version"].(string)
	return u, v
}

// Create inserts version 1 of a new resource. clientID is the id the
// client requested in the PUT/POST body or URL, or "" to let the server
// assign one.
func (s *Store) Create(ctx context.Context, tenantID, resourceType string, resource fhirmodel.Resource, clientID string) (fhirmodel.Resource, error) {
	id := clientID
	if id == "" || !s.allowClientIDs {
		id = s.newID()
	}
	return s.createWithID(ctx, tenantID, resourceType, id, resource)
}

// CreateWithID inserts version 1 of a new resource under a caller-chosen id,
// regardless of the store's client-assigned-id policy. Used by the
// transaction/batch executor (§4.8) to pre-assign ids during the plan phase
// so a later entry's urn:uuid reference can be rewritten before this entry
// is actually written.
func (s *Store) CreateWithID(ctx context.Context, tenantID, resourceType, id string, resource fhirmodel.Resource) (fhirmodel.Resource, error) {
	return s.createWithID(ctx, tenantID, resourceType, id, resource)
}

func (s *Store) createWithID(ctx context.Context, tenantID, resourceType, id string, resource fhirmodel.Resource) (fhirmodel.Resource, error) {
	out := resource.Clone()
	out["resourceType"] = resourceType
	out["id"] = id
	now := time.Now().UTC()
	stampMeta(out, 1, now)

	canonicalURL, canonicalVersion := canonicalsOf(out)

	if err := s.checkWriteRI(ctx, tenantID, out); err != nil {
		return nil, err
	}

	raw, err := json.Marshal(map[string]interface{}(out))
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "marshal resource")
	}

	err = s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO resources (tenant_id, resource_type, id, version_id, resource,
				is_current, deleted, last_updated, canonical_url, canonical_version)
			VALUES ($1,$2,$3,1,$4,true,false,$5,$6,$7)`,
			tenantID, resourceType, id, raw, now, nullableString(canonicalURL), nullableString(canonicalVersion))
		if err != nil {
			return errs.Wrap(errs.Database, err, "insert resource")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.dispatch(ctx, CommitEvent{TenantID: tenantID, ResourceType: resourceType, ID: id, VersionID: 1, Resource: out})
	return out, nil
}

// Read returns the current version. Gone if the current version is a
// tombstone, NotFound if the (type, id) never existed.
func (s *Store) Read(ctx context.Context, tenantID, resourceType, id string) (fhirmodel.Resource, error) {
	var raw []byte
	var deleted bool
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT resource, deleted FROM resources
		WHERE tenant_id=$1 AND resource_type=$2 AND id=$3 AND is_current`,
		tenantID, resourceType, id).Scan(&raw, &deleted)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.WithSubject(errs.ResourceNotFound, resourceType+"/"+id, "resource not found")
		}
		return nil, errs.Wrap(errs.Database, err, "read resource")
	}
	if deleted {
		return nil, errs.WithSubject(errs.Gone, resourceType+"/"+id, "resource has been deleted")
	}
	return unmarshalResource(raw)
}

// ReadVersion returns a specific historical version, regardless of whether
// it is the current one.
func (s *Store) ReadVersion(ctx context.Context, tenantID, resourceType, id string, versionID int64) (fhirmodel.Resource, error) {
	var raw []byte
	var deleted bool
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT resource, deleted FROM resources
		WHERE tenant_id=$1 AND resource_type=$2 AND id=$3 AND version_id=$4`,
		tenantID, resourceType, id, versionID).Scan(&raw, &deleted)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.WithSubject(errs.ResourceNotFound, resourceType+"/"+id, "version not found")
		}
		return nil, errs.Wrap(errs.Database, err, "read resource version")
	}
	if deleted {
		return nil, errs.WithSubject(errs.Gone, resourceType+"/"+id, "version is a deletion tombstone")
	}
	return unmarshalResource(raw)
}

// Update reads the current row under a row lock, asserts ifMatch against
// its version_id when non-empty, flips is_current off the old row and
// inserts version_id = old+1. An update of a never-existing or deleted
// resource creates/revives it at the next version.
func (s *Store) Update(ctx context.Context, tenantID, resourceType, id string, resource fhirmodel.Resource, ifMatch string) (fhirmodel.Resource, error) {
	out := resource.Clone()
	out["resourceType"] = resourceType
	out["id"] = id

	var result fhirmodel.Resource
	var committedVersion int64
	err := s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var currentVersion int64
		err := tx.QueryRow(ctx, `
			SELECT version_id FROM resources
			WHERE tenant_id=$1 AND resource_type=$2 AND id=$3 AND is_current
			FOR UPDATE`, tenantID, resourceType, id).Scan(&currentVersion)
		if err != nil && err != pgx.ErrNoRows {
			return errs.Wrap(errs.Database, err, "lock current resource row")
		}
		if err == pgx.ErrNoRows {
			currentVersion = 0
		}
		if ifMatch != "" {
			want, perr := parseVersionID(ifMatch)
			if perr != nil {
				return errs.WithSubject(errs.Validation, ifMatch, "malformed If-Match version")
			}
			if want != currentVersion {
				return errs.WithSubject(errs.Conflict, resourceType+"/"+id, "If-Match version mismatch")
			}
		}

		newVersion := currentVersion + 1
		now := time.Now().UTC()
		stampMeta(out, newVersion, now)
		canonicalURL, canonicalVersion := canonicalsOf(out)

		if err := s.checkWriteRI(ctx, tenantID, out); err != nil {
			return err
		}

		raw, merr := json.Marshal(map[string]interface{}(out))
		if merr != nil {
			return errs.Wrap(errs.Internal, merr, "marshal resource")
		}

		if currentVersion > 0 {
			if _, err := tx.Exec(ctx, `
				UPDATE resources SET is_current=false
				WHERE tenant_id=$1 AND resource_type=$2 AND id=$3 AND is_current`,
				tenantID, resourceType, id); err != nil {
				return errs.Wrap(errs.Database, err, "retire previous version")
			}
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO resources (tenant_id, resource_type, id, version_id, resource,
				is_current, deleted, last_updated, canonical_url, canonical_version)
			VALUES ($1,$2,$3,$4,$5,true,false,$6,$7,$8)`,
			tenantID, resourceType, id, newVersion, raw, now, nullableString(canonicalURL), nullableString(canonicalVersion)); err != nil {
			return errs.Wrap(errs.Database, err, "insert new version")
		}

		result = out
		committedVersion = newVersion
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.dispatch(ctx, CommitEvent{TenantID: tenantID, ResourceType: resourceType, ID: id, VersionID: committedVersion, Resource: result})
	return result, nil
}

// Delete inserts a tombstone version: deleted=true, resource=null,
// version_id incremented. Deleting an already-deleted or never-existing
// resource is a no-op success, matching FHIR's idempotent DELETE semantics.
func (s *Store) Delete(ctx context.Context, tenantID, resourceType, id string) error {
	if s.ri != nil {
		if err := s.ri.CheckDelete(ctx, tenantID, resourceType, id); err != nil {
			return err
		}
	}

	var versionID int64
	var noop bool
	err := s.inTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var currentVersion int64
		var deleted bool
		err := tx.QueryRow(ctx, `
			SELECT version_id, deleted FROM resources
			WHERE tenant_id=$1 AND resource_type=$2 AND id=$3 AND is_current
			FOR UPDATE`, tenantID, resourceType, id).Scan(&currentVersion, &deleted)
		if err == pgx.ErrNoRows {
			noop = true
			return nil
		}
		if err != nil {
			return errs.Wrap(errs.Database, err, "lock current resource row")
		}
		if deleted {
			noop = true
			return nil
		}

		versionID = currentVersion + 1
		now := time.Now().UTC()

		if _, err := tx.Exec(ctx, `
			UPDATE resources SET is_current=false
			WHERE tenant_id=$1 AND resource_type=$2 AND id=$3 AND is_current`,
			tenantID, resourceType, id); err != nil {
			return errs.Wrap(errs.Database, err, "retire previous version")
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO resources (tenant_id, resource_type, id, version_id, resource,
				is_current, deleted, last_updated)
			VALUES ($1,$2,$3,$4,NULL,true,true,$5)`,
			tenantID, resourceType, id, versionID, now); err != nil {
			return errs.Wrap(errs.Database, err, "insert tombstone")
		}
		return nil
	})
	if err != nil {
		return err
	}
	if noop {
		return nil
	}

	s.dispatch(ctx, CommitEvent{TenantID: tenantID, ResourceType: resourceType, ID: id, VersionID: versionID, Deleted: true})
	return nil
}

// HistoryInstance returns every version of (resourceType, id), newest first.
func (s *Store) HistoryInstance(ctx context.Context, tenantID, resourceType, id string) ([]fhirmodel.Resource, error) {
	return s.history(ctx, `
		SELECT resource, deleted, version_id, last_updated FROM resources
		WHERE tenant_id=$1 AND resource_type=$2 AND id=$3
		ORDER BY version_id DESC`, tenantID, resourceType, id)
}

// HistoryType returns every version of every resource of resourceType,
// newest first.
func (s *Store) HistoryType(ctx context.Context, tenantID, resourceType string) ([]fhirmodel.Resource, error) {
	return s.history(ctx, `
		SELECT resource, deleted, version_id, last_updated FROM resources
		WHERE tenant_id=$1 AND resource_type=$2
		ORDER BY last_updated DESC`, tenantID, resourceType)
}

// HistorySystem returns every version of every resource in the tenant,
// newest first.
func (s *Store) HistorySystem(ctx context.Context, tenantID string) ([]fhirmodel.Resource, error) {
	return s.history(ctx, `
		SELECT resource, deleted, version_id, last_updated FROM resources
		WHERE tenant_id=$1
		ORDER BY last_updated DESC`, tenantID)
}

func (s *Store) history(ctx context.Context, query string, args ...interface{}) ([]fhirmodel.Resource, error) {
	rows, err := s.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.Database, err, "query history")
	}
	defer rows.Close()

	var out []fhirmodel.Resource
	for rows.Next() {
		var raw []byte
		var deleted bool
		var versionID int64
		var lastUpdated time.Time
		if err := rows.Scan(&raw, &deleted, &versionID, &lastUpdated); err != nil {
			return nil, errs.Wrap(errs.Database, err, "scan history row")
		}
		if deleted {
			out = append(out, fhirmodel.Resource{"deleted": true, "versionId": strconv.FormatInt(versionID, 10)})
			continue
		}
		res, err := unmarshalResource(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// ListCurrentByCanonicalURL returns every current, non-deleted resource
// carrying the given canonical url, across versions.
func (s *Store) ListCurrentByCanonicalURL(ctx context.Context, tenantID, canonicalURL string) ([]fhirmodel.Resource, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT resource FROM resources
		WHERE tenant_id=$1 AND canonical_url=$2 AND is_current AND NOT deleted
		ORDER BY canonical_version DESC`, tenantID, canonicalURL)
	if err != nil {
		return nil, errs.Wrap(errs.Database, err, "list by canonical url")
	}
	defer rows.Close()

	var out []fhirmodel.Resource
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errs.Wrap(errs.Database, err, "scan resource")
		}
		res, err := unmarshalResource(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// ResourceKey identifies one resource for a batch load, used by _include
// resolution and transaction reference loading.
type ResourceKey struct {
	ResourceType string
	ID           string
}

// LoadResourcesBatch fetches the current, non-deleted version of each key
// in one query.
func (s *Store) LoadResourcesBatch(ctx context.Context, tenantID string, keys []ResourceKey) ([]fhirmodel.Resource, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	types := make([]string, len(keys))
	ids := make([]string, len(keys))
	for i, k := range keys {
		types[i] = k.ResourceType
		ids[i] = k.ID
	}

	rows, err := s.conn(ctx).Query(ctx, `
		SELECT resource FROM resources
		WHERE tenant_id=$1 AND is_current AND NOT deleted
		AND (resource_type, id) IN (
			SELECT * FROM unnest($2::text[], $3::text[])
		)`, tenantID, types, ids)
	if err != nil {
		return nil, errs.Wrap(errs.Database, err, "batch load resources")
	}
	defer rows.Close()

	var out []fhirmodel.Resource
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, errs.Wrap(errs.Database, err, "scan resource")
		}
		res, err := unmarshalResource(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// Exists reports whether (resourceType, id) currently exists and whether
// its current version is a tombstone. Its signature matches
// refs.ExistsFunc so it can be wired directly into a refs.Enforcer.
func (s *Store) Exists(ctx context.Context, tenantID, resourceType, id string) (exists bool, deleted bool, err error) {
	dbErr := s.conn(ctx).QueryRow(ctx, `
		SELECT deleted FROM resources
		WHERE tenant_id=$1 AND resource_type=$2 AND id=$3 AND is_current`,
		tenantID, resourceType, id).Scan(&deleted)
	if dbErr == pgx.ErrNoRows {
		return false, false, nil
	}
	if dbErr != nil {
		return false, false, errs.Wrap(errs.Database, dbErr, "check resource existence")
	}
	return true, deleted, nil
}

// ReferencedBy reports whether any current, non-deleted resource still
// carries a reference to (resourceType, id) in the reference index. Its
// signature matches refs.ReferencedByFunc.
func (s *Store) ReferencedBy(ctx context.Context, tenantID, resourceType, id string) (bool, error) {
	var exists bool
	err := s.conn(ctx).QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM search_reference sr
			JOIN resources r ON r.tenant_id = sr.tenant_id
				AND r.resource_type = sr.resource_type
				AND r.id = sr.id
				AND r.version_id = sr.version_id
			WHERE sr.tenant_id=$1 AND sr.target_type=$2 AND sr.target_id=$3
				AND r.is_current AND NOT r.deleted
		)`, tenantID, resourceType, id).Scan(&exists)
	if err != nil {
		return false, errs.Wrap(errs.Database, err, "check inbound references")
	}
	return exists, nil
}

func (s *Store) newID() string {
	if s.idGen != nil {
		return s.idGen()
	}
	return uuid.New().String()
}

func (s *Store) dispatch(ctx context.Context, ev CommitEvent) {
	for _, h := range s.hooks {
		_ = h.HandleCommit(ctx, ev)
	}
}

func (s *Store) checkWriteRI(ctx context.Context, tenantID string, resource fhirmodel.Resource) error {
	if s.ri == nil {
		return nil
	}
	collected := refs.Collect(map[string]interface{}(resource))
	return s.ri.CheckWrite(ctx, tenantID, collected)
}

func (s *Store) inTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	if tx := db.TxFromContext(ctx); tx != nil {
		return fn(ctx, tx)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errs.Wrap(errs.Database, err, "begin transaction")
	}
	defer tx.Rollback(ctx)

	if err := fn(db.WithTx(ctx, tx), tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errs.Wrap(errs.Database, err, "commit transaction")
	}
	return nil
}

func stampMeta(resource fhirmodel.Resource, versionID int64, lastUpdated time.Time) {
	meta, _ := resource["meta"].(map[string]interface{})
	if meta == nil {
		meta = map[string]interface{}{}
	}
	meta["versionId"] = strconv.FormatInt(versionID, 10)
	meta["lastUpdated"] = lastUpdated.Format(time.RFC3339)
	resource["meta"] = meta
}

func unmarshalResource(raw []byte) (fhirmodel.Resource, error) {
	var res fhirmodel.Resource
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "unmarshal resource")
	}
	return res, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// parseVersionID accepts either a bare integer ("3") or a weak ETag form
// (`W/"3"`), matching the two shapes an If-Match header value can take.
func parseVersionID(raw string) (int64, error) {
	v := strings.TrimSpace(raw)
	v = strings.TrimPrefix(v, "W/")
	v = strings.Trim(v, `"`)
	return strconv.ParseInt(v, 10, 64)
}
