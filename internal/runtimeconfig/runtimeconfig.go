// Package runtimeconfig implements C15 (spec.md §4.14): versioned
// key/value configuration backed by the runtime_config and
// runtime_config_audit tables, gated by the static
// ui.runtime_config_enabled flag at the HTTP boundary (out of scope here).
// There is no cached singleton — every Get/List reads the table directly,
// so a value changed by one process is visible to every other reader on
// its very next call.
package runtimeconfig

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/internal/platform/db"
)

// Entry is one runtime_config row: a live Value alongside the
// DefaultValue it was seeded with, so Reset has something to restore.
type Entry struct {
	Key          string
	Value        interface{}
	Category     string
	DefaultValue interface{}
	Description  string
	UpdatedAt    time.Time
}

// AuditRow is one runtime_config_audit row: a record of a single
// update or reset.
type AuditRow struct {
	OccurredAt time.Time
	Key        string
	OldValue   interface{}
	NewValue   interface{}
	Actor      string
}

type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

func (s *Service) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

// Get returns the current entry for key, or errs.ResourceNotFound if no
// such key has been seeded.
func (s *Service) Get(ctx context.Context, tenantID, key string) (*Entry, error) {
	row := s.conn(ctx).QueryRow(ctx, `
		SELECT key, value, category, default_value, description, updated_at
		FROM runtime_config WHERE tenant_id=$1 AND key=$2`, tenantID, key)
	return scanEntry(row)
}

// List returns every entry, optionally narrowed to one category.
func (s *Service) List(ctx context.Context, tenantID, category string) ([]*Entry, error) {
	var rows pgx.Rows
	var err error
	if category == "" {
		rows, err = s.conn(ctx).Query(ctx, `
			SELECT key, value, category, default_value, description, updated_at
			FROM runtime_config WHERE tenant_id=$1 ORDER BY category, key`, tenantID)
	} else {
		rows, err = s.conn(ctx).Query(ctx, `
			SELECT key, value, category, default_value, description, updated_at
			FROM runtime_config WHERE tenant_id=$1 AND category=$2 ORDER BY key`, tenantID, category)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Database, err, "list runtime config")
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntryRows(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Database, err, "list runtime config")
	}
	return entries, nil
}

// Update sets key's value, rejecting it with errs.Validation if its JSON
// type doesn't match the seeded default's type (spec.md §4.14: "enforces
// type conformance against the default"), and records the transition in
// runtime_config_audit.
func (s *Service) Update(ctx context.Context, tenantID, key string, value interface{}, actor string) (*Entry, error) {
	current, err := s.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	if !sameJSONType(current.DefaultValue, value) {
		return nil, errs.WithSubject(errs.Validation, key, "value type does not match this key's default value type")
	}
	return s.write(ctx, tenantID, key, current.Value, value, actor)
}

// Reset restores key's value to its seeded default and records the
// transition in runtime_config_audit.
func (s *Service) Reset(ctx context.Context, tenantID, key, actor string) (*Entry, error) {
	current, err := s.Get(ctx, tenantID, key)
	if err != nil {
		return nil, err
	}
	return s.write(ctx, tenantID, key, current.Value, current.DefaultValue, actor)
}

func (s *Service) write(ctx context.Context, tenantID, key string, oldValue, newValue interface{}, actor string) (*Entry, error) {
	oldJSON, err := json.Marshal(oldValue)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "marshal old runtime config value")
	}
	newJSON, err := json.Marshal(newValue)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, err, "marshal new runtime config value")
	}

	conn := s.conn(ctx)
	row := conn.QueryRow(ctx, `
		UPDATE runtime_config SET value=$3, updated_at=now()
		WHERE tenant_id=$1 AND key=$2
		RETURNING key, value, category, default_value, description, updated_at`,
		tenantID, key, newJSON)
	entry, err := scanEntry(row)
	if err != nil {
		return nil, err
	}

	if _, err := conn.Exec(ctx, `
		INSERT INTO runtime_config_audit (tenant_id, key, old_value, new_value, actor)
		VALUES ($1,$2,$3,$4,$5)`,
		tenantID, key, oldJSON, newJSON, nullableString(actor)); err != nil {
		return nil, errs.Wrap(errs.Database, err, "record runtime config audit row")
	}
	return entry, nil
}

// AuditLog returns runtime_config_audit rows, optionally narrowed to one
// key, newest first.
func (s *Service) AuditLog(ctx context.Context, tenantID, key string, limit, offset int) ([]AuditRow, error) {
	var rows pgx.Rows
	var err error
	if key == "" {
		rows, err = s.conn(ctx).Query(ctx, `
			SELECT occurred_at, key, old_value, new_value, actor FROM runtime_config_audit
			WHERE tenant_id=$1 ORDER BY occurred_at DESC LIMIT $2 OFFSET $3`, tenantID, limit, offset)
	} else {
		rows, err = s.conn(ctx).Query(ctx, `
			SELECT occurred_at, key, old_value, new_value, actor FROM runtime_config_audit
			WHERE tenant_id=$1 AND key=$2 ORDER BY occurred_at DESC LIMIT $3 OFFSET $4`, tenantID, key, limit, offset)
	}
	if err != nil {
		return nil, errs.Wrap(errs.Database, err, "list runtime config audit log")
	}
	defer rows.Close()

	var out []AuditRow
	for rows.Next() {
		var r AuditRow
		var oldRaw, newRaw []byte
		var actor *string
		if err := rows.Scan(&r.OccurredAt, &r.Key, &oldRaw, &newRaw, &actor); err != nil {
			return nil, errs.Wrap(errs.Database, err, "scan runtime config audit row")
		}
		if len(oldRaw) > 0 {
			if err := json.Unmarshal(oldRaw, &r.OldValue); err != nil {
				return nil, errs.Wrap(errs.Internal, err, "unmarshal old runtime config audit value")
			}
		}
		if len(newRaw) > 0 {
			if err := json.Unmarshal(newRaw, &r.NewValue); err != nil {
				return nil, errs.Wrap(errs.Internal, err, "unmarshal new runtime config audit value")
			}
		}
		if actor != nil {
			r.Actor = *actor
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.Wrap(errs.Database, err, "list runtime config audit log")
	}
	return out, nil
}

// Seed inserts every entry whose key doesn't already exist, leaving any
// already-seeded (and possibly already-overridden) row untouched. Called
// once at startup so the set of configurable keys tracks the code, not the
// database, while still letting an operator's prior override survive a
// redeploy.
func (s *Service) Seed(ctx context.Context, tenantID string, entries []Entry) error {
	for _, e := range entries {
		raw, err := json.Marshal(e.DefaultValue)
		if err != nil {
			return errs.Wrap(errs.Internal, err, "marshal default value for key %s", e.Key)
		}
		if _, err := s.pool.Exec(ctx, `
			INSERT INTO runtime_config (tenant_id, key, value, category, default_value, description)
			VALUES ($1,$2,$3,$4,$5,$6)
			ON CONFLICT (tenant_id, key) DO NOTHING`,
			tenantID, e.Key, raw, e.Category, raw, nullableString(e.Description)); err != nil {
			return errs.Wrap(errs.Database, err, "seed runtime config key %s", e.Key)
		}
	}
	return nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row pgx.Row) (*Entry, error) {
	return scanEntryFrom(row)
}

func scanEntryRows(rows pgx.Rows) (*Entry, error) {
	return scanEntryFrom(rows)
}

func scanEntryFrom(s scannable) (*Entry, error) {
	var e Entry
	var valueRaw, defaultRaw []byte
	var description *string
	if err := s.Scan(&e.Key, &valueRaw, &e.Category, &defaultRaw, &description, &e.UpdatedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, errs.New(errs.ResourceNotFound, "runtime config key not found")
		}
		return nil, errs.Wrap(errs.Database, err, "scan runtime config row")
	}
	if err := json.Unmarshal(valueRaw, &e.Value); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "unmarshal runtime config value")
	}
	if err := json.Unmarshal(defaultRaw, &e.DefaultValue); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "unmarshal runtime config default value")
	}
	if description != nil {
		e.Description = *description
	}
	return &e, nil
}

// sameJSONType reports whether a and b decode to the same JSON type
// (null/bool/number/string/array/object), the conformance check spec.md
// §4.14 calls for. A nil default permits any type, since some keys carry
// no meaningful default to conform to.
func sameJSONType(a, b interface{}) bool {
	if a == nil {
		return true
	}
	switch a.(type) {
	case bool:
		_, ok := b.(bool)
		return ok
	case float64:
		_, ok := b.(float64)
		return ok
	case string:
		_, ok := b.(string)
		return ok
	case []interface{}:
		_, ok := b.([]interface{})
		return ok
	case map[string]interface{}:
		_, ok := b.(map[string]interface{})
		return ok
	default:
		return b == nil
	}
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
