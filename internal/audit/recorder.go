package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/internal/platform/db"
)

// Recorder inserts Events into audit_log. It is constructed once per
// process and shared by every request/job that wants to record one.
type Recorder struct {
	pool    *pgxpool.Pool
	log     zerolog.Logger
	enabled bool
}

func NewRecorder(pool *pgxpool.Pool, log zerolog.Logger, enabled bool) *Recorder {
	return &Recorder{pool: pool, log: log, enabled: enabled}
}

// Record inserts ev in the background and returns immediately: the caller
// (an HTTP middleware or a job handler, spec.md §4.13) never waits on the
// audit write, and a failure here never fails the interaction that produced
// the event. Disabled recorders (logging.audit.enabled=false) are a no-op.
func (r *Recorder) Record(ctx context.Context, ev Event) {
	if !r.enabled {
		return
	}
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = time.Now().UTC()
	}
	bg := context.WithoutCancel(ctx)
	go func() {
		writeCtx, cancel := context.WithTimeout(bg, 5*time.Second)
		defer cancel()
		if err := r.insert(writeCtx, ev); err != nil {
			r.log.Error().Err(err).
				Str("tenant_id", ev.TenantID).
				Str("action", ev.Action).
				Str("resource_type", ev.ResourceType).
				Str("resource_id", ev.ResourceID).
				Msg("failed to record audit event")
		}
	}()
}

func (r *Recorder) insert(ctx context.Context, ev Event) error {
	auditEventJSON, details, err := marshalDocuments(ev)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "marshal audit event documents")
	}

	conn := r.conn(ctx)
	_, err = conn.Exec(ctx, `
		INSERT INTO audit_log (
			tenant_id, occurred_at, action, http_method, fhir_action,
			resource_type, resource_id, version_id, user_id, client_id,
			scopes, ip_address, user_agent, status_code, outcome,
			audit_event, details
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17
		)`,
		ev.TenantID, ev.OccurredAt, ev.Action, nullableString(ev.HTTPMethod), nullableString(ev.FHIRAction),
		nullableString(ev.ResourceType), nullableString(ev.ResourceID), ev.VersionID, nullableString(ev.UserID), nullableString(ev.ClientID),
		ev.Scopes, nullableString(ev.IPAddress), nullableString(ev.UserAgent), ev.StatusCode, nullableString(ev.Outcome),
		auditEventJSON, details)
	if err != nil {
		return errs.Wrap(errs.Database, err, "insert audit_log row")
	}
	return nil
}

func (r *Recorder) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

func marshalDocuments(ev Event) (auditEvent, details []byte, err error) {
	if ev.AuditEvent != nil {
		if auditEvent, err = json.Marshal(ev.AuditEvent); err != nil {
			return nil, nil, err
		}
	}
	if ev.Details != nil {
		if details, err = json.Marshal(ev.Details); err != nil {
			return nil, nil, err
		}
	}
	return auditEvent, details, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
