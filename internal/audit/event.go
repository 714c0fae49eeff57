// Package audit implements the audit service (C14, spec.md §4.13): given an
// interaction record assembled by a middleware at the boundary (out of
// scope here), persist it as a row in audit_log. Recording is best-effort
// and non-blocking from the critical path: a failed insert is logged but
// never fails the request that triggered it.
package audit

import "time"

// Event is the AuditEvent-shaped document spec.md §3.6 describes: one row
// per interaction, carrying enough of the request/response to reconstruct
// who did what to which resource.
type Event struct {
	TenantID     string
	OccurredAt   time.Time
	Action       string
	HTTPMethod   string
	FHIRAction   string
	ResourceType string
	ResourceID   string
	VersionID    *int64
	UserID       string
	ClientID     string
	Scopes       []string
	IPAddress    string
	UserAgent    string
	StatusCode   int
	Outcome      string
	AuditEvent   map[string]interface{}
	Details      map[string]interface{}
}
