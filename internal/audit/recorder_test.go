package audit

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
)

func TestMarshalDocumentsOmitsNilMaps(t *testing.T) {
	auditEvent, details, err := marshalDocuments(Event{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if auditEvent != nil || details != nil {
		t.Fatalf("auditEvent=%v details=%v, want both nil", auditEvent, details)
	}
}

func TestMarshalDocumentsEncodesProvidedMaps(t *testing.T) {
	ev := Event{
		AuditEvent: map[string]interface{}{"type": "rest"},
		Details:    map[string]interface{}{"reason": "treatment"},
	}
	auditEvent, details, err := marshalDocuments(ev)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(auditEvent) != `{"type":"rest"}` {
		t.Errorf("auditEvent = %s", auditEvent)
	}
	if string(details) != `{"reason":"treatment"}` {
		t.Errorf("details = %s", details)
	}
}

func TestNullableStringTreatsEmptyAsNil(t *testing.T) {
	if got := nullableString(""); got != nil {
		t.Errorf("nullableString(\"\") = %v, want nil", got)
	}
	if got := nullableString("x"); got != "x" {
		t.Errorf("nullableString(\"x\") = %v, want x", got)
	}
}

func TestRecordIsNoOpWhenDisabled(t *testing.T) {
	r := NewRecorder(nil, zerolog.Nop(), false)
	r.Record(context.Background(), Event{TenantID: "t1", Action: "read"})
}
