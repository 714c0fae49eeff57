package store

import (
	"testing"
	"time"

	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

func TestStampMetaSetsVersionAndLastUpdated(t *testing.T) {
	res := fhirmodel.Resource{"resourceType": "Patient"}
	now, err := time.Parse(time.RFC3339, "2024-03-01T00:00:00Z")
	if err != nil {
		t.Fatalf("parse time: %v", err)
	}
	stampMeta(res, 3, now)

	meta, ok := res["meta"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected meta map, got %T", res["meta"])
	}
	if meta["versionId"] != "3" {
		t.Fatalf("expected versionId 3, got %v", meta["versionId"])
	}
	if meta["lastUpdated"] != "2024-03-01T00:00:00Z" {
		t.Fatalf("unexpected lastUpdated: %v", meta["lastUpdated"])
	}
}

func TestParseVersionIDAcceptsPlainAndWeakETag(t *testing.T) {
	cases := []struct {
		raw     string
		want    int64
		wantErr bool
	}{
		{"3", 3, false},
		{`W/"3"`, 3, false},
		{"not-a-number", 0, true},
	}
	for _, c := range cases {
		got, err := parseVersionID(c.raw)
		if c.wantErr {
			if err == nil {
				t.Fatalf("expected error for %q", c.raw)
			}
			continue
		}
		if err != nil {
			t.Fatalf("unexpected error for %q: %v", c.raw, err)
		}
		if got != c.want {
			t.Fatalf("parseVersionID(%q) = %d, want %d", c.raw, got, c.want)
		}
	}
}

func TestCanonicalsOfExtractsURLAndVersion(t *testing.T) {
	res := fhirmodel.Resource{"url": "http://example.org/sp", "version": "2"}
	url, version := canonicalsOf(res)
	if url != "http://example.org/sp" || version != "2" {
		t.Fatalf("unexpected canonicals: %q %q", url, version)
	}
}
