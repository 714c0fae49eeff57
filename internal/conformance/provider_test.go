package conformance

import (
	"context"
	"testing"
	"testing/fstest"
)

func TestPackageBackedLoadAndLookup(t *testing.T) {
	mapFS := fstest.MapFS{
		"SearchParameter-patient-name.json": &fstest.MapFile{Data: []byte(
			`{"resourceType":"SearchParameter","url":"http://example.org/SearchParameter/patient-name","version":"2"}`)},
		"SearchParameter-patient-name-v1.json": &fstest.MapFile{Data: []byte(
			`{"resourceType":"SearchParameter","url":"http://example.org/SearchParameter/patient-name","version":"1"}`)},
		"not-conformance.json": &fstest.MapFile{Data: []byte(`{"resourceType":"Patient","id":"1"}`)},
	}

	p := NewPackageBacked()
	if err := p.Load(mapFS); err != nil {
		t.Fatalf("load: %v", err)
	}

	all, err := p.ListByCanonical(context.Background(), "default", "http://example.org/SearchParameter/patient-name")
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 versions, got %d err=%v", len(all), err)
	}

	latest, err := p.GetByCanonicalAndVersion(context.Background(), "default", "http://example.org/SearchParameter/patient-name", "")
	if err != nil {
		t.Fatalf("get latest: %v", err)
	}
	if latest["version"] != "2" {
		t.Fatalf("expected latest version 2, got %v", latest["version"])
	}

	none, err := p.ListByCanonical(context.Background(), "default", "http://example.org/SearchParameter/missing")
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no match, got %v err=%v", none, err)
	}
}

func TestFallbackUsesSecondaryWhenPrimaryEmpty(t *testing.T) {
	primary := NewPackageBacked()
	secondary := NewPackageBacked()
	_ = secondary.Load(fstest.MapFS{
		"sp.json": &fstest.MapFile{Data: []byte(`{"resourceType":"SearchParameter","url":"http://example.org/sp","version":"1"}`)},
	})

	f := Fallback{Primary: primary, Secondary: secondary}
	got, err := f.GetByCanonicalAndVersion(context.Background(), "default", "http://example.org/sp", "")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatalf("expected fallback to secondary to find the resource")
	}
}

func TestEmptyProviderNeverMatches(t *testing.T) {
	var e Empty
	got, err := e.GetByCanonicalAndVersion(context.Background(), "default", "http://example.org/sp", "")
	if err != nil || got != nil {
		t.Fatalf("expected no match, got %v err=%v", got, err)
	}
}

var _ Provider = (*PackageBacked)(nil)
var _ Provider = Fallback{}
var _ Provider = Empty{}
