package conformance

import (
	"context"
	"encoding/json"
	"io/fs"
	"path/filepath"
	"sort"
	"sync"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/pkg/fhirmodel"
)

// PackageBacked serves conformance resources loaded from a FHIR package
// (a directory of resource JSON files) at startup, per spec.md §4.2. It is
// read-only and safe for concurrent use once Load has returned.
type PackageBacked struct {
	mu      sync.RWMutex
	byURL   map[string][]fhirmodel.Resource // canonicalURL -> versions, newest first
}

func NewPackageBacked() *PackageBacked {
	return &PackageBacked{byURL: map[string][]fhirmodel.Resource{}}
}

// Load walks dirFS, parsing every *.json file as a single FHIR resource and
// indexing it by its url/version fields when present. Files that aren't
// conformance resources (no url field) are silently skipped — a package
// directory mixes example resources in with definitions.
func (p *PackageBacked) Load(dirFS fs.FS) error {
	byURL := map[string][]fhirmodel.Resource{}

	err := fs.WalkDir(dirFS, ".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".json" {
			return nil
		}
		raw, err := fs.ReadFile(dirFS, path)
		if err != nil {
			return err
		}
		var res fhirmodel.Resource
		if err := json.Unmarshal(raw, &res); err != nil {
			return errs.Wrap(errs.Internal, err, "parse package file %s", path)
		}
		url, _ := res["url"].(string)
		if url == "" {
			return nil
		}
		byURL[url] = append(byURL[url], res)
		return nil
	})
	if err != nil {
		return err
	}

	for url, versions := range byURL {
		sort.Slice(versions, func(i, j int) bool {
			return canonicalVersionOf(versions[i]) > canonicalVersionOf(versions[j])
		})
		byURL[url] = versions
	}

	p.mu.Lock()
	p.byURL = byURL
	p.mu.Unlock()
	return nil
}

func canonicalVersionOf(r fhirmodel.Resource) string {
	s, _ := r["version"].(string)
	return s
}

func (p *PackageBacked) ListByCanonical(ctx context.Context, tenantID, canonicalURL string) ([]fhirmodel.Resource, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]fhirmodel.Resource(nil), p.byURL[canonicalURL]...), nil
}

func (p *PackageBacked) GetByCanonicalAndVersion(ctx context.Context, tenantID, canonicalURL, version string) (fhirmodel.Resource, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	versions := p.byURL[canonicalURL]
	if len(versions) == 0 {
		return nil, nil
	}
	if version == "" {
		return versions[0], nil
	}
	for _, r := range versions {
		if canonicalVersionOf(r) == version {
			return r, nil
		}
	}
	return nil, nil
}
