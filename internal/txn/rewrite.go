package txn

import (
	"context"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/ehr/fhirengine/internal/errs"
	"github.com/ehr/fhirengine/internal/search"
)

// assignIDs pre-assigns an id to every create/update entry (spec.md §4.8
// step 1) and returns the fullUrl → "Type/id" rewrite map used to resolve
// urn:uuid references during the rewrite pass. A conditional PUT
// ("Type?params") has no id yet — its match is only known once the
// transaction actually runs — so it contributes no rewrite-map entry; a
// urn:uuid reference to such an entry's fullUrl is not resolvable and
// fails at rewrite time.
func assignIDs(plans []*plannedEntry) (map[string]string, error) {
	idMap := make(map[string]string, len(plans))
	for _, p := range plans {
		switch p.request.Method {
		case "POST":
			if p.resourceType == "" {
				return nil, errs.New(errs.Validation, "entry %d: POST request.url must name a resource type", p.index)
			}
			id := ""
			if p.resource != nil {
				id, _ = p.resource["id"].(string)
			}
			if id == "" {
				id = uuid.New().String()
			}
			p.id = id
		case "PUT":
			if p.id == "" && !p.isSearch {
				return nil, errs.New(errs.Validation, "entry %d: PUT request.url must name an id or a conditional query", p.index)
			}
		}
		if p.fullURL != "" && p.id != "" && p.resourceType != "" {
			idMap[p.fullURL] = p.resourceType + "/" + p.id
		}
	}
	return idMap, nil
}

// rewriteReferences walks every entry's resource body rewriting "reference"
// strings that name a urn:uuid fullUrl or a conditional "Type?params"
// search (spec.md §4.8 step 2), so every reference left standing after
// this pass is a concrete "Type/id". Each urn:uuid rewrite also records a
// dependency edge (referrer → referenced entry) on the owning plan, used
// by topoOrder to write the referenced resource first.
func (x *Executor) rewriteReferences(ctx context.Context, tenantID string, plans []*plannedEntry, idMap map[string]string) error {
	byFullURL := make(map[string]int, len(plans))
	for _, p := range plans {
		if p.fullURL != "" {
			byFullURL[p.fullURL] = p.index
		}
	}
	for _, p := range plans {
		if p.resource == nil {
			continue
		}
		if err := x.rewriteNode(ctx, tenantID, p, byFullURL, map[string]interface{}(p.resource), idMap); err != nil {
			return errs.Wrap(errs.KindOf(err), err, "entry %d: resolving references", p.index)
		}
	}
	return nil
}

func (x *Executor) rewriteNode(ctx context.Context, tenantID string, owner *plannedEntry, byFullURL map[string]int, node interface{}, idMap map[string]string) error {
	switch v := node.(type) {
	case map[string]interface{}:
		if raw, ok := v["reference"].(string); ok {
			rewritten, err := x.rewriteReference(ctx, tenantID, raw, idMap)
			if err != nil {
				return err
			}
			if rewritten != "" {
				v["reference"] = rewritten
			}
			if strings.HasPrefix(raw, "urn:uuid:") {
				if dep, ok := byFullURL[raw]; ok && dep != owner.index {
					owner.dependsOn = append(owner.dependsOn, dep)
				}
			}
		}
		for k, child := range v {
			if k == "reference" {
				continue
			}
			if err := x.rewriteNode(ctx, tenantID, owner, byFullURL, child, idMap); err != nil {
				return err
			}
		}
	case []interface{}:
		for _, child := range v {
			if err := x.rewriteNode(ctx, tenantID, owner, byFullURL, child, idMap); err != nil {
				return err
			}
		}
	}
	return nil
}

// rewriteReference resolves a single reference string, returning "" (no
// rewrite) for anything that isn't a urn:uuid or a conditional search.
func (x *Executor) rewriteReference(ctx context.Context, tenantID string, raw string, idMap map[string]string) (string, error) {
	if strings.HasPrefix(raw, "urn:uuid:") {
		target, ok := idMap[raw]
		if !ok {
			return "", errs.WithSubject(errs.Validation, raw, "no matching fullUrl in this transaction")
		}
		return target, nil
	}

	resourceType, query, isConditional := splitConditionalReference(raw)
	if !isConditional {
		return "", nil
	}
	return x.resolver.Resolve(ctx, tenantID, resourceType, query)
}

// splitConditionalReference recognizes "Type?params", distinguishing it
// from an absolute URL (which also contains '?' but also "://").
func splitConditionalReference(raw string) (resourceType string, query url.Values, ok bool) {
	if strings.Contains(raw, "://") || strings.HasPrefix(raw, "#") || strings.HasPrefix(raw, "urn:") {
		return "", nil, false
	}
	path, rawQuery, hasQuery := strings.Cut(raw, "?")
	if !hasQuery || path == "" {
		return "", nil, false
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return "", nil, false
	}
	return path, values, true
}

