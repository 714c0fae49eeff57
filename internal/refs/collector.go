// Package refs implements the reference collector and referential-integrity
// policies of spec.md §4.3 (C5): walking a resource's JSON tree to extract
// outbound (type, id) references, and enforcing lenient or strict
// referential integrity around writes and deletes.
package refs

import "strings"

// Ref is a logical (target_type, target_id) pair. target_type may be empty
// for an untyped relative reference (rare, but the grammar permits it).
type Ref struct {
	TargetType string
	TargetID   string
}

// Collect walks root and returns the set of relative references it
// contains, per the extraction rule in spec.md §4.3:
//   - a "reference" string field counts iff non-empty, not a fragment
//     ("#..."), not absolute ("...://..."), not a urn ("urn:...")
//   - it must split on "/" into at least two non-empty parts; the first two
//     become (target_type, target_id)
//   - absolute URLs, canonical URLs and fragments are deliberately ignored
func Collect(root interface{}) []Ref {
	seen := map[Ref]bool{}
	var out []Ref
	walk(root, func(r Ref) {
		if !seen[r] {
			seen[r] = true
			out = append(out, r)
		}
	})
	return out
}

func walk(node interface{}, emit func(Ref)) {
	switch v := node.(type) {
	case map[string]interface{}:
		if raw, ok := v["reference"].(string); ok {
			if r, ok := parseReference(raw); ok {
				emit(r)
			}
		}
		for k, child := range v {
			if k == "reference" {
				continue
			}
			walk(child, emit)
		}
	case []interface{}:
		for _, child := range v {
			walk(child, emit)
		}
	}
}

// ParseReference applies the same extraction rule Collect uses internally
// to a single "reference" string value, for callers (e.g. the indexing
// service) that already have the string in hand.
func ParseReference(raw string) (Ref, bool) {
	return parseReference(raw)
}

func parseReference(raw string) (Ref, bool) {
	if raw == "" {
		return Ref{}, false
	}
	if strings.HasPrefix(raw, "#") {
		return Ref{}, false
	}
	if strings.Contains(raw, "://") {
		return Ref{}, false
	}
	if strings.HasPrefix(raw, "urn:") {
		return Ref{}, false
	}
	parts := strings.Split(raw, "/")
	if len(parts) < 2 {
		return Ref{}, false
	}
	targetType, targetID := parts[0], parts[1]
	if targetType == "" || targetID == "" {
		return Ref{}, false
	}
	return Ref{TargetType: targetType, TargetID: targetID}, true
}
