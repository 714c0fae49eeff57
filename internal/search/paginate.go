package search

import (
	"encoding/base64"
	"encoding/json"
)

// pageCursor is the opaque continuation token's decoded shape (spec.md
// §4.7 "stable next/self/first links (opaque continuation: offset ...)").
// An offset cursor is simple to reason about and sufficient given result
// sets are bounded by _count; a keyset cursor would only pay for itself on
// very large, frequently-paginated result sets, which spec.md does not
// call out as a requirement.
type pageCursor struct {
	Offset int `json:"offset"`
}

func encodeCursor(offset int) string {
	raw, _ := json.Marshal(pageCursor{Offset: offset})
	return base64.RawURLEncoding.EncodeToString(raw)
}

// decodeCursor returns offset 0 for an empty or malformed token, rather
// than failing the search — a stale/tampered token degrades to "start
// over" instead of a hard error.
func decodeCursor(token string) int {
	if token == "" {
		return 0
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return 0
	}
	var c pageCursor
	if err := json.Unmarshal(raw, &c); err != nil || c.Offset < 0 {
		return 0
	}
	return c.Offset
}
