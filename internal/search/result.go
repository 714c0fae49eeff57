package search

import "github.com/ehr/fhirengine/pkg/fhirmodel"

// EntryMode mirrors Bundle.entry.search.mode.
type EntryMode string

const (
	EntryModeMatch   EntryMode = "match"
	EntryModeInclude EntryMode = "include"
)

// Entry is one resource in a search result, tagged with how it got there.
type Entry struct {
	ResourceType string
	ID           string
	VersionID    int64
	Resource     fhirmodel.Resource
	Mode         EntryMode
}

// Result is the assembled outcome of Execute: the page of matches plus any
// included resources, an optional total, and opaque pagination tokens.
type Result struct {
	Entries   []Entry
	Total     *int64 // nil when Query.Total == TotalNone
	NextToken string // "" if this is the last page
	SelfToken string
}
