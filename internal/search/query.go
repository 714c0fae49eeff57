// Package search implements the search engine (C8, spec.md §4.7): parsing
// a FHIR search URL into a relational plan, executing it against the
// search_* index tables, assembling result bundles with pagination and
// transitive includes, and scoping compartment queries.
package search

import "github.com/ehr/fhirengine/internal/searchparam"

// Prefix is a FHIR search value comparison prefix, applicable to ordered
// parameter types (date, number, quantity).
type Prefix string

const (
	PrefixEq Prefix = "eq"
	PrefixNe Prefix = "ne"
	PrefixLt Prefix = "lt"
	PrefixLe Prefix = "le"
	PrefixGt Prefix = "gt"
	PrefixGe Prefix = "ge"
	PrefixSa Prefix = "sa"
	PrefixEb Prefix = "eb"
	PrefixAp Prefix = "ap"
)

// Modifier is a FHIR search parameter modifier (":exact", ":missing", ...).
type Modifier string

const (
	ModNone       Modifier = ""
	ModExact      Modifier = "exact"
	ModContains   Modifier = "contains"
	ModMissing    Modifier = "missing"
	ModAbove      Modifier = "above"
	ModBelow      Modifier = "below"
	ModIdentifier Modifier = "identifier"
	ModNot        Modifier = "not"
	ModText       Modifier = "text"
	ModType       Modifier = "type" // reference :Type modifier, e.g. subject:Patient
)

// ValueExpr is one OR-branch of a match parameter's value.
type ValueExpr struct {
	Prefix Prefix // "" defaults to eq for date/number/quantity
	Raw    string // the value as written, prefix already stripped
}

// Chain describes a forward reference chain: paramName:TargetType.chainParam,
// optionally nested further (chainParam may itself be a Chain).
type Chain struct {
	RefParam   string // the reference-typed parameter on the base resource, e.g. "subject"
	TargetType string // the type named after the ':' modifier
	Next       *MatchParam
}

// ReverseChain describes a "_has" reverse-chain:
// _has:RefResourceType:refParam:paramName=value.
type ReverseChain struct {
	RefResourceType string
	RefParam        string
	Inner           *MatchParam
}

// MatchParam is one parsed search-URL parameter occurrence. Repeated
// occurrences of the same code are independent MatchParams, ANDed together;
// the comma-separated Values within one occurrence are ORed.
type MatchParam struct {
	Code     string // the param code as registered (e.g. "name", "code-value-quantity")
	Modifier Modifier
	Values   []ValueExpr

	Chain        *Chain        // non-nil if this is a chained reference param
	ReverseChain *ReverseChain // non-nil if this is a "_has" reverse chain

	Param *searchparam.Parameter // resolved against the registry for the query's base resource type; nil for chains/_has until resolved against the chain target
}

// SortSpec is one "_sort" entry.
type SortSpec struct {
	Code       string // "_lastUpdated", "_id", or a registered param code
	Descending bool
}

// Summary is the "_summary" control value.
type Summary string

const (
	SummaryNone  Summary = ""
	SummaryTrue  Summary = "true"
	SummaryText  Summary = "text"
	SummaryData  Summary = "data"
	SummaryCount Summary = "count"
	SummaryFalse Summary = "false"
)

// TotalMode is the "_total" control value.
type TotalMode string

const (
	TotalAccurate TotalMode = "accurate"
	TotalEstimate TotalMode = "estimate"
	TotalNone     TotalMode = "none"
)

// IncludeSpec is one "_include"/"_revinclude" entry.
type IncludeSpec struct {
	Reverse      bool   // true for _revinclude
	SourceType   string // resource type the reference param lives on
	RefParam     string // the reference parameter name, or "*" for all
	TargetType   string // optional ":TargetType" qualifier, "" if unqualified
	Iterate      bool
}

// Query is the fully parsed search request (spec.md §4.7 "Parsing").
type Query struct {
	ResourceType string // "" for a system-level (cross-type) search

	// Compartment scoping, set only for compartment-style searches
	// ([Compartment]/[id]/[type?]...).
	CompartmentType string
	CompartmentID   string

	Match []MatchParam

	Count     int // 0 means "use server default"
	Sort      []SortSpec
	Summary   Summary
	Elements  []string
	Include   []IncludeSpec
	Total     TotalMode
	PageToken string // opaque "offset" continuation token, see paginate.go
}
