// Package ucum is the narrow façade spec.md §4.4/§4.6 describes for Quantity
// canonicalization: "parse unit -> convert quantity to base unit -> compare".
// It wraps github.com/robertoaraneda/gofhir/pkg/ucum so the indexing service
// and search engine never depend on the conversion table directly.
package ucum

import "github.com/robertoaraneda/gofhir/pkg/ucum"

// Canonical is a Quantity value normalized to its canonical UCUM unit, used
// to populate search_quantity.canonical_code / canonical_value (spec.md
// §3.2) so cross-unit comparisons (10mg = 0.01g) work at query time without
// re-parsing units per search.
type Canonical struct {
	Value float64
	Code  string
}

// Normalize converts value/code to canonical form, scoped to the given
// coding system — non-UCUM systems are returned unchanged, matching FHIR's
// rule that unit conversion only applies within the UCUM system.
func Normalize(value float64, system, code string) Canonical {
	n := ucum.NormalizeWithSystem(value, system, code)
	return Canonical{Value: n.Value, Code: n.Code}
}

// Known reports whether code is a recognized UCUM unit, used to decide
// whether quantity search values within :above/:below-free equality
// comparisons can be canonicalized or must fall back to raw unit matching.
func Known(code string) bool {
	return ucum.IsKnownUnit(code)
}
