package search

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/ehr/fhirengine/internal/errs"
)

// controlParams are the FHIR control parameters (spec.md §4.7 "Parsing");
// everything else, including "_id"/"_lastUpdated"/... (real common search
// parameters), flows through as a match parameter.
var controlParams = map[string]bool{
	"_count":      true,
	"_sort":       true,
	"_summary":    true,
	"_elements":   true,
	"_include":    true,
	"_revinclude": true,
	"_total":      true,
}

// ParseQuery decomposes a search URL's query string (already decoded by the
// transport into url.Values, so the same parser serves GET query strings
// and POST _search form bodies) into a Query, for resourceType (""  for a
// system-level/cross-type search).
func ParseQuery(resourceType string, values url.Values) (Query, error) {
	q := Query{ResourceType: resourceType}

	for key, occurrences := range values {
		if strings.HasPrefix(key, "_has:") {
			for _, raw := range occurrences {
				rc, err := parseReverseChainKey(key)
				if err != nil {
					return Query{}, err
				}
				rc.Inner.Values = splitValues(raw)
				q.Match = append(q.Match, MatchParam{Code: key, ReverseChain: rc})
			}
			continue
		}
		if key == "_include:iterate" || key == "_revinclude:iterate" {
			base := strings.TrimSuffix(key, ":iterate")
			for _, occ := range occurrences {
				spec, err := parseIncludeSpec(base == "_revinclude", occ)
				if err != nil {
					return Query{}, err
				}
				spec.Iterate = true
				q.Include = append(q.Include, spec)
			}
			continue
		}
		if controlParams[key] {
			if err := applyControl(&q, key, occurrences); err != nil {
				return Query{}, err
			}
			continue
		}

		code, modifier := splitModifier(key)
		for _, raw := range occurrences {
			mp := MatchParam{Code: code, Modifier: modifier, Values: splitValues(raw)}
			if chainTarget, chainRest, ok := splitChain(key); ok {
				mp.Code = chainTarget.refParam
				mp.Chain = buildChain(chainTarget, chainRest, raw)
				mp.Values = nil
			}
			q.Match = append(q.Match, mp)
		}
	}
	return q, nil
}

func splitValues(raw string) []ValueExpr {
	parts := strings.Split(raw, ",")
	out := make([]ValueExpr, 0, len(parts))
	for _, p := range parts {
		out = append(out, ValueExpr{Raw: p})
	}
	return out
}

// splitModifier splits "name:modifier" into ("name", modifier); bare "name"
// returns ModNone. A modifier that is itself a resource type (as in a
// reference's ":Patient") is left for splitChain/chain resolution.
func splitModifier(key string) (string, Modifier) {
	idx := strings.IndexByte(key, ':')
	if idx < 0 {
		return key, ModNone
	}
	name, rest := key[:idx], key[idx+1:]
	switch Modifier(rest) {
	case ModExact, ModContains, ModMissing, ModAbove, ModBelow, ModIdentifier, ModNot, ModText:
		return name, Modifier(rest)
	}
	return name, ModNone
}

type chainHead struct {
	refParam   string
	targetType string
}

// splitChain recognizes "refParam:TargetType" followed by ".furtherParam",
// e.g. "subject:Patient" in "subject:Patient.name=Alice". Returns false for
// a plain "name:modifier" key (splitModifier already claimed those).
func splitChain(key string) (chainHead, string, bool) {
	idx := strings.IndexByte(key, ':')
	if idx < 0 {
		return chainHead{}, "", false
	}
	refParam, rest := key[:idx], key[idx+1:]
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return chainHead{}, "", false
	}
	targetType, chainRest := rest[:dot], rest[dot+1:]
	if targetType == "" || chainRest == "" {
		return chainHead{}, "", false
	}
	return chainHead{refParam: refParam, targetType: targetType}, chainRest, true
}

// buildChain parses the (possibly further-chained) remainder of a chain key
// into a *Chain whose innermost MatchParam carries the terminal value.
func buildChain(head chainHead, rest string, value string) *Chain {
	if nextHead, nextRest, ok := splitChain(rest); ok {
		inner := buildChain(nextHead, nextRest, value)
		return &Chain{
			RefParam:   head.refParam,
			TargetType: head.targetType,
			Next:       &MatchParam{Code: nextHead.refParam, Chain: inner},
		}
	}
	code, modifier := splitModifier(rest)
	return &Chain{
		RefParam:   head.refParam,
		TargetType: head.targetType,
		Next:       &MatchParam{Code: code, Modifier: modifier, Values: splitValues(value)},
	}
}

// parseReverseChainKey parses "_has:ResourceType:refParam:code[:modifier]"
// into a ReverseChain, per spec.md §4.7's reverse-chain grammar.
func parseReverseChainKey(key string) (*ReverseChain, error) {
	parts := strings.SplitN(key, ":", 4)
	if len(parts) != 4 {
		return nil, errs.New(errs.Validation, "malformed _has parameter %q", key)
	}
	refResourceType, refParam, codeAndModifier := parts[1], parts[2], parts[3]
	if refResourceType == "" || refParam == "" || codeAndModifier == "" {
		return nil, errs.New(errs.Validation, "malformed _has parameter %q", key)
	}
	if strings.HasPrefix(codeAndModifier, "_has:") {
		inner, err := parseReverseChainKey(codeAndModifier)
		if err != nil {
			return nil, err
		}
		return &ReverseChain{
			RefResourceType: refResourceType,
			RefParam:        refParam,
			Inner:           &MatchParam{Code: "_has:" + refResourceType, ReverseChain: inner},
		}, nil
	}
	code, modifier := splitModifier(codeAndModifier)
	return &ReverseChain{
		RefResourceType: refResourceType,
		RefParam:        refParam,
		Inner:           &MatchParam{Code: code, Modifier: modifier},
	}, nil
}

func applyControl(q *Query, key string, occurrences []string) error {
	if len(occurrences) == 0 {
		return nil
	}
	raw := occurrences[len(occurrences)-1]
	switch key {
	case "_count":
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return errs.New(errs.Validation, "invalid _count value %q", raw)
		}
		q.Count = n
	case "_sort":
		for _, field := range strings.Split(raw, ",") {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			desc := false
			if strings.HasPrefix(field, "-") {
				desc = true
				field = field[1:]
			}
			q.Sort = append(q.Sort, SortSpec{Code: field, Descending: desc})
		}
	case "_summary":
		q.Summary = Summary(raw)
	case "_elements":
		for _, e := range strings.Split(raw, ",") {
			if e = strings.TrimSpace(e); e != "" {
				q.Elements = append(q.Elements, e)
			}
		}
	case "_total":
		q.Total = TotalMode(raw)
	case "_include", "_revinclude":
		for _, occ := range occurrences {
			spec, err := parseIncludeSpec(key == "_revinclude", occ)
			if err != nil {
				return err
			}
			q.Include = append(q.Include, spec)
		}
	}
	return nil
}

// parseIncludeSpec parses an "_include"/"_revinclude" value,
// "SourceType:refParam[:TargetType]" (spec.md §4.7); ":iterate" is a
// modifier on the "_include"/"_revinclude" key itself, already resolved by
// the caller.
func parseIncludeSpec(reverse bool, raw string) (IncludeSpec, error) {
	parts := strings.Split(raw, ":")
	if len(parts) < 2 {
		return IncludeSpec{}, errs.New(errs.Validation, "malformed include spec %q", raw)
	}
	spec := IncludeSpec{Reverse: reverse, SourceType: parts[0], RefParam: parts[1]}
	if len(parts) >= 3 {
		spec.TargetType = parts[2]
	}
	return spec, nil
}
