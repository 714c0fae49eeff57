package operations

import (
	"sort"
	"strings"
	"sync"

	"github.com/ehr/fhirengine/internal/errs"
)

// LookupResult is CodeSystem/$lookup's output (spec.md §4.9), grounded on
// the teacher's terminology_service.go/lookup_op.go LookupResult.
type LookupResult struct {
	Name    string
	Version string
	Display string
}

// ExpandedValueSet is ValueSet/$expand's output.
type ExpandedValueSet struct {
	URL      string
	Version  string
	Name     string
	Title    string
	Status   string
	Total    int
	Offset   int
	Contains []ValueSetContains
}

// ValueSetContains is one concept in an expansion, mirroring
// ValueSet.expansion.contains.
type ValueSetContains struct {
	System  string
	Version string
	Code    string
	Display string
}

// ValidateCodeResult is ValueSet/$validate-code's output, grounded on the
// teacher's valueset_validate_op.go ValidateCodeResult.
type ValidateCodeResult struct {
	Result  bool
	Display string
	Message string
}

// Terminology is the façade $lookup/$expand/$validate-code dispatch
// against. spec.md frames the terminology service as an out-of-scope
// collaborator; InMemoryTerminology below is the seeded stand-in a
// deployment without a real terminology server falls back to.
type Terminology interface {
	LookupCode(system, code, version string) (*LookupResult, error)
	ExpandValueSet(urlOrName, filter string, offset, count int) (*ExpandedValueSet, error)
	ValidateCode(valueSetURL, code, system string) (*ValidateCodeResult, error)
}

type concept struct {
	code    string
	display string
}

type codeSystem struct {
	url     string
	name    string
	version string
	codes   map[string]concept
}

type valueSetInclude struct {
	system string
	codes  []string
}

type valueSet struct {
	url     string
	name    string
	title   string
	version string
	status  string
	include []valueSetInclude
}

// InMemoryTerminology seeds the handful of HL7-core code systems the
// teacher's InMemoryTerminologyService ships (plus their auto-derived
// value sets), and answers $lookup/$expand/$validate-code against them.
type InMemoryTerminology struct {
	mu          sync.RWMutex
	codeSystems map[string]*codeSystem
	valueSets   map[string]*valueSet
}

func NewInMemoryTerminology() *InMemoryTerminology {
	t := &InMemoryTerminology{
		codeSystems: make(map[string]*codeSystem),
		valueSets:   make(map[string]*valueSet),
	}
	t.registerBuiltins()
	return t
}

func (t *InMemoryTerminology) registerBuiltins() {
	t.registerCodeSystem("http://hl7.org/fhir/observation-status", "ObservationStatus", "4.0.1", map[string]string{
		"registered": "Registered", "preliminary": "Preliminary", "final": "Final",
		"amended": "Amended", "corrected": "Corrected", "cancelled": "Cancelled",
		"entered-in-error": "Entered in Error", "unknown": "Unknown",
	})
	t.registerCodeSystem("http://hl7.org/fhir/administrative-gender", "AdministrativeGender", "4.0.1", map[string]string{
		"male": "Male", "female": "Female", "other": "Other", "unknown": "Unknown",
	})
	t.registerCodeSystem("http://hl7.org/fhir/encounter-status", "EncounterStatus", "4.0.1", map[string]string{
		"planned": "Planned", "arrived": "Arrived", "triaged": "Triaged", "in-progress": "In Progress",
		"onleave": "On Leave", "finished": "Finished", "cancelled": "Cancelled",
		"entered-in-error": "Entered in Error", "unknown": "Unknown",
	})
	t.registerCodeSystem("http://terminology.hl7.org/CodeSystem/condition-clinical", "ConditionClinicalStatusCodes", "4.0.1", map[string]string{
		"active": "Active", "recurrence": "Recurrence", "relapse": "Relapse",
		"inactive": "Inactive", "remission": "Remission", "resolved": "Resolved",
	})
	t.registerCodeSystem("http://hl7.org/fhir/request-status", "RequestStatus", "4.0.1", map[string]string{
		"draft": "Draft", "active": "Active", "on-hold": "On Hold", "revoked": "Revoked",
		"completed": "Completed", "entered-in-error": "Entered in Error", "unknown": "Unknown",
	})
	t.registerCodeSystem("http://hl7.org/fhir/publication-status", "PublicationStatus", "4.0.1", map[string]string{
		"draft": "Draft", "active": "Active", "retired": "Retired", "unknown": "Unknown",
	})

	for url, cs := range t.codeSystems {
		codes := make([]string, 0, len(cs.codes))
		for code := range cs.codes {
			codes = append(codes, code)
		}
		sort.Strings(codes)
		t.valueSets[url] = &valueSet{
			url: url, name: cs.name, title: cs.name, version: cs.version, status: "active",
			include: []valueSetInclude{{system: url, codes: codes}},
		}
	}
}

func (t *InMemoryTerminology) registerCodeSystem(url, name, version string, codes map[string]string) {
	cs := &codeSystem{url: url, name: name, version: version, codes: make(map[string]concept, len(codes))}
	for code, display := range codes {
		cs.codes[code] = concept{code: code, display: display}
	}
	t.codeSystems[url] = cs
}

func (t *InMemoryTerminology) LookupCode(system, code, version string) (*LookupResult, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	cs, ok := t.codeSystems[system]
	if !ok {
		return nil, errs.New(errs.ResourceNotFound, "code system not found: %s", system)
	}
	c, ok := cs.codes[code]
	if !ok {
		return nil, errs.New(errs.ResourceNotFound, "code %q not found in system %s", code, system)
	}
	return &LookupResult{Name: cs.name, Version: cs.version, Display: c.display}, nil
}

func (t *InMemoryTerminology) findValueSet(urlOrName string) *valueSet {
	if vs, ok := t.valueSets[urlOrName]; ok {
		return vs
	}
	for _, vs := range t.valueSets {
		if vs.name == urlOrName {
			return vs
		}
	}
	return nil
}

func (t *InMemoryTerminology) ExpandValueSet(urlOrName, filter string, offset, count int) (*ExpandedValueSet, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	vs := t.findValueSet(urlOrName)
	if vs == nil {
		return nil, errs.New(errs.ResourceNotFound, "value set not found: %s", urlOrName)
	}

	var all []ValueSetContains
	for _, inc := range vs.include {
		cs := t.codeSystems[inc.system]
		if cs == nil {
			continue
		}
		for _, code := range inc.codes {
			c, ok := cs.codes[code]
			if !ok {
				continue
			}
			if filter != "" &&
				!strings.Contains(strings.ToLower(c.display), strings.ToLower(filter)) &&
				!strings.Contains(strings.ToLower(c.code), strings.ToLower(filter)) {
				continue
			}
			all = append(all, ValueSetContains{System: inc.system, Version: cs.version, Code: c.code, Display: c.display})
		}
	}

	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + count
	if end > total || count <= 0 {
		end = total
	}

	return &ExpandedValueSet{
		URL: vs.url, Version: vs.version, Name: vs.name, Title: vs.title, Status: vs.status,
		Total: total, Offset: offset, Contains: all[offset:end],
	}, nil
}

// ValidateCode checks membership, honoring an optional system filter, per
// the teacher's ValueSetValidator.ValidateCode.
func (t *InMemoryTerminology) ValidateCode(valueSetURL, code, system string) (*ValidateCodeResult, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	vs := t.findValueSet(valueSetURL)
	if vs == nil {
		return &ValidateCodeResult{Result: false, Message: "ValueSet not found"}, nil
	}
	for _, inc := range vs.include {
		if system != "" && inc.system != system {
			continue
		}
		cs := t.codeSystems[inc.system]
		if cs == nil {
			continue
		}
		for _, c := range inc.codes {
			if c == code {
				concept := cs.codes[c]
				return &ValidateCodeResult{Result: true, Display: concept.display, Message: "Code is valid"}, nil
			}
		}
	}
	return &ValidateCodeResult{Result: false, Message: "Code not found in ValueSet"}, nil
}
