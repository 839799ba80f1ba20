// Package condition implements the typed predicate registry used to decide
// when a trade plan is ready to execute. Conditions are parsed from the
// serialized plan representation at creation time, so unknown or malformed
// condition types are rejected up front instead of being silently ignored
// during evaluation.
package condition

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"tradewatch/internal/errors"
	"tradewatch/internal/models"
)

// Condition is a single named predicate attached to a plan. Evaluate must
// be pure and side-effect-free: identical inputs always produce identical
// output. A missing or unusable snapshot field evaluates false, never true.
type Condition interface {
	Type() string
	Evaluate(snap *models.Snapshot, now time.Time) bool
}

// Set is an ordered conjunction of conditions. Every member must evaluate
// true for the set to hold; an empty set holds vacuously.
type Set []Condition

// Evaluate reports whether every condition in the set holds.
func (s Set) Evaluate(snap *models.Snapshot, now time.Time) bool {
	for _, c := range s {
		if !c.Evaluate(snap, now) {
			return false
		}
	}
	return true
}

// Types returns the condition type names in order.
func (s Set) Types() []string {
	types := make([]string, len(s))
	for i, c := range s {
		types[i] = c.Type()
	}
	return types
}

// Defaults holds the configurable heuristic defaults applied when a
// condition omits an optional parameter.
type Defaults struct {
	WickRatio          float64 // rejection_wick threshold
	MinValidationScore float64 // order_block score floor, 0-100
	VolatilityRequire  int     // N in the N-of-M volatility rule
}

// DefaultDefaults returns the stock heuristic defaults.
func DefaultDefaults() Defaults {
	return Defaults{
		WickRatio:          2.0,
		MinValidationScore: 60,
		VolatilityRequire:  2,
	}
}

// Parser parses serialized condition maps into typed predicate sets.
type Parser struct {
	defaults Defaults
}

// NewParser creates a parser with the given defaults.
func NewParser(defaults Defaults) *Parser {
	return &Parser{defaults: defaults}
}

type builderFunc func(params json.RawMessage, d Defaults) (Condition, error)

// registry maps condition type names to their builders. Populated in
// predicates.go.
var registry = map[string]builderFunc{}

func register(name string, fn builderFunc) {
	registry[name] = fn
}

// Known reports whether a condition type name is registered.
func Known(name string) bool {
	_, ok := registry[name]
	return ok
}

// KnownTypes returns all registered condition type names, sorted.
func KnownTypes() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Parse decodes a serialized condition object, preserving key order, and
// returns the typed predicate set. Unknown types or malformed parameters
// return an error.
func (p *Parser) Parse(raw []byte) (Set, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))

	tok, err := dec.Token()
	if err != nil {
		return nil, errors.Wrap(err, "decode conditions")
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return nil, errors.NewValidationError("conditions", string(raw), "must be a JSON object")
	}

	var set Set
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, errors.Wrap(err, "decode condition key")
		}
		name := keyTok.(string)

		var params json.RawMessage
		if err := dec.Decode(&params); err != nil {
			return nil, errors.Wrapf(err, "decode params for %q", name)
		}

		build, ok := registry[name]
		if !ok {
			return nil, errors.Wrapf(errors.ErrUnknownCondition, "%q", name)
		}
		cond, err := build(params, p.defaults)
		if err != nil {
			return nil, fmt.Errorf("condition %q: %w", name, err)
		}
		set = append(set, cond)
	}

	if _, err := dec.Token(); err != nil {
		return nil, errors.Wrap(err, "decode conditions")
	}

	return set, nil
}
