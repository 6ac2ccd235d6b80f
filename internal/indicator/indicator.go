// Package indicator maps one indicator document to the disjunction of
// event-field match predicates it should be checked against.
package indicator

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/threatscan/scanner/internal/backend"
	"github.com/threatscan/scanner/internal/docpath"
)

// eventFields is the fixed ordered set of event fields an indicator can
// be correlated against. Order is significant only for should-clause
// determinism in logs/tests, not for matching semantics.
var eventFields = []string{
	"url.full",
	"file.hash.sha1",
	"file.hash.md5",
	"file.pe.imphash",
	"source.ip",
	"destination.ip",
}

// Predicate is one surviving (event field, value) pair.
type Predicate struct {
	Field string
	Value interface{}
}

// Indicator is one parsed document from the threat-indicator index.
type Indicator struct {
	ID    string
	Index string
	// Timestamp is threat.detection.timestamp in epoch millis, nil if
	// the indicator has never been checked.
	Timestamp *int64
	// Matches is the cumulative threat.detection.matches so far.
	Matches int64

	source map[string]interface{}
}

// Parse builds an Indicator from a raw hit. Returns an error only for
// malformed JSON; a nil/empty _source is the caller's concern — it is
// logged and skipped by the worker, not treated as a parse failure here.
func Parse(hit backend.Hit) (*Indicator, error) {
	ind := &Indicator{ID: hit.ID, Index: hit.Index}

	if len(hit.Source) == 0 {
		return ind, nil
	}

	var source map[string]interface{}
	if err := json.Unmarshal(hit.Source, &source); err != nil {
		return nil, fmt.Errorf("indicator %s: decode _source: %w", hit.ID, err)
	}
	ind.source = source

	if v, ok := docpath.Get(source, "threat.detection.timestamp"); ok {
		if ms, ok := toMillis(v); ok {
			ind.Timestamp = &ms
		}
	}
	if v, ok := docpath.Get(source, "threat.detection.matches"); ok {
		if n, ok := toInt64(v); ok {
			ind.Matches = n
		}
	}

	return ind, nil
}

// HasSource reports whether the hit carried a usable _source. Workers
// must skip (not stamp) indicators where this is false.
func (ind *Indicator) HasSource() bool {
	return ind.source != nil
}

// ShouldClause builds the ordered, non-empty predicates for this
// indicator: for each event field f in eventFields, probe
// threat.indicator.g (g="ip" when f ends in ".ip", else g=f), skipping
// absent or empty values.
func (ind *Indicator) ShouldClause() []Predicate {
	if ind.source == nil {
		return nil
	}

	var predicates []Predicate
	for _, f := range eventFields {
		g := f
		if strings.HasSuffix(f, ".ip") {
			g = "ip"
		}

		v, ok := docpath.Get(ind.source, "threat.indicator."+g)
		if !ok || docpath.IsEmpty(v) {
			continue
		}

		predicates = append(predicates, Predicate{Field: f, Value: v})
	}
	return predicates
}

// Type returns threat.indicator.type, or "" if absent.
func (ind *Indicator) Type() string {
	if ind.source == nil {
		return ""
	}
	v, _ := docpath.Get(ind.source, "threat.indicator.type")
	s, _ := v.(string)
	return s
}

func toMillis(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int64:
		return t, true
	case int:
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

func toInt64(v interface{}) (int64, bool) {
	return toMillis(v)
}
