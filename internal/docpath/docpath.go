// Package docpath reads and writes dotted field paths on the loosely
// typed JSON documents the scanner exchanges with the search engine
// (indicator and event sources, bulk-update partial docs). Both are
// plain map[string]interface{} trees — dotted-path lookup rather than a
// struct per indicator type, since indicator shape varies by type.
package docpath

import "strings"

// Get walks doc along the dot-separated path and returns the leaf
// value. ok is false if any segment is missing or not an object.
func Get(doc map[string]interface{}, path string) (interface{}, bool) {
	segments := strings.Split(path, ".")
	var cur interface{} = doc
	for _, seg := range segments {
		m, ok := cur.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[seg]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

// Set writes value at the dotted path, creating intermediate objects
// as needed. Existing non-object intermediates are overwritten.
func Set(doc map[string]interface{}, path string, value interface{}) {
	segments := strings.Split(path, ".")
	cur := doc
	for i, seg := range segments {
		if i == len(segments)-1 {
			cur[seg] = value
			return
		}
		next, ok := cur[seg].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			cur[seg] = next
		}
		cur = next
	}
}

// IsEmpty reports whether v is a zero value this package's callers
// treat as "absent": nil, "", or an empty slice.
func IsEmpty(v interface{}) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return t == ""
	case []interface{}:
		return len(t) == 0
	default:
		return false
	}
}
