// Package backendtest provides an in-memory backend.Backend used by
// the scan engine's tests, standing in for a live search-engine
// cluster.
//
// It understands exactly the query/sort shapes this repository's own
// query builders (internal/indicator, internal/stream) emit — it is a
// narrow simulator, not a general-purpose query engine.
package backendtest

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/threatscan/scanner/internal/backend"
	"github.com/threatscan/scanner/internal/docpath"
)

type doc struct {
	id     string
	index  string
	source map[string]interface{}
}

type pit struct {
	docs []*doc
}

// Fake is a thread-safe in-memory backend.Backend.
type Fake struct {
	mu     sync.Mutex
	docs   map[string][]*doc // index -> docs, insertion order preserved
	pits   map[string]*pit
	pitSeq int
	mapped map[string]map[string]interface{}

	// Now, if set, overrides time.Now for relative-time range queries.
	Now func() time.Time

	// CountDelay, if set, is slept inside every Count call — used to
	// simulate a slow backend for deadline/pause tests.
	CountDelay time.Duration

	// FailBulkIDs causes Bulk to report these document ids as failed
	// without applying their update.
	FailBulkIDs map[string]bool

	inFlightCounts int64
	peakCounts     int64
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		docs:   make(map[string][]*doc),
		pits:   make(map[string]*pit),
		mapped: make(map[string]map[string]interface{}),
	}
}

// Index upserts a document into index under id.
func (f *Fake) Index(index, id string, source map[string]interface{}) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, d := range f.docs[index] {
		if d.id == id {
			d.source = source
			return
		}
	}
	f.docs[index] = append(f.docs[index], &doc{id: id, index: index, source: source})
}

// Get returns the current source for (index, id), for test assertions.
func (f *Fake) Get(index, id string) (map[string]interface{}, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, d := range f.docs[index] {
		if d.id == id {
			return d.source, true
		}
	}
	return nil, false
}

// PeakConcurrentCounts reports the maximum number of Count calls that
// were ever in flight at once — used to assert a worker pool's
// concurrency bound in tests.
func (f *Fake) PeakConcurrentCounts() int64 {
	return atomic.LoadInt64(&f.peakCounts)
}

func (f *Fake) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

// OpenPointInTime freezes the current contents of the requested
// indices into a snapshot, the way a real PIT gives a consistent view
// across paged reads even under concurrent writes.
func (f *Fake) OpenPointInTime(_ context.Context, index []string, _ time.Duration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var snapshot []*doc
	for _, idx := range index {
		snapshot = append(snapshot, f.docs[idx]...)
	}

	f.pitSeq++
	id := fmt.Sprintf("pit-%d", f.pitSeq)
	f.pits[id] = &pit{docs: snapshot}
	return id, nil
}

// ClosePointInTime drops the snapshot.
func (f *Fake) ClosePointInTime(_ context.Context, pitID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.pits, pitID)
	return nil
}

// Search filters, sorts, and pages the frozen PIT snapshot.
func (f *Fake) Search(_ context.Context, req backend.SearchRequest) ([]backend.Hit, error) {
	f.mu.Lock()
	p, ok := f.pits[req.PitID]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("unknown point in time %q", req.PitID)
	}

	now := f.now()

	type scored struct {
		d   *doc
		key float64
	}

	var matched []scored
	for _, d := range p.docs {
		if matchQuery(d.source, req.Query, now) {
			matched = append(matched, scored{d: d, key: sortKey(d, req.Sort)})
		}
	}

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].key != matched[j].key {
			return matched[i].key < matched[j].key
		}
		return matched[i].d.id < matched[j].d.id
	})

	afterKey, afterID := searchAfterCursor(req.SearchAfter)
	start := 0
	if afterKey != nil {
		for i, m := range matched {
			if m.key > *afterKey || (m.key == *afterKey && m.d.id > afterID) {
				start = i
				break
			}
			start = i + 1
		}
	}

	end := start + req.Size
	if end > len(matched) || req.Size <= 0 {
		end = len(matched)
	}
	if start > len(matched) {
		start = len(matched)
	}

	page := matched[start:end]
	hits := make([]backend.Hit, 0, len(page))
	for _, m := range page {
		src, _ := marshalSource(m.d.source)
		hits = append(hits, backend.Hit{
			ID:     m.d.id,
			Index:  m.d.index,
			Source: src,
			Sort:   []interface{}{m.key, m.d.id},
		})
	}
	return hits, nil
}

// Count evaluates query against index and clamps to terminateAfter.
func (f *Fake) Count(_ context.Context, index []string, query map[string]interface{}, terminateAfter int) (int64, error) {
	atomic.AddInt64(&f.inFlightCounts, 1)
	defer atomic.AddInt64(&f.inFlightCounts, -1)
	for {
		cur := atomic.LoadInt64(&f.inFlightCounts)
		peak := atomic.LoadInt64(&f.peakCounts)
		if cur <= peak || atomic.CompareAndSwapInt64(&f.peakCounts, peak, cur) {
			break
		}
	}

	if f.CountDelay > 0 {
		time.Sleep(f.CountDelay)
	}

	f.mu.Lock()
	var docsToCheck []*doc
	for _, idx := range index {
		docsToCheck = append(docsToCheck, f.docs[idx]...)
	}
	f.mu.Unlock()

	now := f.now()
	var n int64
	for _, d := range docsToCheck {
		if matchQuery(d.source, query, now) {
			n++
			if terminateAfter > 0 && n >= int64(terminateAfter) {
				return n, nil
			}
		}
	}
	return n, nil
}

// Bulk merges each op's partial doc into the target document.
func (f *Fake) Bulk(_ context.Context, ops []backend.BulkOp) (*backend.BulkResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	result := &backend.BulkResult{}
	for _, op := range ops {
		if f.FailBulkIDs[op.ID] {
			result.HasErrors = true
			result.FailedIDs = append(result.FailedIDs, op.ID)
			continue
		}

		var target *doc
		for _, d := range f.docs[op.Index] {
			if d.id == op.ID {
				target = d
				break
			}
		}
		if target == nil {
			result.HasErrors = true
			result.FailedIDs = append(result.FailedIDs, op.ID)
			continue
		}

		mergeDoc(target.source, op.Doc)
	}
	return result, nil
}

// PutMapping records the mapping for index; idempotent.
func (f *Fake) PutMapping(_ context.Context, index string, properties map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mapped[index] = properties
	return nil
}

func mergeDoc(dst, src map[string]interface{}) {
	for k, v := range src {
		if sub, ok := v.(map[string]interface{}); ok {
			dstSub, ok := dst[k].(map[string]interface{})
			if !ok {
				dstSub = map[string]interface{}{}
				dst[k] = dstSub
			}
			mergeDoc(dstSub, sub)
			continue
		}
		dst[k] = v
	}
}

func searchAfterCursor(sa []interface{}) (*float64, string) {
	if len(sa) == 0 {
		return nil, ""
	}
	key, _ := toFloat(sa[0])
	id := ""
	if len(sa) > 1 {
		id, _ = sa[1].(string)
	}
	return &key, id
}

func sortKey(d *doc, sortSpec []map[string]interface{}) float64 {
	if len(sortSpec) == 0 {
		ts, _ := docpath.Get(d.source, "@timestamp")
		v, _ := toFloat(ts)
		return v
	}

	if script, ok := sortSpec[0]["_script"].(map[string]interface{}); ok {
		salt := extractSalt(script)
		ts, _ := docpath.Get(d.source, "@timestamp")
		millis, _ := toFloat(ts)
		return shuffleHash(millis, salt)
	}

	ts, _ := docpath.Get(d.source, "@timestamp")
	v, _ := toFloat(ts)
	return v
}

func extractSalt(script map[string]interface{}) string {
	inner, ok := script["script"].(map[string]interface{})
	if !ok {
		return ""
	}
	params, ok := inner["params"].(map[string]interface{})
	if !ok {
		return ""
	}
	salt, _ := params["salt"].(string)
	return salt
}

func shuffleHash(millis float64, salt string) float64 {
	h := fnv.New64a()
	h.Write([]byte(strconv.FormatFloat(millis, 'f', 0, 64)))
	h.Write([]byte(salt))
	return float64(h.Sum64() % 1_000_000_007)
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int64:
		return float64(t), true
	case int:
		return float64(t), true
	case string:
		if ms, err := time.Parse(time.RFC3339, t); err == nil {
			return float64(ms.UnixMilli()), true
		}
		return 0, false
	default:
		return 0, false
	}
}

// matchQuery evaluates the subset of the query DSL this repository's
// own query builders emit: bool/should/must/must_not, match, range,
// exists.
func matchQuery(source map[string]interface{}, query map[string]interface{}, now time.Time) bool {
	if query == nil {
		return true
	}
	if b, ok := query["bool"].(map[string]interface{}); ok {
		return matchBool(source, b, now)
	}
	if m, ok := query["match"].(map[string]interface{}); ok {
		return matchMatch(source, m)
	}
	if r, ok := query["range"].(map[string]interface{}); ok {
		return matchRange(source, r, now)
	}
	if e, ok := query["exists"].(map[string]interface{}); ok {
		return matchExists(source, e)
	}
	return false
}

func matchBool(source map[string]interface{}, b map[string]interface{}, now time.Time) bool {
	if must := toClauseList(b["must"]); must != nil {
		for _, c := range must {
			if !matchQuery(source, c, now) {
				return false
			}
		}
	}

	if mustNot := toClauseList(b["must_not"]); mustNot != nil {
		for _, c := range mustNot {
			if matchQuery(source, c, now) {
				return false
			}
		}
	}

	should := toClauseList(b["should"])
	if len(should) == 0 {
		return true
	}

	min := 1
	if v, ok := b["minimum_should_match"]; ok {
		if n, ok := toFloat(v); ok {
			min = int(n)
		}
	}

	matches := 0
	for _, c := range should {
		if matchQuery(source, c, now) {
			matches++
		}
	}
	return matches >= min
}

// toClauseList accepts both a single clause map and a slice of clauses,
// since ES's "must"/"should"/"must_not" accept either shape.
func toClauseList(v interface{}) []map[string]interface{} {
	switch t := v.(type) {
	case []map[string]interface{}:
		return t
	case map[string]interface{}:
		return []map[string]interface{}{t}
	default:
		return nil
	}
}

func matchMatch(source map[string]interface{}, m map[string]interface{}) bool {
	for field, want := range m {
		got, ok := docpath.Get(source, field)
		if !ok {
			return false
		}
		if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func matchExists(source map[string]interface{}, e map[string]interface{}) bool {
	field, _ := e["field"].(string)
	v, ok := docpath.Get(source, field)
	return ok && !docpath.IsEmpty(v)
}

func matchRange(source map[string]interface{}, r map[string]interface{}, now time.Time) bool {
	for field, boundsRaw := range r {
		bounds, ok := boundsRaw.(map[string]interface{})
		if !ok {
			return false
		}
		v, ok := docpath.Get(source, field)
		if !ok {
			return false
		}
		got, ok := toFloat(v)
		if !ok {
			return false
		}

		if lte, ok := bounds["lte"]; ok {
			bound, ok := resolveRelative(lte, now)
			if !ok || got > bound {
				return false
			}
		}
		if gte, ok := bounds["gte"]; ok {
			bound, ok := resolveRelative(gte, now)
			if !ok || got < bound {
				return false
			}
		}
	}
	return true
}

// resolveRelative turns "now-10s"-style expressions and absolute
// numeric millis into a millis float.
func resolveRelative(v interface{}, now time.Time) (float64, bool) {
	s, ok := v.(string)
	if !ok {
		return toFloat(v)
	}
	if s == "now" {
		return float64(now.UnixMilli()), true
	}
	if strings.HasPrefix(s, "now-") {
		seconds, ok := parseDurationSeconds(s[len("now-"):])
		if !ok {
			return 0, false
		}
		return float64(now.Add(-time.Duration(seconds) * time.Second).UnixMilli()), true
	}
	return toFloat(v)
}

func parseDurationSeconds(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	unit := s[len(s)-1]
	numPart := s[:len(s)-1]
	var mult int64
	switch unit {
	case 's':
		mult = 1
	case 'm':
		mult = 60
	case 'h':
		mult = 3600
	default:
		return 0, false
	}
	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, false
	}
	return n * mult, true
}

func marshalSource(source map[string]interface{}) ([]byte, error) {
	return json.Marshal(source)
}
