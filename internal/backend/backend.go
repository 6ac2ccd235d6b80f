// Package backend declares the search-engine operations the scan engine
// consumes. The engine depends only on this interface; a concrete
// implementation lives in internal/esclient, and tests use the
// in-memory fake in internal/backend/backendtest.
package backend

import (
	"context"
	"encoding/json"
	"time"
)

// Hit is one document returned by a search or page request.
type Hit struct {
	ID     string
	Index  string
	Source json.RawMessage
	// Sort carries the document's sort-key values, used to seed the
	// next page's search_after.
	Sort []interface{}
}

// SearchRequest describes one page request against an open point in time.
type SearchRequest struct {
	PitID       string
	Sort        []map[string]interface{}
	Size        int
	Query       map[string]interface{}
	SearchAfter []interface{}
}

// BulkOp is one partial-document update: `update { _id, _index }` / `doc`.
type BulkOp struct {
	ID    string
	Index string
	Doc   map[string]interface{}
}

// BulkResult reports which operations in a bulk request failed.
type BulkResult struct {
	HasErrors bool
	// FailedIDs lists the _id of every operation the backend rejected.
	FailedIDs []string
}

// Backend is the set of search-engine operations the scan engine needs,
// named by role rather than tied to any one wire protocol.
type Backend interface {
	// OpenPointInTime opens a consistent-view cursor over index, held
	// open for keepAlive, and returns its opaque id.
	OpenPointInTime(ctx context.Context, index []string, keepAlive time.Duration) (string, error)

	// ClosePointInTime releases a point in time early. Best-effort: the
	// backend reaps it after keepAlive regardless.
	ClosePointInTime(ctx context.Context, pitID string) error

	// Search returns one page of hits for req.
	Search(ctx context.Context, req SearchRequest) ([]Hit, error)

	// Count returns a bounded match count for query against index,
	// early-terminating at terminateAfter hits when terminateAfter > 0.
	Count(ctx context.Context, index []string, query map[string]interface{}, terminateAfter int) (int64, error)

	// Bulk submits a batch of partial-document updates in one round trip.
	Bulk(ctx context.Context, ops []BulkOp) (*BulkResult, error)

	// PutMapping idempotently extends index's mapping with properties.
	PutMapping(ctx context.Context, index string, properties map[string]interface{}) error
}
