// Package stream implements a paginated document stream: a
// point-in-time cursor over an index, yielding fixed size pages sorted
// by a stable key until exhausted.
package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/threatscan/scanner/internal/backend"
)

// BatchSize is the fixed page size, pinned for reproducibility.
const BatchSize = 1000

// DefaultKeepAlive is the default point-in-time keep-alive.
const DefaultKeepAlive = time.Minute

// SortMode selects between the two supported sort-key shapes.
type SortMode int

const (
	// SortTimestamp sorts ascending by @timestamp.
	SortTimestamp SortMode = iota
	// SortShuffle sorts by a scripted deterministic shuffle of
	// @timestamp salted per run, to spread contention across
	// overlapping scanner instances/runs.
	SortShuffle
)

// Options configures a new Stream.
type Options struct {
	Index     []string
	Query     map[string]interface{}
	BatchSize int
	Mode      SortMode
	// Salt seeds the shuffle sort; required when Mode is SortShuffle.
	Salt      string
	KeepAlive time.Duration
}

// Stream is a finite, single-pass, non-restartable sequence of pages
// over Options.Index matching Options.Query.
type Stream struct {
	b         backend.Backend
	opts      Options
	pitID     string
	lastSort  []interface{}
	exhausted bool
}

// Open opens a point-in-time cursor and returns a ready-to-page Stream.
func Open(ctx context.Context, b backend.Backend, opts Options) (*Stream, error) {
	if opts.BatchSize <= 0 {
		opts.BatchSize = BatchSize
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	if opts.Mode == SortShuffle && opts.Salt == "" {
		return nil, fmt.Errorf("open stream: shuffle sort requires a salt")
	}

	pitID, err := b.OpenPointInTime(ctx, opts.Index, opts.KeepAlive)
	if err != nil {
		return nil, fmt.Errorf("open point in time: %w", err)
	}

	return &Stream{b: b, opts: opts, pitID: pitID}, nil
}

// NextPage returns the next page of hits, or a nil/empty slice once
// the stream is exhausted. The first empty page ends the stream; no
// further search requests are issued after that.
func (s *Stream) NextPage(ctx context.Context) ([]backend.Hit, error) {
	if s.exhausted {
		return nil, nil
	}

	req := backend.SearchRequest{
		PitID:       s.pitID,
		Sort:        sortSpec(s.opts.Mode, s.opts.Salt),
		Size:        s.opts.BatchSize,
		Query:       s.opts.Query,
		SearchAfter: s.lastSort,
	}

	hits, err := s.b.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}

	if len(hits) == 0 {
		s.exhausted = true
		return nil, nil
	}

	s.lastSort = hits[len(hits)-1].Sort
	return hits, nil
}

// Close releases the point in time early. Best-effort — the backend
// reaps it after keep-alive regardless.
func (s *Stream) Close(ctx context.Context) error {
	if s.pitID == "" {
		return nil
	}
	return s.b.ClosePointInTime(ctx, s.pitID)
}

func sortSpec(mode SortMode, salt string) []map[string]interface{} {
	if mode == SortShuffle {
		return []map[string]interface{}{
			{
				"_script": map[string]interface{}{
					"type": "number",
					"script": map[string]interface{}{
						"source": "(doc['@timestamp'].value.toInstant().toEpochMilli() + params.salt.hashCode()).hashCode()",
						"params": map[string]interface{}{"salt": salt},
					},
					"order": "asc",
				},
			},
		}
	}
	return []map[string]interface{}{{"@timestamp": "asc"}}
}
