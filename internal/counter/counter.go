// Package counter computes a bounded, cheap, early-terminated match
// count for an indicator's event-match query.
package counter

import (
	"context"
	"fmt"

	"github.com/threatscan/scanner/internal/backend"
)

// DefaultBound is the terminate-after hint applied when a caller
// doesn't set one, chosen to keep counts cheap and reproducible.
const DefaultBound = 100

// Count returns a match count for query against index, clamped to
// [0, bound]. If the true count exceeds bound, the backend's
// terminate_after/track_total_hits cap means the returned value equals
// bound; callers should treat the stored total as a lower-bound
// estimate of lifetime matches, not an exact count.
func Count(ctx context.Context, b backend.Backend, index []string, query map[string]interface{}, bound int) (int64, error) {
	if bound <= 0 {
		bound = DefaultBound
	}

	n, err := b.Count(ctx, index, query, bound)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}

	if n < 0 {
		n = 0
	}
	if n > int64(bound) {
		n = int64(bound)
	}
	return n, nil
}
