// Package scanner implements the scan orchestrator: the control loop
// that drives the indicator stream, fans each page out to a bounded
// worker pool, bulk-writes detection metadata, and honors the
// wall-clock budget.
package scanner

import (
	"context"
	"crypto/rand"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/threatscan/scanner/internal/backend"
	"github.com/threatscan/scanner/internal/counter"
	"github.com/threatscan/scanner/internal/indicator"
	"github.com/threatscan/scanner/internal/mapping"
	"github.com/threatscan/scanner/internal/scanmetrics"
	"github.com/threatscan/scanner/internal/stream"
)

// deadlineSafetyMargin is subtracted from the computed deadline so the
// last page has room to finish its bulk write before the budget runs out.
const deadlineSafetyMargin = 100 * time.Millisecond

// Params are the parameters one scan run is configured with.
type Params struct {
	ThreatIndex []string
	EventsIndex []string
	Concurrency int
	Verbose     bool
	Interval    string
}

// Deps are the injected collaborators a scan run needs.
type Deps struct {
	Client  backend.Backend
	Log     zerolog.Logger
	Metrics *scanmetrics.Metrics // optional
}

// Summary is what a run reports once it ends or pauses.
type Summary struct {
	RunID      string
	Progress   int
	NewThreats int64
	Paused     bool
	Duration   time.Duration
}

// Run drives one scan invocation. It never returns an error for
// scheduling-normal outcomes (deadline reached, per-indicator or bulk
// failures) — only for conditions that make the run itself unreliable:
// mapping migration, an unparseable interval, cursor open, page fetch,
// or caller cancellation.
func Run(ctx context.Context, deps Deps, params Params) (Summary, error) {
	start := time.Now()
	runID := uuid.NewString()
	log := deps.Log.With().Str("run_id", runID).Logger()

	concurrency := params.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}

	if err := mapping.Migrate(ctx, deps.Client, params.ThreatIndex); err != nil {
		return Summary{RunID: runID}, fmt.Errorf("scan %s: %w", runID, err)
	}

	selectionQuery := indicator.SelectionQuery(params.Interval)

	total, err := deps.Client.Count(ctx, params.ThreatIndex, selectionQuery, 0)
	if err != nil {
		log.Warn().Err(err).Msg("failed to count eligible indicators; continuing without a progress total")
		total = 0
	}

	budgetSeconds, err := intervalToSeconds(params.Interval)
	if err != nil {
		return Summary{RunID: runID}, fmt.Errorf("scan %s: parse interval %q: %w", runID, params.Interval, err)
	}
	deadline := start.Add(time.Duration(budgetSeconds)*time.Second - deadlineSafetyMargin)

	salt := strconv.FormatInt(start.UnixMilli(), 10)
	st, err := stream.Open(ctx, deps.Client, stream.Options{
		Index: params.ThreatIndex,
		Query: selectionQuery,
		Mode:  stream.SortShuffle,
		Salt:  salt,
	})
	if err != nil {
		return Summary{RunID: runID}, fmt.Errorf("scan %s: %w", runID, err)
	}
	defer func() {
		if cerr := st.Close(context.Background()); cerr != nil {
			log.Debug().Err(cerr).Msg("failed to close point in time (backend will reap it after keep-alive)")
		}
	}()

	log.Info().Int64("eligible_total", total).Str("interval", params.Interval).Int("concurrency", concurrency).Msg("starting scan")

	batchIDSource := ulid.Monotonic(rand.Reader, 0)

	var (
		progress   int
		newThreats int64
		paused     bool
	)

	for {
		if ctx.Err() != nil {
			return summarize(runID, progress, newThreats, true, time.Since(start)), ctx.Err()
		}

		if !time.Now().Before(deadline) {
			paused = true
			break
		}

		page, err := st.NextPage(ctx)
		if err != nil {
			return Summary{RunID: runID, Progress: progress, NewThreats: newThreats}, fmt.Errorf("scan %s: %w", runID, err)
		}
		if len(page) == 0 {
			break
		}

		batchID := ulid.MustNew(ulid.Timestamp(time.Now()), batchIDSource).String()
		pageLog := log.With().Str("batch_id", batchID).Int("page_size", len(page)).Logger()

		ops, pageMatches, err := processPage(ctx, deps.Client, params, page, pageLog)
		if ctx.Err() != nil {
			return summarize(runID, progress, newThreats, true, time.Since(start)), ctx.Err()
		}
		if err != nil {
			// processPage only returns an error for context cancellation;
			// defensive fallback, not expected in normal operation.
			return summarize(runID, progress, newThreats, true, time.Since(start)), err
		}

		if len(ops) > 0 {
			result, err := deps.Client.Bulk(ctx, ops)
			if err != nil {
				pageLog.Error().Err(err).Msg("bulk update failed; affected indicators remain eligible next run")
			} else if result != nil && result.HasErrors {
				pageLog.Warn().Strs("failed_ids", result.FailedIDs).Msg("some indicators in this page were not stamped; they remain eligible next run")
			}
		}

		progress += len(page)
		newThreats += pageMatches
		if deps.Metrics != nil {
			deps.Metrics.IndicatorsScanned.Add(float64(len(page)))
			deps.Metrics.MatchesTotal.Add(float64(pageMatches))
			deps.Metrics.PagesTotal.Inc()
		}
	}

	duration := time.Since(start)
	if deps.Metrics != nil {
		deps.Metrics.ScanDuration.Observe(duration.Seconds())
		if paused {
			deps.Metrics.PausedTotal.Inc()
		}
	}

	throughput := float64(0)
	if duration > 0 {
		throughput = float64(progress) / duration.Seconds()
	}
	log.Info().
		Int("progress", progress).
		Int64("new_threats", newThreats).
		Dur("duration", duration).
		Float64("indicators_per_sec", throughput).
		Bool("paused", paused).
		Msg("scan finished")

	return summarize(runID, progress, newThreats, paused, duration), nil
}

func summarize(runID string, progress int, newThreats int64, paused bool, duration time.Duration) Summary {
	return Summary{RunID: runID, Progress: progress, NewThreats: newThreats, Paused: paused, Duration: duration}
}

// pageResult is one worker's outcome for a single indicator.
type pageResult struct {
	op    *backend.BulkOp
	delta int64
}

// processPage runs a bounded-concurrency worker pool — at most
// params.Concurrency event-match operations in flight — over one page,
// returning the bulk ops to submit and the total new-match delta. It
// returns an error only when ctx is canceled mid-page.
func processPage(ctx context.Context, b backend.Backend, params Params, page []backend.Hit, log zerolog.Logger) ([]backend.BulkOp, int64, error) {
	sem := semaphore.NewWeighted(int64(params.Concurrency))
	if params.Concurrency < 1 {
		sem = semaphore.NewWeighted(1)
	}

	var (
		mu      sync.Mutex
		results []pageResult
		wg      sync.WaitGroup
	)

	for i := range page {
		hit := page[i]

		if err := sem.Acquire(ctx, 1); err != nil {
			// Context canceled while waiting for a slot: stop fanning out
			// more work, but let already-dispatched workers finish so we
			// don't orphan a partially-mutated results slice.
			break
		}

		wg.Add(1)
		go func(hit backend.Hit) {
			defer wg.Done()
			defer sem.Release(1)

			result, ok := processIndicator(ctx, b, params, hit, log)
			if !ok {
				return
			}
			mu.Lock()
			results = append(results, result)
			mu.Unlock()
		}(hit)
	}

	wg.Wait()

	if ctx.Err() != nil {
		return nil, 0, ctx.Err()
	}

	ops := make([]backend.BulkOp, 0, len(results))
	var total int64
	for _, r := range results {
		ops = append(ops, *r.op)
		total += r.delta
	}
	return ops, total, nil
}

// processIndicator handles one indicator. ok is false when the
// indicator must be left unstamped (missing source, or a count
// failure), so it remains eligible and is retried on the next run.
func processIndicator(ctx context.Context, b backend.Backend, params Params, hit backend.Hit, log zerolog.Logger) (pageResult, bool) {
	ind, err := indicator.Parse(hit)
	if err != nil {
		log.Error().Err(err).Str("indicator_id", hit.ID).Msg("failed to parse indicator; left unstamped")
		return pageResult{}, false
	}
	if !ind.HasSource() {
		log.Warn().Str("indicator_id", hit.ID).Msg("indicator hit had no _source; skipped, left unstamped")
		return pageResult{}, false
	}

	predicates := ind.ShouldClause()
	now := time.Now().UnixMilli()

	var delta int64
	if len(predicates) == 0 {
		// Empty should-clause: nothing to match, but stamp it anyway so
		// it doesn't keep re-entering the eligible set.
		delta = 0
	} else {
		query := indicator.EventMatchQuery(predicates, ind.Timestamp)
		n, err := counter.Count(ctx, b, params.EventsIndex, query, counter.DefaultBound)
		if err != nil {
			log.Error().Err(err).Str("indicator_id", hit.ID).Msg("event count failed; left unstamped")
			return pageResult{}, false
		}
		delta = n
	}

	op := backend.BulkOp{
		ID:    ind.ID,
		Index: ind.Index,
		Doc: map[string]interface{}{
			"threat": map[string]interface{}{
				"detection": map[string]interface{}{
					"timestamp": now,
					"matches":   ind.Matches + delta,
				},
			},
		},
	}

	return pageResult{op: &op, delta: delta}, true
}

// intervalToSeconds parses a <n><unit> duration: digits followed by
// s|m|h, unknown units default to a ×1 (seconds) multiplier. A string
// of digits with no unit is read whole as a seconds count.
func intervalToSeconds(interval string) (int64, error) {
	if interval == "" {
		return 0, fmt.Errorf("empty interval")
	}

	unit := interval[len(interval)-1]
	numPart := interval
	mult := int64(1)

	switch unit {
	case 's', 'm', 'h':
		numPart = interval[:len(interval)-1]
		switch unit {
		case 'm':
			mult = 60
		case 'h':
			mult = 3600
		}
	default:
		if unit < '0' || unit > '9' {
			numPart = interval[:len(interval)-1]
		}
	}

	n, err := strconv.ParseInt(numPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", interval, err)
	}
	return n * mult, nil
}
