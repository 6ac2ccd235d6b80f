package scanner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/threatscan/scanner/internal/backend/backendtest"
)

func testDeps(f *backendtest.Fake) Deps {
	return Deps{Client: f, Log: zerolog.Nop()}
}

func seedIndicator(f *backendtest.Fake, id string, indicatorType string, value string) {
	f.Index("indicators", id, map[string]interface{}{
		"@timestamp": float64(1_700_000_000_000),
		"threat": map[string]interface{}{
			"indicator": map[string]interface{}{
				"type": indicatorType,
				"url":  map[string]interface{}{"full": value},
			},
		},
	})
}

func seedEvent(f *backendtest.Fake, id string, url string, tsMillis int64) {
	f.Index("events", id, map[string]interface{}{
		"@timestamp": float64(tsMillis),
		"url":        map[string]interface{}{"full": url},
	})
}

func TestRunStampsIndicatorsWithMatchCounts(t *testing.T) {
	f := backendtest.New()
	seedIndicator(f, "ind-1", "url", "http://bad.test")
	seedEvent(f, "evt-1", "http://bad.test", 1_700_000_000_500)
	seedEvent(f, "evt-2", "http://bad.test", 1_700_000_001_000)

	params := Params{
		ThreatIndex: []string{"indicators"},
		EventsIndex: []string{"events"},
		Concurrency: 4,
		Interval:    "5m",
	}

	summary, err := Run(context.Background(), testDeps(f), params)
	require.NoError(t, err)
	require.False(t, summary.Paused)
	require.Equal(t, 1, summary.Progress)
	require.EqualValues(t, 2, summary.NewThreats)

	stored, ok := f.Get("indicators", "ind-1")
	require.True(t, ok)
	matches, _ := stored["threat"].(map[string]interface{})["detection"].(map[string]interface{})["matches"].(int64)
	require.EqualValues(t, 2, matches)
}

func TestRunIsIdempotentWhenRerunImmediately(t *testing.T) {
	f := backendtest.New()
	seedIndicator(f, "ind-1", "url", "http://bad.test")
	seedEvent(f, "evt-1", "http://bad.test", 1_700_000_000_500)

	params := Params{
		ThreatIndex: []string{"indicators"},
		EventsIndex: []string{"events"},
		Concurrency: 2,
		Interval:    "5m",
	}

	_, err := Run(context.Background(), testDeps(f), params)
	require.NoError(t, err)

	// Immediately re-running must not re-select the indicator: its
	// detection timestamp was just stamped, well inside the interval.
	summary, err := Run(context.Background(), testDeps(f), params)
	require.NoError(t, err)
	require.Equal(t, 0, summary.Progress)
	require.EqualValues(t, 0, summary.NewThreats)
}

func TestRunLeavesUnmatchableIndicatorStampedAtZero(t *testing.T) {
	f := backendtest.New()
	seedIndicator(f, "ind-1", "url", "http://quiet.test")

	params := Params{
		ThreatIndex: []string{"indicators"},
		EventsIndex: []string{"events"},
		Concurrency: 2,
		Interval:    "5m",
	}

	summary, err := Run(context.Background(), testDeps(f), params)
	require.NoError(t, err)
	require.EqualValues(t, 0, summary.NewThreats)

	stored, ok := f.Get("indicators", "ind-1")
	require.True(t, ok)
	detection, ok := stored["threat"].(map[string]interface{})["detection"].(map[string]interface{})
	require.True(t, ok)
	require.Contains(t, detection, "timestamp")
}

func TestRunRespectsConcurrencyBound(t *testing.T) {
	f := backendtest.New()
	f.CountDelay = 20 * time.Millisecond
	for i := 0; i < 12; i++ {
		seedIndicator(f, "ind-"+string(rune('a'+i)), "url", "http://bad.test")
	}
	seedEvent(f, "evt-1", "http://bad.test", 1_700_000_000_500)

	params := Params{
		ThreatIndex: []string{"indicators"},
		EventsIndex: []string{"events"},
		Concurrency: 3,
		Interval:    "5m",
	}

	_, err := Run(context.Background(), testDeps(f), params)
	require.NoError(t, err)
	require.LessOrEqual(t, f.PeakConcurrentCounts(), int64(3))
	require.Greater(t, f.PeakConcurrentCounts(), int64(1))
}

func TestRunPausesBeforeFetchingWhenDeadlineAlreadyPassed(t *testing.T) {
	f := backendtest.New()
	for i := 0; i < 5; i++ {
		seedIndicator(f, "ind-"+string(rune('a'+i)), "url", "http://bad.test")
	}

	params := Params{
		ThreatIndex: []string{"indicators"},
		EventsIndex: []string{"events"},
		Concurrency: 1,
		Interval:    "0s",
	}

	summary, err := Run(context.Background(), testDeps(f), params)
	require.NoError(t, err)
	require.True(t, summary.Paused)
	require.Equal(t, 0, summary.Progress)

	// Nothing was touched: every indicator remains eligible next run.
	stored, ok := f.Get("indicators", "ind-a")
	require.True(t, ok)
	_, hasDetection := stored["threat"].(map[string]interface{})["detection"]
	require.False(t, hasDetection)
}

func TestRunSurfacesMappingMigrationFailure(t *testing.T) {
	f := &failingMappingBackend{Fake: backendtest.New()}
	params := Params{
		ThreatIndex: []string{"indicators"},
		EventsIndex: []string{"events"},
		Concurrency: 1,
		Interval:    "5m",
	}

	_, err := Run(context.Background(), testDeps(f.Fake), params)
	require.NoError(t, err) // sanity: the plain Fake never fails PutMapping

	_, err = Run(context.Background(), Deps{Client: f, Log: zerolog.Nop()}, params)
	require.Error(t, err)
}

// failingMappingBackend wraps a Fake and fails every PutMapping call,
// to exercise the fatal-migration-error path.
type failingMappingBackend struct {
	*backendtest.Fake
}

func (f *failingMappingBackend) PutMapping(_ context.Context, _ string, _ map[string]interface{}) error {
	return errMappingFailed
}

var errMappingFailed = errors.New("simulated mapping failure")

func TestIntervalToSecondsParsesUnits(t *testing.T) {
	cases := map[string]int64{
		"30s": 30,
		"5m":  300,
		"2h":  7200,
		"45":  45,
	}
	for in, want := range cases {
		got, err := intervalToSeconds(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
	}
}

func TestIntervalToSecondsRejectsEmpty(t *testing.T) {
	_, err := intervalToSeconds("")
	require.Error(t, err)
}
