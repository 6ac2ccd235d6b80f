package counter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/threatscan/scanner/internal/backend/backendtest"
)

func seedEvents(f *backendtest.Fake, index string, n int, field, value string) {
	for i := 0; i < n; i++ {
		f.Index(index, "evt-"+field+string(rune('0'+i)), map[string]interface{}{
			field: value,
		})
	}
}

func TestCountReturnsExactWhenBelowBound(t *testing.T) {
	f := backendtest.New()
	seedEvents(f, "events", 3, "url.full", "http://a.test")

	q := map[string]interface{}{"match": map[string]interface{}{"url.full": "http://a.test"}}
	n, err := Count(context.Background(), f, []string{"events"}, q, 100)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestCountClampsToBound(t *testing.T) {
	f := backendtest.New()
	seedEvents(f, "events", 10, "url.full", "http://a.test")

	q := map[string]interface{}{"match": map[string]interface{}{"url.full": "http://a.test"}}
	n, err := Count(context.Background(), f, []string{"events"}, q, 5)
	require.NoError(t, err)
	require.Equal(t, int64(5), n)
}

func TestCountDefaultsBoundWhenUnset(t *testing.T) {
	f := backendtest.New()
	seedEvents(f, "events", 3, "url.full", "http://a.test")

	q := map[string]interface{}{"match": map[string]interface{}{"url.full": "http://a.test"}}
	n, err := Count(context.Background(), f, []string{"events"}, q, 0)
	require.NoError(t, err)
	require.Equal(t, int64(3), n)
}

func TestCountNoMatches(t *testing.T) {
	f := backendtest.New()
	seedEvents(f, "events", 3, "url.full", "http://other.test")

	q := map[string]interface{}{"match": map[string]interface{}{"url.full": "http://a.test"}}
	n, err := Count(context.Background(), f, []string{"events"}, q, 100)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
}
