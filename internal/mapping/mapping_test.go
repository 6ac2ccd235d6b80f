package mapping

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/threatscan/scanner/internal/backend/backendtest"
)

func TestMigrateAppliesToEveryIndex(t *testing.T) {
	f := &recordingBackend{Fake: backendtest.New()}
	err := Migrate(context.Background(), f, []string{"indicators-a", "indicators-b"})
	require.NoError(t, err)
	require.Equal(t, []string{"indicators-a", "indicators-b"}, f.mapped)
}

// recordingBackend wraps a Fake and records every index PutMapping is
// called for.
type recordingBackend struct {
	*backendtest.Fake
	mapped []string
}

func (r *recordingBackend) PutMapping(ctx context.Context, index string, properties map[string]interface{}) error {
	r.mapped = append(r.mapped, index)
	return r.Fake.PutMapping(ctx, index, properties)
}

func TestMigrateIsIdempotent(t *testing.T) {
	f := backendtest.New()
	require.NoError(t, Migrate(context.Background(), f, []string{"indicators"}))
	require.NoError(t, Migrate(context.Background(), f, []string{"indicators"}))
}
