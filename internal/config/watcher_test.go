package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestWatchReloadsOnWrite(t *testing.T) {
	orig := debounceWrite
	debounceWrite = 0
	t.Cleanup(func() { debounceWrite = orig })

	dir := t.TempDir()
	path := filepath.Join(dir, "scanner.env")
	require.NoError(t, os.WriteFile(path, []byte("THREATSCAN_INTERVAL=5m\nTHREATSCAN_CONCURRENCY=8\n"), 0o644))

	live := NewLive(Config{Interval: "5m", Concurrency: 8})
	w, err := Watch(path, live, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("THREATSCAN_INTERVAL=30s\nTHREATSCAN_CONCURRENCY=2\n"), 0o644))

	require.Eventually(t, func() bool {
		return live.Interval() == "30s" && live.Concurrency() == 2
	}, 2*time.Second, 20*time.Millisecond)
}

func TestWatchIgnoresUnknownKeys(t *testing.T) {
	orig := debounceWrite
	debounceWrite = 0
	t.Cleanup(func() { debounceWrite = orig })

	dir := t.TempDir()
	path := filepath.Join(dir, "scanner.env")
	require.NoError(t, os.WriteFile(path, []byte("# comment\nSOME_OTHER_KEY=x\n"), 0o644))

	live := NewLive(Config{Interval: "5m", Concurrency: 8})
	w, err := Watch(path, live, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("# comment\nSOME_OTHER_KEY=y\n"), 0o644))
	time.Sleep(100 * time.Millisecond)

	require.Equal(t, "5m", live.Interval())
	require.Equal(t, 8, live.Concurrency())
}
