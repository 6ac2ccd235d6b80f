package config

import "testing"

func TestLoadAppliesDefaults(t *testing.T) {
	cfg := Load()
	if cfg.Concurrency != defaultConcurrency {
		t.Fatalf("concurrency = %d, want default %d", cfg.Concurrency, defaultConcurrency)
	}
	if cfg.Interval != defaultInterval {
		t.Fatalf("interval = %q, want default %q", cfg.Interval, defaultInterval)
	}
}

func TestLoadHonorsEnvOverrides(t *testing.T) {
	t.Setenv("THREATSCAN_CONCURRENCY", "16")
	t.Setenv("THREATSCAN_INTERVAL", "10m")
	t.Setenv("THREATSCAN_THREAT_INDEX", "a, b ,c")

	cfg := Load()
	if cfg.Concurrency != 16 {
		t.Fatalf("concurrency = %d, want 16", cfg.Concurrency)
	}
	if cfg.Interval != "10m" {
		t.Fatalf("interval = %q, want 10m", cfg.Interval)
	}
	want := []string{"a", "b", "c"}
	if len(cfg.ThreatIndex) != len(want) {
		t.Fatalf("threat index = %v, want %v", cfg.ThreatIndex, want)
	}
	for i, v := range want {
		if cfg.ThreatIndex[i] != v {
			t.Fatalf("threat index[%d] = %q, want %q", i, cfg.ThreatIndex[i], v)
		}
	}
}

func TestLoadIgnoresInvalidConcurrency(t *testing.T) {
	t.Setenv("THREATSCAN_CONCURRENCY", "not-a-number")
	cfg := Load()
	if cfg.Concurrency != defaultConcurrency {
		t.Fatalf("concurrency = %d, want default %d on invalid input", cfg.Concurrency, defaultConcurrency)
	}
}

func TestLiveSetIgnoresZeroValues(t *testing.T) {
	live := NewLive(Config{Interval: "5m", Concurrency: 8})
	live.set("", 0)
	if live.Interval() != "5m" || live.Concurrency() != 8 {
		t.Fatalf("set(\"\", 0) must not blank out existing values, got interval=%q concurrency=%d", live.Interval(), live.Concurrency())
	}

	live.set("1m", 2)
	if live.Interval() != "1m" || live.Concurrency() != 2 {
		t.Fatalf("set(\"1m\", 2) did not apply, got interval=%q concurrency=%d", live.Interval(), live.Concurrency())
	}
}
