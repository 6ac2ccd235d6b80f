package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// debounceWrite coalesces the burst of events most editors/filesystems
// emit for a single save. Overridable in tests.
var debounceWrite = 250 * time.Millisecond

// Watcher reloads a key=value file's THREATSCAN_INTERVAL and
// THREATSCAN_CONCURRENCY lines into a Live config whenever the file
// changes on disk.
type Watcher struct {
	watcher *fsnotify.Watcher
	live    *Live
	path    string
	log     zerolog.Logger
	done    chan struct{}
}

// Watch starts watching path for changes and applying them to live.
// Closing the returned Watcher stops the background goroutine.
func Watch(path string, live *Live, log zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(path); err != nil {
		fw.Close()
		return nil, err
	}

	w := &Watcher{watcher: fw, live: live, path: path, log: log, done: make(chan struct{})}
	go w.handleEvents(fw.Events, fw.Errors)
	return w, nil
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	close(w.done)
	return w.watcher.Close()
}

func (w *Watcher) handleEvents(events <-chan fsnotify.Event, errs <-chan error) {
	var timer *time.Timer
	reload := func() {
		if err := w.reload(); err != nil {
			w.log.Warn().Err(err).Str("path", w.path).Msg("failed to reload live config")
		}
	}

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounceWrite, reload)
		case err, ok := <-errs:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("config watcher error")
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload() error {
	f, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer f.Close()

	var interval string
	var concurrency int

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		value = strings.Trim(strings.TrimSpace(value), `"`)
		switch strings.TrimSpace(key) {
		case "THREATSCAN_INTERVAL":
			interval = value
		case "THREATSCAN_CONCURRENCY":
			if n, err := strconv.Atoi(value); err == nil {
				concurrency = n
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}

	w.live.set(interval, concurrency)
	w.log.Info().Str("interval", w.live.Interval()).Int("concurrency", w.live.Concurrency()).Msg("reloaded live config")
	return nil
}
