package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultWatchInterval is the polling interval of a [Watcher].
const DefaultWatchInterval = 5 * time.Second

// Watcher keeps the configuration file in sync with a running server. It
// reloads the file when it changes on disk or when [Watcher.Reload] is called
// (e.g. on SIGHUP) and hands every valid new version to a callback. Invalid
// edits are logged and the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(old, new *Config)

	current atomic.Pointer[Config]

	reloadMu sync.Mutex // serialises reloads and callbacks
	stamp    fileStamp
}

// fileStamp identifies one version of the config file.
type fileStamp struct {
	size  int64
	mtime time.Time
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values are ignored.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher loads the config at path. Polling starts with [Watcher.Run].
// onChange may be nil.
func NewWatcher(path string, onChange func(old, new *Config), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		onChange: onChange,
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watcher initial load: %w", err)
	}
	w.current.Store(cfg)
	w.stamp = stamp
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// Run polls the file until ctx is cancelled and returns ctx.Err().
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !w.statChanged() {
				continue
			}
			if _, err := w.Reload(); err != nil {
				slog.Warn("config watcher: keeping current configuration", "path", w.path, "err", err)
			}
		}
	}
}

// statChanged reports whether the size or modification time of the file
// differs from the last loaded version.
func (w *Watcher) statChanged() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: cannot stat file", "path", w.path, "err", err)
		return false
	}
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()
	return info.Size() != w.stamp.size || !info.ModTime().Equal(w.stamp.mtime)
}

// Reload reads the file now. It reports whether the content differed from
// the current version; only then is the callback invoked. An invalid file
// returns an error and leaves the current config in place.
func (w *Watcher) Reload() (bool, error) {
	w.reloadMu.Lock()
	defer w.reloadMu.Unlock()

	cfg, stamp, err := w.read()
	if err != nil {
		return false, err
	}
	if stamp.sum == w.stamp.sum {
		// Touched without an edit.
		w.stamp = stamp
		return false, nil
	}
	w.stamp = stamp

	old := w.current.Swap(cfg)
	slog.Info("config watcher: configuration reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(old, cfg)
	}
	return true, nil
}

// read parses and validates the file and stamps the bytes it parsed.
func (w *Watcher) read() (*Config, fileStamp, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fileStamp{}, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fileStamp{}, err
	}

	cfg, err := LoadFromReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{
		size:  info.Size(),
		mtime: info.ModTime(),
		sum:   sha256.Sum256(buf.Bytes()),
	}, nil
}
