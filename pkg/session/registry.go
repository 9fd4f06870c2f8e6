// Package session holds per-conversation state: the selected music source,
// the last search results, and the per-session audio lock that serializes
// segmentation runs. Idle sessions are evicted on a background cadence, and
// the same cadence sweeps orphaned temporary files left behind by a crash.
package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aokatsuki/kanade/pkg/meting"
)

// AudioLock is a per-session mutual exclusion handle. At most one
// segmentation/delivery pipeline holds it at any time.
type AudioLock struct {
	ch chan struct{}
}

func newAudioLock() *AudioLock {
	return &AudioLock{ch: make(chan struct{}, 1)}
}

// Acquire blocks until the lock is free or ctx is done.
func (l *AudioLock) Acquire(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryAcquire acquires the lock without blocking.
func (l *AudioLock) TryAcquire() bool {
	select {
	case l.ch <- struct{}{}:
		return true
	default:
		return false
	}
}

// Release frees the lock. Releasing an unheld lock is a no-op.
func (l *AudioLock) Release() {
	select {
	case <-l.ch:
	default:
	}
}

func (l *AudioLock) held() bool { return len(l.ch) > 0 }

// entry bundles a session's state with its audio lock so eviction can never
// remove one and leave the other behind.
type entry struct {
	source       string
	results      []meting.Track
	lastActivity time.Time
	lock         *AudioLock
}

// Registry owns all session state, keyed by opaque session id. A single
// mutex covers creation, timestamp refresh, and the eviction scan.
type Registry struct {
	mu            sync.Mutex
	entries       map[string]*entry
	defaultSource string
	logger        zerolog.Logger

	now func() time.Time // overridden in tests
}

// NewRegistry creates an empty registry. defaultSource seeds the music
// source of newly created sessions.
func NewRegistry(defaultSource string, logger zerolog.Logger) *Registry {
	return &Registry{
		entries:       make(map[string]*entry),
		defaultSource: defaultSource,
		logger:        logger.With().Str("component", "session").Logger(),
		now:           time.Now,
	}
}

// getOrCreate must be called with r.mu held. Every access refreshes the
// activity timestamp.
func (r *Registry) getOrCreate(id string) *entry {
	e, ok := r.entries[id]
	if !ok {
		e = &entry{source: r.defaultSource, lock: newAudioLock()}
		r.entries[id] = e
	}
	e.lastActivity = r.now()
	return e
}

// Touch refreshes the session's activity timestamp, creating it if needed.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreate(id)
}

// Source returns the session's selected music source.
func (r *Registry) Source(id string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreate(id).source
}

// SetSource selects the session's music source.
func (r *Registry) SetSource(id, source string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreate(id).source = source
}

// SetResults stores the session's latest search results, replacing the
// previous list.
func (r *Registry) SetResults(id string, tracks []meting.Track) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.getOrCreate(id).results = append([]meting.Track(nil), tracks...)
}

// Results returns a copy of the session's stored search results.
func (r *Registry) Results(id string) []meting.Track {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]meting.Track(nil), r.getOrCreate(id).results...)
}

// ResultAt returns the 1-based index'th stored result.
func (r *Registry) ResultAt(id string, index int) (meting.Track, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := r.getOrCreate(id).results
	if index < 1 || index > len(res) {
		return meting.Track{}, false
	}
	return res[index-1], true
}

// AudioLock returns the session's audio lock, creating the session if
// needed.
func (r *Registry) AudioLock(id string) *AudioLock {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getOrCreate(id).lock
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// EvictIdle removes every session idle for longer than ttl and returns how
// many were removed. Sessions whose audio lock is currently held are
// skipped; their pipeline refreshed the timestamp when it started and will
// again on the next command.
func (r *Registry) EvictIdle(ttl time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-ttl)
	var evicted int
	for id, e := range r.entries {
		if e.lastActivity.After(cutoff) || e.lock.held() {
			continue
		}
		delete(r.entries, id)
		evicted++
	}
	if evicted > 0 {
		r.logger.Debug().Int("count", evicted).Msg("evicted idle sessions")
	}
	return evicted
}

// SweepOrphans deletes files under dir whose name carries prefix and whose
// modification time is older than maxAge, returning how many were removed.
// It is the safety net for temporary files that survived a crash between
// creation and pipeline cleanup.
func (r *Registry) SweepOrphans(dir, prefix string, maxAge time.Duration) int {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		r.logger.Error().Err(err).Str("dir", dir).Msg("orphan sweep failed to read directory")
		return 0
	}
	cutoff := r.now().Add(-maxAge)
	var removed int
	for _, de := range dirents {
		if de.IsDir() || !strings.HasPrefix(de.Name(), prefix) {
			continue
		}
		info, err := de.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, de.Name())
		if err := os.Remove(path); err != nil {
			r.logger.Warn().Err(err).Str("path", path).Msg("failed to remove orphaned file")
			continue
		}
		removed++
	}
	if removed > 0 {
		r.logger.Info().Int("count", removed).Str("dir", dir).Msg("removed orphaned temp files")
	}
	return removed
}

// RunConfig drives the background maintenance loop.
type RunConfig struct {
	Interval   time.Duration
	SessionTTL time.Duration
	TempDir    string
	FilePrefix string
	FileMaxAge time.Duration
	// OnSweep, when set, observes each pass (metrics hookup).
	OnSweep func(evicted, removedFiles int)
}

// Run performs idle eviction and the orphan-file sweep on a fixed cadence
// until ctx is done. It never blocks request handling; all it shares with
// the request path is the registry mutex, held briefly per scan.
func (r *Registry) Run(ctx context.Context, cfg RunConfig) {
	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			evicted := r.EvictIdle(cfg.SessionTTL)
			removed := r.SweepOrphans(cfg.TempDir, cfg.FilePrefix, cfg.FileMaxAge)
			if cfg.OnSweep != nil {
				cfg.OnSweep(evicted, removed)
			}
		}
	}
}
