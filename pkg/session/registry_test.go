package session

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aokatsuki/kanade/pkg/meting"
)

func newTestRegistry() *Registry {
	return NewRegistry("netease", zerolog.Nop())
}

func TestGetOrCreateDefaults(t *testing.T) {
	r := newTestRegistry()

	if got := r.Source("chan-1"); got != "netease" {
		t.Errorf("Source = %q, want default netease", got)
	}
	r.SetSource("chan-1", "kugou")
	if got := r.Source("chan-1"); got != "kugou" {
		t.Errorf("Source after SetSource = %q, want kugou", got)
	}
	// A different session keeps its own source.
	if got := r.Source("chan-2"); got != "netease" {
		t.Errorf("second session source = %q, want netease", got)
	}
	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
}

func TestResults(t *testing.T) {
	r := newTestRegistry()
	tracks := []meting.Track{
		{Title: "a", URL: "http://x/a"},
		{Title: "b", URL: "http://x/b"},
	}
	r.SetResults("s", tracks)

	if _, ok := r.ResultAt("s", 0); ok {
		t.Error("index 0 accepted, indices are 1-based")
	}
	got, ok := r.ResultAt("s", 2)
	if !ok || got.Title != "b" {
		t.Errorf("ResultAt(2) = %+v ok=%v, want track b", got, ok)
	}
	if _, ok := r.ResultAt("s", 3); ok {
		t.Error("out-of-range index accepted")
	}

	// Stored results are isolated from caller mutation.
	tracks[0].Title = "mutated"
	if got := r.Results("s"); got[0].Title != "a" {
		t.Errorf("stored result mutated through caller slice: %q", got[0].Title)
	}
}

func TestEvictIdle(t *testing.T) {
	r := newTestRegistry()
	current := time.Now()
	r.now = func() time.Time { return current }

	r.Touch("old")
	current = current.Add(2 * time.Hour)
	r.Touch("fresh")

	if evicted := r.EvictIdle(time.Hour); evicted != 1 {
		t.Fatalf("EvictIdle = %d, want 1", evicted)
	}
	r.mu.Lock()
	_, oldThere := r.entries["old"]
	_, freshThere := r.entries["fresh"]
	r.mu.Unlock()
	if oldThere {
		t.Error("idle session survived eviction")
	}
	if !freshThere {
		t.Error("fresh session was evicted")
	}
}

func TestEvictIdleSkipsHeldLocks(t *testing.T) {
	r := newTestRegistry()
	current := time.Now()
	r.now = func() time.Time { return current }

	lock := r.AudioLock("busy")
	if !lock.TryAcquire() {
		t.Fatal("TryAcquire failed on fresh lock")
	}
	defer lock.Release()

	current = current.Add(2 * time.Hour)
	if evicted := r.EvictIdle(time.Hour); evicted != 0 {
		t.Errorf("EvictIdle = %d, want 0 while pipeline holds the lock", evicted)
	}
}

func TestAudioLockSerializes(t *testing.T) {
	r := newTestRegistry()
	lock := r.AudioLock("s")

	if err := lock.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	if lock.TryAcquire() {
		t.Fatal("second acquire succeeded while lock held")
	}

	released := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := lock.Acquire(context.Background()); err != nil {
			t.Errorf("blocked Acquire: %v", err)
			return
		}
		select {
		case <-released:
		default:
			t.Error("second holder ran before first released")
		}
		lock.Release()
	}()

	time.Sleep(20 * time.Millisecond)
	close(released)
	lock.Release()
	wg.Wait()
}

func TestAudioLockAcquireCancellation(t *testing.T) {
	lock := newAudioLock()
	if err := lock.Acquire(context.Background()); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := lock.Acquire(ctx); err == nil {
		t.Error("Acquire on held lock returned before cancellation")
	}
}

func TestSweepOrphans(t *testing.T) {
	r := newTestRegistry()
	dir := t.TempDir()

	old := filepath.Join(dir, "kanade_audio_u_1.mp3")
	fresh := filepath.Join(dir, "kanade_audio_u_2.mp3")
	other := filepath.Join(dir, "unrelated.mp3")
	for _, p := range []string{old, fresh, other} {
		if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	stale := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(old, stale, stale); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(other, stale, stale); err != nil {
		t.Fatal(err)
	}

	if removed := r.SweepOrphans(dir, "kanade_audio_", time.Hour); removed != 1 {
		t.Errorf("SweepOrphans = %d, want 1", removed)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("stale prefixed file survived sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh file was swept")
	}
	if _, err := os.Stat(other); err != nil {
		t.Error("unrelated file was swept")
	}
}

// The sweep cutoff comes from the registry clock, so a fake clock moved
// past maxAge reaps files whose real modification time is current.
func TestSweepOrphansUsesRegistryClock(t *testing.T) {
	r := newTestRegistry()
	current := time.Now()
	r.now = func() time.Time { return current }
	dir := t.TempDir()

	p := filepath.Join(dir, "kanade_audio_u_1.mp3")
	if err := os.WriteFile(p, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if removed := r.SweepOrphans(dir, "kanade_audio_", time.Hour); removed != 0 {
		t.Errorf("SweepOrphans = %d before the clock moved, want 0", removed)
	}
	current = current.Add(2 * time.Hour)
	if removed := r.SweepOrphans(dir, "kanade_audio_", time.Hour); removed != 1 {
		t.Errorf("SweepOrphans = %d after the clock moved, want 1", removed)
	}
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Error("file survived sweep past its max age")
	}
}

func TestRunLoop(t *testing.T) {
	r := newTestRegistry()
	current := time.Now()
	r.now = func() time.Time { return current }
	r.Touch("idle")
	current = current.Add(time.Hour)

	var mu sync.Mutex
	var passes int
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Run(ctx, RunConfig{
			Interval:   10 * time.Millisecond,
			SessionTTL: time.Minute,
			TempDir:    dir,
			FilePrefix: "kanade_audio_",
			FileMaxAge: time.Hour,
			OnSweep: func(evicted, removed int) {
				mu.Lock()
				passes++
				mu.Unlock()
			},
		})
	}()

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		p := passes
		mu.Unlock()
		if p >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("maintenance loop never ran")
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	<-done

	if r.Len() != 0 {
		t.Errorf("idle session survived the maintenance loop, Len = %d", r.Len())
	}
}
