package audio

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// stubSource yields pre-made segments, then an optional terminal error.
type stubSource struct {
	segs     []*Segment
	err      error
	pos      int
	closed   bool
	closedMu sync.Mutex
}

func (s *stubSource) Next(ctx context.Context) (*Segment, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if s.pos < len(s.segs) {
		seg := s.segs[s.pos]
		s.pos++
		return seg, nil
	}
	return nil, s.err
}

func (s *stubSource) Close() error {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	s.closed = true
	return nil
}

func (s *stubSource) wasClosed() bool {
	s.closedMu.Lock()
	defer s.closedMu.Unlock()
	return s.closed
}

// stubSink records deliveries and can fail chosen indices.
type stubSink struct {
	mu       sync.Mutex
	sent     []string
	failIdx  map[int]bool
	delivery int
}

func (s *stubSink) SendText(string) error { return nil }

func (s *stubSink) SendAudioFile(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delivery++
	if s.failIdx[s.delivery] {
		return errors.New("send failed")
	}
	s.sent = append(s.sent, path)
	return nil
}

// noopLock satisfies Lock without a registry.
type noopLock struct{ held bool }

func (l *noopLock) Acquire(context.Context) error { l.held = true; return nil }
func (l *noopLock) Release()                      { l.held = false }

func makeSegments(t *testing.T, dir string, n int) []*Segment {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	segs := make([]*Segment, n)
	for i := range segs {
		p := filepath.Join(dir, "seg"+string(rune('a'+i))+".wav")
		if err := os.WriteFile(p, []byte("RIFF"), 0o644); err != nil {
			t.Fatal(err)
		}
		segs[i] = &Segment{Index: i + 1, Path: p}
	}
	return segs
}

func newTestScheduler() *Scheduler {
	return NewScheduler(time.Millisecond, zerolog.Nop())
}

// opener hands Run a pre-built source.
func opener(src SegmentSource) OpenFunc {
	return func(context.Context) (SegmentSource, error) { return src, nil }
}

func TestRunDeliversAllAndCleansUp(t *testing.T) {
	dir := t.TempDir()
	src := &stubSource{segs: makeSegments(t, dir, 3)}
	sink := &stubSink{}
	lock := &noopLock{}

	report, err := newTestScheduler().Run(context.Background(), lock, opener(src), sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Delivered != 3 || report.Total != 3 || len(report.Failed) != 0 {
		t.Errorf("report = %+v, want 3 delivered", report)
	}
	if len(sink.sent) != 3 {
		t.Errorf("sink saw %d files, want 3", len(sink.sent))
	}
	for _, s := range src.segs {
		if _, err := os.Stat(s.Path); !os.IsNotExist(err) {
			t.Errorf("segment file %s not removed after delivery", s.Path)
		}
	}
	if !src.wasClosed() {
		t.Error("source not closed")
	}
	if lock.held {
		t.Error("lock still held after run")
	}
}

func TestRunContinuesPastSinkFailure(t *testing.T) {
	dir := t.TempDir()
	src := &stubSource{segs: makeSegments(t, dir, 3)}
	sink := &stubSink{failIdx: map[int]bool{2: true}}

	report, err := newTestScheduler().Run(context.Background(), &noopLock{}, opener(src), sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Delivered != 2 {
		t.Errorf("Delivered = %d, want 2", report.Delivered)
	}
	if len(report.Failed) != 1 || report.Failed[0] != 2 {
		t.Errorf("Failed = %v, want [2]", report.Failed)
	}
	// The failed segment's file is removed all the same.
	for _, s := range src.segs {
		if _, err := os.Stat(s.Path); !os.IsNotExist(err) {
			t.Errorf("segment file %s not removed", s.Path)
		}
	}
}

func TestRunAbortsOnSourceError(t *testing.T) {
	dir := t.TempDir()
	src := &stubSource{segs: makeSegments(t, dir, 1), err: errors.New("decode blew up")}

	report, err := newTestScheduler().Run(context.Background(), &noopLock{}, opener(src), &stubSink{})
	if err == nil {
		t.Fatal("Run returned nil for a failed source")
	}
	if report.Canceled {
		t.Error("source failure reported as cancellation")
	}
	if report.Delivered != 1 {
		t.Errorf("Delivered = %d, want 1 before the failure", report.Delivered)
	}
}

func TestRunCancellation(t *testing.T) {
	dir := t.TempDir()
	src := &stubSource{segs: makeSegments(t, dir, 5)}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := newTestScheduler().Run(ctx, &noopLock{}, opener(src), &stubSink{})
	if err == nil {
		t.Fatal("Run returned nil under cancellation")
	}
	if !report.Canceled {
		t.Error("report does not mark cancellation")
	}
	if !src.wasClosed() {
		t.Error("source not closed on cancellation")
	}
}

// chanLock wraps a buffered channel so two concurrent runs can prove they
// serialize.
type chanLock struct{ ch chan struct{} }

func (l *chanLock) Acquire(ctx context.Context) error {
	select {
	case l.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (l *chanLock) Release() { <-l.ch }

func TestRunSerializesOnSharedLock(t *testing.T) {
	dir := t.TempDir()
	lock := &chanLock{ch: make(chan struct{}, 1)}

	var mu sync.Mutex
	var active, maxActive int
	countingSink := func() Sink {
		return sinkFunc(func(path string) error {
			mu.Lock()
			active++
			if active > maxActive {
				maxActive = active
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			mu.Lock()
			active--
			mu.Unlock()
			return nil
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		segs := makeSegments(t, filepath.Join(dir, string(rune('x'+i))), 2)
		wg.Add(1)
		go func(segs []*Segment) {
			defer wg.Done()
			src := &stubSource{segs: segs}
			if _, err := newTestScheduler().Run(context.Background(), lock, opener(src), countingSink()); err != nil {
				t.Errorf("Run: %v", err)
			}
		}(segs)
	}
	wg.Wait()

	if maxActive > 1 {
		t.Errorf("two runs on the same session lock overlapped (max active %d)", maxActive)
	}
}

// A run queued behind an in-flight one must not start decoding or export
// anything until the session frees up: the open callback fires only once
// the lock is held.
func TestRunOpensSourceOnlyUnderLock(t *testing.T) {
	dir := t.TempDir()
	lock := &chanLock{ch: make(chan struct{}, 1)}
	lock.ch <- struct{}{} // session busy elsewhere

	var opened atomic.Bool
	src := &stubSource{segs: makeSegments(t, dir, 1)}
	done := make(chan struct{})
	go func() {
		defer close(done)
		open := func(context.Context) (SegmentSource, error) {
			opened.Store(true)
			return src, nil
		}
		if _, err := newTestScheduler().Run(context.Background(), lock, open, &stubSink{}); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	time.Sleep(20 * time.Millisecond)
	if opened.Load() {
		t.Fatal("source opened while the session lock was held elsewhere")
	}
	<-lock.ch
	<-done
	if !opened.Load() {
		t.Error("source never opened after the lock freed")
	}
}

func TestRunReportsOpenFailure(t *testing.T) {
	lock := &noopLock{}
	open := func(context.Context) (SegmentSource, error) {
		return nil, errors.New("decode blew up")
	}

	report, err := newTestScheduler().Run(context.Background(), lock, open, &stubSink{})
	if err == nil {
		t.Fatal("Run returned nil for a failed open")
	}
	if report.Canceled {
		t.Error("open failure reported as cancellation")
	}
	if lock.held {
		t.Error("lock still held after open failure")
	}
}

// sinkFunc adapts a function to Sink.
type sinkFunc func(path string) error

func (f sinkFunc) SendText(string) error           { return nil }
func (f sinkFunc) SendAudioFile(path string) error { return f(path) }
