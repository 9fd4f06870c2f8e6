package audio

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/faiface/beep"
	"github.com/faiface/beep/wav"
	"github.com/rs/zerolog"

	"github.com/aokatsuki/kanade/pkg/sniff"
)

func TestSplitWindows(t *testing.T) {
	// 325 s of audio at 1000 samples/s cut into 120 s windows.
	sr := beep.SampleRate(1000)
	got := splitWindows(325000, 120000, sr)

	want := []window{
		{startMs: 0, endMs: 120000, samples: 120000},
		{startMs: 120000, endMs: 240000, samples: 120000},
		{startMs: 240000, endMs: 325000, samples: 85000},
	}
	if len(got) != len(want) {
		t.Fatalf("got %d windows, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("window %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestSplitWindowsExactMultiple(t *testing.T) {
	sr := beep.SampleRate(1000)
	got := splitWindows(240000, 120000, sr)
	if len(got) != 2 {
		t.Fatalf("got %d windows, want 2", len(got))
	}
	if got[1].endMs != 240000 || got[1].samples != 120000 {
		t.Errorf("final window = %+v", got[1])
	}
}

// writeSilentWAV writes a mono 16-bit wav of the given sample count and
// rate.
func writeSilentWAV(t *testing.T, path string, samples int, sr beep.SampleRate) beep.Format {
	t.Helper()
	format := beep.Format{SampleRate: sr, NumChannels: 1, Precision: 2}
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := wav.Encode(f, beep.Silence(samples), format); err != nil {
		t.Fatal(err)
	}
	return format
}

func TestSegmentStream(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "kanade_audio_u_test.wav")
	// 325 s at 1000 Hz, 120 s segments: expect 3 segments.
	writeSilentWAV(t, src, 325000, 1000)

	seg := NewSegmenter(dir, 120*time.Second, zerolog.Nop())
	stream, err := seg.Open(context.Background(), src, sniff.FormatWAV)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer stream.Close()

	if stream.Count() != 3 {
		t.Errorf("Count = %d, want 3", stream.Count())
	}
	if stream.TotalDuration() != 325*time.Second {
		t.Errorf("TotalDuration = %v, want 325s", stream.TotalDuration())
	}

	wantRanges := [][2]int64{{0, 120000}, {120000, 240000}, {240000, 325000}}
	var paths []string
	for i := 1; ; i++ {
		s, err := stream.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if s == nil {
			if i != 4 {
				t.Errorf("stream ended after %d segments, want 3", i-1)
			}
			break
		}
		if s.Index != i {
			t.Errorf("segment index = %d, want %d", s.Index, i)
		}
		r := wantRanges[i-1]
		if s.StartMs != r[0] || s.EndMs != r[1] {
			t.Errorf("segment %d range = [%d,%d), want [%d,%d)", i, s.StartMs, s.EndMs, r[0], r[1])
		}
		if _, err := os.Stat(s.Path); err != nil {
			t.Errorf("segment %d file missing: %v", i, err)
		}
		paths = append(paths, s.Path)
		os.Remove(s.Path)
	}

	for _, p := range paths {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Errorf("segment file %s not removed", p)
		}
	}
}

func TestSegmentStreamCloseRemovesInFlightFiles(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "kanade_audio_u_close.wav")
	writeSilentWAV(t, src, 50000, 1000) // 50 s -> 5 segments of 10 s

	seg := NewSegmenter(dir, 10*time.Second, zerolog.Nop())
	stream, err := seg.Open(context.Background(), src, sniff.FormatWAV)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	first, err := stream.Next(context.Background())
	if err != nil || first == nil {
		t.Fatalf("Next = %v, %v", first, err)
	}
	os.Remove(first.Path)

	// Abandon the stream; Close must clean up whatever the worker already
	// exported.
	if err := stream.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	left, err := filepath.Glob(filepath.Join(dir, "*_seg*"))
	if err != nil {
		t.Fatal(err)
	}
	if len(left) != 0 {
		t.Errorf("segment files left after Close: %v", left)
	}
}

func TestOpenRejectsMissingFile(t *testing.T) {
	seg := NewSegmenter(t.TempDir(), time.Minute, zerolog.Nop())
	if _, err := seg.Open(context.Background(), "/nonexistent/file.wav", sniff.FormatWAV); err == nil {
		t.Error("Open accepted a missing file")
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "garbage.wav")
	if err := os.WriteFile(src, []byte("not a wav file at all"), 0o644); err != nil {
		t.Fatal(err)
	}
	seg := NewSegmenter(dir, time.Minute, zerolog.Nop())
	if _, err := seg.Open(context.Background(), src, sniff.FormatWAV); err == nil {
		t.Error("Open accepted garbage input")
	}
}
