// Package audio cuts a downloaded track into fixed-duration segments and
// delivers them one at a time with paced sends. Decoding and export run off
// the pacing path; the consumer pulls segments through an explicit iterator.
package audio

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/faiface/beep"
	beepflac "github.com/faiface/beep/flac"
	"github.com/faiface/beep/mp3"
	"github.com/faiface/beep/vorbis"
	"github.com/faiface/beep/wav"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aokatsuki/kanade/pkg/sniff"
)

// ErrEmptyAudio reports a source that decoded to zero samples.
var ErrEmptyAudio = errors.New("audio source is empty")

// ErrNoFFmpeg reports that an m4a source needs ffmpeg and none was found.
var ErrNoFFmpeg = errors.New("ffmpeg not found on PATH")

// Segment is one fixed-duration slice of the source audio, exported as an
// independent wav file. Indices are 1-based and contiguous. The holder owns
// the file at Path and deletes it after the delivery attempt.
type Segment struct {
	Index   int
	StartMs int64
	EndMs   int64
	Path    string
}

// Segmenter decodes audio files and produces segment streams.
type Segmenter struct {
	tempDir         string
	segmentDuration time.Duration
	ffmpegPath      string
	logger          zerolog.Logger
}

// NewSegmenter creates a Segmenter writing segment files under tempDir.
// ffmpeg is looked up once; it is only needed for m4a sources, which beep
// cannot decode natively.
func NewSegmenter(tempDir string, segmentDuration time.Duration, logger zerolog.Logger) *Segmenter {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	l := logger.With().Str("component", "segmenter").Logger()
	ffmpegPath, err := exec.LookPath("ffmpeg")
	if err != nil {
		l.Warn().Msg("ffmpeg not found, m4a sources will be rejected")
		ffmpegPath = ""
	}
	return &Segmenter{
		tempDir:         tempDir,
		segmentDuration: segmentDuration,
		ffmpegPath:      ffmpegPath,
		logger:          l,
	}
}

// window is a contiguous slice of the decoded sample stream.
type window struct {
	startMs, endMs int64
	samples        int
}

// splitWindows partitions totalSamples into contiguous windows of
// samplesPerWindow, the last one truncated to the remainder.
func splitWindows(totalSamples, samplesPerWindow int, sr beep.SampleRate) []window {
	var out []window
	for start := 0; start < totalSamples; start += samplesPerWindow {
		n := samplesPerWindow
		if start+n > totalSamples {
			n = totalSamples - start
		}
		out = append(out, window{
			startMs: sr.D(start).Milliseconds(),
			endMs:   sr.D(start + n).Milliseconds(),
			samples: n,
		})
	}
	return out
}

// Open decodes srcPath and returns a stream of its segments. The returned
// stream owns a background worker that exports one segment ahead of the
// consumer; callers must Close it on every exit path.
func (s *Segmenter) Open(ctx context.Context, srcPath string, format sniff.Format) (*SegmentStream, error) {
	decodePath := srcPath
	var converted string
	if format == sniff.FormatM4A {
		p, err := s.convertToWAV(ctx, srcPath)
		if err != nil {
			return nil, err
		}
		converted = p
		decodePath = p
		format = sniff.FormatWAV
	}

	f, err := os.Open(decodePath)
	if err != nil {
		if converted != "" {
			os.Remove(converted)
		}
		return nil, fmt.Errorf("open audio file: %w", err)
	}

	var (
		streamer beep.StreamSeekCloser
		bf       beep.Format
	)
	switch format {
	case sniff.FormatMP3:
		streamer, bf, err = mp3.Decode(f)
	case sniff.FormatWAV:
		streamer, bf, err = wav.Decode(f)
	case sniff.FormatOGG:
		streamer, bf, err = vorbis.Decode(f)
	case sniff.FormatFLAC:
		streamer, bf, err = beepflac.Decode(f)
	default:
		err = fmt.Errorf("no decoder for format %s", format)
	}
	if err != nil {
		f.Close()
		if converted != "" {
			os.Remove(converted)
		}
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(srcPath), err)
	}

	total := streamer.Len()
	if total <= 0 {
		streamer.Close()
		if converted != "" {
			os.Remove(converted)
		}
		return nil, ErrEmptyAudio
	}

	perWindow := bf.SampleRate.N(s.segmentDuration)
	if perWindow <= 0 {
		perWindow = total
	}
	windows := splitWindows(total, perWindow, bf.SampleRate)

	base := strings.TrimSuffix(filepath.Base(srcPath), filepath.Ext(srcPath))
	prodCtx, cancel := context.WithCancel(ctx)
	ss := &SegmentStream{
		ch:        make(chan produced, 1),
		cancel:    cancel,
		decoder:   streamer,
		converted: converted,
		total:     bf.SampleRate.D(total),
		count:     len(windows),
		logger:    s.logger,
	}
	go ss.produce(prodCtx, windows, base, s.tempDir, streamer, bf)

	s.logger.Debug().Str("src", srcPath).Dur("duration", ss.total).
		Int("segments", ss.count).Msg("segmentation started")
	return ss, nil
}

// convertToWAV shells out to ffmpeg for containers beep has no decoder for.
func (s *Segmenter) convertToWAV(ctx context.Context, srcPath string) (string, error) {
	if s.ffmpegPath == "" {
		return "", ErrNoFFmpeg
	}
	out := strings.TrimSuffix(srcPath, filepath.Ext(srcPath)) + "_conv.wav"
	cmd := exec.CommandContext(ctx, s.ffmpegPath,
		"-i", srcPath,
		"-f", "wav",
		"-ar", "44100",
		"-ac", "2",
		"-y", out)
	if output, err := cmd.CombinedOutput(); err != nil {
		os.Remove(out)
		s.logger.Error().Err(err).Str("output", tail(output, 400)).Msg("ffmpeg conversion failed")
		return "", fmt.Errorf("convert %s to wav: %w", filepath.Base(srcPath), err)
	}
	return out, nil
}

func tail(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[len(b)-n:])
}

type produced struct {
	seg *Segment
	err error
}

// SegmentStream yields a track's segments in order. Next blocks until the
// background worker has exported the next one; at most one undelivered
// segment exists at a time.
type SegmentStream struct {
	ch        chan produced
	cancel    context.CancelFunc
	decoder   beep.StreamSeekCloser
	converted string
	total     time.Duration
	count     int
	logger    zerolog.Logger
	closeOnce sync.Once
}

// TotalDuration is the decoded length of the source.
func (ss *SegmentStream) TotalDuration() time.Duration { return ss.total }

// Count is the number of segments the stream will yield.
func (ss *SegmentStream) Count() int { return ss.count }

// Next returns the next segment in order. It returns (nil, nil) when the
// stream is exhausted, ctx's error on cancellation, and the export error if
// the worker failed.
func (ss *SegmentStream) Next(ctx context.Context) (*Segment, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case p, ok := <-ss.ch:
		if !ok {
			return nil, nil
		}
		return p.seg, p.err
	}
}

// Close stops the worker and removes any exported-but-undelivered segment
// file. It is safe to call more than once.
func (ss *SegmentStream) Close() error {
	ss.closeOnce.Do(func() {
		ss.cancel()
		for p := range ss.ch {
			if p.seg != nil {
				os.Remove(p.seg.Path)
			}
		}
		ss.decoder.Close()
		if ss.converted != "" {
			os.Remove(ss.converted)
		}
	})
	return nil
}

// produce exports windows one ahead of the consumer. On cancellation it
// deletes whatever it already exported but could not hand over.
func (ss *SegmentStream) produce(ctx context.Context, windows []window, base, dir string, streamer beep.Streamer, bf beep.Format) {
	defer close(ss.ch)
	for i, w := range windows {
		if ctx.Err() != nil {
			return
		}
		seg, err := exportSegment(dir, base, i+1, w, streamer, bf)
		if err != nil {
			select {
			case ss.ch <- produced{err: err}:
			case <-ctx.Done():
			}
			return
		}
		select {
		case ss.ch <- produced{seg: seg}:
		case <-ctx.Done():
			os.Remove(seg.Path)
			return
		}
	}
}

// exportSegment encodes the next w.samples of the stream into its own wav
// file.
func exportSegment(dir, base string, index int, w window, streamer beep.Streamer, bf beep.Format) (*Segment, error) {
	path := filepath.Join(dir, fmt.Sprintf("%s_seg%d_%s.wav", base, index, uuid.NewString()))
	out, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create segment file: %w", err)
	}
	if err := wav.Encode(out, beep.Take(w.samples, streamer), bf); err != nil {
		out.Close()
		os.Remove(path)
		return nil, fmt.Errorf("export segment %d: %w", index, err)
	}
	if err := out.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close segment file: %w", err)
	}
	return &Segment{Index: index, StartMs: w.startMs, EndMs: w.endMs, Path: path}, nil
}
