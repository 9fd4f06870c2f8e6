package audio

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Sink delivers content to the host conversation. Its failures are
// non-fatal to a delivery run.
type Sink interface {
	SendText(text string) error
	SendAudioFile(path string) error
}

// SegmentSource is the pull iterator the scheduler consumes.
// *SegmentStream satisfies it.
type SegmentSource interface {
	Next(ctx context.Context) (*Segment, error)
	Close() error
}

// Lock is the per-session mutual exclusion the scheduler holds for a full
// run. *session.AudioLock satisfies it.
type Lock interface {
	Acquire(ctx context.Context) error
	Release()
}

// Report describes the outcome of one delivery run. A run with Failed
// entries but a nil error is completed-with-errors: delivered segments are
// never retracted.
type Report struct {
	Total     int
	Delivered int
	Failed    []int
	Canceled  bool
}

// Scheduler hands segments to a sink one at a time, pacing consecutive
// deliveries by a fixed interval.
type Scheduler struct {
	limit  rate.Limit
	logger zerolog.Logger
}

// NewScheduler creates a Scheduler that spaces deliveries by interval.
func NewScheduler(interval time.Duration, logger zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{
		limit:  rate.Every(interval),
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// OpenFunc creates the segment source for a run. It executes only after
// the session lock is held, so segmentation work never starts while
// another run for the same session is in flight.
type OpenFunc func(ctx context.Context) (SegmentSource, error)

// Run acquires lock for the whole segmentation+delivery run, opens the
// source under it, then delivers every segment the source yields. Each
// segment's file is deleted right after its delivery attempt, success or
// not. A sink failure is recorded and the run continues; a source failure
// aborts the run. On cancellation the report marks Canceled and
// already-created files are still cleaned up (src.Close removes the
// in-flight segment, the deferred unlock frees the session).
func (sc *Scheduler) Run(ctx context.Context, lock Lock, open OpenFunc, sink Sink) (*Report, error) {
	report := &Report{}

	if err := lock.Acquire(ctx); err != nil {
		report.Canceled = true
		return report, err
	}
	defer lock.Release()

	src, err := open(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			report.Canceled = true
		}
		return report, err
	}
	defer src.Close()

	limiter := rate.NewLimiter(sc.limit, 1)
	for {
		seg, err := src.Next(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				report.Canceled = true
				return report, err
			}
			return report, err
		}
		if seg == nil {
			sc.logger.Info().Int("delivered", report.Delivered).Int("failed", len(report.Failed)).
				Msg("delivery run complete")
			return report, nil
		}

		report.Total++
		if err := limiter.Wait(ctx); err != nil {
			os.Remove(seg.Path)
			report.Canceled = true
			return report, err
		}

		sendErr := sink.SendAudioFile(seg.Path)
		if rmErr := os.Remove(seg.Path); rmErr != nil {
			sc.logger.Warn().Err(rmErr).Str("path", seg.Path).Msg("failed to remove delivered segment")
		}
		if sendErr != nil {
			sc.logger.Error().Err(sendErr).Int("segment", seg.Index).Msg("segment delivery failed")
			report.Failed = append(report.Failed, seg.Index)
			continue
		}
		report.Delivered++
	}
}
