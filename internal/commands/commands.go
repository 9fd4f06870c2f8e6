// Package commands implements the bot's chat commands: searching for
// tracks, playing a result as paced voice segments, and switching the
// session's music source.
package commands

import (
	"context"
	"errors"

	"github.com/rs/zerolog"

	"github.com/aokatsuki/kanade/internal/config"
	"github.com/aokatsuki/kanade/internal/metrics"
	"github.com/aokatsuki/kanade/internal/sources"
	"github.com/aokatsuki/kanade/pkg/audio"
	"github.com/aokatsuki/kanade/pkg/fetch"
	"github.com/aokatsuki/kanade/pkg/meting"
	"github.com/aokatsuki/kanade/pkg/session"
)

// Deps bundles everything the command handlers need. Setup must run once
// before any handler fires.
type Deps struct {
	Ctx       context.Context
	Config    *config.Config
	Logger    zerolog.Logger
	Meting    *meting.Client
	Fetcher   *fetch.Fetcher
	Segmenter *audio.Segmenter
	Scheduler *audio.Scheduler
	Sessions  *session.Registry
	YouTube   *sources.YouTubeResolver
	Metrics   *metrics.Metrics
}

var deps *Deps

// Setup wires the command handlers to their dependencies.
func Setup(d *Deps) {
	deps = d
}

// userMessageFor maps a pipeline error to the text shown in chat. Details
// stay in the logs; users get a short actionable line.
func userMessageFor(err error) string {
	var unsafeErr *fetch.UnsafeURLError
	var dlErr *fetch.DownloadError
	var fmtErr *fetch.FormatError
	switch {
	case errors.As(err, &unsafeErr):
		return "歌曲地址无效，无法播放"
	case errors.As(err, &fmtErr):
		return "下载的文件不是有效的音频格式"
	case errors.As(err, &dlErr):
		return "下载失败，请稍后重试"
	case errors.Is(err, audio.ErrNoFFmpeg):
		return "未找到 FFmpeg，请确保已安装 FFmpeg"
	case errors.Is(err, audio.ErrEmptyAudio):
		return "音频文件为空，无法播放"
	case errors.Is(err, context.Canceled):
		return "播放已取消"
	default:
		return "播放失败，请稍后重试"
	}
}

// downloadResultLabel classifies a fetch error for the downloads_total
// metric.
func downloadResultLabel(err error) string {
	var unsafeErr *fetch.UnsafeURLError
	var fmtErr *fetch.FormatError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &unsafeErr):
		return "unsafe_url"
	case errors.As(err, &fmtErr):
		return "bad_format"
	default:
		return "error"
	}
}
