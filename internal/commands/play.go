package commands

import (
	"context"
	"fmt"
	"strconv"

	"github.com/bwmarrin/discordgo"

	"github.com/aokatsuki/kanade/internal/sources"
	"github.com/aokatsuki/kanade/pkg/audio"
	"github.com/aokatsuki/kanade/pkg/fetch"
)

// PlayCommand plays a track as a series of voice segments. The argument is
// either a 1-based index into the session's last search results or a
// YouTube URL.
func PlayCommand(s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	if len(args) < 1 {
		s.ChannelMessageSend(m.ChannelID, "用法: !play <序号> 或 !play <YouTube 链接>")
		return
	}

	sessionID := m.ChannelID
	sink := newSink(s, m.ChannelID)
	arg := args[0]

	if index, err := strconv.Atoi(arg); err == nil {
		results := deps.Sessions.Results(sessionID)
		if len(results) == 0 {
			sink.SendText("请先使用 !search 命令搜索歌曲")
			return
		}
		track, ok := deps.Sessions.ResultAt(sessionID, index)
		if !ok {
			sink.SendText(fmt.Sprintf("序号超出范围，请输入 1-%d 之间的序号", len(results)))
			return
		}
		if track.URL == "" {
			sink.SendText("获取歌曲播放地址失败")
			return
		}
		go runPlayback(sink, sessionID, track.URL, m.Author.ID)
		return
	}

	if sources.IsYouTubeURL(arg) {
		resolved, err := deps.YouTube.Resolve(deps.Ctx, arg)
		if err != nil {
			deps.Logger.Error().Err(err).Str("url", arg).Msg("youtube resolve failed")
			sink.SendText("解析 YouTube 链接失败")
			return
		}
		sink.SendText(fmt.Sprintf("正在播放: %s - %s", resolved.Title, resolved.Author))
		go runPlayback(sink, sessionID, resolved.StreamURL, m.Author.ID)
		return
	}

	sink.SendText("参数无效，请输入搜索结果序号或 YouTube 链接")
}

// runPlayback drives the full pipeline for one track: fetch, segment,
// deliver. It runs in its own goroutine; all user feedback goes through
// the sink.
func runPlayback(sink discordSink, sessionID, rawURL, senderID string) {
	ctx := deps.Ctx

	res, err := deps.Fetcher.Fetch(ctx, rawURL, senderID)
	deps.Metrics.ObserveDownload(downloadResultLabel(err), sizeOf(res))
	if err != nil {
		deps.Logger.Error().Err(err).Msg("fetch failed")
		sink.SendText(userMessageFor(err))
		return
	}
	defer res.Remove()

	// Segmentation must not start until the session lock is held, so the
	// source is opened by the scheduler under it.
	open := func(ctx context.Context) (audio.SegmentSource, error) {
		stream, err := deps.Segmenter.Open(ctx, res.LocalPath, res.Format)
		if err != nil {
			return nil, err
		}
		sink.SendText(fmt.Sprintf("正在分段录制歌曲...共 %d 段", stream.Count()))
		return stream, nil
	}

	lock := deps.Sessions.AudioLock(sessionID)
	report, err := deps.Scheduler.Run(ctx, lock, open, sink)
	deps.Metrics.IncSegmentsDelivered(report.Delivered)
	deps.Metrics.IncSegmentFailures(len(report.Failed))
	deps.Sessions.Touch(sessionID)

	switch {
	case report.Canceled:
		sink.SendText("播放已取消")
	case err != nil:
		deps.Logger.Error().Err(err).Msg("playback run failed")
		sink.SendText(userMessageFor(err))
	default:
		for _, idx := range report.Failed {
			sink.SendText(fmt.Sprintf("发送语音片段 %d 失败", idx))
		}
		if report.Delivered > 0 {
			sink.SendText("歌曲播放完成")
		}
	}
}

func sizeOf(res *fetch.Result) int64 {
	if res == nil {
		return 0
	}
	return res.Size
}
