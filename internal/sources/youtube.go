// Package sources resolves user-supplied links to direct audio URLs.
// Currently that means YouTube: page URLs are turned into a playable
// audio stream URL before the fetcher sees them.
package sources

import (
	"context"
	"strings"

	"github.com/kkdai/youtube/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// IsYouTubeURL checks if a URL appears to be from YouTube.
func IsYouTubeURL(urlStr string) bool {
	return strings.Contains(urlStr, "youtube.com") || strings.Contains(urlStr, "youtu.be")
}

// Resolved describes a playable stream derived from a page URL.
type Resolved struct {
	Title     string
	Author    string
	StreamURL string
}

// YouTubeResolver extracts direct audio stream URLs from YouTube pages.
type YouTubeResolver struct {
	client youtube.Client
	logger zerolog.Logger
}

func NewYouTubeResolver(logger zerolog.Logger) *YouTubeResolver {
	return &YouTubeResolver{
		logger: logger.With().Str("component", "youtube").Logger(),
	}
}

// Resolve fetches video metadata and picks the best audio-only format:
// itag 251 (Opus 160kbps) first, any other Opus next, then whatever sorts
// best among the remaining audio formats.
func (r *YouTubeResolver) Resolve(ctx context.Context, pageURL string) (*Resolved, error) {
	video, err := r.client.GetVideoContext(ctx, pageURL)
	if err != nil {
		return nil, errors.Wrap(err, "fetch video info")
	}

	formats := video.Formats.WithAudioChannels()
	formats = formats.Type("audio")
	if len(formats) == 0 {
		return nil, errors.New("no audio formats available")
	}

	var best *youtube.Format
	for i := range formats {
		if formats[i].ItagNo == 251 {
			best = &formats[i]
			break
		}
	}
	if best == nil {
		for i := range formats {
			if strings.Contains(formats[i].MimeType, "opus") {
				best = &formats[i]
				break
			}
		}
	}
	if best == nil {
		formats.Sort()
		best = &formats[0]
	}

	streamURL, err := r.client.GetStreamURLContext(ctx, video, best)
	if err != nil {
		return nil, errors.Wrap(err, "resolve stream url")
	}

	r.logger.Debug().Str("title", video.Title).Int("itag", best.ItagNo).
		Msg("resolved youtube stream")
	return &Resolved{
		Title:     video.Title,
		Author:    video.Author,
		StreamURL: streamURL,
	}, nil
}
