// Package meting talks to a MetingAPI-compatible metadata server: free-text
// search against a music source, returning track descriptors whose playback
// URLs feed the secure fetcher. Deployed servers answer in one of three
// wire shapes, all handled here.
package meting

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	simplejson "github.com/bitly/go-simplejson"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	searchTimeout   = 15 * time.Second
	maxResponseSize = 1 << 20
)

// URLChecker validates the configured API base URL. *safeurl.Validator
// satisfies it.
type URLChecker interface {
	Check(ctx context.Context, rawURL string, strictDNS bool) error
}

// Client queries a MetingAPI server.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	logger  zerolog.Logger
}

// NewClient validates baseURL (strict DNS: the operator-configured API must
// resolve up front) and returns a client for it.
func NewClient(ctx context.Context, baseURL string, checker URLChecker, logger zerolog.Logger) (*Client, error) {
	baseURL = strings.TrimRight(baseURL, "/")
	if baseURL == "" {
		return nil, errors.New("meting api url is empty")
	}
	if err := checker.Check(ctx, baseURL, true); err != nil {
		return nil, errors.Wrap(err, "meting api url rejected")
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	rc.HTTPClient.Timeout = searchTimeout

	return &Client{
		baseURL: baseURL,
		http:    rc,
		logger:  logger.With().Str("component", "meting").Logger(),
	}, nil
}

// Search queries the given source for keyword and returns the matching
// tracks in server order.
func (c *Client) Search(ctx context.Context, source, keyword string) ([]Track, error) {
	q := url.Values{}
	q.Set("server", source)
	q.Set("type", "search")
	q.Set("id", keyword)
	endpoint := fmt.Sprintf("%s/api?%s", c.baseURL, q.Encode())

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Wrap(err, "build search request")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "meting search")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("meting search returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, errors.Wrap(err, "read search response")
	}

	tracks, err := parseTracks(body, source)
	if err != nil {
		return nil, err
	}
	c.logger.Debug().Str("source", source).Str("keyword", keyword).
		Int("results", len(tracks)).Msg("search complete")
	return tracks, nil
}

// parseTracks handles the three response shapes seen in the wild: a bare
// array, {"data": [...]}, and {"result": {"songs": [...]}}.
func parseTracks(body []byte, source string) ([]Track, error) {
	js, err := simplejson.NewJson(body)
	if err != nil {
		return nil, errors.Wrap(err, "decode search response")
	}

	if arr, err := js.Array(); err == nil {
		return tracksFromList(js, len(arr), source), nil
	}
	data := js.Get("data")
	if arr, err := data.Array(); err == nil {
		return tracksFromList(data, len(arr), source), nil
	}
	songs := js.GetPath("result", "songs")
	if arr, err := songs.Array(); err == nil {
		return tracksFromList(songs, len(arr), source), nil
	}
	return nil, errors.New("unrecognized search response shape")
}

func tracksFromList(list *simplejson.Json, n int, source string) []Track {
	tracks := make([]Track, 0, n)
	for i := 0; i < n; i++ {
		item := list.GetIndex(i)
		t := Track{
			Title:  firstString(item, "title", "name"),
			Artist: artistOf(item),
			URL:    firstString(item, "url"),
			Cover:  firstString(item, "pic", "cover"),
			Source: source,
		}
		if t.Title == "" {
			t.Title = "未知"
		}
		if t.Artist == "" {
			t.Artist = "未知歌手"
		}
		tracks = append(tracks, t)
	}
	return tracks
}

func firstString(item *simplejson.Json, keys ...string) string {
	for _, k := range keys {
		if s := item.Get(k).MustString(""); s != "" {
			return s
		}
	}
	return ""
}

// artistOf reads the artist field in either of its shapes: a plain string
// under "author"/"artist", or an array of {"name": ...} objects.
func artistOf(item *simplejson.Json) string {
	if s := firstString(item, "author", "artist"); s != "" {
		return s
	}
	for _, key := range []string{"artist", "artists"} {
		arr := item.Get(key)
		items, err := arr.Array()
		if err != nil {
			continue
		}
		names := make([]string, 0, len(items))
		for i := range items {
			if name := arr.GetIndex(i).Get("name").MustString(""); name != "" {
				names = append(names, name)
			}
		}
		if len(names) > 0 {
			return strings.Join(names, "/")
		}
	}
	return ""
}
