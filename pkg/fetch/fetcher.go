// Package fetch downloads remote audio payloads under strict safety
// constraints: every redirect hop is re-validated against internal network
// targets, the payload is streamed to a temporary file with a hard size cap,
// and the real format is sniffed from content bytes before the download is
// allowed to complete.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/aokatsuki/kanade/pkg/sniff"
)

const (
	// TempPrefix is the naming prefix shared by every temporary file this
	// package creates. The orphan-file sweep keys on it.
	TempPrefix = "kanade_audio_"

	chunkSize      = 8 * 1024
	requestTimeout = 2 * time.Minute
)

// audioContentTypes is the pre-filter allow-list. It only rejects obviously
// non-audio responses early; the sniffed signature is authoritative.
var audioContentTypes = map[string]struct{}{
	"audio/mpeg":        {},
	"audio/mp3":         {},
	"audio/wav":         {},
	"audio/x-wav":       {},
	"audio/ogg":         {},
	"audio/flac":        {},
	"audio/x-m4a":       {},
	"audio/mp4":         {},
	"audio/aac":         {},
	"audio/x-matroska":  {},
	"application/octet-stream": {},
}

var audioExtensions = map[string]struct{}{
	".mp3": {}, ".wav": {}, ".ogg": {}, ".m4a": {}, ".flac": {}, ".aac": {}, ".wma": {},
}

// URLChecker validates a URL before any request is issued against it.
// *safeurl.Validator satisfies it.
type URLChecker interface {
	Check(ctx context.Context, rawURL string, strictDNS bool) error
}

// Limits bounds a single fetch.
type Limits struct {
	MaxBytes     int64
	MaxRedirects int
	MaxRetries   int
	RetryBackoff time.Duration
}

// DefaultLimits mirrors the production defaults: 50 MiB, 5 redirects,
// 3 attempts with a fixed one second backoff.
func DefaultLimits() Limits {
	return Limits{
		MaxBytes:     50 << 20,
		MaxRedirects: 5,
		MaxRetries:   3,
		RetryBackoff: time.Second,
	}
}

// Options tunes fetch policy outside the hard limits.
type Options struct {
	// TempDir is where payloads land; defaults to os.TempDir().
	TempDir string
	// Concurrency caps simultaneous downloads across all sessions.
	Concurrency int64
	// StrictContentType turns the content-type/extension pre-filter from a
	// logged warning into a hard failure.
	StrictContentType bool
	// StrictFormat aborts downloads whose first bytes match no known audio
	// signature. When false the payload keeps a .mp3 fallback extension.
	StrictFormat bool
}

// Result is a completed download. The holder owns the file and must remove
// it (or hand it off) on every exit path.
type Result struct {
	LocalPath string
	Format    sniff.Format
	Size      int64
}

// Remove deletes the downloaded file.
func (r *Result) Remove() error { return os.Remove(r.LocalPath) }

// Fetcher is the streamed-download state machine.
type Fetcher struct {
	client  *http.Client
	checker URLChecker
	limits  Limits
	opts    Options
	sem     *semaphore.Weighted
	logger  zerolog.Logger
}

// New creates a Fetcher. Redirects are never followed automatically: each
// hop loops back through the checker before the next request goes out.
func New(checker URLChecker, limits Limits, opts Options, logger zerolog.Logger) *Fetcher {
	if opts.TempDir == "" {
		opts.TempDir = os.TempDir()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	return &Fetcher{
		client: &http.Client{
			Timeout: requestTimeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		checker: checker,
		limits:  limits,
		opts:    opts,
		sem:     semaphore.NewWeighted(opts.Concurrency),
		logger:  logger.With().Str("component", "fetcher").Logger(),
	}
}

// Fetch downloads rawURL to a local file. senderID namespaces the temporary
// filename and is sanitized before use. Transport failures are retried up to
// the configured cap with a fixed backoff; security, status, size and format
// failures surface immediately.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, senderID string) (*Result, error) {
	if err := f.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer f.sem.Release(1)

	for attempt := 1; ; attempt++ {
		res, err := f.attempt(ctx, rawURL, senderID)
		if err == nil {
			f.logger.Info().Str("url", rawURL).Int64("bytes", res.Size).
				Stringer("format", res.Format).Msg("download complete")
			return res, nil
		}

		var de *DownloadError
		transient := errors.As(err, &de) && de.Transient
		if !transient || attempt >= f.limits.MaxRetries {
			return nil, err
		}

		f.logger.Warn().Err(err).Int("attempt", attempt).Int("max", f.limits.MaxRetries).
			Msg("transient download failure, retrying")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.limits.RetryBackoff):
		}
	}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// attempt runs one capped-redirect download pass.
func (f *Fetcher) attempt(ctx context.Context, rawURL, senderID string) (*Result, error) {
	current := rawURL
	var resp *http.Response

	for hop := 0; ; hop++ {
		if err := f.checker.Check(ctx, current, false); err != nil {
			return nil, &UnsafeURLError{URL: current, Reason: err}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, current, nil)
		if err != nil {
			return nil, &DownloadError{URL: current, Reason: "build request", Err: err}
		}
		resp, err = f.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &DownloadError{URL: current, Reason: "request failed", Err: err, Transient: true}
		}

		if !isRedirect(resp.StatusCode) {
			break
		}

		loc := resp.Header.Get("Location")
		status := resp.StatusCode
		resp.Body.Close()
		if loc == "" {
			return nil, &DownloadError{URL: current, StatusCode: status, Reason: "redirect without Location"}
		}
		if hop+1 > f.limits.MaxRedirects {
			return nil, &DownloadError{URL: current, Reason: fmt.Sprintf("more than %d redirects", f.limits.MaxRedirects)}
		}
		next, err := resolveLocation(current, loc)
		if err != nil {
			return nil, &DownloadError{URL: current, StatusCode: status, Reason: "malformed Location", Err: err}
		}
		f.logger.Debug().Str("from", current).Str("to", next).Msg("following redirect")
		current = next
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &DownloadError{URL: current, StatusCode: resp.StatusCode, Reason: "unexpected status"}
	}

	ct := contentType(resp.Header.Get("Content-Type"))
	if _, ok := audioContentTypes[ct]; !ok {
		if f.opts.StrictContentType {
			return nil, &DownloadError{URL: current, Reason: fmt.Sprintf("content type %q not allowed", ct)}
		}
		f.logger.Warn().Str("content_type", ct).Str("url", current).Msg("unexpected content type, continuing")
	}
	if ext := urlPathExt(current); ext != "" {
		if _, ok := audioExtensions[ext]; !ok {
			if f.opts.StrictContentType {
				return nil, &DownloadError{URL: current, Reason: fmt.Sprintf("url extension %q not allowed", ext)}
			}
			f.logger.Warn().Str("ext", ext).Str("url", current).Msg("unexpected url extension, continuing")
		}
	}

	return f.stream(ctx, resp, current, senderID)
}

// stream copies the body to a temporary file chunk by chunk, sniffing the
// format on the first chunk and enforcing the size cap after every chunk.
// Any exit before the final rename deletes the partial file.
func (f *Fetcher) stream(ctx context.Context, resp *http.Response, finalURL, senderID string) (*Result, error) {
	name := fmt.Sprintf("%s%s_%s.part", TempPrefix, sanitizeSender(senderID), uuid.NewString())
	tmpPath := filepath.Join(f.opts.TempDir, name)
	file, err := os.Create(tmpPath)
	if err != nil {
		return nil, &DownloadError{URL: finalURL, Reason: "create temp file", Err: err}
	}

	done := false
	defer func() {
		file.Close()
		if !done {
			if rmErr := os.Remove(tmpPath); rmErr == nil {
				f.logger.Debug().Str("path", tmpPath).Msg("removed partial download")
			}
		}
	}()

	var (
		total   int64
		format  = sniff.FormatUnknown
		sniffed bool
		buf     = make([]byte, chunkSize)
	)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			if !sniffed {
				sniffed = true
				format = sniff.Detect(buf[:n])
				if format == sniff.FormatUnknown {
					if f.opts.StrictFormat {
						return nil, &FormatError{URL: finalURL, ContentType: resp.Header.Get("Content-Type")}
					}
					f.logger.Warn().Str("url", finalURL).Msg("unrecognized signature bytes, assuming mp3")
					format = sniff.FormatMP3
				}
			}
			if _, werr := file.Write(buf[:n]); werr != nil {
				return nil, &DownloadError{URL: finalURL, Reason: "write temp file", Err: werr}
			}
			total += int64(n)
			if total > f.limits.MaxBytes {
				return nil, &DownloadError{URL: finalURL, Reason: fmt.Sprintf("payload exceeds %d bytes", f.limits.MaxBytes)}
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, &DownloadError{URL: finalURL, Reason: "read body", Err: rerr, Transient: true}
		}
	}

	if total == 0 {
		return nil, &DownloadError{URL: finalURL, Reason: "empty payload"}
	}
	if err := file.Sync(); err != nil {
		return nil, &DownloadError{URL: finalURL, Reason: "sync temp file", Err: err}
	}

	finalPath := strings.TrimSuffix(tmpPath, ".part") + format.Ext()
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, &DownloadError{URL: finalURL, Reason: "rename temp file", Err: err}
	}
	done = true
	return &Result{LocalPath: finalPath, Format: format, Size: total}, nil
}

func resolveLocation(current, location string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func contentType(header string) string {
	return strings.ToLower(strings.TrimSpace(strings.SplitN(header, ";", 2)[0]))
}

func urlPathExt(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return strings.ToLower(path.Ext(u.Path))
}

// sanitizeSender reduces an opaque sender identifier to filesystem-safe
// characters so it can namespace temporary filenames.
func sanitizeSender(id string) string {
	var b strings.Builder
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '.', c == '_', c == '-':
			b.WriteRune(c)
		}
	}
	if b.Len() == 0 {
		return "anon"
	}
	return b.String()
}
