package fetch

import "fmt"

// UnsafeURLError reports that the requested URL, or one of its redirect
// hops, targets a forbidden network location. It is never retried.
type UnsafeURLError struct {
	URL    string
	Reason error
}

func (e *UnsafeURLError) Error() string {
	return fmt.Sprintf("unsafe url %s: %v", e.URL, e.Reason)
}

func (e *UnsafeURLError) Unwrap() error { return e.Reason }

// DownloadError reports a failed download: an unexpected HTTP status, a
// malformed or exhausted redirect chain, an oversize payload, or a transport
// failure. Only transport failures are marked Transient and retried.
type DownloadError struct {
	URL        string
	StatusCode int // non-zero when an HTTP status caused the failure
	Reason     string
	Err        error
	Transient  bool
}

func (e *DownloadError) Error() string {
	msg := fmt.Sprintf("download %s: %s", e.URL, e.Reason)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *DownloadError) Unwrap() error { return e.Err }

// FormatError reports that the first payload bytes match no recognized
// audio signature. It is never retried.
type FormatError struct {
	URL         string
	ContentType string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("unrecognized audio format from %s (content-type %q)", e.URL, e.ContentType)
}
