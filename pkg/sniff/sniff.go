// Package sniff identifies audio container formats from leading content
// bytes. The detected format, not the Content-Type header or the URL path
// extension, decides what a downloaded file really is.
package sniff

import (
	"bytes"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/matchers"
)

// Format is a recognized audio container format.
type Format int

const (
	FormatUnknown Format = iota
	FormatMP3
	FormatWAV
	FormatOGG
	FormatFLAC
	FormatM4A
)

func (f Format) String() string {
	switch f {
	case FormatMP3:
		return "mp3"
	case FormatWAV:
		return "wav"
	case FormatOGG:
		return "ogg"
	case FormatFLAC:
		return "flac"
	case FormatM4A:
		return "m4a"
	default:
		return "unknown"
	}
}

// Ext returns the file extension for the format, including the leading dot.
// The unknown format maps to an empty string.
func (f Format) Ext() string {
	if f == FormatUnknown {
		return ""
	}
	return "." + f.String()
}

// MinBytes is the smallest buffer Detect can classify. Shorter buffers
// always come back unknown.
const MinBytes = 4

// Detect classifies the format of an audio payload from its first bytes.
// It only needs the first received chunk, not the whole file. Checks run in
// priority order: mp3, wav, ogg, flac, then the mp4/m4a ftyp box.
func Detect(b []byte) Format {
	if len(b) < MinBytes {
		return FormatUnknown
	}

	// MPEG frame sync (11 set bits) covers raw mp3 streams that carry no
	// ID3 tag; filetype's matcher misses those.
	if b[0] == 0xFF && b[1]&0xE0 == 0xE0 {
		return FormatMP3
	}
	if bytes.HasPrefix(b, []byte("ID3")) {
		return FormatMP3
	}

	if kind, err := filetype.Match(b); err == nil {
		switch kind {
		case matchers.TypeMp3:
			return FormatMP3
		case matchers.TypeWav:
			return FormatWAV
		case matchers.TypeOgg:
			return FormatOGG
		case matchers.TypeFlac:
			return FormatFLAC
		case matchers.TypeM4a, matchers.TypeMp4:
			return FormatM4A
		}
	}

	// A first chunk can end before the full signature filetype wants (a
	// RIFF header without its WAVE tag yet, for example), so fall back to
	// the bare prefixes.
	switch {
	case bytes.HasPrefix(b, []byte("RIFF")):
		return FormatWAV
	case bytes.HasPrefix(b, []byte("OggS")):
		return FormatOGG
	case bytes.HasPrefix(b, []byte("fLaC")):
		return FormatFLAC
	}

	// ftyp box at offset 4, or zero-padded at offset 3 as some encoders
	// emit it.
	if len(b) >= 8 && bytes.Equal(b[4:8], []byte("ftyp")) {
		return FormatM4A
	}
	if len(b) >= 7 && b[0] == 0 && b[1] == 0 && b[2] == 0 && bytes.Equal(b[3:7], []byte("ftyp")) {
		return FormatM4A
	}

	return FormatUnknown
}
