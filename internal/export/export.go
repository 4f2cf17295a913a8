// SPDX-License-Identifier: MIT

// Package export renders edited segment lists into subtitle and plain-text
// formats. Rendering is a pure function of the posted segments; nothing is
// cached server-side.
package export

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klipnote/klipnote/internal/jobs"
)

// Format names a supported export format.
type Format string

const (
	FormatSRT Format = "srt"
	FormatTXT Format = "txt"
)

var (
	ErrUnsupportedFormat = errors.New("export: unsupported format")
	ErrInvalidSegments   = errors.New("export: invalid segments")
)

// ParseFormat validates a client-supplied format string.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(s))) {
	case FormatSRT:
		return FormatSRT, nil
	case FormatTXT:
		return FormatTXT, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

// ContentType returns the MIME type served for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatSRT:
		return "application/x-subrip; charset=utf-8"
	default:
		return "text/plain; charset=utf-8"
	}
}

// Filename returns the attachment filename for a job export.
func (f Format) Filename(jobID string) string {
	return fmt.Sprintf("transcript-%s.%s", jobID, f)
}

// Validate rejects segment lists that cannot be rendered: empty lists,
// empty text, or non-positive spans.
func Validate(segments []jobs.Segment) error {
	if len(segments) == 0 {
		return fmt.Errorf("%w: empty segment list", ErrInvalidSegments)
	}
	for i, seg := range segments {
		if strings.TrimSpace(seg.Text) == "" {
			return fmt.Errorf("%w: segment %d has empty text", ErrInvalidSegments, i)
		}
		if seg.Start < 0 {
			return fmt.Errorf("%w: segment %d has negative start", ErrInvalidSegments, i)
		}
		if seg.End <= seg.Start {
			return fmt.Errorf("%w: segment %d has end %.3f <= start %.3f", ErrInvalidSegments, i, seg.End, seg.Start)
		}
	}
	return nil
}

// Render validates and renders the segments in the requested format.
func Render(format Format, segments []jobs.Segment) (string, error) {
	if err := Validate(segments); err != nil {
		return "", err
	}
	switch format {
	case FormatSRT:
		return RenderSRT(segments), nil
	case FormatTXT:
		return RenderTXT(segments), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
}
