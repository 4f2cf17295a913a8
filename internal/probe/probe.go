// SPDX-License-Identifier: MIT

// Package probe wraps ffprobe to extract duration and verify container
// integrity before a job is admitted.
package probe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// ErrInvalidMedia is returned when the probe cannot read the container,
// times out, or reports no usable duration.
var ErrInvalidMedia = errors.New("invalid media")

// FFProbe invokes the ffprobe binary with a hard timeout.
type FFProbe struct {
	binary  string
	timeout time.Duration
	logger  zerolog.Logger
}

// New creates an ffprobe wrapper. binary may be a bare name resolved via
// PATH or an absolute path.
func New(binary string, timeout time.Duration, logger zerolog.Logger) *FFProbe {
	return &FFProbe{binary: binary, timeout: timeout, logger: logger}
}

// ffprobe -show_format JSON shape, reduced to what admission needs.
type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

// ProbeDuration returns the media duration in seconds. Any probe failure is
// ErrInvalidMedia; details stay in the log, not in the client-visible error.
func (p *FFProbe) ProbeDuration(ctx context.Context, mediaPath string) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	// #nosec G204 -- binary comes from configuration, path from the upload
	// pipeline's own job directory.
	cmd := exec.CommandContext(ctx, p.binary,
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		mediaPath,
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			p.logger.Warn().
				Str("path", mediaPath).
				Dur("timeout", p.timeout).
				Msg("ffprobe timed out")
			return 0, fmt.Errorf("%w: probe timeout", ErrInvalidMedia)
		}
		p.logger.Warn().
			Err(err).
			Str("path", mediaPath).
			Str("stderr", stderr.String()).
			Msg("ffprobe failed")
		return 0, fmt.Errorf("%w: %v", ErrInvalidMedia, err)
	}

	var out probeOutput
	if err := json.Unmarshal(stdout.Bytes(), &out); err != nil {
		return 0, fmt.Errorf("%w: unparseable probe output", ErrInvalidMedia)
	}
	dur, err := strconv.ParseFloat(out.Format.Duration, 64)
	if err != nil || dur <= 0 {
		return 0, fmt.Errorf("%w: no usable duration", ErrInvalidMedia)
	}
	return dur, nil
}
