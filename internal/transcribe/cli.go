// SPDX-License-Identifier: MIT

package transcribe

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os/exec"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/klipnote/klipnote/internal/jobs"
)

// Backend exit codes. The launcher scripts distinguish input problems from
// infrastructure ones so the worker can pick the right retry policy.
const (
	exitPermanent = 2
	exitCancelled = 3
)

// CLIBackend runs a model-specific launcher (BELLE-2 or WhisperX) as a
// subprocess. The launcher keeps the model resident between invocations of
// the same pool; the first call per process pays the cold load.
type CLIBackend struct {
	model   string
	command string
	logger  zerolog.Logger
	warm    atomic.Bool
}

// NewCLIBackend creates a backend adapter for the given model name and
// launcher command.
func NewCLIBackend(model, command string, logger zerolog.Logger) *CLIBackend {
	return &CLIBackend{model: model, command: command, logger: logger}
}

// Model returns the backend's model name.
func (b *CLIBackend) Model() string { return b.model }

// Warm reports whether this backend has completed at least one load.
func (b *CLIBackend) Warm() bool { return b.warm.Load() }

// Transcribe shells out to the launcher, which writes the segment list as
// JSON on stdout. Exit codes classify the failure; everything unexpected is
// transient and left to the delivery cap.
func (b *CLIBackend) Transcribe(ctx context.Context, mediaPath, languageHint string) (*jobs.Transcript, error) {
	args := []string{"--input", mediaPath, "--output-format", "json"}
	if languageHint != "" {
		args = append(args, "--language", languageHint)
	}

	// #nosec G204 -- command comes from configuration, media path from the
	// upload pipeline's own job directory.
	cmd := exec.CommandContext(ctx, b.command, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	b.logger.Info().
		Str("model", b.model).
		Str("path", mediaPath).
		Bool("warm", b.warm.Load()).
		Msg("invoking transcription backend")

	err := cmd.Run()
	if err != nil {
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, Transient("inference ceiling exceeded", ctx.Err())
			}
			return nil, Cancelled("inference cancelled", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := firstLine(stderr.String())
			switch exitErr.ExitCode() {
			case exitPermanent:
				return nil, Permanent(msg, err)
			case exitCancelled:
				return nil, Cancelled(msg, err)
			default:
				return nil, Transient(msg, err)
			}
		}
		return nil, Transient("backend launch failed", err)
	}

	b.warm.Store(true)

	var tr jobs.Transcript
	if err := json.Unmarshal(stdout.Bytes(), &tr); err != nil {
		// The model ran to completion but produced garbage; retrying the
		// same input will not help.
		return nil, Permanent("unparseable backend output", err)
	}
	return &tr, nil
}

// firstLine reduces backend stderr to a short human message. Model-internal
// stack traces never reach the job record.
func firstLine(s string) string {
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			s = s[:i]
			break
		}
	}
	if s == "" {
		return "transcription backend failed"
	}
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}
