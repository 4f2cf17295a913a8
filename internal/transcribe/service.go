// SPDX-License-Identifier: MIT

// Package transcribe defines the TranscriptionService contract consumed by
// the worker pools and the CLI-backed model adapters.
package transcribe

import (
	"context"

	"github.com/klipnote/klipnote/internal/jobs"
)

// Service is the narrow contract to a GPU-bound transcription backend.
// Transcribe may take many minutes; implementations must honor ctx.
type Service interface {
	Transcribe(ctx context.Context, mediaPath, languageHint string) (*jobs.Transcript, error)
}
