// SPDX-License-Identifier: MIT

package export

import (
	"strings"

	"github.com/klipnote/klipnote/internal/jobs"
)

// RenderTXT joins trimmed segment texts with single newlines. No timestamps.
func RenderTXT(segments []jobs.Segment) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		parts = append(parts, strings.TrimSpace(seg.Text))
	}
	return strings.Join(parts, "\n")
}
