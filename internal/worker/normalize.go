// SPDX-License-Identifier: MIT

package worker

import (
	"sort"
	"strings"

	"github.com/klipnote/klipnote/internal/jobs"
)

// Normalize cleans raw model output into a transcript that satisfies the
// stored-segment invariants: non-empty trimmed text, end > start ≥ 0,
// start-sorted. Ends are clamped to the media duration when known. Overlap
// between segments is preserved. Returns the cleaned list and the number of
// segments dropped as malformed.
func Normalize(segments []jobs.Segment, durationSeconds float64) ([]jobs.Segment, int) {
	out := make([]jobs.Segment, 0, len(segments))
	dropped := 0
	for _, seg := range segments {
		seg.Text = strings.TrimSpace(seg.Text)
		if seg.Text == "" {
			dropped++
			continue
		}
		if seg.Start < 0 {
			seg.Start = 0
		}
		if durationSeconds > 0 && seg.End > durationSeconds {
			seg.End = durationSeconds
		}
		if seg.End <= seg.Start {
			dropped++
			continue
		}
		out = append(out, seg)
	}

	// Stable: models sometimes emit overlapping phrase boundaries; equal
	// starts keep their emission order.
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Start < out[j].Start
	})

	return out, dropped
}
