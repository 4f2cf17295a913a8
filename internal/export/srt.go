// SPDX-License-Identifier: MIT

package export

import (
	"bufio"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/klipnote/klipnote/internal/jobs"
)

// RenderSRT renders SubRip: 1-based index, comma-decimal timecodes, blocks
// separated by a blank line.
func RenderSRT(segments []jobs.Segment) string {
	var b strings.Builder
	for i, seg := range segments {
		if i > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "%d\n", i+1)
		fmt.Fprintf(&b, "%s --> %s\n", srtTimecode(seg.Start), srtTimecode(seg.End))
		b.WriteString(strings.TrimSpace(seg.Text))
		b.WriteByte('\n')
	}
	return b.String()
}

// srtTimecode formats seconds as HH:MM:SS,mmm with millisecond rounding.
func srtTimecode(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	totalMillis := int64(math.Round(seconds * 1000))
	millis := totalMillis % 1000
	totalSecs := totalMillis / 1000
	h := totalSecs / 3600
	m := (totalSecs % 3600) / 60
	s := totalSecs % 60
	return fmt.Sprintf("%02d:%02d:%02d,%03d", h, m, s, millis)
}

// ParseSRT parses SubRip text back into segments. Tolerant of trailing
// whitespace and CRLF line endings; multi-line cue text is joined with
// single newlines.
func ParseSRT(input string) ([]jobs.Segment, error) {
	var out []jobs.Segment

	scanner := bufio.NewScanner(strings.NewReader(input))
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var lines []string
	flush := func() error {
		if len(lines) == 0 {
			return nil
		}
		seg, err := parseCue(lines)
		if err != nil {
			return err
		}
		out = append(out, seg)
		lines = lines[:0]
		return nil
	}

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if strings.TrimSpace(line) == "" {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan srt: %w", err)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseCue(lines []string) (jobs.Segment, error) {
	if len(lines) < 3 {
		return jobs.Segment{}, fmt.Errorf("srt cue too short: %q", strings.Join(lines, "\n"))
	}
	if _, err := strconv.Atoi(strings.TrimSpace(lines[0])); err != nil {
		return jobs.Segment{}, fmt.Errorf("srt cue index %q: %w", lines[0], err)
	}
	startRaw, endRaw, ok := strings.Cut(lines[1], "-->")
	if !ok {
		return jobs.Segment{}, fmt.Errorf("srt cue timing %q missing arrow", lines[1])
	}
	start, err := parseTimecode(strings.TrimSpace(startRaw))
	if err != nil {
		return jobs.Segment{}, err
	}
	end, err := parseTimecode(strings.TrimSpace(endRaw))
	if err != nil {
		return jobs.Segment{}, err
	}
	return jobs.Segment{
		Start: start,
		End:   end,
		Text:  strings.Join(lines[2:], "\n"),
	}, nil
}

func parseTimecode(tc string) (float64, error) {
	clock, millisRaw, ok := strings.Cut(tc, ",")
	if !ok {
		return 0, fmt.Errorf("srt timecode %q missing millis", tc)
	}
	parts := strings.Split(clock, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("srt timecode %q malformed clock", tc)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, fmt.Errorf("srt timecode %q: %w", tc, err)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("srt timecode %q: %w", tc, err)
	}
	s, err := strconv.Atoi(parts[2])
	if err != nil {
		return 0, fmt.Errorf("srt timecode %q: %w", tc, err)
	}
	millis, err := strconv.Atoi(millisRaw)
	if err != nil {
		return 0, fmt.Errorf("srt timecode %q: %w", tc, err)
	}
	return float64(h*3600+m*60+s) + float64(millis)/1000, nil
}
