// SPDX-License-Identifier: MIT

package export

import (
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/klipnote/klipnote/internal/jobs"
)

func TestRenderSRT(t *testing.T) {
	segments := []jobs.Segment{
		{Start: 0.0, End: 1.5, Text: "hello"},
		{Start: 1.5, End: 3.2, Text: "world"},
	}

	want := "1\n" +
		"00:00:00,000 --> 00:00:01,500\n" +
		"hello\n" +
		"\n" +
		"2\n" +
		"00:00:01,500 --> 00:00:03,200\n" +
		"world\n"

	got := RenderSRT(segments)
	if got != want {
		t.Errorf("RenderSRT =\n%q\nwant\n%q", got, want)
	}
}

func TestRenderSRTLongTimecodes(t *testing.T) {
	segments := []jobs.Segment{
		{Start: 3661.042, End: 7322.999, Text: "late"},
	}
	got := RenderSRT(segments)
	if !strings.Contains(got, "01:01:01,042 --> 02:02:02,999") {
		t.Errorf("timecode line missing, got %q", got)
	}
}

func TestRenderTXT(t *testing.T) {
	segments := []jobs.Segment{
		{Start: 0, End: 1, Text: "  first line "},
		{Start: 1, End: 2, Text: "second line"},
	}
	got := RenderTXT(segments)
	want := "first line\nsecond line"
	if got != want {
		t.Errorf("RenderTXT = %q, want %q", got, want)
	}
}

func TestSRTRoundTrip(t *testing.T) {
	in := []jobs.Segment{
		{Start: 0, End: 1.5, Text: "hello"},
		{Start: 1.5, End: 3.2, Text: "world"},
		{Start: 3.2, End: 10.75, Text: "a longer closing remark"},
	}

	parsed, err := ParseSRT(RenderSRT(in))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(parsed) != len(in) {
		t.Fatalf("got %d segments, want %d", len(parsed), len(in))
	}
	for i := range in {
		if math.Abs(parsed[i].Start-in[i].Start) > 0.0005 || math.Abs(parsed[i].End-in[i].End) > 0.0005 {
			t.Errorf("segment %d timing = (%v,%v), want (%v,%v)", i, parsed[i].Start, parsed[i].End, in[i].Start, in[i].End)
		}
		if parsed[i].Text != in[i].Text {
			t.Errorf("segment %d text = %q, want %q", i, parsed[i].Text, in[i].Text)
		}
	}
}

func TestParseSRTCRLFAndMultiline(t *testing.T) {
	input := "1\r\n00:00:00,000 --> 00:00:02,000\r\nline one\r\nline two\r\n\r\n"
	parsed, err := ParseSRT(input)
	if err != nil {
		t.Fatal(err)
	}
	if len(parsed) != 1 || parsed[0].Text != "line one\nline two" {
		t.Errorf("parsed = %+v", parsed)
	}
}

func TestParseSRTMalformed(t *testing.T) {
	inputs := map[string]string{
		"missing arrow":  "1\n00:00:00,000 00:00:01,000\ntext\n",
		"bad index":      "x\n00:00:00,000 --> 00:00:01,000\ntext\n",
		"short cue":      "1\n00:00:00,000 --> 00:00:01,000\n",
		"missing millis": "1\n00:00:00 --> 00:00:01,000\ntext\n",
	}
	for name, input := range inputs {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseSRT(input); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name     string
		segments []jobs.Segment
		wantErr  bool
	}{
		{"valid", []jobs.Segment{{Start: 0, End: 1, Text: "x"}}, false},
		{"empty list", nil, true},
		{"empty text", []jobs.Segment{{Start: 0, End: 1, Text: "   "}}, true},
		{"negative start", []jobs.Segment{{Start: -1, End: 1, Text: "x"}}, true},
		{"end equals start", []jobs.Segment{{Start: 2, End: 2, Text: "x"}}, true},
		{"end before start", []jobs.Segment{{Start: 3, End: 2, Text: "x"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.segments)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidSegments) {
				t.Errorf("error %v not wrapped in ErrInvalidSegments", err)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	if f, err := ParseFormat(" SRT "); err != nil || f != FormatSRT {
		t.Errorf("ParseFormat(SRT) = %v, %v", f, err)
	}
	if f, err := ParseFormat("txt"); err != nil || f != FormatTXT {
		t.Errorf("ParseFormat(txt) = %v, %v", f, err)
	}
	if _, err := ParseFormat("pdf"); !errors.Is(err, ErrUnsupportedFormat) {
		t.Errorf("ParseFormat(pdf) = %v, want ErrUnsupportedFormat", err)
	}
}

func TestRenderDispatch(t *testing.T) {
	segments := []jobs.Segment{{Start: 0, End: 1, Text: "x"}}

	if _, err := Render(FormatSRT, segments); err != nil {
		t.Errorf("Render srt: %v", err)
	}
	if _, err := Render(FormatTXT, segments); err != nil {
		t.Errorf("Render txt: %v", err)
	}
	if _, err := Render(FormatSRT, nil); !errors.Is(err, ErrInvalidSegments) {
		t.Errorf("Render empty = %v, want ErrInvalidSegments", err)
	}
}
