// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/klipnote/klipnote/internal/broker"
	"github.com/klipnote/klipnote/internal/config"
	"github.com/klipnote/klipnote/internal/jobs"
	"github.com/klipnote/klipnote/internal/upload"
)

type stubProber struct {
	duration float64
	err      error
}

func (s stubProber) ProbeDuration(context.Context, string) (float64, error) {
	return s.duration, s.err
}

type fixture struct {
	handler http.Handler
	store   *jobs.Store
	broker  *broker.Broker
	cfg     config.AppConfig
	mr      *miniredis.Miniredis
}

func setup(t *testing.T, mutate func(*config.AppConfig)) *fixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
	})

	cfg := config.AppConfig{
		Listen:                    ":0",
		UploadDir:                 t.TempDir(),
		MaxFileSize:               1 << 20,
		MaxDurationHours:          2,
		AllowedMediaTypes:         config.DefaultAllowedMediaTypes,
		DefaultTranscriptionModel: config.ModelAuto,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	store := jobs.NewStore(client, zerolog.Nop())
	b := broker.New(client, time.Minute, zerolog.Nop())
	pipeline := upload.New(upload.Config{
		UploadDir:    cfg.UploadDir,
		MaxFileSize:  cfg.MaxFileSize,
		MaxDuration:  cfg.MaxDuration(),
		AllowedTypes: cfg.AllowedMediaTypes,
		DefaultModel: cfg.DefaultTranscriptionModel,
	}, store, b, stubProber{duration: 60}, zerolog.Nop())

	srv := New(cfg, store, b, pipeline, zerolog.Nop())
	return &fixture{handler: srv.Routes(), store: store, broker: b, cfg: cfg, mr: mr}
}

func (f *fixture) do(t *testing.T, method, target, contentType string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func decodeStatus(t *testing.T, rec *httptest.ResponseRecorder) statusResponse {
	t.Helper()
	var resp statusResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v (%s)", err, rec.Body.String())
	}
	return resp
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error response: %v (%s)", err, rec.Body.String())
	}
	return resp
}

func TestUploadRawBody(t *testing.T) {
	f := setup(t, nil)

	rec := f.do(t, http.MethodPost, "/upload?language=zh", "audio/mpeg", strings.NewReader("mp3 bytes"))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeStatus(t, rec)
	if resp.Model != "belle2" {
		t.Errorf("model = %q, want belle2 for zh hint", resp.Model)
	}

	// job_id is the contract field of the admission reply.
	var raw map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
		t.Fatal(err)
	}
	if raw["job_id"] != resp.ID {
		t.Errorf("job_id = %v, want %q", raw["job_id"], resp.ID)
	}
	if resp.Status != jobs.StatusPending || resp.Progress != jobs.ProgressQueued {
		t.Errorf("job = (%s,%d), want (pending,10)", resp.Status, resp.Progress)
	}

	depth, _ := f.broker.Depth(context.Background(), "belle2")
	if depth != 1 {
		t.Errorf("belle2 depth = %d, want 1", depth)
	}
}

func TestUploadMultipart(t *testing.T) {
	f := setup(t, nil)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("language", "en"); err != nil {
		t.Fatal(err)
	}
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="clip.wav"`)
	hdr.Set("Content-Type", "audio/wav")
	part, err := mw.CreatePart(hdr)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := part.Write([]byte("wav bytes")); err != nil {
		t.Fatal(err)
	}
	if err := mw.Close(); err != nil {
		t.Fatal(err)
	}

	rec := f.do(t, http.MethodPost, "/upload", mw.FormDataContentType(), &buf)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	resp := decodeStatus(t, rec)
	if resp.Model != "whisperx" {
		t.Errorf("model = %q, want whisperx for en hint", resp.Model)
	}
	if resp.LanguageHint != "en" {
		t.Errorf("language_hint = %q, want en", resp.LanguageHint)
	}
}

func TestUploadErrorMapping(t *testing.T) {
	tests := []struct {
		name        string
		contentType string
		body        string
		mutate      func(*config.AppConfig)
		wantCode    int
		wantKind    string
	}{
		{"unsupported format", "image/gif", "gif", nil, http.StatusBadRequest, kindUnsupportedFormat},
		{"payload too large", "audio/mpeg", strings.Repeat("a", 2048), func(c *config.AppConfig) { c.MaxFileSize = 1024 }, http.StatusRequestEntityTooLarge, kindPayloadTooLarge},
		{"missing content type", "", "x", nil, http.StatusBadRequest, kindInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t, tt.mutate)
			rec := f.do(t, http.MethodPost, "/upload", tt.contentType, strings.NewReader(tt.body))
			if rec.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d: %s", rec.Code, tt.wantCode, rec.Body.String())
			}
			if resp := decodeError(t, rec); resp.Error != tt.wantKind {
				t.Errorf("kind = %q, want %q", resp.Error, tt.wantKind)
			}
		})
	}
}

func TestStatusEndpoint(t *testing.T) {
	f := setup(t, nil)

	rec := f.do(t, http.MethodPost, "/upload", "audio/mpeg", strings.NewReader("x"))
	id := decodeStatus(t, rec).ID

	rec = f.do(t, http.MethodGet, "/status/"+id, "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	resp := decodeStatus(t, rec)
	if resp.Status != jobs.StatusPending || resp.Message != jobs.MessageQueued {
		t.Errorf("resp = %+v", resp)
	}

	t.Run("unknown id", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/status/"+jobs.NewID(), "", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("malformed id", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/status/not-a-uuid", "", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

// completeJob drives an admitted job to completed directly through the store.
func completeJob(t *testing.T, f *fixture, id string) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.UpdateStatus(ctx, id, func(j *jobs.Job) error {
		j.Status = jobs.StatusProcessing
		j.Progress = jobs.ProgressTranscribe
		j.Message = jobs.MessageTranscribe
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	_, err = f.store.CompleteWithResult(ctx, id, &jobs.Transcript{
		Segments: []jobs.Segment{{Start: 0, End: 1.5, Text: "hello"}},
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestResultEndpoint(t *testing.T) {
	f := setup(t, nil)

	rec := f.do(t, http.MethodPost, "/upload", "audio/mpeg", strings.NewReader("x"))
	id := decodeStatus(t, rec).ID

	t.Run("not ready is conflict, not not-found", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/result/"+id, "", nil)
		if rec.Code != http.StatusConflict {
			t.Fatalf("status = %d, want 409", rec.Code)
		}
		if resp := decodeError(t, rec); resp.Error != kindNotReady {
			t.Errorf("kind = %q, want not_ready", resp.Error)
		}
	})

	t.Run("unknown job is not-found", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/result/"+jobs.NewID(), "", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	completeJob(t, f, id)

	t.Run("completed serves segments", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/result/"+id, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		var tr jobs.Transcript
		if err := json.Unmarshal(rec.Body.Bytes(), &tr); err != nil {
			t.Fatal(err)
		}
		if len(tr.Segments) != 1 || tr.Segments[0].Text != "hello" {
			t.Errorf("transcript = %+v", tr)
		}
	})
}

func TestResultCompatNotFound(t *testing.T) {
	f := setup(t, func(c *config.AppConfig) { c.CompatNotFound = true })

	rec := f.do(t, http.MethodPost, "/upload", "audio/mpeg", strings.NewReader("x"))
	id := decodeStatus(t, rec).ID

	rec = f.do(t, http.MethodGet, "/result/"+id, "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 in compat mode", rec.Code)
	}
	if resp := decodeError(t, rec); resp.Error != kindNotReady {
		t.Errorf("kind = %q, compat mode must keep the distinct kind", resp.Error)
	}
}

func TestMediaEndpointRange(t *testing.T) {
	f := setup(t, nil)

	rec := f.do(t, http.MethodPost, "/upload", "audio/mpeg", strings.NewReader("0123456789"))
	id := decodeStatus(t, rec).ID

	t.Run("full body", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/media/"+id, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if rec.Body.String() != "0123456789" {
			t.Errorf("body = %q", rec.Body.String())
		}
		if rec.Header().Get("Accept-Ranges") != "bytes" {
			t.Errorf("Accept-Ranges = %q", rec.Header().Get("Accept-Ranges"))
		}
	})

	t.Run("range request", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/media/"+id, nil)
		req.Header.Set("Range", "bytes=2-5")
		rec := httptest.NewRecorder()
		f.handler.ServeHTTP(rec, req)

		if rec.Code != http.StatusPartialContent {
			t.Fatalf("status = %d, want 206", rec.Code)
		}
		if rec.Body.String() != "2345" {
			t.Errorf("body = %q, want 2345", rec.Body.String())
		}
	})

	t.Run("missing media file", func(t *testing.T) {
		job, err := f.store.GetStatus(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if err := os.Remove(job.MediaPath); err != nil {
			t.Fatal(err)
		}
		rec := f.do(t, http.MethodGet, "/media/"+id, "", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestStoreOutageIsInternalError(t *testing.T) {
	f := setup(t, nil)

	rec := f.do(t, http.MethodPost, "/upload", "audio/mpeg", strings.NewReader("x"))
	id := decodeStatus(t, rec).ID

	// A dead store must not masquerade as a missing job.
	f.mr.Close()

	t.Run("media", func(t *testing.T) {
		rec := f.do(t, http.MethodGet, "/media/"+id, "", nil)
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", rec.Code)
		}
		if resp := decodeError(t, rec); resp.Error != kindInternal {
			t.Errorf("kind = %q, want internal", resp.Error)
		}
	})

	t.Run("export", func(t *testing.T) {
		body := `{"segments":[{"start":0,"end":1,"text":"x"}],"format":"srt"}`
		rec := f.do(t, http.MethodPost, "/export/"+id, "application/json", strings.NewReader(body))
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("status = %d, want 500", rec.Code)
		}
	})
}

func TestExportEndpoint(t *testing.T) {
	f := setup(t, nil)

	rec := f.do(t, http.MethodPost, "/upload", "audio/mpeg", strings.NewReader("x"))
	id := decodeStatus(t, rec).ID

	body := `{"segments":[{"start":0.0,"end":1.5,"text":"hello"},{"start":1.5,"end":3.2,"text":"world"}],"format":"srt"}`

	t.Run("srt render", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/export/"+id, "application/json", strings.NewReader(body))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}

		want := "1\n" +
			"00:00:00,000 --> 00:00:01,500\n" +
			"hello\n" +
			"\n" +
			"2\n" +
			"00:00:01,500 --> 00:00:03,200\n" +
			"world\n"
		if rec.Body.String() != want {
			t.Errorf("body =\n%q\nwant\n%q", rec.Body.String(), want)
		}
		if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, "transcript-"+id+".srt") {
			t.Errorf("Content-Disposition = %q", cd)
		}
		if cc := rec.Header().Get("Cache-Control"); cc != "no-store" {
			t.Errorf("Cache-Control = %q", cc)
		}
	})

	t.Run("txt render", func(t *testing.T) {
		body := `{"segments":[{"start":0,"end":1,"text":" one "},{"start":1,"end":2,"text":"two"}],"format":"txt"}`
		rec := f.do(t, http.MethodPost, "/export/"+id, "application/json", strings.NewReader(body))
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
		if rec.Body.String() != "one\ntwo" {
			t.Errorf("body = %q", rec.Body.String())
		}
	})

	t.Run("unknown job", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/export/"+jobs.NewID(), "application/json", strings.NewReader(body))
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})

	t.Run("bad format", func(t *testing.T) {
		body := `{"segments":[{"start":0,"end":1,"text":"x"}],"format":"pdf"}`
		rec := f.do(t, http.MethodPost, "/export/"+id, "application/json", strings.NewReader(body))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})

	t.Run("empty segments", func(t *testing.T) {
		body := `{"segments":[],"format":"srt"}`
		rec := f.do(t, http.MethodPost, "/export/"+id, "application/json", strings.NewReader(body))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", rec.Code)
		}
	})
}

func TestRetryEndpoint(t *testing.T) {
	f := setup(t, nil)
	ctx := context.Background()

	rec := f.do(t, http.MethodPost, "/upload", "audio/mpeg", strings.NewReader("x"))
	id := decodeStatus(t, rec).ID

	t.Run("non-failed job conflicts", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/retry/"+id, "", nil)
		if rec.Code != http.StatusConflict {
			t.Errorf("status = %d, want 409", rec.Code)
		}
	})

	// Fail the job, then retry.
	if _, err := f.store.UpdateStatus(ctx, id, func(j *jobs.Job) error {
		j.Status = jobs.StatusFailed
		j.Error = &jobs.JobError{Kind: jobs.FailurePermanent, Message: "boom"}
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	t.Run("failed job resets and re-enqueues", func(t *testing.T) {
		before, _ := f.broker.Depth(ctx, "whisperx")

		rec := f.do(t, http.MethodPost, "/retry/"+id, "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
		}
		resp := decodeStatus(t, rec)
		if resp.Status != jobs.StatusPending || resp.Progress != jobs.ProgressQueued || resp.Error != nil {
			t.Errorf("resp = %+v, want clean pending", resp)
		}

		after, _ := f.broker.Depth(ctx, "whisperx")
		if after != before+1 {
			t.Errorf("queue depth %d -> %d, want +1", before, after)
		}
	})

	t.Run("unknown job", func(t *testing.T) {
		rec := f.do(t, http.MethodPost, "/retry/"+jobs.NewID(), "", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("status = %d, want 404", rec.Code)
		}
	})
}

func TestHealthz(t *testing.T) {
	f := setup(t, nil)
	rec := f.do(t, http.MethodGet, "/healthz", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestRequestIDPropagation(t *testing.T) {
	f := setup(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(HeaderRequestID, "req-123")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)

	if got := rec.Header().Get(HeaderRequestID); got != "req-123" {
		t.Errorf("request id = %q, want req-123", got)
	}
}

func TestUploadCleanupOnRejection(t *testing.T) {
	f := setup(t, func(c *config.AppConfig) { c.MaxFileSize = 16 })

	rec := f.do(t, http.MethodPost, "/upload", "audio/mpeg", strings.NewReader(strings.Repeat("a", 64)))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}

	entries, err := os.ReadDir(f.cfg.UploadDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		paths := make([]string, 0, len(entries))
		for _, e := range entries {
			paths = append(paths, filepath.Join(f.cfg.UploadDir, e.Name()))
		}
		t.Errorf("upload dir has residue: %v", paths)
	}
}
