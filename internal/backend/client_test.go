package backend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/maauso/reelforge/internal/apperr"
	"github.com/maauso/reelforge/internal/tier"
)

func newTestClient(t *testing.T, srv *httptest.Server, opts ...ClientOption) *HTTPClient {
	t.Helper()
	opts = append([]ClientOption{
		WithAPIKey("test-key"),
		WithHTTPClient(srv.Client()),
		WithRateLimiter(nil),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	c, err := NewClient(srv.URL, opts...)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return c
}

func TestNewClient_Validation(t *testing.T) {
	if _, err := NewClient("", WithAPIKey("k")); !errors.Is(err, ErrBaseURLRequired) {
		t.Errorf("expected ErrBaseURLRequired, got %v", err)
	}
	if _, err := NewClient("http://backend"); !errors.Is(err, ErrAPIKeyRequired) {
		t.Errorf("expected ErrAPIKeyRequired, got %v", err)
	}
}

func TestSubmit_SendsTierParameters(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/generate" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("expected bearer auth, got %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"job_id":"job-1"}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	jobID, err := c.Submit(context.Background(), SubmitRequest{Prompt: "a cat surfing", Tier: tier.Quality, Seed: 7})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if jobID != "job-1" {
		t.Errorf("expected job-1, got %q", jobID)
	}
	if got.Tier != "quality" || got.Duration != 10 || got.Resolution != "1080p" {
		t.Errorf("unexpected tier parameters: %+v", got)
	}
	if got.Seed != 7 {
		t.Errorf("expected seed 7, got %d", got.Seed)
	}
	if got.NegativePrompt != DefaultNegativePrompt {
		t.Errorf("expected default negative prompt, got %q", got.NegativePrompt)
	}
}

func TestSubmit_UnknownTierUsesDefault(t *testing.T) {
	var got generateRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"data":{"jobId":"job-2"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, WithDefaultTier(tier.Fast))
	jobID, err := c.Submit(context.Background(), SubmitRequest{Prompt: "p", Tier: "ultra"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if jobID != "job-2" {
		t.Errorf("expected job-2, got %q", jobID)
	}
	if got.Tier != "fast" || got.Resolution != "480p" {
		t.Errorf("expected fast tier parameters, got %+v", got)
	}
	if got.Seed == 0 {
		t.Error("expected a random seed to be chosen")
	}
}

func TestSubmit_EmptyPromptRejected(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Submit(context.Background(), SubmitRequest{Prompt: "   "})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("expected no backend call, got %d", calls.Load())
	}
}

func TestSubmit_NoJobID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":{"message":"quota exceeded"}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv)
	_, err := c.Submit(context.Background(), SubmitRequest{Prompt: "p"})
	if !errors.Is(err, apperr.ErrBackend) {
		t.Fatalf("expected backend error, got %v", err)
	}
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Errorf("expected backend message in error, got %v", err)
	}
}

func TestGetStatus_ErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"server error is transient", http.StatusBadGateway, `bad gateway`, apperr.ErrTransient},
		{"rate limit is transient", http.StatusTooManyRequests, `{"error":"slow down"}`, apperr.ErrTransient},
		{"not found is backend", http.StatusNotFound, `{"error":"no such job"}`, apperr.ErrBackend},
		{"malformed body is backend", http.StatusOK, `not json`, apperr.ErrBackend},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := newTestClient(t, srv)
			_, err := c.GetStatus(context.Background(), "job-1")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestGetStatus_ConnectionErrorIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	c := newTestClient(t, srv)
	srv.Close()

	_, err := c.GetStatus(context.Background(), "job-1")
	if !errors.Is(err, apperr.ErrTransient) {
		t.Fatalf("expected transient error, got %v", err)
	}
}

func TestGetStatus_BothShapes(t *testing.T) {
	bodies := map[string]string{
		"flat":   `{"status":"completed","outputs":["https://cdn/x.mp4"]}`,
		"nested": `{"data":{"status":"succeeded","outputs":[{"url":"https://cdn/x.mp4"}]}}`,
	}

	for name, body := range bodies {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.URL.Path != "/jobs/job-9" {
					t.Errorf("unexpected path %s", r.URL.Path)
				}
				_, _ = w.Write([]byte(body))
			}))
			defer srv.Close()

			c := newTestClient(t, srv)
			res, err := c.GetStatus(context.Background(), "job-9")
			if err != nil {
				t.Fatalf("GetStatus: %v", err)
			}
			if res.Status != StatusCompleted {
				t.Errorf("expected completed, got %s", res.Status)
			}
			if len(res.Outputs) != 1 || res.Outputs[0] != "https://cdn/x.mp4" {
				t.Errorf("unexpected outputs %v", res.Outputs)
			}
		})
	}
}

func TestDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.mp4":
			_, _ = w.Write([]byte("video-bytes"))
		case "/slow.mp4":
			time.Sleep(200 * time.Millisecond)
			_, _ = w.Write([]byte("late"))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := newTestClient(t, srv)

	data, err := c.Download(context.Background(), srv.URL+"/ok.mp4", time.Second)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if string(data) != "video-bytes" {
		t.Errorf("unexpected body %q", data)
	}

	_, err = c.Download(context.Background(), srv.URL+"/missing.mp4", time.Second)
	if !errors.Is(err, apperr.ErrBackend) {
		t.Errorf("expected backend error for 404, got %v", err)
	}

	_, err = c.Download(context.Background(), srv.URL+"/slow.mp4", 20*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}
