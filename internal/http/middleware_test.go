package http

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"petavatar/internal/config"
	"petavatar/internal/jobs"
	"petavatar/internal/store"
)

func authedApp(t *testing.T) *Server {
	t.Helper()
	cfg := &config.Config{}
	cfg.Auth.Enabled = true
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(cfg, &store.Store{}, &fakeIntake{}, &fakeReaders{}, &fakeBroker{}, nil, logger)
}

func TestAuthRejectsMissingKey(t *testing.T) {
	srv := authedApp(t)

	req := httptest.NewRequest(http.MethodGet, "/presigned-url", nil)
	resp, err := srv.App().Test(req, -1)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	var out ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Code != string(jobs.KindAuth) {
		t.Fatalf("expected AuthError code, got %q", out.Code)
	}
}

func TestAuthRejectsMalformedKey(t *testing.T) {
	srv := authedApp(t)

	for _, header := range []struct{ name, value string }{
		{"Authorization", "Bearer sk-something-else"},
		{"X-Api-Key", "not-a-petavatar-key"},
	} {
		req := httptest.NewRequest(http.MethodGet, "/presigned-url", nil)
		req.Header.Set(header.name, header.value)

		resp, err := srv.App().Test(req, -1)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", header.value, resp.StatusCode)
		}
	}
}

func TestAuthSkipsHealthAndMetrics(t *testing.T) {
	srv := authedApp(t)

	for _, path := range []string{"/healthz", "/metrics"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		resp, err := srv.App().Test(req, -1)
		if err != nil {
			t.Fatalf("request failed: %v", err)
		}
		resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200 without credentials, got %d", path, resp.StatusCode)
		}
	}
}
