package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCORSPreflightAllowsConfiguredOrigin(t *testing.T) {
	harness := newTestHarness(t, nil)

	request := httptest.NewRequest(http.MethodOptions, "/votes/project-a/upvote", http.NoBody)
	request.Header.Set("Origin", "https://portal.example.com")
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Authorization")

	recorder := httptest.NewRecorder()
	harness.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	allowHeaders := recorder.Header().Get("Access-Control-Allow-Headers")
	if !strings.Contains(strings.ToLower(allowHeaders), "authorization") {
		t.Fatalf("expected Access-Control-Allow-Headers to include Authorization, got %q", allowHeaders)
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}
}

func TestCORSRejectsUnknownOrigin(t *testing.T) {
	harness := newTestHarness(t, nil)

	request := httptest.NewRequest(http.MethodGet, "/votes", http.NoBody)
	request.Header.Set("Origin", "https://elsewhere.example.com")

	recorder := httptest.NewRecorder()
	harness.handler.ServeHTTP(recorder, request)

	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected status %d, got %d", http.StatusForbidden, recorder.Code)
	}
}

func TestCORSConfigWithoutOriginsAllowsAll(t *testing.T) {
	cfg := corsConfig(nil)
	if !cfg.AllowAllOrigins || cfg.AllowCredentials {
		t.Fatalf("expected wildcard origins without credentials, got %+v", cfg)
	}
}
