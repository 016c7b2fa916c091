package secrets

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestSourceToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/tokens" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer api-key" {
			t.Errorf("unexpected authorization header: %s", got)
		}
		if repo := r.URL.Query().Get("repository"); repo != "git.example.com/app.git" {
			t.Errorf("unexpected repository: %s", repo)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"token":"tok-abc123","expires_at":"2026-01-01T00:00:00Z"}`))
	}))
	defer server.Close()

	source := NewHTTPCredentialSource(server.URL, "api-key")
	token, err := source.SourceToken(context.Background(), "git.example.com/app.git")
	if err != nil {
		t.Fatalf("failed to mint token: %v", err)
	}
	if token != "tok-abc123" {
		t.Errorf("unexpected token: %s", token)
	}
}

func TestSourceTokenServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "repository not found", http.StatusNotFound)
	}))
	defer server.Close()

	source := NewHTTPCredentialSource(server.URL, "api-key")
	_, err := source.SourceToken(context.Background(), "git.example.com/missing.git")
	if err == nil {
		t.Fatal("expected error from service rejection")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("expected status code in error, got: %v", err)
	}
}

func TestSourceTokenEmptyToken(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"token":""}`))
	}))
	defer server.Close()

	source := NewHTTPCredentialSource(server.URL, "api-key")
	if _, err := source.SourceToken(context.Background(), "repo"); err == nil {
		t.Fatal("expected error for empty token")
	}
}

func TestSourceTokenEmptyRepository(t *testing.T) {
	source := NewHTTPCredentialSource("http://localhost", "api-key")
	if _, err := source.SourceToken(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty repository")
	}
}

func TestStaticCredentialSource(t *testing.T) {
	static := StaticCredentialSource{Token: "dev-token"}
	token, err := static.SourceToken(context.Background(), "any")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if token != "dev-token" {
		t.Errorf("unexpected token: %s", token)
	}

	empty := StaticCredentialSource{}
	if _, err := empty.SourceToken(context.Background(), "any"); err == nil {
		t.Fatal("expected error for unconfigured static source")
	}
}
