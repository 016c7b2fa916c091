// Package secrets mints short-lived source-access credentials for service
// repositories. Tokens are requested fresh per use and never cached.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// HTTPCredentialSource requests repository tokens from a credential service.
type HTTPCredentialSource struct {
	baseURL  string
	apiToken string
	client   *http.Client
}

// NewHTTPCredentialSource creates a credential source against the service at
// baseURL, authenticating with apiToken.
func NewHTTPCredentialSource(baseURL, apiToken string) *HTTPCredentialSource {
	return &HTTPCredentialSource{
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiToken: apiToken,
		client: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SourceToken mints a short-lived token scoped to the given repository.
func (s *HTTPCredentialSource) SourceToken(ctx context.Context, repository string) (string, error) {
	if repository == "" {
		return "", fmt.Errorf("repository is required")
	}

	endpoint := fmt.Sprintf("%s/v1/tokens?repository=%s", s.baseURL, url.QueryEscape(repository))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.apiToken)
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request source token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("credential service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tr.Token == "" {
		return "", fmt.Errorf("credential service returned an empty token")
	}

	log.Debug().Str("repository", repository).Time("expires_at", tr.ExpiresAt).
		Msg("minted source token")

	return tr.Token, nil
}

// StaticCredentialSource returns the same token for every repository. Useful
// for development environments without a credential service.
type StaticCredentialSource struct {
	Token string
}

// SourceToken returns the static token.
func (s StaticCredentialSource) SourceToken(ctx context.Context, repository string) (string, error) {
	if s.Token == "" {
		return "", fmt.Errorf("no static token configured")
	}
	return s.Token, nil
}
