package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const tokenExchangeTimeout = 15 * time.Second

// TokenClient exchanges refresh tokens at a provider's OAuth token endpoint.
type TokenClient struct {
	httpClient *http.Client
}

// NewTokenClient constructs a token client with a bounded request timeout.
func NewTokenClient() *TokenClient {
	return &TokenClient{
		httpClient: &http.Client{Timeout: tokenExchangeTimeout},
	}
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// Exchange posts a form-encoded refresh_token grant and returns the new
// credential. When the provider does not rotate the refresh token the
// returned credential keeps the one that was spent.
func (c *TokenClient) Exchange(ctx context.Context, provider Provider, refreshToken string) (Credential, error) {
	if provider.TokenURL == "" {
		return Credential{}, fmt.Errorf("provider %s has no token endpoint configured", provider.Name)
	}
	if refreshToken == "" {
		return Credential{}, fmt.Errorf("empty refresh token for provider %s", provider.Name)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	if provider.ClientID != "" {
		form.Set("client_id", provider.ClientID)
	}
	if provider.ClientSecret != "" {
		form.Set("client_secret", provider.ClientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, provider.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Credential{}, fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("token exchange for %s: %w", provider.Name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credential{}, fmt.Errorf("read token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Credential{}, fmt.Errorf("token endpoint for %s returned %d", provider.Name, resp.StatusCode)
	}

	var parsed tokenResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Credential{}, fmt.Errorf("decode token response: %w", err)
	}
	if parsed.Error != "" {
		return Credential{}, fmt.Errorf("token endpoint for %s: %s %s", provider.Name, parsed.Error, parsed.ErrorDesc)
	}
	if parsed.AccessToken == "" {
		return Credential{}, fmt.Errorf("token endpoint for %s returned no access token", provider.Name)
	}

	cred := Credential{AccessToken: parsed.AccessToken, RefreshToken: parsed.RefreshToken}
	if cred.RefreshToken == "" {
		cred.RefreshToken = refreshToken
	}
	return cred, nil
}
