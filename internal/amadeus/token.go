package amadeus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const defaultTokenURL = "https://test.api.amadeus.com/v1/security/oauth2/token"

// CredentialError reports missing credentials or a rejected token exchange.
type CredentialError struct {
	Reason     string
	StatusCode int
	Err        error
}

func (e *CredentialError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("amadeus: credentials rejected (status %d): %s", e.StatusCode, e.Reason)
	}
	if e.Err != nil {
		return fmt.Sprintf("amadeus: %s: %v", e.Reason, e.Err)
	}
	return "amadeus: " + e.Reason
}

func (e *CredentialError) Unwrap() error { return e.Err }

// TokenCache holds a bearer token for the Amadeus API and refreshes it via
// the client-credentials flow when it expires. Safe for concurrent use.
type TokenCache struct {
	clientID     string
	clientSecret string
	tokenURL     string
	httpClient   *http.Client
	now          func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewTokenCache(clientID, clientSecret string) *TokenCache {
	return &TokenCache{
		clientID:     clientID,
		clientSecret: clientSecret,
		tokenURL:     defaultTokenURL,
		httpClient:   &http.Client{Timeout: 10 * time.Second},
		now:          time.Now,
	}
}

// Token returns the cached bearer token, performing a new exchange only when
// no valid token is held. The mutex is held across the refresh so concurrent
// turns never trigger redundant exchanges.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expiresAt) {
		return c.token, nil
	}

	if c.clientID == "" || c.clientSecret == "" {
		return "", &CredentialError{Reason: "client credentials not configured"}
	}

	token, expiresIn, err := c.exchange(ctx)
	if err != nil {
		return "", err
	}

	c.token = token
	c.expiresAt = c.now().Add(time.Duration(expiresIn) * time.Second)
	return c.token, nil
}

func (c *TokenCache) exchange(ctx context.Context) (string, int, error) {
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	form.Set("client_id", c.clientID)
	form.Set("client_secret", c.clientSecret)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", 0, &CredentialError{Reason: "create token request", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", 0, &CredentialError{Reason: "token exchange failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", 0, &CredentialError{Reason: string(body), StatusCode: resp.StatusCode}
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return "", 0, &CredentialError{Reason: "decode token response", Err: err}
	}
	if tokenResp.AccessToken == "" {
		return "", 0, &CredentialError{Reason: "token response missing access_token"}
	}

	return tokenResp.AccessToken, tokenResp.ExpiresIn, nil
}
