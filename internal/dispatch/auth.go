package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// assertionSkew backdates the assertion's issued-at to absorb clock drift
	// between us and the platform.
	assertionSkew = 60 * time.Second
	// assertionTTL is how far ahead the assertion expires.
	assertionTTL = 600 * time.Second
	// tokenRefreshMargin triggers a proactive refresh when a cached token is
	// this close to expiry. A token is never used past expiry.
	tokenRefreshMargin = 60 * time.Second

	installationCacheTTL = time.Hour
)

// installationToken is the cached access-token record.
type installationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// appAssertion builds the short-lived signed assertion used to mint
// installation tokens.
func (c *Client) appAssertion(now time.Time) (string, error) {
	claims := jwt.RegisteredClaims{
		Issuer:    c.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-assertionSkew)),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(c.signingKey)
	if err != nil {
		return "", fmt.Errorf("sign app assertion: %w", err)
	}
	return signed, nil
}

// installationID resolves the app installation for a repository, cached per
// (owner, repo).
func (c *Client) installationID(ctx context.Context, owner, repo string) (int64, error) {
	key := "installation:" + owner + "/" + repo
	if raw, ok, err := c.installations.Get(ctx, key); err == nil && ok {
		id, err := strconv.ParseInt(string(raw), 10, 64)
		if err == nil {
			return id, nil
		}
	}

	assertion, err := c.appAssertion(c.clock())
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/repos/%s/%s/installation", c.baseURL, owner, repo), nil)
	if err != nil {
		return 0, fmt.Errorf("build installation request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+assertion)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("resolve installation: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, statusError(resp.StatusCode, readErrorBody(resp.Body), false)
	}

	var payload struct {
		ID int64 `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return 0, fmt.Errorf("decode installation response: %w", err)
	}

	if err := c.installations.Set(ctx, key,
		[]byte(strconv.FormatInt(payload.ID, 10)), installationCacheTTL); err != nil {
		c.logger.Warn("cache installation id", "error", err)
	}
	return payload.ID, nil
}

// accessToken returns a live installation token, minting one when the cache
// is empty or the cached token is within the refresh margin of expiry.
func (c *Client) accessToken(ctx context.Context, owner, repo string) (string, error) {
	id, err := c.installationID(ctx, owner, repo)
	if err != nil {
		return "", err
	}

	key := "token:" + strconv.FormatInt(id, 10)
	now := c.clock()
	if raw, ok, err := c.tokens.Get(ctx, key); err == nil && ok {
		var tok installationToken
		if err := json.Unmarshal(raw, &tok); err == nil &&
			now.Before(tok.ExpiresAt.Add(-tokenRefreshMargin)) {
			return tok.Token, nil
		}
	}

	assertion, err := c.appAssertion(now)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/app/installations/%d/access_tokens", c.baseURL, id), nil)
	if err != nil {
		return "", fmt.Errorf("build token request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+assertion)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("mint installation token: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", statusError(resp.StatusCode, readErrorBody(resp.Body), false)
	}

	var tok installationToken
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token response: %w", err)
	}

	raw, err := json.Marshal(tok)
	if err != nil {
		return "", fmt.Errorf("marshal token for cache: %w", err)
	}
	ttl := tok.ExpiresAt.Sub(now)
	if ttl > 0 {
		if err := c.tokens.Set(ctx, key, raw, ttl); err != nil {
			c.logger.Warn("cache installation token", "error", err)
		}
	}
	return tok.Token, nil
}

// readErrorBody extracts a short message from an error response body.
func readErrorBody(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(data) == 0 {
		return "no response body"
	}
	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return string(data)
}
