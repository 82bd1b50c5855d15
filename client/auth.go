package client

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Header names attached to every outgoing request when a session exists.
const (
	// UserIDHeader carries the identity subject identifier.
	UserIDHeader = "X-User-ID"
	// AuthorizationHeader carries the bearer credential.
	AuthorizationHeader = "Authorization"
)

// TokenSource resolves the current identity's credential and subject.
// An unauthenticated source returns empty values, not errors; callers decide
// whether a missing session is fatal.
type TokenSource interface {
	// Token returns the current bearer credential, or "" when no session
	// exists.
	Token(ctx context.Context) (string, error)
	// UserID returns the identity subject identifier, or "".
	UserID(ctx context.Context) string
	// Refresh forces a credential refresh and returns the new token.
	Refresh(ctx context.Context) (string, error)
}

// StaticTokenSource is a TokenSource backed by fixed values. Refresh is a
// no-op returning the same token. Intended for tests and service scripts.
type StaticTokenSource struct {
	AccessToken string
	Subject     string
}

func (s *StaticTokenSource) Token(_ context.Context) (string, error) { return s.AccessToken, nil }

func (s *StaticTokenSource) UserID(_ context.Context) string { return s.Subject }

func (s *StaticTokenSource) Refresh(_ context.Context) (string, error) { return s.AccessToken, nil }

// JWTTokenSource holds a JWT bearer credential and refreshes it through the
// identity provider when expired. The token's exp claim is decoded without
// signature verification: the client is not the party that validates the
// token, it only needs the expiry for proactive refresh.
type JWTTokenSource struct {
	// RefreshFunc exchanges the current session for a fresh token.
	RefreshFunc func(ctx context.Context) (token, subject string, err error)
	// ExpirySkew refreshes this long before the actual expiry. Default 30s.
	ExpirySkew time.Duration

	mu      sync.Mutex
	token   string
	subject string
	expiry  time.Time
}

// SetSession seeds the source with the current session's token and subject.
func (j *JWTTokenSource) SetSession(token, subject string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.token = token
	j.subject = subject
	j.expiry = tokenExpiry(token)
}

func (j *JWTTokenSource) Token(ctx context.Context) (string, error) {
	j.mu.Lock()
	token, expiry := j.token, j.expiry
	j.mu.Unlock()

	if token == "" {
		return "", nil
	}
	skew := j.ExpirySkew
	if skew == 0 {
		skew = 30 * time.Second
	}
	if !expiry.IsZero() && time.Now().After(expiry.Add(-skew)) {
		return j.Refresh(ctx)
	}
	return token, nil
}

func (j *JWTTokenSource) UserID(_ context.Context) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.subject
}

func (j *JWTTokenSource) Refresh(ctx context.Context) (string, error) {
	if j.RefreshFunc == nil {
		return "", fmt.Errorf("no refresh function configured")
	}
	token, subject, err := j.RefreshFunc(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh credential: %w", err)
	}
	j.mu.Lock()
	j.token = token
	if subject != "" {
		j.subject = subject
	}
	j.expiry = tokenExpiry(token)
	j.mu.Unlock()
	return token, nil
}

// tokenExpiry decodes the exp claim from a JWT. Returns the zero time for
// opaque or malformed tokens, which disables proactive refresh for them.
func tokenExpiry(token string) time.Time {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}
	}
	return exp.Time
}

// setAuthHeaders attaches the identity headers to req. Caller-supplied
// headers always win on collision. A missing session attaches nothing.
func (c *Client) setAuthHeaders(ctx context.Context, req *http.Request) error {
	if c.tokens == nil {
		return nil
	}
	if uid := c.tokens.UserID(ctx); uid != "" && req.Header.Get(UserIDHeader) == "" {
		req.Header.Set(UserIDHeader, uid)
	}
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("resolve credential: %w", err)
	}
	if token != "" && req.Header.Get(AuthorizationHeader) == "" {
		req.Header.Set(AuthorizationHeader, "Bearer "+token)
	}
	return nil
}

// authorizedDo performs one authenticated attempt. If the response is a 401
// it forces a credential refresh and retries exactly once with the refreshed
// token; the second response is final regardless of outcome.
func (c *Client) authorizedDo(ctx context.Context, build func() (*http.Request, error)) (*http.Response, error) {
	req, err := build()
	if err != nil {
		return nil, err
	}
	if err := c.setAuthHeaders(ctx, req); err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized || c.tokens == nil {
		return resp, nil
	}

	// One refresh, one retry. A refresh failure falls through with the
	// original 401 so the caller classifies it as a permission failure.
	token, refreshErr := c.tokens.Refresh(ctx)
	if refreshErr != nil || token == "" {
		c.log.Debug().Err(refreshErr).Msg("credential refresh failed, keeping 401")
		return resp, nil
	}
	resp.Body.Close()

	// Refresh already rotated the source's state, so setAuthHeaders
	// attaches the new token on the rebuilt request.
	retry, err := build()
	if err != nil {
		return nil, err
	}
	if err := c.setAuthHeaders(ctx, retry); err != nil {
		return nil, err
	}
	return c.httpClient.Do(retry)
}
