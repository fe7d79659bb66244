package auth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/imroc/req/v3"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/keepass-backup/internal/config"
	"github.com/Chapsvision-dev/keepass-backup/internal/retry"
)

const tokenPath = "/oauth2/token"

// expirySkew renews access tokens this long before Dropbox would reject them.
const expirySkew = time.Minute

// Tokens is the token endpoint response.
type Tokens struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
	AccountID    string `json:"account_id,omitempty"`
}

type oauthErrorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// TokenError is a non-2xx answer from the token endpoint.
type TokenError struct {
	StatusCode  int
	Code        string
	Description string
	retryAfter  time.Duration
}

func (e *TokenError) Error() string {
	msg := fmt.Sprintf("token endpoint: http status %d", e.StatusCode)
	if e.Code != "" {
		msg += ": " + e.Code
	}
	if e.Description != "" {
		msg += " (" + e.Description + ")"
	}
	return msg
}

// Is reports 400/401 answers as ErrRejected.
func (e *TokenError) Is(target error) bool {
	return target == ErrRejected && (e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnauthorized)
}

func (e *TokenError) RetryAfter() time.Duration { return e.retryAfter }

// requestTokens posts form to the token endpoint once.
func requestTokens(ctx context.Context, c *req.Client, apiURL string, form map[string]string) (Tokens, error) {
	var out Tokens
	var apiErr oauthErrorBody
	url := strings.TrimRight(apiURL, "/") + tokenPath

	resp, err := c.R().
		SetContext(ctx).
		SetFormData(form).
		SetSuccessResult(&out).
		SetErrorResult(&apiErr).
		Post(url)
	if resp != nil && resp.Response != nil && resp.IsErrorState() {
		return Tokens{}, &TokenError{
			StatusCode:  resp.StatusCode,
			Code:        apiErr.Error,
			Description: apiErr.ErrorDescription,
			retryAfter:  parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}
	if err != nil {
		return Tokens{}, fmt.Errorf("token request: %w", err)
	}
	if out.AccessToken == "" {
		return Tokens{}, errors.New("token endpoint: empty access_token")
	}
	return out, nil
}

// isRetryable: timeouts, transport failures, 429 and 5xx.
func isRetryable(err error) bool {
	var te *TokenError
	if errors.As(err, &te) {
		return te.StatusCode == http.StatusTooManyRequests || te.StatusCode >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return strings.HasPrefix(err.Error(), "token request:")
}

func parseRetryAfter(v string) time.Duration {
	if s, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && s > 0 {
		return time.Duration(s) * time.Second
	}
	return 0
}

// staticProvider hands out a pre-issued access token.
type staticProvider string

func (p staticProvider) Acquire(context.Context) (string, error) {
	// Never log the token content.
	if p == "" {
		return "", ErrNoToken
	}
	return string(p), nil
}

// refreshProvider exchanges the long-lived refresh token for short-lived
// access tokens and caches them until shortly before expiry.
type refreshProvider struct {
	client *req.Client
	apiURL string
	form   map[string]string
	ro     retry.Options
	now    func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

func newRefreshProvider(cfg config.Config, c *req.Client) *refreshProvider {
	d := cfg.Dropbox
	return &refreshProvider{
		client: c,
		apiURL: d.APIURL,
		form: map[string]string{
			"grant_type":    "refresh_token",
			"refresh_token": d.RefreshToken,
			"client_id":     d.AppKey,
			"client_secret": d.AppSecret,
		},
		ro:  cfg.RetryOptions(),
		now: time.Now,
	}
}

func (p *refreshProvider) Acquire(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.token != "" && p.now().Before(p.expires) {
		return p.token, nil
	}

	start := time.Now()
	attempt := 0
	var tok Tokens
	err := retry.Do(ctx, p.ro, isRetryable, func(ctx context.Context) error {
		attempt++
		var err error
		tok, err = requestTokens(ctx, p.client, p.apiURL, p.form)
		if err != nil {
			log.Debug().Err(err).Str("action", "auth_refresh").Int("attempt", attempt).Msg("attempt failed")
		}
		return err
	})
	if err != nil {
		return "", fmt.Errorf("refresh access token: %w", err)
	}

	p.token = tok.AccessToken
	p.expires = p.now().Add(time.Duration(tok.ExpiresIn)*time.Second - expirySkew)
	log.Info().
		Str("action", "auth_refresh").
		Str("method", "refresh_token").
		Int("attempts", attempt).
		Int64("expires_in", tok.ExpiresIn).
		Dur("elapsed_ms", time.Since(start)).
		Msg("access token refreshed")
	return p.token, nil
}
