package auth

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/imroc/req/v3"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/keepass-backup/internal/config"
	"github.com/Chapsvision-dev/keepass-backup/internal/version"
)

var (
	ErrNoToken = errors.New("no token available for dropbox auth")
	// ErrRejected marks credentials the token endpoint refused (bad key, revoked token).
	ErrRejected = errors.New("dropbox credentials rejected")
)

// Provider abstracts how we acquire a Dropbox access token.
type Provider interface {
	Acquire(ctx context.Context) (string, error)
}

// New selects the provider: refresh token when configured, otherwise the
// static access token.
// NOTE: This package never initializes logging; main() does via logx.
func New(cfg config.Config) (Provider, error) {
	d := cfg.Dropbox
	switch {
	case strings.TrimSpace(d.RefreshToken) != "":
		if missing := d.MissingAppCredentials(); len(missing) > 0 {
			return nil, errors.New("refresh token auth requires " + strings.Join(missing, ", "))
		}
		log.Debug().
			Str("action", "auth_new").
			Str("method", "refresh_token").
			Msg("auth provider selected")
		return newRefreshProvider(cfg, NewHTTPClient(d.Timeout)), nil

	case strings.TrimSpace(d.AccessToken) != "":
		log.Debug().
			Str("action", "auth_new").
			Str("method", "access_token").
			Msg("auth provider selected")
		return staticProvider(strings.TrimSpace(d.AccessToken)), nil

	default:
		return nil, ErrNoToken
	}
}

// AcquireToken builds the configured provider and fetches one access token.
// With a refresh token this exchanges it at the token endpoint, which is how
// `auth --check` proves the configured credentials still work.
func AcquireToken(ctx context.Context, cfg config.Config) (string, error) {
	p, err := New(cfg)
	if err != nil {
		return "", err
	}
	return p.Acquire(ctx)
}

// NewHTTPClient returns the req client used for Dropbox endpoints.
// Automatic retries stay off: callers decide whether a call may be repeated.
func NewHTTPClient(timeout time.Duration) *req.Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return req.C().
		SetTimeout(timeout).
		SetCommonRetryCount(0).
		SetUserAgent(version.UserAgent()).
		SetJsonMarshal(json.Marshal).
		SetJsonUnmarshal(json.Unmarshal)
}
