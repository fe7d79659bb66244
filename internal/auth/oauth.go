package auth

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/imroc/req/v3"
	"github.com/pkg/browser"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/keepass-backup/internal/config"
)

// Flow runs the OAuth2 authorization-code flow with offline access so that
// Dropbox issues a refresh token. The redirect URI must point at this host;
// a loopback HTTP server receives the callback.
type Flow struct {
	appKey       string
	appSecret    string
	authorizeURL string
	apiURL       string
	redirectURI  string

	client *req.Client

	// OpenBrowser opens the authorization page. Defaults to browser.OpenURL.
	OpenBrowser func(url string) error
}

type callbackResult struct {
	code string
	err  error
}

func NewFlow(cfg config.Config) (*Flow, error) {
	d := cfg.Dropbox
	if missing := d.MissingAppCredentials(); len(missing) > 0 {
		return nil, fmt.Errorf("oauth: missing %s", strings.Join(missing, ", "))
	}
	return &Flow{
		appKey:       d.AppKey,
		appSecret:    d.AppSecret,
		authorizeURL: d.AuthorizeURL,
		apiURL:       d.APIURL,
		redirectURI:  d.RedirectURI,
		client:       NewHTTPClient(d.Timeout),
		OpenBrowser:  browser.OpenURL,
	}, nil
}

// AuthURL builds the authorization page URL for the given anti-CSRF state.
func (f *Flow) AuthURL(state string) string {
	q := url.Values{}
	q.Set("client_id", f.appKey)
	q.Set("response_type", "code")
	q.Set("token_access_type", "offline")
	q.Set("redirect_uri", f.redirectURI)
	q.Set("state", state)
	return f.authorizeURL + "?" + q.Encode()
}

// Exchange trades an authorization code for tokens. Codes are single use,
// so there is no retry here.
func (f *Flow) Exchange(ctx context.Context, code string) (Tokens, error) {
	return requestTokens(ctx, f.client, f.apiURL, map[string]string{
		"grant_type":    "authorization_code",
		"code":          code,
		"redirect_uri":  f.redirectURI,
		"client_id":     f.appKey,
		"client_secret": f.appSecret,
	})
}

// Run serves the callback, opens the browser and waits for the user to
// approve access or for ctx to end.
func (f *Flow) Run(ctx context.Context) (Tokens, error) {
	u, err := url.Parse(f.redirectURI)
	if err != nil || u.Host == "" {
		return Tokens{}, fmt.Errorf("oauth: invalid redirect uri %q", f.redirectURI)
	}
	ln, err := net.Listen("tcp", u.Host)
	if err != nil {
		return Tokens{}, fmt.Errorf("oauth: listen %s: %w", u.Host, err)
	}
	// Port 0 picks a free port; the redirect must name the real one.
	if u.Port() == "0" {
		u.Host = ln.Addr().String()
		f.redirectURI = u.String()
	}
	path := u.Path
	if path == "" {
		path = "/"
	}

	state := uuid.NewString()
	results := make(chan callbackResult, 1)
	deliver := func(r callbackResult) {
		select {
		case results <- r:
		default:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("error") != "":
			msg := q.Get("error")
			if d := q.Get("error_description"); d != "" {
				msg += ": " + d
			}
			writePage(w, http.StatusBadRequest, "Authorization failed", msg)
			deliver(callbackResult{err: fmt.Errorf("oauth: authorization denied: %s", msg)})
		case q.Get("code") == "":
			writePage(w, http.StatusOK, "Waiting for authorization", "Complete the Dropbox approval in the browser tab that opened.")
		case q.Get("state") != state:
			writePage(w, http.StatusBadRequest, "Authorization failed", "state mismatch")
			deliver(callbackResult{err: errors.New("oauth: state mismatch in callback")})
		default:
			writePage(w, http.StatusOK, "Authorization successful", "You can close this window and return to the terminal.")
			deliver(callbackResult{code: q.Get("code")})
		}
	})

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("action", "oauth_callback").Msg("callback server stopped")
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	authURL := f.AuthURL(state)
	log.Info().
		Str("action", "oauth").
		Str("redirect_uri", f.redirectURI).
		Str("url", authURL).
		Msg("open the URL to authorize access")
	if f.OpenBrowser != nil {
		if err := f.OpenBrowser(authURL); err != nil {
			log.Warn().Err(err).Str("action", "oauth").Msg("could not open browser, visit the URL manually")
		}
	}

	select {
	case <-ctx.Done():
		return Tokens{}, fmt.Errorf("oauth: waiting for callback: %w", ctx.Err())
	case r := <-results:
		if r.err != nil {
			return Tokens{}, r.err
		}
		tok, err := f.Exchange(ctx, r.code)
		if err != nil {
			return Tokens{}, fmt.Errorf("oauth: exchange code: %w", err)
		}
		if tok.RefreshToken == "" {
			return Tokens{}, errors.New("oauth: no refresh token in response, check token_access_type=offline")
		}
		log.Info().Str("action", "oauth").Str("account_id", tok.AccountID).Msg("authorization OK")
		return tok, nil
	}
}

func writePage(w http.ResponseWriter, status int, title, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = fmt.Fprintf(w, "<!doctype html><html><head><title>%s</title></head><body><h1>%s</h1><p>%s</p></body></html>",
		html.EscapeString(title), html.EscapeString(title), html.EscapeString(body))
}
