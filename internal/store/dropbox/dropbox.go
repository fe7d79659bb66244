// Package dropbox stores objects in a Dropbox account through the HTTP API v2.
package dropbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/goccy/go-json"
	"github.com/imroc/req/v3"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/keepass-backup/internal/auth"
	"github.com/Chapsvision-dev/keepass-backup/internal/config"
	"github.com/Chapsvision-dev/keepass-backup/internal/store"
)

type Store struct {
	client     *req.Client
	apiURL     string // https://api.dropboxapi.com
	contentURL string // https://content.dropboxapi.com
	tokens     auth.Provider
}

// metadata is the subset of FileMetadata we log.
type metadata struct {
	Tag         string `json:".tag"`
	Name        string `json:"name"`
	PathDisplay string `json:"path_display"`
	Size        int64  `json:"size"`
	ContentHash string `json:"content_hash"`
}

type moveResult struct {
	Metadata metadata `json:"metadata"`
}

type apiError struct {
	ErrorSummary string `json:"error_summary"`
}

func init() {
	store.Register("dropbox", func(cfg any) (store.Store, error) {
		c, ok := cfg.(config.Config)
		if !ok {
			return nil, fmt.Errorf("dropbox: invalid config type")
		}
		return New(c)
	})
}

// New builds a Store authenticated by the configured refresh or access token.
func New(c config.Config) (*Store, error) {
	p, err := auth.New(c)
	if err != nil {
		return nil, fmt.Errorf("dropbox: %w", err)
	}
	return NewWithProvider(auth.NewHTTPClient(c.Dropbox.Timeout), c.Dropbox.APIURL, c.Dropbox.ContentURL, p), nil
}

func NewWithProvider(client *req.Client, apiURL, contentURL string, p auth.Provider) *Store {
	return &Store{
		client:     client,
		apiURL:     strings.TrimRight(apiURL, "/"),
		contentURL: strings.TrimRight(contentURL, "/"),
		tokens:     p,
	}
}

func (s *Store) Name() string { return "dropbox" }

func (s *Store) Upload(ctx context.Context, path string, r io.Reader, size int64, overwrite bool) error {
	start := time.Now()
	mode := "add"
	if overwrite {
		mode = "overwrite"
	}
	arg, err := apiArg(map[string]any{
		"path":       path,
		"mode":       mode,
		"autorename": false,
		"mute":       true,
	})
	if err != nil {
		return store.NewError("upload", path, store.ErrRemote, err)
	}
	tok, err := s.token(ctx, "upload", path)
	if err != nil {
		return err
	}

	var md metadata
	resp, err := s.client.R().
		SetContext(ctx).
		SetBearerAuthToken(tok).
		SetHeader("Dropbox-API-Arg", arg).
		SetContentType("application/octet-stream").
		SetBody(r).
		SetSuccessResult(&md).
		Post(s.contentURL + "/2/files/upload")
	if err := check("upload", path, resp, err); err != nil {
		return err
	}
	if size >= 0 && md.Size != 0 && md.Size != size {
		return store.NewError("upload", path, store.ErrRemote,
			fmt.Errorf("size mismatch: sent=%d, stored=%d", size, md.Size))
	}

	log.Debug().
		Str("action", "dropbox_upload").
		Str("path", path).
		Str("mode", mode).
		Int64("size", md.Size).
		Str("content_hash", md.ContentHash).
		Dur("elapsed_ms", time.Since(start)).
		Msg("upload OK")
	return nil
}

// Download streams the file body; the caller closes it.
func (s *Store) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	arg, err := apiArg(map[string]string{"path": path})
	if err != nil {
		return nil, store.NewError("download", path, store.ErrRemote, err)
	}
	tok, err := s.token(ctx, "download", path)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.R().
		SetContext(ctx).
		SetBearerAuthToken(tok).
		SetHeader("Dropbox-API-Arg", arg).
		DisableAutoReadResponse().
		Post(s.contentURL + "/2/files/download")
	if err != nil {
		return nil, store.NewError("download", path, store.ErrRemote, err)
	}
	if resp.IsErrorState() {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = resp.Body.Close()
		return nil, statusError("download", path, resp.StatusCode, body)
	}

	log.Debug().
		Str("action", "dropbox_download").
		Str("path", path).
		Msg("download started")
	return resp.Body, nil
}

// Exists reports whether a file is stored at path. Folders and deleted
// entries do not count.
func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	var md metadata
	err := s.rpc(ctx, "exists", path, "files/get_metadata", map[string]string{"path": path}, &md)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	log.Debug().
		Str("action", "dropbox_exists").
		Str("path", path).
		Str("tag", md.Tag).
		Int64("size", md.Size).
		Msg("metadata found")
	return md.Tag == "file", nil
}

func (s *Store) Move(ctx context.Context, from, to string) error {
	start := time.Now()
	var out moveResult
	err := s.rpc(ctx, "move", from, "files/move_v2", map[string]any{
		"from_path":                from,
		"to_path":                  to,
		"autorename":               false,
		"allow_ownership_transfer": false,
	}, &out)
	if err != nil {
		return err
	}
	log.Debug().
		Str("action", "dropbox_move").
		Str("from", from).
		Str("to", out.Metadata.PathDisplay).
		Dur("elapsed_ms", time.Since(start)).
		Msg("move OK")
	return nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.rpc(ctx, "delete", path, "files/delete_v2", map[string]string{"path": path}, nil); err != nil {
		return err
	}
	log.Debug().Str("action", "dropbox_delete").Str("path", path).Msg("delete OK")
	return nil
}

// rpc calls an RPC-style endpoint on the API host with a JSON body.
func (s *Store) rpc(ctx context.Context, op, path, endpoint string, body, out any) error {
	tok, err := s.token(ctx, op, path)
	if err != nil {
		return err
	}
	r := s.client.R().
		SetContext(ctx).
		SetBearerAuthToken(tok).
		SetBodyJsonMarshal(body)
	if out != nil {
		r.SetSuccessResult(out)
	}
	resp, err := r.Post(s.apiURL + "/2/" + endpoint)
	return check(op, path, resp, err)
}

func (s *Store) token(ctx context.Context, op, path string) (string, error) {
	tok, err := s.tokens.Acquire(ctx)
	if err == nil {
		return tok, nil
	}
	if errors.Is(err, auth.ErrRejected) || errors.Is(err, auth.ErrNoToken) {
		return "", store.NewError(op, path, store.ErrAuth, err)
	}
	return "", store.NewError(op, path, store.ErrRemote, err)
}

func check(op, path string, resp *req.Response, err error) error {
	if resp != nil && resp.Response != nil && resp.IsErrorState() {
		return statusError(op, path, resp.StatusCode, resp.Bytes())
	}
	if err != nil {
		return store.NewError(op, path, store.ErrRemote, err)
	}
	return nil
}

// statusError maps an HTTP error answer onto a store kind. Endpoint-specific
// failures come back as 409 with an error_summary such as
// "path/not_found/..." or "to/conflict/file/...".
func statusError(op, path string, status int, body []byte) error {
	summary := strings.TrimSpace(string(body))
	var ae apiError
	if json.Unmarshal(body, &ae) == nil && ae.ErrorSummary != "" {
		summary = ae.ErrorSummary
	}
	cause := fmt.Errorf("http status %d: %s", status, summary)

	switch {
	case status == http.StatusUnauthorized:
		return store.NewError(op, path, store.ErrAuth, cause)
	case status == http.StatusConflict && strings.Contains(summary, "not_found"):
		return store.NewError(op, path, store.ErrNotFound, cause)
	case status == http.StatusConflict && strings.Contains(summary, "conflict"):
		return store.NewError(op, path, store.ErrRemote, errors.Join(store.ErrExists, cause))
	default:
		return store.NewError(op, path, store.ErrRemote, cause)
	}
}

// apiArg encodes v for the Dropbox-API-Arg header. HTTP headers must stay
// ASCII, so every non-ASCII rune is written as a \u escape.
func apiArg(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	for _, r := range string(b) {
		if r < 0x7f {
			sb.WriteRune(r)
			continue
		}
		for _, u := range utf16.Encode([]rune{r}) {
			fmt.Fprintf(&sb, `\u%04x`, u)
		}
	}
	return sb.String(), nil
}
