package dropbox

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/keepass-backup/internal/auth"
	"github.com/Chapsvision-dev/keepass-backup/internal/store"
)

// fakeDropbox serves the five endpoints the store uses from an in-memory map.
type fakeDropbox struct {
	mu      sync.Mutex
	files   map[string][]byte
	token   string
	lastArg string
}

func newFake(t *testing.T) (*fakeDropbox, *httptest.Server) {
	f := &fakeDropbox{files: map[string][]byte{}, token: "sl.good"}
	srv := httptest.NewServer(f)
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeDropbox) conflict(w http.ResponseWriter, summary string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusConflict)
	_, _ = w.Write([]byte(`{"error_summary":"` + summary + `","error":{}}`))
}

func (f *fakeDropbox) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if r.Header.Get("Authorization") != "Bearer "+f.token {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error_summary":"invalid_access_token/..","error":{".tag":"invalid_access_token"}}`))
		return
	}

	var arg map[string]any
	if h := r.Header.Get("Dropbox-API-Arg"); h != "" {
		f.lastArg = h
		_ = json.Unmarshal([]byte(h), &arg)
	} else {
		_ = json.NewDecoder(r.Body).Decode(&arg)
	}
	str := func(k string) string { s, _ := arg[k].(string); return s }

	switch r.URL.Path {
	case "/2/files/upload":
		p := str("path")
		if _, ok := f.files[p]; ok && str("mode") == "add" {
			f.conflict(w, "path/conflict/file/..")
			return
		}
		data, _ := io.ReadAll(r.Body)
		f.files[p] = data
		_ = json.NewEncoder(w).Encode(map[string]any{"name": p, "path_display": p, "size": len(data)})
	case "/2/files/download":
		data, ok := f.files[str("path")]
		if !ok {
			f.conflict(w, "path/not_found/..")
			return
		}
		_, _ = w.Write(data)
	case "/2/files/get_metadata":
		data, ok := f.files[str("path")]
		if !ok {
			f.conflict(w, "path/not_found/.")
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{".tag": "file", "size": len(data)})
	case "/2/files/move_v2":
		from, to := str("from_path"), str("to_path")
		data, ok := f.files[from]
		if !ok {
			f.conflict(w, "from_lookup/not_found/..")
			return
		}
		if _, taken := f.files[to]; taken {
			f.conflict(w, "to/conflict/file/..")
			return
		}
		delete(f.files, from)
		f.files[to] = data
		_ = json.NewEncoder(w).Encode(map[string]any{"metadata": map[string]any{"path_display": to}})
	case "/2/files/delete_v2":
		p := str("path")
		if _, ok := f.files[p]; !ok {
			f.conflict(w, "path_lookup/not_found/..")
			return
		}
		delete(f.files, p)
		_ = json.NewEncoder(w).Encode(map[string]any{"metadata": map[string]any{"path_display": p}})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeDropbox) snapshot() map[string][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string][]byte, len(f.files))
	for k, v := range f.files {
		out[k] = v
	}
	return out
}

func (f *fakeDropbox) arg() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastArg
}

type tokenFunc func(context.Context) (string, error)

func (f tokenFunc) Acquire(ctx context.Context) (string, error) { return f(ctx) }

func staticToken(tok string) auth.Provider {
	return tokenFunc(func(context.Context) (string, error) { return tok, nil })
}

func newTestStore(t *testing.T, url string, p auth.Provider) *Store {
	return NewWithProvider(auth.NewHTTPClient(5*time.Second), url, url, p)
}

func TestStore_Lifecycle(t *testing.T) {
	fake, srv := newFake(t)
	s := newTestStore(t, srv.URL, staticToken("sl.good"))
	ctx := context.Background()

	ok, err := s.Exists(ctx, "/KeepassBackups/keepass.kdbx")
	require.NoError(t, err)
	require.False(t, ok)

	content := []byte("kdbx bytes")
	require.NoError(t, s.Upload(ctx, "/KeepassBackups/keepass.kdbx.tmp", bytes.NewReader(content), int64(len(content)), true))

	rc, err := s.Download(ctx, "/KeepassBackups/keepass.kdbx.tmp")
	require.NoError(t, err)
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, content, got)

	require.NoError(t, s.Move(ctx, "/KeepassBackups/keepass.kdbx.tmp", "/KeepassBackups/keepass.kdbx"))
	ok, err = s.Exists(ctx, "/KeepassBackups/keepass.kdbx")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotContains(t, fake.snapshot(), "/KeepassBackups/keepass.kdbx.tmp")

	require.NoError(t, s.Delete(ctx, "/KeepassBackups/keepass.kdbx"))
	require.Empty(t, fake.snapshot())
}

func TestStore_NotFound(t *testing.T) {
	_, srv := newFake(t)
	s := newTestStore(t, srv.URL, staticToken("sl.good"))
	ctx := context.Background()

	_, err := s.Download(ctx, "/missing")
	require.ErrorIs(t, err, store.ErrNotFound)

	err = s.Delete(ctx, "/missing")
	require.ErrorIs(t, err, store.ErrNotFound)
	require.Contains(t, err.Error(), "path_lookup/not_found")

	err = s.Move(ctx, "/missing", "/elsewhere")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_Conflicts(t *testing.T) {
	fake, srv := newFake(t)
	fake.files["/a"] = []byte("a")
	fake.files["/b"] = []byte("b")
	s := newTestStore(t, srv.URL, staticToken("sl.good"))
	ctx := context.Background()

	err := s.Move(ctx, "/a", "/b")
	require.ErrorIs(t, err, store.ErrRemote)
	require.ErrorIs(t, err, store.ErrExists)
	require.Equal(t, []byte("b"), fake.snapshot()["/b"])

	err = s.Upload(ctx, "/a", strings.NewReader("new"), 3, false)
	require.ErrorIs(t, err, store.ErrExists)
	require.Equal(t, []byte("a"), fake.snapshot()["/a"])
}

func TestStore_AuthFailures(t *testing.T) {
	_, srv := newFake(t)
	ctx := context.Background()

	s := newTestStore(t, srv.URL, staticToken("sl.expired"))
	_, err := s.Exists(ctx, "/x")
	require.ErrorIs(t, err, store.ErrAuth)

	rejected := tokenFunc(func(context.Context) (string, error) {
		return "", errors.Join(auth.ErrRejected, errors.New("invalid_grant"))
	})
	s = newTestStore(t, srv.URL, rejected)
	err = s.Delete(ctx, "/x")
	require.ErrorIs(t, err, store.ErrAuth)
	require.Equal(t, store.ErrAuth, store.KindOf(err))

	offline := tokenFunc(func(context.Context) (string, error) { return "", errors.New("dial tcp: refused") })
	s = newTestStore(t, srv.URL, offline)
	_, err = s.Download(ctx, "/x")
	require.Equal(t, store.ErrRemote, store.KindOf(err))
}

func TestStore_ServerErrorIsRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	s := newTestStore(t, srv.URL, staticToken("t"))
	err := s.Upload(context.Background(), "/x", strings.NewReader("x"), 1, true)
	require.Equal(t, store.ErrRemote, store.KindOf(err))
	require.Contains(t, err.Error(), "http status 500: boom")
}

func TestStore_ExistsIgnoresFolders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{".tag":"folder","name":"keepass.kdbx","path_display":"/KeepassBackups/keepass.kdbx"}`))
	}))
	defer srv.Close()

	s := newTestStore(t, srv.URL, staticToken("t"))
	ok, err := s.Exists(context.Background(), "/KeepassBackups/keepass.kdbx")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStore_UnreachableIsRemote(t *testing.T) {
	s := newTestStore(t, "http://127.0.0.1:1", staticToken("t"))
	_, err := s.Exists(context.Background(), "/x")
	require.Equal(t, store.ErrRemote, store.KindOf(err))
}

func TestAPIArg_EscapesNonASCII(t *testing.T) {
	got, err := apiArg(map[string]string{"path": "/Sauvegardes/clés.kdbx"})
	require.NoError(t, err)
	require.Equal(t, `{"path":"/Sauvegardes/cl\u00e9s.kdbx"}`, got)

	var back map[string]string
	require.NoError(t, json.Unmarshal([]byte(got), &back))
	require.Equal(t, "/Sauvegardes/clés.kdbx", back["path"])
}

func TestStore_UploadSendsArgHeader(t *testing.T) {
	fake, srv := newFake(t)
	s := newTestStore(t, srv.URL, staticToken("sl.good"))
	require.NoError(t, s.Upload(context.Background(), "/k.kdbx", strings.NewReader("x"), 1, false))

	var arg map[string]any
	require.NoError(t, json.Unmarshal([]byte(fake.arg()), &arg))
	require.Equal(t, "add", arg["mode"])
	require.Equal(t, false, arg["autorename"])
}
