package memstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/keepass-backup/internal/store"
)

func readAll(t *testing.T, rc io.ReadCloser) []byte {
	t.Helper()
	defer func() { _ = rc.Close() }()
	b, err := io.ReadAll(rc)
	require.NoError(t, err)
	return b
}

func TestStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	ok, err := s.Exists(ctx, "/f/a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Upload(ctx, "/f/a", bytes.NewReader([]byte("one")), 3, true))
	ok, err = s.Exists(ctx, "/f/a")
	require.NoError(t, err)
	require.True(t, ok)

	rc, err := s.Download(ctx, "/f/a")
	require.NoError(t, err)
	require.Equal(t, []byte("one"), readAll(t, rc))

	err = s.Upload(ctx, "/f/a", bytes.NewReader([]byte("two")), 3, false)
	require.ErrorIs(t, err, store.ErrExists)

	require.NoError(t, s.Move(ctx, "/f/a", "/f/b"))
	require.Equal(t, []string{"/f/b"}, s.Paths())

	require.NoError(t, s.Delete(ctx, "/f/b"))
	require.ErrorIs(t, s.Delete(ctx, "/f/b"), store.ErrNotFound)
	require.Empty(t, s.Paths())
}

func TestStore_MoveRefusesOccupiedDestination(t *testing.T) {
	s := New()
	s.Put("/a", []byte("a"))
	s.Put("/b", []byte("b"))

	err := s.Move(context.Background(), "/a", "/b")
	require.ErrorIs(t, err, store.ErrRemote)
	require.ErrorIs(t, err, store.ErrExists)

	b, _ := s.Get("/b")
	require.Equal(t, []byte("b"), b)

	require.ErrorIs(t, s.Move(context.Background(), "/missing", "/c"), store.ErrNotFound)
}

func TestStore_FaultsAndCorruption(t *testing.T) {
	ctx := context.Background()
	s := New()
	s.Put("/a", []byte("abc"))

	s.FailOn(OpDownload, "/a", store.ErrAuth)
	_, err := s.Download(ctx, "/a")
	require.ErrorIs(t, err, store.ErrAuth)

	s.FailOn(OpDownload, "/a", nil)
	s.CorruptDownload("/a", func(b []byte) []byte { b[0] = 'X'; return b })
	rc, err := s.Download(ctx, "/a")
	require.NoError(t, err)
	require.Equal(t, []byte("Xbc"), readAll(t, rc))

	stored, _ := s.Get("/a")
	require.Equal(t, []byte("abc"), stored)

	s.FailOn(OpExists, "/a", errors.New("dial tcp: timeout"))
	_, err = s.Exists(ctx, "/a")
	require.ErrorIs(t, err, store.ErrRemote)

	calls := s.Calls()
	require.Len(t, calls, 3)
	require.Equal(t, Call{Op: OpExists, Path: "/a"}, calls[2])
}

func TestStore_AfterHook(t *testing.T) {
	s := New()
	fired := false
	s.After(OpUpload, "/a", func() { fired = true })
	require.NoError(t, s.Upload(context.Background(), "/a", bytes.NewReader(nil), 0, true))
	require.True(t, fired)
}
