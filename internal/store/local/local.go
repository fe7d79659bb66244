// Package local keeps objects as files under a root directory. It backs
// tests and setups where the "remote" is a mounted share or a synced folder.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/keepass-backup/internal/config"
	"github.com/Chapsvision-dev/keepass-backup/internal/store"
)

type Store struct {
	root string
}

func init() {
	store.Register("local", func(cfg any) (store.Store, error) {
		c, ok := cfg.(config.Config)
		if !ok {
			return nil, fmt.Errorf("local: invalid config type")
		}
		return New(c.Local.Root)
	})
}

// New creates a Store rooted at root, creating the directory if needed.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("create store root %q: %w", root, err)
	}
	// Absolute root keeps the filepath.Rel checks stable.
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve store root: %w", err)
	}
	return &Store{root: absRoot}, nil
}

func (s *Store) Name() string { return "local" }

// abs maps a slash path onto the filesystem and rejects anything outside root.
func (s *Store) abs(op, path string) (string, error) {
	joined := filepath.Join(s.root, filepath.Clean(filepath.FromSlash(path)))
	rel, err := filepath.Rel(s.root, joined)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", store.NewError(op, path, store.ErrRemote, fmt.Errorf("path %q escapes store root", path))
	}
	return joined, nil
}

// Upload writes a hidden part file next to the destination, then links or
// renames it into place so readers never see a partial object.
func (s *Store) Upload(ctx context.Context, path string, r io.Reader, size int64, overwrite bool) error {
	dest, err := s.abs("upload", path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dest), 0o750); err != nil {
		return classify("upload", path, err)
	}

	f, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*.part")
	if err != nil {
		return classify("upload", path, err)
	}
	part := f.Name()
	defer func() { _ = os.Remove(part) }()

	n, werr := io.Copy(f, readerWithContext(ctx, r))
	cerr := f.Close()
	if werr != nil {
		return classify("upload", path, fmt.Errorf("stream write: %w", werr))
	}
	if cerr != nil {
		return classify("upload", path, fmt.Errorf("flush: %w", cerr))
	}
	if size >= 0 && n != size {
		return store.NewError("upload", path, store.ErrRemote, fmt.Errorf("short write: %d of %d bytes", n, size))
	}

	if overwrite {
		err = os.Rename(part, dest)
	} else {
		// Link fails on an existing destination, unlike rename.
		err = os.Link(part, dest)
	}
	if err != nil {
		return classify("upload", path, err)
	}
	log.Debug().Str("action", "local_upload").Str("file", dest).Int64("size", n).Msg("upload OK")
	return nil
}

func (s *Store) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	p, err := s.abs("download", path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		return nil, classify("download", path, err)
	}
	if info, err := f.Stat(); err == nil && info.IsDir() {
		_ = f.Close()
		return nil, store.NewError("download", path, store.ErrNotFound, errors.New("is a directory"))
	}
	return f, nil
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	p, err := s.abs("exists", path)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, classify("exists", path, err)
	}
	return info.Mode().IsRegular(), nil
}

func (s *Store) Move(ctx context.Context, from, to string) error {
	src, err := s.abs("move", from)
	if err != nil {
		return err
	}
	dst, err := s.abs("move", to)
	if err != nil {
		return err
	}
	if _, err := os.Stat(src); err != nil {
		return classify("move", from, err)
	}
	if _, err := os.Stat(dst); err == nil {
		return store.NewError("move", to, store.ErrRemote, store.ErrExists)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return classify("move", to, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o750); err != nil {
		return classify("move", to, err)
	}
	if err := os.Rename(src, dst); err != nil {
		return classify("move", from, err)
	}
	log.Debug().Str("action", "local_move").Str("from", src).Str("to", dst).Msg("move OK")
	return nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	p, err := s.abs("delete", path)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		return classify("delete", path, err)
	}
	log.Debug().Str("action", "local_delete").Str("file", p).Msg("delete OK")
	return nil
}

func classify(op, path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return store.NewError(op, path, store.ErrNotFound, err)
	case errors.Is(err, fs.ErrExist):
		return store.NewError(op, path, store.ErrRemote, errors.Join(store.ErrExists, err))
	case errors.Is(err, fs.ErrPermission):
		return store.NewError(op, path, store.ErrAuth, err)
	default:
		return store.NewError(op, path, store.ErrRemote, err)
	}
}

type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// readerWithContext stops a local copy once ctx is done.
func readerWithContext(ctx context.Context, r io.Reader) io.Reader {
	return ctxReader{ctx: ctx, r: r}
}
