package backup

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/Chapsvision-dev/keepass-backup/internal/checksum"
	"github.com/Chapsvision-dev/keepass-backup/internal/store"
)

// spooled is a downloaded object held in a local temp file.
type spooled struct {
	path   string
	digest checksum.Digest
	size   int64
}

// spool downloads remote into a temp file under dir and hashes it on the way.
// The returned cleanup removes the file; it is safe to call on every path,
// including when spool itself failed.
func spool(ctx context.Context, st store.Store, remote, dir string, lg zerolog.Logger) (spooled, func(), error) {
	var out spooled
	cleanup := func() {}

	f, err := os.CreateTemp(dir, "keepass-backup-*.part")
	if err != nil {
		return out, cleanup, fmt.Errorf("create local temp file: %w", err)
	}
	out.path = f.Name()
	cleanup = func() {
		if rerr := os.Remove(out.path); rerr != nil && !os.IsNotExist(rerr) {
			lg.Warn().Err(rerr).Str("file", out.path).Msg("failed to remove local temp file")
		}
	}

	rc, err := st.Download(ctx, remote)
	if err != nil {
		_ = f.Close()
		return out, cleanup, err
	}
	defer func() { _ = rc.Close() }()

	sum, n, err := checksum.Reader(io.TeeReader(rc, f))
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return out, cleanup, store.NewError("download", remote, store.ErrRemote, err)
	}
	out.digest = sum
	out.size = n
	return out, cleanup, nil
}

// uploadFile streams a local file to remote with overwrite semantics.
func uploadFile(ctx context.Context, st store.Store, local, remote string) error {
	f, err := os.Open(local)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return err
	}
	return st.Upload(ctx, remote, f, info.Size(), true)
}

// copyObject duplicates src to dst through a local spool file and returns the
// digest of the copied bytes.
func copyObject(ctx context.Context, st store.Store, src, dst, dir string, lg zerolog.Logger) (checksum.Digest, error) {
	sp, cleanup, err := spool(ctx, st, src, dir, lg)
	defer cleanup()
	if err != nil {
		return "", err
	}
	if err := uploadFile(ctx, st, sp.path, dst); err != nil {
		return "", err
	}
	return sp.digest, nil
}
