package restore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/keepass-backup/internal/checksum"
	"github.com/Chapsvision-dev/keepass-backup/internal/store"
)

// Options controls the restore workflow.
type Options struct {
	// RemotePath is the object to fetch (e.g. "/KeepassBackups/keepass_2025-03-14_09-26-53.kdbx").
	RemotePath string
	// LocalPath is where the object is written.
	// If empty, defaults to the object's base name in the working directory.
	LocalPath string
	// Force replaces an existing local file.
	Force bool
}

// Result describes the restored file.
type Result struct {
	LocalPath string
	Digest    checksum.Digest
	Size      int64
}

var ErrLocalExists = errors.New("local file already exists (use --force to replace it)")

// Run downloads one remote object into a local file. The bytes land in a
// temp file next to the destination and are renamed into place only after
// the whole object was read.
func Run(ctx context.Context, st store.Store, opt Options) (Result, error) {
	var res Result

	remote := strings.TrimSpace(opt.RemotePath)
	if remote == "" {
		return res, fmt.Errorf("restore: remote path is empty")
	}
	if !strings.HasPrefix(remote, "/") {
		remote = "/" + remote
	}

	local := strings.TrimSpace(opt.LocalPath)
	if local == "" {
		local = path.Base(remote)
	}
	local = filepath.Clean(local)

	if _, err := os.Stat(local); err == nil && !opt.Force {
		return res, fmt.Errorf("restore %s: %w", local, ErrLocalExists)
	}
	dir := filepath.Dir(local)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return res, fmt.Errorf("directory %q does not exist", dir)
	} else if err != nil {
		return res, fmt.Errorf("stat %q: %w", dir, err)
	}

	dlStart := time.Now()
	log.Info().
		Str("action", "download").
		Str("store", st.Name()).
		Str("remote", remote).
		Str("local", local).
		Msg("starting download")

	sum, n, err := download(ctx, st, remote, local)
	if err != nil {
		log.Error().
			Err(err).
			Str("action", "download").
			Str("store", st.Name()).
			Str("remote", remote).
			Str("local", local).
			Dur("elapsed_ms", time.Since(dlStart)).
			Msg("download failed")
		return res, fmt.Errorf("download from store: %w", err)
	}
	log.Info().
		Str("action", "download").
		Str("store", st.Name()).
		Str("remote", remote).
		Str("local", local).
		Str("sha256", sum.String()).
		Str("size_human", humanize.Bytes(uint64(n))).
		Dur("elapsed_ms", time.Since(dlStart)).
		Msg("download OK")

	res.LocalPath = local
	res.Digest = sum
	res.Size = n
	return res, nil
}

func download(ctx context.Context, st store.Store, remote, local string) (checksum.Digest, int64, error) {
	rc, err := st.Download(ctx, remote)
	if err != nil {
		return "", 0, err
	}
	defer func() { _ = rc.Close() }()

	f, err := os.CreateTemp(filepath.Dir(local), "."+filepath.Base(local)+".*.part")
	if err != nil {
		return "", 0, err
	}
	part := f.Name()
	defer func() { _ = os.Remove(part) }()

	sum, n, err := checksum.Reader(io.TeeReader(rc, f))
	if cerr := f.Close(); err == nil && cerr != nil {
		err = cerr
	}
	if err != nil {
		return "", 0, err
	}
	if err := os.Chmod(part, 0o600); err != nil {
		return "", 0, err
	}
	if err := os.Rename(part, local); err != nil {
		return "", 0, err
	}
	return sum, n, nil
}
