package upload

import (
	"context"
	"fmt"
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

// Options controls a plain upload.
type Options struct {
	// LocalPath is the file to send.
	LocalPath string
	// RemotePath is the destination object. If it ends with "/" (or is empty),
	// the local base name is appended; empty means DefaultFolder.
	RemotePath string
	// DefaultFolder is used when RemotePath is empty.
	DefaultFolder string
}

// Result contains the stored object and the digest of what was sent.
type Result struct {
	RemotePath string
	Digest     checksum.Digest
	Size       int64
}

// Run uploads a file in a single overwriting call and confirms the object is
// present afterwards. There is no staging, snapshot or rollback here: use the
// backup command when the remote copy must never be left broken.
func Run(ctx context.Context, st store.Store, opt Options) (Result, error) {
	var res Result

	local := strings.TrimSpace(opt.LocalPath)
	if local == "" {
		return res, fmt.Errorf("upload: local path is empty")
	}
	f, err := os.Open(local)
	if err != nil {
		return res, fmt.Errorf("open %q: %w", local, err)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return res, fmt.Errorf("stat %q: %w", local, err)
	}
	if !info.Mode().IsRegular() {
		return res, fmt.Errorf("path is not a regular file: %s", local)
	}

	remote := remotePath(opt.RemotePath, opt.DefaultFolder, filepath.Base(local))
	log.Debug().
		Str("action", "build_key").
		Str("local", local).
		Str("remote", remote).
		Msg("resolved remote path")

	sum, _, err := checksum.File(local)
	if err != nil {
		return res, fmt.Errorf("checksum: %w", err)
	}

	start := time.Now()
	log.Info().
		Str("action", "upload").
		Str("store", st.Name()).
		Str("local", local).
		Str("remote", remote).
		Str("size_human", humanize.Bytes(uint64(info.Size()))).
		Msg("starting upload")
	if err := st.Upload(ctx, remote, f, info.Size(), true); err != nil {
		log.Error().
			Err(err).
			Str("action", "upload").
			Str("remote", remote).
			Dur("elapsed_ms", time.Since(start)).
			Msg("upload failed")
		return res, fmt.Errorf("upload to store: %w", err)
	}

	ok, err := st.Exists(ctx, remote)
	if err != nil {
		return res, fmt.Errorf("check uploaded object: %w", err)
	}
	if !ok {
		return res, store.NewError("exists", remote, store.ErrNotFound, fmt.Errorf("object missing after upload"))
	}
	log.Info().
		Str("action", "upload").
		Str("remote", remote).
		Str("sha256", sum.String()).
		Dur("elapsed_ms", time.Since(start)).
		Msg("upload OK")

	res.RemotePath = remote
	res.Digest = sum
	res.Size = info.Size()
	return res, nil
}

func remotePath(remote, folder, base string) string {
	remote = strings.TrimSpace(remote)
	if remote == "" {
		remote = strings.TrimSpace(folder)
		if remote == "" {
			remote = "/"
		}
		if !strings.HasSuffix(remote, "/") {
			remote += "/"
		}
	}
	if strings.HasSuffix(remote, "/") {
		remote += base
	}
	if !strings.HasPrefix(remote, "/") {
		remote = "/" + remote
	}
	return path.Clean(remote)
}
