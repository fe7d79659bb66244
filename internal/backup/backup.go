// Package backup uploads a single local file to a remote store as a staged
// commit: snapshot the current object, upload to a temp path, verify by
// download and digest, delete the old object, then promote the temp object.
// Any failure after the temp upload is compensated by Rollback before Run
// returns.
//
// Between the delete of the previous object and the promotion of the temp
// object there is no object at the final path. The store's move is not
// assumed to replace an existing destination, so this window cannot be
// closed; Rollback restores from the snapshot if promotion fails inside it.
package backup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/keepass-backup/internal/checksum"
	"github.com/Chapsvision-dev/keepass-backup/internal/store"
)

// Options controls a backup run.
type Options struct {
	// Source is the local file to back up.
	Source string
	// Folder is the remote destination folder; a leading "/" is added if missing.
	Folder string
	// Logger receives the run's events. Defaults to the global zerolog logger.
	Logger *zerolog.Logger
	// Now stamps snapshot names. Defaults to time.Now (local time).
	Now func() time.Time
	// TempDir holds the verification download. Defaults to os.TempDir().
	TempDir string
}

// Result describes a successful run.
type Result struct {
	RunID        string
	RemotePath   string
	SnapshotPath string // empty when no previous object existed or the snapshot failed
	Digest       checksum.Digest
	Size         int64
}

// Run backs up opt.Source into opt.Folder on st. Failures are *Error values;
// rollback has already been attempted when Run returns one from step 5 onwards.
func Run(ctx context.Context, st store.Store, opt Options) (Result, error) {
	var res Result

	base := log.Logger
	if opt.Logger != nil {
		base = *opt.Logger
	}
	now := time.Now
	if opt.Now != nil {
		now = opt.Now
	}
	startedAt := now()
	start := time.Now()

	res.RunID = uuid.NewString()
	lg := base.With().Str("run_id", res.RunID).Str("store", st.Name()).Logger()

	// 1) Validate the local file before touching the store.
	source := strings.TrimSpace(opt.Source)
	info, err := validateSource(source)
	if err != nil {
		lg.Error().Err(err).Str("action", "validate").Str("local", source).Msg("invalid source")
		return res, &Error{Kind: KindInvalidInput, Step: "validate", Msg: "invalid source file", Err: err}
	}

	// 2) Paths.
	t := NewTarget(source, opt.Folder)
	state := newState(t, opt.TempDir)
	lg.Info().
		Str("action", "backup").
		Str("local", t.Source).
		Str("remote", t.RemotePath).
		Int64("size", info.Size()).
		Str("size_human", humanize.Bytes(uint64(info.Size()))).
		Msg("starting backup")

	// 3) Existing object and best-effort snapshot.
	exists, err := st.Exists(ctx, t.RemotePath)
	if err != nil {
		lg.Error().Err(err).Str("action", "exists").Str("remote", t.RemotePath).Msg("existence check failed")
		return res, &Error{Kind: kindFromStore(err), Step: "exists", Msg: "check remote object", Err: err}
	}
	state.PreviousExisted = exists
	if exists {
		snap := t.SnapshotPath(startedAt)
		snapStart := time.Now()
		lg.Info().Str("action", "snapshot").Str("remote", t.RemotePath).Str("snapshot", snap).
			Msg("remote object exists, creating snapshot")
		sum, err := copyObject(ctx, st, t.RemotePath, snap, opt.TempDir, lg)
		if err != nil {
			lg.Warn().Err(err).Str("action", "snapshot").Str("snapshot", snap).
				Msg("snapshot failed, continuing without it")
		} else {
			state.SnapshotPath = snap
			res.SnapshotPath = snap
			lg.Info().Str("action", "snapshot").Str("snapshot", snap).Str("sha256", sum.String()).
				Dur("elapsed_ms", time.Since(snapStart)).Msg("snapshot OK")
		}
	} else {
		lg.Info().Str("action", "exists").Str("remote", t.RemotePath).
			Msg("remote object absent, no snapshot needed")
	}

	// 4) Stage the upload under the temp name.
	upStart := time.Now()
	lg.Info().Str("action", "upload").Str("remote", t.TempPath).Msg("uploading to temp path")
	if err := uploadFile(ctx, st, t.Source, t.TempPath); err != nil {
		lg.Error().Err(err).Str("action", "upload").Str("remote", t.TempPath).Msg("upload failed")
		return res, &Error{Kind: KindUploadFailed, Step: "upload", Msg: "upload to " + t.TempPath, Err: err}
	}
	// 5)
	state.markTempUploaded()
	lg.Info().Str("action", "upload").Str("remote", t.TempPath).
		Dur("elapsed_ms", time.Since(upStart)).Msg("upload OK")

	fail := func(kind Kind, step, msg string, cause error) (Result, error) {
		e := &Error{Kind: kind, Step: step, Msg: msg, Err: cause, RemoteChanged: true, RollbackAttempted: true}
		e.RollbackOK = Rollback(ctx, st, state, &lg)
		return res, e
	}

	// 6) Verify by downloading the staged object.
	verifyStart := time.Now()
	localSum, size, err := checksum.File(t.Source)
	if err != nil {
		lg.Error().Err(err).Str("action", "verify").Str("local", t.Source).Msg("local checksum failed")
		return fail(KindInvalidInput, "verify", "checksum local file", err)
	}
	lg.Debug().Str("action", "verify").Str("local", t.Source).Str("sha256", localSum.String()).Msg("local checksum")

	sp, cleanup, err := spool(ctx, st, t.TempPath, opt.TempDir, lg)
	defer cleanup()
	if err != nil {
		lg.Error().Err(err).Str("action", "verify").Str("remote", t.TempPath).Msg("verification download failed")
		return fail(kindFromStore(err), "verify", "download "+t.TempPath, err)
	}
	lg.Debug().Str("action", "verify").Str("remote", t.TempPath).Str("sha256", sp.digest.String()).Msg("remote checksum")

	if sp.digest != localSum {
		err := fmt.Errorf("sha256 mismatch: local=%s, remote=%s", localSum, sp.digest)
		lg.Error().Err(err).Str("action", "verify").Str("remote", t.TempPath).
			Int64("local_size", size).Int64("remote_size", sp.size).Msg("integrity check failed")
		return fail(KindIntegrityMismatch, "verify", "integrity check failed", err)
	}
	lg.Info().Str("action", "verify").Str("sha256", localSum.String()).
		Dur("elapsed_ms", time.Since(verifyStart)).Msg("validation OK (sha256)")

	// 7) Clear the final path.
	if state.PreviousExisted {
		lg.Info().Str("action", "delete").Str("remote", t.RemotePath).Msg("removing previous object")
		if err := st.Delete(ctx, t.RemotePath); err != nil {
			lg.Error().Err(err).Str("action", "delete").Str("remote", t.RemotePath).Msg("delete failed")
			return fail(KindDeleteFailed, "delete", "delete "+t.RemotePath, err)
		}
		state.markPreviousDeleted()
	}

	// 8) Promote.
	lg.Info().Str("action", "promote").Str("from", t.TempPath).Str("to", t.RemotePath).Msg("promoting temp object")
	if err := st.Move(ctx, t.TempPath, t.RemotePath); err != nil {
		lg.Error().Err(err).Str("action", "promote").Str("from", t.TempPath).Str("to", t.RemotePath).
			Msg("promote failed")
		return fail(KindPromoteFailed, "promote", "move "+t.TempPath+" to "+t.RemotePath, err)
	}
	state.markPromoted(t.TempPath, t.RemotePath)

	// 9)
	res.RemotePath = t.RemotePath
	res.Digest = localSum
	res.Size = size
	lg.Info().
		Str("action", "backup").
		Str("remote", t.RemotePath).
		Str("snapshot", res.SnapshotPath).
		Str("sha256", localSum.String()).
		Dur("elapsed_ms", time.Since(start)).
		Msg("backup OK")
	return res, nil
}

func validateSource(p string) (os.FileInfo, error) {
	if p == "" {
		return nil, errors.New("source path is empty")
	}
	info, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("source file not found: %s", p)
		}
		return nil, fmt.Errorf("stat %q: %w", p, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("path is not a regular file: %s", p)
	}
	return info, nil
}
