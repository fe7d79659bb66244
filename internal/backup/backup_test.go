package backup

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/keepass-backup/internal/checksum"
	"github.com/Chapsvision-dev/keepass-backup/internal/store"
	"github.com/Chapsvision-dev/keepass-backup/internal/store/memstore"
)

const (
	folder    = "/KeepassBackups"
	finalPath = "/KeepassBackups/keepass.kdbx"
	tempPath  = "/KeepassBackups/keepass.kdbx.tmp"
	snapPath  = "/KeepassBackups/keepass_2025-03-14_09-26-53.kdbx"
)

var runTime = time.Date(2025, 3, 14, 9, 26, 53, 0, time.Local)

type harness struct {
	st       *memstore.Store
	buf      *bytes.Buffer
	lg       zerolog.Logger
	spoolDir string
	srcDir   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	buf := &bytes.Buffer{}
	return &harness{
		st:       memstore.New(),
		buf:      buf,
		lg:       zerolog.New(buf).Level(zerolog.DebugLevel),
		spoolDir: t.TempDir(),
		srcDir:   t.TempDir(),
	}
}

func (h *harness) source(t *testing.T, content string) string {
	t.Helper()
	p := filepath.Join(h.srcDir, "keepass.kdbx")
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func (h *harness) run(t *testing.T, src string) (Result, error) {
	t.Helper()
	return Run(context.Background(), h.st, Options{
		Source:  src,
		Folder:  "KeepassBackups/",
		Logger:  &h.lg,
		Now:     func() time.Time { return runTime },
		TempDir: h.spoolDir,
	})
}

type event map[string]any

func (h *harness) events(t *testing.T) []event {
	t.Helper()
	var out []event
	sc := bufio.NewScanner(bytes.NewReader(h.buf.Bytes()))
	for sc.Scan() {
		var e event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		out = append(out, e)
	}
	return out
}

func (h *harness) hasEvent(t *testing.T, match func(event) bool) bool {
	t.Helper()
	for _, e := range h.events(t) {
		if match(e) {
			return true
		}
	}
	return false
}

func (h *harness) requireSpoolEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.spoolDir)
	require.NoError(t, err)
	require.Empty(t, entries, "local temp files left behind")
}

func digestOf(t *testing.T, b []byte) checksum.Digest {
	t.Helper()
	d, _, err := checksum.Reader(bytes.NewReader(b))
	require.NoError(t, err)
	return d
}

func requireObject(t *testing.T, st *memstore.Store, path, want string) {
	t.Helper()
	got, ok := st.Get(path)
	require.True(t, ok, "expected object at %s", path)
	require.Equal(t, want, string(got))
}

func requireAbsent(t *testing.T, st *memstore.Store, path string) {
	t.Helper()
	_, ok := st.Get(path)
	require.False(t, ok, "unexpected object at %s", path)
}

func requireBackupError(t *testing.T, err error, kind Kind) *Error {
	t.Helper()
	var be *Error
	require.ErrorAs(t, err, &be)
	require.Equal(t, kind, be.Kind, "error: %v", err)
	return be
}

// Empty remote folder: the run succeeds and no snapshot is created.
func TestRun_EmptyFolder(t *testing.T) {
	h := newHarness(t)
	src := h.source(t, "Y-content")

	res, err := h.run(t, src)
	require.NoError(t, err)

	require.Equal(t, finalPath, res.RemotePath)
	require.Empty(t, res.SnapshotPath)
	require.NotEmpty(t, res.RunID)
	require.Equal(t, int64(len("Y-content")), res.Size)
	require.Equal(t, []string{finalPath}, h.st.Paths())

	got, _ := h.st.Get(finalPath)
	require.Equal(t, res.Digest, digestOf(t, got))
	h.requireSpoolEmpty(t)

	for _, c := range h.st.Calls() {
		require.NotEqual(t, snapPath, c.Path, "snapshot touched although nothing existed")
	}
}

// Existing object X replaced by Y, with one timestamped snapshot holding X.
func TestRun_ReplacesExistingAndKeepsSnapshot(t *testing.T) {
	h := newHarness(t)
	h.st.Put(finalPath, []byte("X-content"))
	src := h.source(t, "Y-content")

	res, err := h.run(t, src)
	require.NoError(t, err)

	require.Equal(t, snapPath, res.SnapshotPath)
	require.Equal(t, []string{finalPath, snapPath}, h.st.Paths())

	final, _ := h.st.Get(finalPath)
	snap, _ := h.st.Get(snapPath)
	require.Equal(t, digestOf(t, []byte("Y-content")), digestOf(t, final))
	require.Equal(t, digestOf(t, []byte("X-content")), digestOf(t, snap))
	h.requireSpoolEmpty(t)

	require.True(t, h.hasEvent(t, func(e event) bool {
		return e["message"] == "backup OK" && e["snapshot"] == snapPath && e["run_id"] == res.RunID
	}))
}

func TestRun_ProtocolOrder(t *testing.T) {
	h := newHarness(t)
	h.st.Put(finalPath, []byte("X"))
	_, err := h.run(t, h.source(t, "Y"))
	require.NoError(t, err)

	var ops []string
	for _, c := range h.st.Calls() {
		ops = append(ops, string(c.Op)+" "+c.Path)
	}
	require.Equal(t, []string{
		"exists " + finalPath,
		"download " + finalPath,
		"upload " + snapPath,
		"upload " + tempPath,
		"download " + tempPath,
		"delete " + finalPath,
		"move " + tempPath,
	}, ops)
}

func TestRun_InvalidInput_NoRemoteCalls(t *testing.T) {
	h := newHarness(t)

	_, err := h.run(t, filepath.Join(h.srcDir, "missing.kdbx"))
	be := requireBackupError(t, err, KindInvalidInput)
	require.False(t, be.RemoteChanged)
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.run(t, h.srcDir)
	requireBackupError(t, err, KindInvalidInput)

	_, err = h.run(t, "  ")
	requireBackupError(t, err, KindInvalidInput)

	require.Empty(t, h.st.Calls())
}

func TestRun_ExistsFailure_IsFatalWithStoreKind(t *testing.T) {
	h := newHarness(t)
	h.st.FailOn(memstore.OpExists, finalPath, store.ErrAuth)

	_, err := h.run(t, h.source(t, "Y"))
	be := requireBackupError(t, err, KindAuthFailure)
	require.False(t, be.RemoteChanged)
	require.False(t, be.RollbackAttempted)
	require.ErrorIs(t, err, store.ErrAuth)
	require.Len(t, h.st.Calls(), 1)
}

func TestRun_SnapshotFailureIsNonFatal(t *testing.T) {
	h := newHarness(t)
	h.st.Put(finalPath, []byte("X"))
	h.st.FailOn(memstore.OpUpload, snapPath, errors.New("quota exceeded"))

	res, err := h.run(t, h.source(t, "Y"))
	require.NoError(t, err)
	require.Empty(t, res.SnapshotPath)
	requireObject(t, h.st, finalPath, "Y")
	require.Equal(t, []string{finalPath}, h.st.Paths())

	require.True(t, h.hasEvent(t, func(e event) bool {
		return e["level"] == "warn" && e["action"] == "snapshot"
	}))
}

// Upload failure leaves the final object as it was and no temp object.
func TestRun_UploadFailure_NothingChanged(t *testing.T) {
	h := newHarness(t)
	h.st.Put(finalPath, []byte("X"))
	h.st.FailOn(memstore.OpUpload, tempPath, errors.New("connection reset"))

	_, err := h.run(t, h.source(t, "Y"))
	be := requireBackupError(t, err, KindUploadFailed)
	require.False(t, be.RemoteChanged)
	require.False(t, be.RollbackAttempted)

	requireObject(t, h.st, finalPath, "X")
	requireAbsent(t, h.st, tempPath)
	h.requireSpoolEmpty(t)
}

// Corrupted verification download: IntegrityMismatch, temp deleted, final untouched.
func TestRun_IntegrityMismatch(t *testing.T) {
	for _, prior := range []bool{false, true} {
		h := newHarness(t)
		if prior {
			h.st.Put(finalPath, []byte("X"))
		}
		h.st.CorruptDownload(tempPath, func(b []byte) []byte {
			b[0] ^= 0xff
			return b
		})

		_, err := h.run(t, h.source(t, "Y-content"))
		be := requireBackupError(t, err, KindIntegrityMismatch)
		require.True(t, be.RemoteChanged)
		require.True(t, be.RollbackAttempted)
		require.True(t, be.RollbackOK)
		require.ErrorIs(t, err, ErrIntegrityMismatch)

		requireAbsent(t, h.st, tempPath)
		if prior {
			requireObject(t, h.st, finalPath, "X")
		} else {
			requireAbsent(t, h.st, finalPath)
		}
		h.requireSpoolEmpty(t)
	}
}

func TestRun_VerifyDownloadFailure(t *testing.T) {
	h := newHarness(t)
	h.st.FailOn(memstore.OpDownload, tempPath, store.ErrNotFound)

	_, err := h.run(t, h.source(t, "Y"))
	be := requireBackupError(t, err, KindNotFound)
	require.True(t, be.RollbackAttempted)
	require.True(t, be.RollbackOK)
	requireAbsent(t, h.st, tempPath)
	h.requireSpoolEmpty(t)
}

func TestRun_DeleteFailure(t *testing.T) {
	h := newHarness(t)
	h.st.Put(finalPath, []byte("X"))
	h.st.FailOn(memstore.OpDelete, finalPath, errors.New("permission denied"))

	_, err := h.run(t, h.source(t, "Y"))
	be := requireBackupError(t, err, KindDeleteFailed)
	require.True(t, be.RollbackOK)

	requireObject(t, h.st, finalPath, "X")
	requireAbsent(t, h.st, tempPath)
	requireObject(t, h.st, snapPath, "X")
}

// Promotion fails after the delete: the previous object comes back from the snapshot.
func TestRun_PromoteFailure_RestoresFromSnapshot(t *testing.T) {
	h := newHarness(t)
	h.st.Put(finalPath, []byte("X"))
	h.st.FailOn(memstore.OpMove, tempPath, errors.New("rejected"))

	_, err := h.run(t, h.source(t, "Y"))
	be := requireBackupError(t, err, KindPromoteFailed)
	require.True(t, be.RemoteChanged)
	require.True(t, be.RollbackOK)
	require.Contains(t, err.Error(), "(rolled back)")

	requireObject(t, h.st, finalPath, "X")
	requireObject(t, h.st, snapPath, "X")
	requireAbsent(t, h.st, tempPath)
	h.requireSpoolEmpty(t)
}

// Restore from snapshot fails too: the log names the snapshot for manual recovery.
func TestRun_PromoteFailure_RestoreFails_LogsSnapshot(t *testing.T) {
	h := newHarness(t)
	h.st.Put(finalPath, []byte("X"))
	h.st.FailOn(memstore.OpMove, tempPath, errors.New("rejected"))
	h.st.FailOn(memstore.OpDownload, snapPath, errors.New("timeout"))

	_, err := h.run(t, h.source(t, "Y"))
	be := requireBackupError(t, err, KindPromoteFailed)
	require.False(t, be.RollbackOK)
	require.Contains(t, err.Error(), "(rollback incomplete)")

	requireAbsent(t, h.st, finalPath)
	requireObject(t, h.st, snapPath, "X")
	require.True(t, h.hasEvent(t, func(e event) bool {
		msg, _ := e["message"].(string)
		return e["snapshot"] == snapPath && strings.Contains(msg, "manual recovery")
	}))
}

func TestRun_PromoteFailure_NoSnapshot(t *testing.T) {
	h := newHarness(t)
	h.st.Put(finalPath, []byte("X"))
	h.st.FailOn(memstore.OpUpload, snapPath, errors.New("quota exceeded"))
	h.st.FailOn(memstore.OpMove, tempPath, errors.New("rejected"))

	_, err := h.run(t, h.source(t, "Y"))
	be := requireBackupError(t, err, KindPromoteFailed)
	require.False(t, be.RollbackOK)
	requireAbsent(t, h.st, tempPath)
	require.True(t, h.hasEvent(t, func(e event) bool {
		return e["level"] == "error" && e["action"] == "rollback_restore"
	}))
}

func TestError_Messages(t *testing.T) {
	e := &Error{Kind: KindDeleteFailed, Msg: "delete /a", Err: errors.New("boom"), RollbackAttempted: true, RollbackOK: true}
	require.Equal(t, "delete /a: boom (rolled back)", e.Error())
	require.Equal(t, "UploadFailed", (&Error{Kind: KindUploadFailed}).Error())
	require.Equal(t, KindDeleteFailed, KindOf(e))
	require.Zero(t, KindOf(errors.New("x")))
	require.Equal(t, "Kind(99)", Kind(99).String())
	require.NotErrorIs(t, e, ErrPromoteFailed)
}
