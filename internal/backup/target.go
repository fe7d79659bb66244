package backup

import (
	"path"
	"path/filepath"
	"strings"
	"time"
)

// TempSuffix marks the staged upload next to the final object.
const TempSuffix = ".tmp"

// SnapshotTimeLayout is the second-resolution stamp inserted into snapshot names.
const SnapshotTimeLayout = "2006-01-02_15-04-05"

// Target holds the paths of one run. Computed once, never mutated.
type Target struct {
	Source     string // local file
	Folder     string // normalized remote folder, e.g. "/KeepassBackups"
	RemotePath string // Folder + source base name
	TempPath   string // RemotePath + TempSuffix
}

// NormalizeFolder forces a leading "/" and drops trailing ones. Empty means root.
func NormalizeFolder(folder string) string {
	f := strings.TrimSpace(filepath.ToSlash(folder))
	f = "/" + strings.Trim(f, "/")
	return path.Clean(f)
}

// NewTarget derives the remote paths for source under folder.
func NewTarget(source, folder string) Target {
	dir := NormalizeFolder(folder)
	remote := path.Join(dir, filepath.Base(source))
	return Target{
		Source:     source,
		Folder:     dir,
		RemotePath: remote,
		TempPath:   remote + TempSuffix,
	}
}

// SnapshotPath returns "{folder}/{stem}_{YYYY-MM-DD_HH-MM-SS}{ext}" for the run time.
func (t Target) SnapshotPath(at time.Time) string {
	base := path.Base(t.RemotePath)
	ext := path.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if stem == "" {
		// dotfile such as ".kdbx": treat the whole name as the stem
		stem, ext = base, ""
	}
	return path.Join(t.Folder, stem+"_"+at.Format(SnapshotTimeLayout)+ext)
}
