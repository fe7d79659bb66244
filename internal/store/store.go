package store

import (
	"context"
	"io"
)

// Store is the remote object store contract the backup core relies on.
// Paths are slash-delimited and absolute ("/KeepassBackups/keepass.kdbx");
// each backend maps them to its own key format.
type Store interface {
	// Upload creates or replaces the object at path with exactly the bytes of r.
	// With overwrite=false an existing object makes the call fail.
	Upload(ctx context.Context, path string, r io.Reader, size int64, overwrite bool) error

	// Download opens the stored bytes of path. Caller must close the reader.
	// Returns ErrNotFound when the object is absent.
	Download(ctx context.Context, path string) (io.ReadCloser, error)

	// Exists reports whether an object is stored at path. Not found is (false, nil).
	Exists(ctx context.Context, path string) (bool, error)

	// Move renames from to to in a single remote operation where the backend
	// allows it. It fails if from is absent and never overwrites to.
	Move(ctx context.Context, from, to string) error

	// Delete removes path. Returns ErrNotFound when it is already absent.
	Delete(ctx context.Context, path string) error

	// Name returns the backend identifier (e.g. "dropbox", "azure").
	Name() string
}
