// Package memstore is an in-memory store.Store with fault injection, used to
// exercise the backup protocol without a network.
package memstore

import (
	"bytes"
	"context"
	"io"
	"sort"
	"sync"

	"github.com/Chapsvision-dev/keepass-backup/internal/store"
)

// Op names a store operation for fault injection.
type Op string

const (
	OpUpload   Op = "upload"
	OpDownload Op = "download"
	OpExists   Op = "exists"
	OpMove     Op = "move"
	OpDelete   Op = "delete"
)

type faultKey struct {
	op   Op
	path string
}

// Call records one operation issued against the store.
type Call struct {
	Op   Op
	Path string
	To   string // move destination
}

// Store keeps objects in a map keyed by path.
type Store struct {
	mu       sync.Mutex
	objects  map[string][]byte
	faults   map[faultKey]error
	corrupt  map[string]func([]byte) []byte
	calls    []Call
	afterOps map[faultKey]func()
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		objects:  map[string][]byte{},
		faults:   map[faultKey]error{},
		corrupt:  map[string]func([]byte) []byte{},
		afterOps: map[faultKey]func(){},
	}
}

func (s *Store) Name() string { return "memory" }

// Put seeds an object directly, bypassing fault injection.
func (s *Store) Put(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = append([]byte(nil), data...)
}

// Get returns a copy of the object at path.
func (s *Store) Get(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[path]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), b...), true
}

// Paths lists stored object paths, sorted.
func (s *Store) Paths() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objects))
	for p := range s.objects {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Calls returns the operations issued so far.
func (s *Store) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// FailOn makes op on path fail with err (wrapped as a store error) until cleared
// with a nil err.
func (s *Store) FailOn(op Op, path string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := faultKey{op, path}
	if err == nil {
		delete(s.faults, k)
		return
	}
	s.faults[k] = err
}

// CorruptDownload rewrites the bytes returned by Download(path).
func (s *Store) CorruptDownload(path string, fn func([]byte) []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.corrupt[path] = fn
}

// After runs fn once a successful op on path has been applied.
func (s *Store) After(op Op, path string, fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterOps[faultKey{op, path}] = fn
}

func (s *Store) begin(op Op, path, to string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, Call{Op: op, Path: path, To: to})
	if err, ok := s.faults[faultKey{op, path}]; ok {
		return store.Wrap(string(op), path, err)
	}
	return nil
}

func (s *Store) done(op Op, path string) {
	s.mu.Lock()
	fn := s.afterOps[faultKey{op, path}]
	s.mu.Unlock()
	if fn != nil {
		fn()
	}
}

func (s *Store) Upload(_ context.Context, path string, r io.Reader, _ int64, overwrite bool) error {
	if err := s.begin(OpUpload, path, ""); err != nil {
		return err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return store.NewError(string(OpUpload), path, store.ErrRemote, err)
	}
	s.mu.Lock()
	if _, exists := s.objects[path]; exists && !overwrite {
		s.mu.Unlock()
		return store.NewError(string(OpUpload), path, store.ErrRemote, store.ErrExists)
	}
	s.objects[path] = data
	s.mu.Unlock()
	s.done(OpUpload, path)
	return nil
}

func (s *Store) Download(_ context.Context, path string) (io.ReadCloser, error) {
	if err := s.begin(OpDownload, path, ""); err != nil {
		return nil, err
	}
	s.mu.Lock()
	data, ok := s.objects[path]
	fn := s.corrupt[path]
	s.mu.Unlock()
	if !ok {
		return nil, store.NewError(string(OpDownload), path, store.ErrNotFound, nil)
	}
	data = append([]byte(nil), data...)
	if fn != nil {
		data = fn(data)
	}
	s.done(OpDownload, path)
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *Store) Exists(_ context.Context, path string) (bool, error) {
	if err := s.begin(OpExists, path, ""); err != nil {
		return false, err
	}
	s.mu.Lock()
	_, ok := s.objects[path]
	s.mu.Unlock()
	s.done(OpExists, path)
	return ok, nil
}

func (s *Store) Move(_ context.Context, from, to string) error {
	if err := s.begin(OpMove, from, to); err != nil {
		return err
	}
	s.mu.Lock()
	data, ok := s.objects[from]
	if !ok {
		s.mu.Unlock()
		return store.NewError(string(OpMove), from, store.ErrNotFound, nil)
	}
	if _, taken := s.objects[to]; taken {
		s.mu.Unlock()
		return store.NewError(string(OpMove), to, store.ErrRemote, store.ErrExists)
	}
	s.objects[to] = data
	delete(s.objects, from)
	s.mu.Unlock()
	s.done(OpMove, from)
	return nil
}

func (s *Store) Delete(_ context.Context, path string) error {
	if err := s.begin(OpDelete, path, ""); err != nil {
		return err
	}
	s.mu.Lock()
	_, ok := s.objects[path]
	delete(s.objects, path)
	s.mu.Unlock()
	if !ok {
		return store.NewError(string(OpDelete), path, store.ErrNotFound, nil)
	}
	s.done(OpDelete, path)
	return nil
}
