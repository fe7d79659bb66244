// Package azure stores objects as block blobs in one Azure Storage container.
package azure

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"github.com/Chapsvision-dev/keepass-backup/internal/store"
)

type Store struct {
	client    *azblob.Client
	container string
	cred      credential

	checkOnce sync.Once
	checkErr  error
}

func (s *Store) Name() string { return "azure" }

func (s *Store) Upload(ctx context.Context, path string, r io.Reader, size int64, overwrite bool) error {
	if err := s.ready(ctx, "upload", path); err != nil {
		return err
	}
	key := normalizeKey(path)
	start := time.Now()

	opts := &azblob.UploadStreamOptions{}
	if !overwrite {
		opts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		}
	}
	if _, err := s.client.UploadStream(ctx, s.container, key, r, opts); err != nil {
		log.Debug().Err(err).Str("action", "azure_upload").Str("container", s.container).Str("key", key).
			Msg("upload failed")
		return classify("upload", path, err)
	}

	log.Debug().Str("action", "azure_upload").Str("container", s.container).Str("key", key).
		Int64("size", size).Dur("elapsed_ms", time.Since(start)).Msg("upload OK")
	return nil
}

func (s *Store) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	key := normalizeKey(path)
	resp, err := s.client.DownloadStream(ctx, s.container, key, nil)
	if err != nil {
		return nil, classify("download", path, err)
	}
	log.Debug().Str("action", "azure_download").Str("container", s.container).Str("key", key).
		Msg("download started")
	return resp.Body, nil
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	if err := s.ready(ctx, "exists", path); err != nil {
		return false, err
	}
	_, err := s.properties(ctx, path)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, store.ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

// Move copies the blob through this process with an If-None-Match: * guard on
// the destination, then deletes the source. Blob storage has no rename.
func (s *Store) Move(ctx context.Context, from, to string) error {
	start := time.Now()
	props, err := s.properties(ctx, from)
	if err != nil {
		return err
	}

	rc, err := s.Download(ctx, from)
	if err != nil {
		return store.Wrap("move", from, err)
	}
	err = s.Upload(ctx, to, rc, props.size, false)
	_ = rc.Close()
	if err != nil {
		return store.Wrap("move", to, err)
	}

	if err := s.Delete(ctx, from); err != nil {
		return store.Wrap("move", from, err)
	}
	log.Debug().Str("action", "azure_move").Str("container", s.container).
		Str("from", normalizeKey(from)).Str("to", normalizeKey(to)).
		Dur("elapsed_ms", time.Since(start)).Msg("move OK")
	return nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	key := normalizeKey(path)
	if _, err := s.client.DeleteBlob(ctx, s.container, key, nil); err != nil {
		return classify("delete", path, err)
	}
	log.Debug().Str("action", "azure_delete").Str("container", s.container).Str("key", key).Msg("delete OK")
	return nil
}

// ready runs the container access check once per Store.
func (s *Store) ready(ctx context.Context, op, path string) error {
	s.checkOnce.Do(func() { s.checkErr = s.checkContainer(ctx) })
	if s.checkErr != nil {
		return store.Wrap(op, path, s.checkErr)
	}
	return nil
}

func normalizeKey(k string) string {
	return strings.TrimPrefix(k, "/")
}
