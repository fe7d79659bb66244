package azure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	"github.com/Chapsvision-dev/keepass-backup/internal/store"
)

// checkContainer checks access using a minimal list (SAS sr=c cannot create containers).
func (s *Store) checkContainer(ctx context.Context) error {
	start := time.Now()
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		MaxResults: to.Ptr(int32(1)),
	})
	if pager.More() {
		if _, err := pager.NextPage(ctx); err != nil {
			switch {
			case bloberror.HasCode(err, bloberror.ContainerNotFound):
				return store.NewError("check", s.container, store.ErrRemote,
					fmt.Errorf("container %q not found: create it first (container SAS cannot create containers): %w", s.container, err))
			case isAuthError(err):
				return store.NewError("check", s.container, store.ErrAuth,
					fmt.Errorf("not authorized for container %q via %s; ensure at least rwdl permissions: %w", s.container, s.cred, err))
			}
			return store.NewError("check", s.container, store.ErrRemote, err)
		}
	}
	log.Debug().Str("action", "azure_container_check").Str("container", s.container).
		Str("credential", string(s.cred)).Dur("elapsed_ms", time.Since(start)).Msg("container access OK")
	return nil
}

func isAuthError(err error) bool {
	if bloberror.HasCode(err,
		bloberror.AuthorizationFailure,
		bloberror.AuthorizationPermissionMismatch,
		bloberror.AuthenticationFailed,
		bloberror.InsufficientAccountPermissions,
	) {
		return true
	}
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		return re.StatusCode == http.StatusUnauthorized || re.StatusCode == http.StatusForbidden
	}
	// Credential acquisition failures surface before any response.
	var afe *azidentity.AuthenticationFailedError
	return errors.As(err, &afe)
}

// classify maps Azure errors onto store kinds.
func classify(op, path string, err error) error {
	var se *store.Error
	if errors.As(err, &se) {
		return err
	}
	switch {
	case bloberror.HasCode(err, bloberror.BlobNotFound):
		return store.NewError(op, path, store.ErrNotFound, err)
	case bloberror.HasCode(err, bloberror.BlobAlreadyExists, bloberror.ConditionNotMet):
		return store.NewError(op, path, store.ErrRemote, errors.Join(store.ErrExists, err))
	case isAuthError(err):
		return store.NewError(op, path, store.ErrAuth, err)
	}
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		switch re.StatusCode {
		case http.StatusNotFound:
			if re.ErrorCode == "" || re.ErrorCode == string(bloberror.BlobNotFound) {
				return store.NewError(op, path, store.ErrNotFound, err)
			}
		case http.StatusConflict, http.StatusPreconditionFailed:
			return store.NewError(op, path, store.ErrRemote, errors.Join(store.ErrExists, err))
		}
	}
	return store.NewError(op, path, store.ErrRemote, err)
}
