package azure

import (
	"errors"
	"net/http"
	"testing"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/stretchr/testify/require"

	"github.com/Chapsvision-dev/keepass-backup/internal/config"
	"github.com/Chapsvision-dev/keepass-backup/internal/store"
)

func respErr(status int, code string) error {
	return &azcore.ResponseError{StatusCode: status, ErrorCode: code}
}

func TestClassify(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		kind   error
		exists bool
	}{
		{"blob not found", respErr(http.StatusNotFound, "BlobNotFound"), store.ErrNotFound, false},
		{"head 404 without code", respErr(http.StatusNotFound, ""), store.ErrNotFound, false},
		{"container not found", respErr(http.StatusNotFound, "ContainerNotFound"), store.ErrRemote, false},
		{"auth failed", respErr(http.StatusForbidden, "AuthenticationFailed"), store.ErrAuth, false},
		{"permission mismatch", respErr(http.StatusForbidden, "AuthorizationPermissionMismatch"), store.ErrAuth, false},
		{"bare 401", respErr(http.StatusUnauthorized, ""), store.ErrAuth, false},
		{"exists", respErr(http.StatusConflict, "BlobAlreadyExists"), store.ErrRemote, true},
		{"condition not met", respErr(http.StatusPreconditionFailed, "ConditionNotMet"), store.ErrRemote, true},
		{"server busy", respErr(http.StatusServiceUnavailable, "ServerBusy"), store.ErrRemote, false},
		{"transport", errors.New("dial tcp: i/o timeout"), store.ErrRemote, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classify("download", "/KeepassBackups/keepass.kdbx", tc.err)
			require.Equal(t, tc.kind, store.KindOf(err))
			require.Equal(t, tc.exists, errors.Is(err, store.ErrExists))

			var se *store.Error
			require.True(t, errors.As(err, &se))
			require.Equal(t, "download", se.Op)
		})
	}
}

func TestClassify_KeepsStoreError(t *testing.T) {
	orig := store.NewError("head", "/a", store.ErrNotFound, nil)
	require.Same(t, orig, classify("exists", "/a", orig))
}

func TestNew_SASClient(t *testing.T) {
	s, err := New(config.AzureConfig{
		Account:   "acct",
		Container: "backups",
		SASToken:  "?sv=2024-01-01&sig=abc",
		Endpoint:  "http://127.0.0.1:10000/acct",
	})
	require.NoError(t, err)
	require.Equal(t, credSAS, s.cred)
	require.Equal(t, "azure", s.Name())
	require.Equal(t, "backups", s.container)
}

func TestNormalizeKey(t *testing.T) {
	require.Equal(t, "KeepassBackups/keepass.kdbx", normalizeKey("/KeepassBackups/keepass.kdbx"))
	require.Equal(t, "a", normalizeKey("a"))
}
