package azure

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

type blobProps struct {
	size int64
	etag string
}

// properties reads Content-Length and ETag of a blob with a HEAD request.
// Errors are already classified.
func (s *Store) properties(ctx context.Context, path string) (blobProps, error) {
	key := normalizeKey(path)
	start := time.Now()
	bc := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(key)
	resp, err := bc.GetProperties(ctx, nil)
	if err != nil {
		return blobProps{}, classify("head", path, err)
	}

	var p blobProps
	if resp.ContentLength != nil {
		p.size = *resp.ContentLength
	}
	if resp.ETag != nil {
		p.etag = string(*resp.ETag)
	}
	log.Debug().Str("action", "azure_head").Str("container", s.container).Str("key", key).
		Int64("remote_size", p.size).Str("etag", p.etag).Dur("elapsed_ms", time.Since(start)).
		Msg("head OK")
	return p, nil
}
