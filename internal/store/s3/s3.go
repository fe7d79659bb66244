// Package s3 stores objects in an S3 bucket or an S3-compatible server.
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/smithy-go"
	smithyhttp "github.com/aws/smithy-go/transport/http"
	"github.com/rs/zerolog/log"

	"github.com/Chapsvision-dev/keepass-backup/internal/config"
	"github.com/Chapsvision-dev/keepass-backup/internal/store"
)

type Store struct {
	client *s3.Client
	bucket string
}

func init() {
	store.Register("s3", func(cfg any) (store.Store, error) {
		c, ok := cfg.(config.Config)
		if !ok {
			return nil, fmt.Errorf("s3: invalid config type")
		}
		return New(context.Background(), c.S3)
	})
}

// New loads AWS settings. Static keys win over the default credential chain;
// a custom endpoint switches to path-style addressing.
func New(ctx context.Context, c config.S3Config) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(c.Region),
		// Store calls are never retried: a repeated write could land after
		// the caller has already moved on.
		awsconfig.WithRetryMaxAttempts(1),
	}
	if c.AccessKey != "" && c.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(c.AccessKey, c.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("s3: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if c.Endpoint != "" {
			o.BaseEndpoint = aws.String(c.Endpoint)
			o.UsePathStyle = true
			// Third-party servers often reject streaming trailer checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
			o.ResponseChecksumValidation = aws.ResponseChecksumValidationWhenRequired
		}
	})
	return &Store{client: client, bucket: c.Bucket}, nil
}

func (s *Store) Name() string { return "s3" }

func (s *Store) Upload(ctx context.Context, path string, r io.Reader, size int64, overwrite bool) error {
	start := time.Now()
	key := objectKey(path)
	in := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if !overwrite {
		in.IfNoneMatch = aws.String("*")
	}
	out, err := s.client.PutObject(ctx, in)
	if err != nil {
		return classify("upload", path, err)
	}
	log.Debug().
		Str("action", "s3_upload").
		Str("bucket", s.bucket).
		Str("key", key).
		Str("etag", strings.Trim(aws.ToString(out.ETag), `"`)).
		Dur("elapsed_ms", time.Since(start)).
		Msg("upload OK")
	return nil
}

func (s *Store) Download(ctx context.Context, path string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(path)),
	})
	if err != nil {
		return nil, classify("download", path, err)
	}
	return out.Body, nil
}

func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	err := s.head(ctx, "exists", path)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Move is CopyObject then DeleteObject. S3 has no rename, so a failure between
// the two calls leaves both keys in place.
func (s *Store) Move(ctx context.Context, from, to string) error {
	start := time.Now()
	if err := s.head(ctx, "move", from); err != nil {
		return err
	}
	switch err := s.head(ctx, "move", to); {
	case err == nil:
		return store.NewError("move", to, store.ErrRemote, store.ErrExists)
	case !errors.Is(err, store.ErrNotFound):
		return err
	}

	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(objectKey(to)),
		CopySource: aws.String(copySource(s.bucket, objectKey(from))),
	})
	if err != nil {
		return classify("move", from, err)
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(from)),
	}); err != nil {
		return classify("move", from, err)
	}
	log.Debug().
		Str("action", "s3_move").
		Str("bucket", s.bucket).
		Str("from", objectKey(from)).
		Str("to", objectKey(to)).
		Dur("elapsed_ms", time.Since(start)).
		Msg("move OK")
	return nil
}

// Delete checks presence first: DeleteObject succeeds on absent keys.
func (s *Store) Delete(ctx context.Context, path string) error {
	if err := s.head(ctx, "delete", path); err != nil {
		return err
	}
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(path)),
	}); err != nil {
		return classify("delete", path, err)
	}
	log.Debug().Str("action", "s3_delete").Str("bucket", s.bucket).Str("key", objectKey(path)).Msg("delete OK")
	return nil
}

func (s *Store) head(ctx context.Context, op, path string) error {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey(path)),
	})
	if err != nil {
		return classify(op, path, err)
	}
	return nil
}

func objectKey(p string) string {
	return strings.TrimPrefix(p, "/")
}

func copySource(bucket, key string) string {
	parts := strings.Split(key, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return bucket + "/" + strings.Join(parts, "/")
}

// classify maps SDK errors onto store kinds by API error code, then by
// HTTP status for bodiless answers (HEAD).
func classify(op, path string, err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		switch ae.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return store.NewError(op, path, store.ErrNotFound, err)
		case "AccessDenied", "Forbidden", "InvalidAccessKeyId", "SignatureDoesNotMatch",
			"ExpiredToken", "InvalidToken", "TokenRefreshRequired":
			return store.NewError(op, path, store.ErrAuth, err)
		case "PreconditionFailed":
			return store.NewError(op, path, store.ErrRemote, errors.Join(store.ErrExists, err))
		}
	}
	var re *smithyhttp.ResponseError
	if errors.As(err, &re) {
		switch re.HTTPStatusCode() {
		case http.StatusNotFound:
			return store.NewError(op, path, store.ErrNotFound, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return store.NewError(op, path, store.ErrAuth, err)
		case http.StatusPreconditionFailed:
			return store.NewError(op, path, store.ErrRemote, errors.Join(store.ErrExists, err))
		}
	}
	return store.NewError(op, path, store.ErrRemote, err)
}
