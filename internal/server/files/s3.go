package files

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	s3store "github.com/dmitrijs2005/pdsvault/internal/server/storage/s3"
)

var (
	newS3Client = s3store.NewClient

	newS3PresignClient = func(c *s3.Client) *s3.PresignClient {
		return s3.NewPresignClient(c)
	}
	presignGetObject = func(pc *s3.PresignClient, ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
		return pc.PresignGetObject(ctx, in, optFns...)
	}
)

// S3Backend keeps files as objects under an optional key prefix.
type S3Backend struct {
	api     s3store.ObjectAPI
	presign *s3.PresignClient
	bucket  string
	prefix  string
}

// NewS3Backend builds a backend from fsParams: bucket, prefix and the
// client settings understood by the s3 storage backend.
func NewS3Backend(ctx context.Context, p models.BackendParams) (*S3Backend, error) {
	client, err := newS3Client(ctx, p)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", common.ErrConnectionFailed, err)
	}
	return &S3Backend{
		api:     client,
		presign: newS3PresignClient(client),
		bucket:  p.Param("bucket", ""),
		prefix:  p.Param("prefix", ""),
	}, nil
}

func (b *S3Backend) key(k string) string {
	return b.prefix + k
}

func (b *S3Backend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	in := &s3.PutObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(b.key(key)), Body: r}
	if size >= 0 {
		in.ContentLength = aws.Int64(size)
	}
	if _, err := b.api.PutObject(ctx, in); err != nil {
		return fmt.Errorf("%w: %v", common.ErrWriteFailed, err)
	}
	return nil
}

func (b *S3Backend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.api.GetObject(ctx, &s3.GetObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(b.key(key))})
	if err != nil {
		if s3store.IsNotFound(err) {
			return nil, fmt.Errorf("%w: %s", common.ErrorNotFound, key)
		}
		return nil, err
	}
	return out.Body, nil
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.api.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(b.bucket), Key: aws.String(b.key(key))})
	return err
}

func (b *S3Backend) Size(ctx context.Context, prefix string) (int64, error) {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(b.bucket), Prefix: aws.String(b.key(prefix))}
	var total int64
	for {
		out, err := b.api.ListObjectsV2(ctx, in)
		if err != nil {
			return 0, err
		}
		for _, o := range out.Contents {
			total += aws.ToInt64(o.Size)
		}
		if !aws.ToBool(out.IsTruncated) || out.NextContinuationToken == nil {
			return total, nil
		}
		in.ContinuationToken = out.NextContinuationToken
	}
}

// PresignGet returns a temporary GET link for key.
func (b *S3Backend) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := presignGetObject(b.presign, ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(key)),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", err
	}
	return req.URL, nil
}
