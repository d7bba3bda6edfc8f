// Package files is the per-owner file store behind fsParams. Files live
// under <owner>/<app>/<path> in a local directory or an S3 bucket.
package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
)

const (
	KindLocal = "local"
	KindS3    = "s3"
)

// Backend stores file content by key.
type Backend interface {
	Put(ctx context.Context, key string, r io.Reader, size int64) error
	// Open returns common.ErrorNotFound for a missing key.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	// Size sums the sizes of all keys under prefix.
	Size(ctx context.Context, prefix string) (int64, error)
}

// Presigner is implemented by backends that can hand out temporary direct
// download links.
type Presigner interface {
	PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Kinds validates fsParams for the supported backends.
type Kinds struct{}

func (Kinds) Validate(p models.BackendParams) error {
	switch p.Type {
	case KindLocal:
		return nil
	case KindS3:
		if p.Param("bucket", "") == "" {
			return fmt.Errorf("%w: s3: bucket is required", common.ErrUnsupportedBackend)
		}
		return nil
	}
	return fmt.Errorf("%w: %q", common.ErrUnsupportedBackend, p.Type)
}

var errNoPresign = errors.New("backend cannot presign")
