package files

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/filex"
)

// LocalBackend keeps files in a directory tree.
type LocalBackend struct {
	root string
}

// NewLocalBackend creates root if it does not exist.
func NewLocalBackend(root string) (*LocalBackend, error) {
	abs, err := filex.EnsureDir(root)
	if err != nil {
		return nil, err
	}
	return &LocalBackend{root: abs}, nil
}

func (b *LocalBackend) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	p, err := filex.SafeJoin(b.root, key)
	if err != nil {
		return err
	}
	return filex.WriteAtomic(p, func(f *os.File) error {
		n, err := io.Copy(f, r)
		if err != nil {
			return err
		}
		if size >= 0 && n != size {
			return fmt.Errorf("short write: got %d of %d bytes", n, size)
		}
		return nil
	})
}

func (b *LocalBackend) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := filex.SafeJoin(b.root, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", common.ErrorNotFound, key)
	}
	return f, err
}

func (b *LocalBackend) Delete(ctx context.Context, key string) error {
	p, err := filex.SafeJoin(b.root, key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %s", common.ErrorNotFound, key)
	}
	return err
}

func (b *LocalBackend) Size(ctx context.Context, prefix string) (int64, error) {
	dir, err := filex.SafeJoin(b.root, prefix)
	if err != nil {
		return 0, err
	}
	var total int64
	err = filepath.WalkDir(dir, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return ctx.Err()
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	return total, err
}
