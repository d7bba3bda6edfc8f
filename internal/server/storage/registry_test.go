package storage

import (
	"context"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	Adapter
	table string
}

type closeRecorder struct {
	name   string
	closed *[]string
}

func (c closeRecorder) Close() error {
	*c.closed = append(*c.closed, c.name)
	return nil
}

func TestRegistry_NewAndValidate(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Register("fake", func(ctx context.Context, r *Registry, p models.BackendParams, table string) (Adapter, error) {
		return &fakeAdapter{table: table}, nil
	}, func(p models.BackendParams) error {
		if p.Param("name", "") == "bad" {
			return errors.New("bad name")
		}
		return nil
	})

	a, err := reg.New(context.Background(), models.BackendParams{Type: "fake"}, "alice__notes")
	require.NoError(t, err)
	assert.Equal(t, "alice__notes", a.(*fakeAdapter).table)

	_, err = reg.New(context.Background(), models.BackendParams{Type: "mysql"}, "t")
	assert.ErrorIs(t, err, common.ErrUnsupportedBackend)

	err = reg.Validate(models.BackendParams{Type: "fake", Params: map[string]string{"name": "bad"}})
	assert.ErrorIs(t, err, common.ErrUnsupportedBackend)

	assert.Equal(t, []string{"fake"}, reg.Kinds())
}

func TestRegistry_SharedOpensOnceAndClosesInReverse(t *testing.T) {
	reg := NewRegistry(nil)
	var closed []string
	opens := 0
	open := func(name string) func() (io.Closer, error) {
		return func() (io.Closer, error) {
			opens++
			return closeRecorder{name: name, closed: &closed}, nil
		}
	}

	c1, err := reg.Shared("a", open("a"))
	require.NoError(t, err)
	c2, err := reg.Shared("a", open("a"))
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
	_, err = reg.Shared("b", open("b"))
	require.NoError(t, err)
	assert.Equal(t, 2, opens)

	require.NoError(t, reg.Close())
	assert.Equal(t, []string{"b", "a"}, closed)

	_, err = reg.Shared("a", open("a"))
	require.NoError(t, err)
	assert.Equal(t, 3, opens, "closed resources are reopened")
}

func TestClassifyErr(t *testing.T) {
	assert.NoError(t, ClassifyErr(nil, true))

	err := ClassifyErr(&net.OpError{Op: "dial", Err: errors.New("refused")}, false)
	assert.ErrorIs(t, err, common.ErrConnectionFailed)

	err = ClassifyErr(context.DeadlineExceeded, true)
	assert.ErrorIs(t, err, common.ErrConnectionFailed)

	err = ClassifyErr(errors.New("disk full"), true)
	assert.ErrorIs(t, err, common.ErrWriteFailed)

	raw := errors.New("syntax")
	assert.Equal(t, raw, ClassifyErr(raw, false))

	dup := ClassifyErr(common.ErrDuplicateKey, true)
	assert.ErrorIs(t, dup, common.ErrDuplicateKey)
	assert.NotErrorIs(t, dup, common.ErrWriteFailed)
}
