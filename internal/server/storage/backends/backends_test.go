package backends

import (
	"testing"

	"github.com/dmitrijs2005/pdsvault/internal/common"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/stretchr/testify/assert"
)

func TestNewRegistry_KnowsEveryBackend(t *testing.T) {
	reg := NewRegistry(nil)
	assert.Equal(t, []string{"memory", "postgres", "s3", "sqlite"}, reg.Kinds())

	assert.NoError(t, reg.Validate(models.BackendParams{Type: "memory"}))
	assert.ErrorIs(t, reg.Validate(models.BackendParams{Type: "nedb"}), common.ErrUnsupportedBackend)
}
