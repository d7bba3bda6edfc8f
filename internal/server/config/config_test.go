package config

import (
	"os"
	"testing"
	"time"

	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.Equal(t, ":50051", c.EndpointAddrGRPC)
	assert.Empty(t, c.DatabaseDSN)
	assert.Equal(t, "secretKey", c.SecretKey)
	assert.Equal(t, 15*time.Minute, c.AccessTokenValidityDuration)
	assert.Equal(t, models.BackendParams{Type: "sqlite", Params: map[string]string{"path": "data/system.db"}}, c.SystemStorage)
	assert.Equal(t, "apps", c.AppsDir)
	assert.Equal(t, "data/files", c.FilesRoot)
	assert.Equal(t, "slog", c.LogFormat)
	assert.Equal(t, 25*time.Second, c.IdleTimeout)
}

func TestLoadConfig_UsesDefaultsBeforeParsing(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })
	os.Args = []string{"testbin"}

	c, err := LoadConfig()
	require.NoError(t, err)

	var want Config
	want.LoadDefaults()
	assert.Equal(t, &want, c)
}

func TestLoadConfig_FlagsOverrideFile(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	path := writeTempFile(t, "cfg.json", `{"endpoint_addr_grpc": "file:1", "secret_key": "from-file"}`)
	os.Args = []string{"testbin", "-c", path, "-a", "flag:2"}

	c, err := LoadConfig()
	require.NoError(t, err)
	assert.Equal(t, "flag:2", c.EndpointAddrGRPC)
	assert.Equal(t, "from-file", c.SecretKey)
}
