package config

import (
	"os"
	"testing"
	"time"

	"github.com/dmitrijs2005/pdsvault/internal/server/models"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlags(t *testing.T) {
	origArgs := os.Args
	t.Cleanup(func() { os.Args = origArgs })

	tests := []struct {
		expected *Config
		name     string
		args     []string
		wantErr  bool
	}{
		{name: "all flags", args: []string{"cmd",
			"-a", "127.0.0.1:9090", "-d", "db", "-s", "secret", "-t", "5", "-k", "abcd",
			"-y", "postgres", "-m", "postgres://sys", "-w", "/etc/apps", "-f", "/srv/files", "-l", "zerolog",
		},
			expected: &Config{
				EndpointAddrGRPC:            "127.0.0.1:9090",
				DatabaseDSN:                 "db",
				SecretKey:                   "secret",
				AccessTokenValidityDuration: 5 * time.Minute,
				ConfigKey:                   "abcd",
				SystemStorage:               models.BackendParams{Type: "postgres", Params: map[string]string{"dsn": "postgres://sys"}},
				AppsDir:                     "/etc/apps",
				FilesRoot:                   "/srv/files",
				LogFormat:                   "zerolog",
			}},
		{name: "sqlite path keeps other params", args: []string{"cmd", "-y", "sqlite", "-m", "sys.db"},
			expected: &Config{
				SystemStorage: models.BackendParams{Type: "sqlite", Params: map[string]string{"path": "sys.db", "journal": "wal"}},
			}},
		{name: "bad duration", args: []string{"cmd", "-t", "soon"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Args = tt.args

			config := &Config{SystemStorage: models.BackendParams{Params: map[string]string{"journal": "wal"}}}
			if tt.expected != nil && tt.expected.SystemStorage.Type == "postgres" {
				config.SystemStorage.Params = nil
			}

			err := parseFlags(config)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Empty(t, cmp.Diff(config, tt.expected))
		})
	}
}
