package config

import (
	"flag"
	"os"
	"time"

	"github.com/dmitrijs2005/pdsvault/internal/flagx"
)

// parseFlags populates selected server Config fields from command-line flags.
//
// Supported flags (short forms):
//
//	-a string   gRPC bind address (e.g., ":50051")
//	-d string   PostgreSQL DSN of the accounts database
//	-s string   JWT HMAC secret key
//	-t int      access token validity, minutes
//	-k string   hex key sealing stored storage configurations
//	-y string   system storage backend tag
//	-m string   system storage path (sqlite) or DSN (postgres)
//	-w string   app manifests directory
//	-f string   local file store root
//	-l string   log format: slog or zerolog
//
// The arguments are first filtered down to these flags with
// flagx.FilterArgs, so the -c/-config flag handled elsewhere does not clash.
func parseFlags(config *Config) error {
	args := flagx.FilterArgs(os.Args[1:], []string{"-a", "-d", "-s", "-t", "-k", "-y", "-m", "-w", "-f", "-l"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)

	fs.StringVar(&config.EndpointAddrGRPC, "a", config.EndpointAddrGRPC, "address and port to run server")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "accounts database DSN")
	fs.StringVar(&config.SecretKey, "s", config.SecretKey, "secret key")

	accessTokenValidityDuration := fs.Int("t", int(config.AccessTokenValidityDuration.Minutes()), "access_token_validity_duration (in minutes)")

	fs.StringVar(&config.ConfigKey, "k", config.ConfigKey, "storage config sealing key (hex)")
	fs.StringVar(&config.SystemStorage.Type, "y", config.SystemStorage.Type, "system storage backend")
	location := fs.String("m", "", "system storage path or DSN")
	fs.StringVar(&config.AppsDir, "w", config.AppsDir, "app manifests directory")
	fs.StringVar(&config.FilesRoot, "f", config.FilesRoot, "local file store root")
	fs.StringVar(&config.LogFormat, "l", config.LogFormat, "log format")

	if err := fs.Parse(args); err != nil {
		return err
	}

	config.AccessTokenValidityDuration = time.Duration(*accessTokenValidityDuration) * time.Minute
	if *location != "" {
		key := "path"
		if config.SystemStorage.Type == "postgres" {
			key = "dsn"
		}
		params := map[string]string{}
		for k, v := range config.SystemStorage.Params {
			params[k] = v
		}
		params[key] = *location
		config.SystemStorage.Params = params
	}
	return nil
}
