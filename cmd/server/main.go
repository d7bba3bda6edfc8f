// Command server runs the pdsvault gRPC server.
//
//	server [-c config.toml] [flags]
//	server register -user alice -password secret -storage alice.json [-c config.toml] [flags]
//
// The register form stores an account with its storage configuration (a
// JSON document with dbParams, fsParams and storageLimit) in the accounts
// database and exits. It needs a database DSN.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/dmitrijs2005/pdsvault/internal/flagx"
	"github.com/dmitrijs2005/pdsvault/internal/server"
	"github.com/dmitrijs2005/pdsvault/internal/server/config"
	"github.com/dmitrijs2005/pdsvault/internal/server/models"
)

func main() {

	ctx := context.Background()
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	app, err := server.NewApp(ctx, cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}

	if len(os.Args) > 1 && os.Args[1] == "register" {
		if err := register(ctx, app, cfg); err != nil {
			app.Close(ctx)
			log.Fatalf("register: %v", err)
		}
		app.Close(ctx)
		return
	}

	app.Run(ctx)

}

func register(ctx context.Context, app *server.App, cfg *config.Config) error {
	if cfg.DatabaseDSN == "" {
		return errors.New("accounts are only persisted with a database DSN")
	}

	var user, password, storagePath string
	fs := flag.NewFlagSet("register", flag.ContinueOnError)
	fs.StringVar(&user, "user", "", "user id")
	fs.StringVar(&password, "password", "", "password")
	fs.StringVar(&storagePath, "storage", "", "storage configuration file (JSON)")
	if err := fs.Parse(flagx.FilterArgs(os.Args[2:], []string{"-user", "-password", "-storage"})); err != nil {
		return err
	}

	var sc *models.StorageConfig
	if storagePath != "" {
		b, err := os.ReadFile(storagePath)
		if err != nil {
			return err
		}
		sc = &models.StorageConfig{}
		if err := json.Unmarshal(b, sc); err != nil {
			return fmt.Errorf("parse %s: %w", storagePath, err)
		}
	}

	a, err := app.Accounts().Register(ctx, user, []byte(password), sc)
	if err != nil {
		return err
	}
	fmt.Printf("registered %s\n", a.UserID)
	return nil
}
