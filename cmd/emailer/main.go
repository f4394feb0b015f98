package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/zigazaga4/emailer/internal/config"
	"github.com/zigazaga4/emailer/internal/contacts"
	"github.com/zigazaga4/emailer/internal/database"
	"github.com/zigazaga4/emailer/internal/ledger"
	"github.com/zigazaga4/emailer/internal/logger"
	"github.com/zigazaga4/emailer/internal/validator"
)

var envFiles []string

var rootCmd = &cobra.Command{
	Use:           "emailer",
	Short:         "Bulk email and WhatsApp dispatch with a delivery ledger",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load before reading the environment")

	rootCmd.AddCommand(
		migrateCmd(),
		sendCmd(),
		sessionsCmd(),
		logsCmd(),
		contactLogsCmd(),
		statsCmd(),
		deleteSessionCmd(),
		sweepCmd(),
		contactsCmd(),
		templatesCmd(),
		progressCmd(),
		probeCmd(),
		waStatusCmd(),
		serveCmd(),
	)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// app is the state shared by every command: configuration, logger and the
// embedded database with its stores.
type app struct {
	cfg       *config.Config
	log       zerolog.Logger
	db        *database.SQLite
	ledger    *ledger.Store
	contacts  *contacts.Store
	validator *validator.Validator
}

func loadApp() (*app, error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, err := logger.New(cfg.App.Env, cfg.App.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	db, err := database.OpenSQLite(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return &app{
		cfg:       cfg,
		log:       log,
		db:        db,
		ledger:    ledger.New(db.DB),
		contacts:  contacts.New(db.DB),
		validator: validator.New(cfg.Validation, logger.Component(log, "validator")),
	}, nil
}

func (a *app) Close() error {
	return a.db.Close()
}

// withApp runs fn with a loaded app and closes it afterwards.
func withApp(fn func(ctx context.Context, a *app, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		a, err := loadApp()
		if err != nil {
			return err
		}
		runErr := fn(cmd.Context(), a, args)
		return errors.Join(runErr, a.Close())
	}
}
