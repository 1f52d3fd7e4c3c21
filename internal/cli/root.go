// Package cli implements outboxctl, the operator tool for the outbox tables.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thedusen/booksphere-outbox/config"
	"github.com/thedusen/booksphere-outbox/internal/repository/postgres"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	Driver     string
	DSN        string
	Format     string // "json" | "text"
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "outboxctl",
		Short: "Inspect and operate the booksphere outbox",
		Long: `outboxctl manages the outbox schema, dead letters and processor cursors.

The database comes from --dsn/--driver when given, otherwise from the worker
configuration (--config, CONFIG_FILE or ./config/config.yml).`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.ConfigFile, "config", "", "worker config file")
	cmd.PersistentFlags().StringVar(&opts.Driver, "driver", postgres.DriverPostgres, "database driver (postgres|sqlite3) used with --dsn")
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", "", "database DSN, overrides the config file")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewSchemaCommand(opts))
	cmd.AddCommand(NewDLQCommand(opts))
	cmd.AddCommand(NewCursorCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

func (o *RootOptions) databaseConfig() (postgres.Config, error) {
	if o.DSN != "" {
		return postgres.Config{Driver: o.Driver, DSN: o.DSN}, nil
	}
	cfg, err := config.Load(o.ConfigFile)
	if err != nil {
		return postgres.Config{}, err
	}
	return cfg.ToDatabaseConfig(), nil
}

func (o *RootOptions) openStore(ctx context.Context) (*postgres.Store, error) {
	dbCfg, err := o.databaseConfig()
	if err != nil {
		return nil, err
	}
	db, err := postgres.NewDB(ctx, dbCfg)
	if err != nil {
		return nil, err
	}
	return postgres.NewStore(db), nil
}
