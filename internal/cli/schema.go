package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/thedusen/booksphere-outbox/internal/repository/postgres"
)

func NewSchemaCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Manage the outbox, outbox_dlq and outbox_cursor tables",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "apply",
		Short: "Create the outbox tables if they do not exist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			store, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.DB().Close()

			if err := postgres.ApplySchema(ctx, store.DB()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema applied (%s)\n", store.DB().DriverName())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "print",
		Short: "Print the DDL for --driver",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ddl, err := postgres.Schema(opts.Driver)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), ddl)
			return nil
		},
	})

	return cmd
}
