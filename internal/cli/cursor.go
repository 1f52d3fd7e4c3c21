package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/thedusen/booksphere-outbox/internal/model"
)

func NewCursorCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cursor",
		Short: "Inspect processor cursors",
	}

	var org string
	show := &cobra.Command{
		Use:   "show",
		Short: "Show every processor's cursor for one organization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			orgID, err := uuid.Parse(org)
			if err != nil {
				return fmt.Errorf("invalid --org: %w", err)
			}
			ctx := cmd.Context()
			store, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.DB().Close()

			cursors, err := store.ListCursors(ctx, orgID)
			if err != nil {
				return err
			}
			if cursors == nil {
				cursors = []*model.OutboxCursor{}
			}

			rows := make([][]string, 0, len(cursors))
			for _, c := range cursors {
				rows = append(rows, []string{
					c.ProcessorName,
					c.LastProcessedEventID.String(),
					c.LastProcessedAt.Format(time.RFC3339Nano),
					c.UpdatedAt.Format(time.RFC3339),
				})
			}
			return opts.printer(cmd.OutOrStdout()).print(cursors,
				[]string{"PROCESSOR", "LAST_EVENT_ID", "LAST_POSITION", "UPDATED_AT"}, rows)
		},
	}
	show.Flags().StringVar(&org, "org", "", "organization id (required)")
	_ = show.MarkFlagRequired("org")

	cmd.AddCommand(show)
	return cmd
}
