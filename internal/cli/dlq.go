package cli

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/thedusen/booksphere-outbox/internal/model"
	"github.com/thedusen/booksphere-outbox/internal/service/event"
	"github.com/thedusen/booksphere-outbox/internal/service/replay"
)

type dlqListOptions struct {
	Organization string
	Limit        int
	Offset       int
}

func NewDLQCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay dead-lettered events",
	}
	cmd.AddCommand(newDLQListCommand(opts))
	cmd.AddCommand(newDLQShowCommand(opts))
	cmd.AddCommand(newDLQReplayCommand(opts))
	return cmd
}

func newDLQListCommand(opts *RootOptions) *cobra.Command {
	lo := &dlqListOptions{}
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead letters of one organization, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			org, err := uuid.Parse(lo.Organization)
			if err != nil {
				return fmt.Errorf("invalid --org: %w", err)
			}
			ctx := cmd.Context()
			store, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.DB().Close()

			entries, err := store.ListDeadLetters(ctx, org, lo.Limit, lo.Offset)
			if err != nil {
				return err
			}
			if entries == nil {
				entries = []*model.DeadLetterEntry{}
			}

			rows := make([][]string, 0, len(entries))
			for _, e := range entries {
				rows = append(rows, []string{
					e.ID.String(),
					e.OriginalEventID.String(),
					string(e.EntityType) + "." + string(e.EventType),
					strconv.Itoa(e.DeliveryAttempts),
					e.FailedAt.Format(time.RFC3339),
					e.LastError,
				})
			}
			return opts.printer(cmd.OutOrStdout()).print(entries,
				[]string{"DLQ_ID", "EVENT_ID", "EVENT", "ATTEMPTS", "FAILED_AT", "LAST_ERROR"}, rows)
		},
	}
	cmd.Flags().StringVar(&lo.Organization, "org", "", "organization id (required)")
	_ = cmd.MarkFlagRequired("org")
	cmd.Flags().IntVar(&lo.Limit, "limit", 50, "page size")
	cmd.Flags().IntVar(&lo.Offset, "offset", 0, "page offset")
	return cmd
}

func newDLQShowCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "show <dlq_id>",
		Short: "Show one dead letter entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid dlq id: %w", err)
			}
			ctx := cmd.Context()
			store, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.DB().Close()

			e, err := store.GetDeadLetter(ctx, id)
			if err != nil {
				return err
			}
			return opts.printer(cmd.OutOrStdout()).print(e,
				[]string{"FIELD", "VALUE"},
				[][]string{
					{"dlq_id", e.ID.String()},
					{"original_event_id", e.OriginalEventID.String()},
					{"organization_id", e.OrganizationID.String()},
					{"event", string(e.EntityType) + "." + string(e.EventType)},
					{"entity_id", e.EntityID.String()},
					{"event_data", string(e.EventData)},
					{"delivery_attempts", strconv.Itoa(e.DeliveryAttempts)},
					{"last_error", e.LastError},
					{"failed_at", e.FailedAt.Format(time.RFC3339Nano)},
				})
		},
	}
}

func newDLQReplayCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <dlq_id>",
		Short: "Enqueue a fresh copy of a dead-lettered event",
		Long: `Appends a new outbox event with a new event id and zero attempts,
copying the dead letter's tenant, types, entity and payload. The dead letter
entry is kept; replaying it again enqueues another copy.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid dlq id: %w", err)
			}
			ctx := cmd.Context()
			store, err := opts.openStore(ctx)
			if err != nil {
				return err
			}
			defer store.DB().Close()

			producer := event.NewService(store.DB(), store, nil)
			evt, err := replay.NewService(store, producer, nil).Replay(ctx, id)
			if err != nil {
				return err
			}
			return opts.printer(cmd.OutOrStdout()).print(evt,
				[]string{"EVENT_ID", "ORGANIZATION_ID", "EVENT", "CREATED_AT"},
				[][]string{{
					evt.ID.String(),
					evt.OrganizationID.String(),
					string(evt.EntityType) + "." + string(evt.EventType),
					evt.CreatedAt.Format(time.RFC3339Nano),
				}})
		},
	}
}
