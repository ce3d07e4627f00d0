package main

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dukerupert/partypush/internal/model"
)

func deadCommand(a *app) *cobra.Command {
	var (
		limit  int
		retry  bool
		status string
	)

	cmd := &cobra.Command{
		Use:   "dead",
		Short: "List requests that exhausted their retries",
		Long: `List dead (or, with --status=failed, rejected) notification requests.
With --retry each listed request is enqueued again as a fresh copy; the
original row is kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			st := model.NotificationStatus(status)
			if st != model.StatusDead && st != model.StatusFailed {
				return fmt.Errorf("invalid status: %s", status)
			}

			ctx := contextOrBackground(cmd.Context())
			out := cmd.OutOrStdout()
			b, err := openBackend(ctx, a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer b.close()

			reqs, err := b.queue.ListByStatus(ctx, st, limit)
			if err != nil {
				return err
			}
			if len(reqs) == 0 {
				fmt.Fprintf(out, "No %s requests.\n", st)
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTITLE\tTARGET\tATTEMPTS\tUPDATED\tLAST ERROR")
			for _, r := range reqs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
					r.ID, r.Payload.Title, r.Target.Kind(), r.Attempts,
					r.UpdatedAt.Local().Format(time.DateTime), r.LastError)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if !retry {
				return nil
			}
			for _, r := range reqs {
				cp := &model.NotificationRequest{Payload: r.Payload, Target: r.Target}
				id, err := b.queue.Enqueue(ctx, cp)
				if err != nil {
					return fmt.Errorf("retry %s: %w", r.ID, err)
				}
				a.logger.Info("notification re-enqueued", "id", id, "retry_of", r.ID)
			}
			fmt.Fprintf(out, "Re-enqueued %d requests.\n", len(reqs))
			return nil
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of requests to list")
	cmd.Flags().BoolVar(&retry, "retry", false, "Enqueue a fresh copy of each listed request")
	cmd.Flags().StringVar(&status, "status", string(model.StatusDead), "Status to list: dead or failed")
	return cmd
}
