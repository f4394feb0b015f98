package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/zigazaga4/emailer/internal/models"
)

func parseID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", arg)
	}
	return id, nil
}

func sessionsCmd() *cobra.Command {
	var (
		channel string
		limit   int
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List dispatch sessions, newest first",
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			sessions, err := a.ledger.ListSessions(ctx, channel, limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(rootCmd.OutOrStdout(), sessions)
			}
			return printSessions(rootCmd.OutOrStdout(), sessions)
		}),
	}
	cmd.Flags().StringVar(&channel, "channel", "", "filter by channel (email, whatsapp)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum sessions to show, 0 for all")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func logsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "logs <session-id>",
		Short: "Show the delivery log of a session",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			session, err := a.ledger.GetSession(ctx, id)
			if err != nil {
				return err
			}
			logs, err := a.ledger.LogsForSession(ctx, id)
			if err != nil {
				return err
			}
			out := rootCmd.OutOrStdout()
			if asJSON {
				return printJSON(out, map[string]any{"session": session, "logs": logs})
			}
			if err := printSessions(out, []models.DispatchSession{*session}); err != nil {
				return err
			}
			fmt.Fprintln(out)
			return printLogs(out, logs)
		}),
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func contactLogsCmd() *cobra.Command {
	var (
		channel string
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "contact-logs <contact-id>",
		Short: "Show every delivery to one contact, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			logs, err := a.ledger.LogsForContact(ctx, channel, id)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(rootCmd.OutOrStdout(), logs)
			}
			return printContactLogs(rootCmd.OutOrStdout(), logs)
		}),
	}
	cmd.Flags().StringVar(&channel, "channel", models.ChannelEmail, "contact channel")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func statsCmd() *cobra.Command {
	var channel string
	cmd := &cobra.Command{
		Use:   "stats <contact-id>",
		Short: "Show delivery totals for one contact",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			stats, err := a.ledger.StatsForContact(ctx, channel, id)
			if err != nil {
				return err
			}
			fmt.Fprintf(rootCmd.OutOrStdout(), "total %d, successful %d, failed %d\n", stats.TotalSent, stats.Successful, stats.Failed)
			return nil
		}),
	}
	cmd.Flags().StringVar(&channel, "channel", models.ChannelEmail, "contact channel")
	return cmd
}

func deleteSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete-session <session-id>",
		Short: "Delete a session and its delivery log",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			if err := a.ledger.DeleteSession(ctx, id); err != nil {
				return err
			}
			fmt.Fprintf(rootCmd.OutOrStdout(), "session %d deleted\n", id)
			return nil
		}),
	}
}

func sweepCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Mark sessions stuck in_progress as cancelled",
		RunE: withApp(func(ctx context.Context, a *app, _ []string) error {
			if olderThan <= 0 {
				olderThan = a.cfg.Database.SweepStaleAfter()
			}
			if olderThan <= 0 {
				return fmt.Errorf("--older-than is required when LEDGER_SWEEP_STALE_AFTER_MINUTES is unset")
			}
			n, err := a.ledger.SweepStale(ctx, olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(rootCmd.OutOrStdout(), "%d session(s) marked cancelled\n", n)
			return nil
		}),
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "age threshold, e.g. 2h")
	return cmd
}
