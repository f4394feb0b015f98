package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/zigazaga4/emailer/internal/database"
	"github.com/zigazaga4/emailer/internal/logger"
	"github.com/zigazaga4/emailer/internal/progress"
)

func progressCmd() *cobra.Command {
	var follow bool
	cmd := &cobra.Command{
		Use:   "progress [run-key]",
		Short: "Show the progress of runs in other processes through the Redis mirror",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(func(ctx context.Context, a *app, args []string) error {
			if a.cfg.Redis.Addr == "" {
				return errors.New("progress: REDIS_ADDR is not configured")
			}
			rdb, err := database.NewRedis(a.cfg.Redis)
			if err != nil {
				return err
			}
			defer rdb.Close()

			key := ""
			if len(args) == 1 {
				key = args[0]
			}
			out := rootCmd.OutOrStdout()

			if !follow {
				if key == "" {
					return errors.New("progress: a run key is required without --follow")
				}
				mirror := progress.NewRedisMirror(rdb, logger.Component(a.log, "progress_mirror"))
				st, ok, err := mirror.Load(ctx, key)
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("progress: no progress stored for %q", key)
				}
				printState(out, key, st)
				return nil
			}

			ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
			defer stop()
			sub := rdb.Subscribe(ctx, a.cfg.Redis.ProgressChannel)
			defer sub.Close()

			for {
				select {
				case <-ctx.Done():
					return nil
				case msg, ok := <-sub.Channel():
					if !ok {
						return nil
					}
					var u progress.Update
					if err := json.Unmarshal([]byte(msg.Payload), &u); err != nil {
						a.log.Warn().Err(err).Msg("undecodable progress update")
						continue
					}
					if key != "" && u.RunKey != key {
						continue
					}
					if u.Ended || u.State == nil {
						fmt.Fprintf(out, "%s  ended\n", u.RunKey)
						continue
					}
					printState(out, u.RunKey, *u.State)
				}
			}
		}),
	}
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream updates until interrupted")
	return cmd
}

func printState(w io.Writer, key string, st progress.State) {
	status := "done"
	if st.IsSending {
		status = "sending"
	}
	line := fmt.Sprintf("%s  %s  %d/%d  ok %d  failed %d",
		key, status, st.CurrentIndex, st.Total, len(st.Completed), len(st.Failed))
	if st.DelayEndTime != nil {
		wait := time.Until(*st.DelayEndTime).Round(time.Second)
		if wait > 0 {
			kind := "pacing"
			if st.IsRateLimitRetrying {
				kind = "backoff"
			}
			line += fmt.Sprintf("  %s %s", kind, wait)
		}
	}
	fmt.Fprintln(w, line)
}
