package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"countryvpn/internal/logs"
	"countryvpn/internal/storage"
)

func newHistoryCmd(c *cli) *cobra.Command {
	var (
		limit    int
		failures bool
		clear    bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent connection attempts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if clear {
				if err := logs.BackupAndClearFailureLog(c.cfg.DataDir); err != nil {
					return err
				}
				fmt.Fprintln(c.out, "Failure log cleared.")
				return nil
			}
			if failures {
				lines, err := logs.ReadFailures(c.cfg.DataDir)
				if err != nil {
					return err
				}
				if len(lines) == 0 {
					fmt.Fprintln(c.out, "No failures recorded.")
				}
				for _, line := range lines {
					fmt.Fprintln(c.out, line)
				}
				return nil
			}

			history, err := storage.NewManager(c.cfg.HistoryPath(), c.logger.Sugar())
			if err != nil {
				return fmt.Errorf("failed to open history: %w", err)
			}
			defer history.Close()

			records, err := history.ListAttempts(limit)
			if err != nil {
				return err
			}
			return writeHistory(c.out, records)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of attempts to show (0 for all)")
	cmd.Flags().BoolVar(&failures, "failures", false, "show the failure log instead")
	cmd.Flags().BoolVar(&clear, "clear-failures", false, "back up and clear the failure log")
	return cmd
}

func writeHistory(w io.Writer, records []*storage.AttemptRecord) error {
	if len(records) == 0 {
		_, err := fmt.Fprintln(w, "No connection attempts recorded.")
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tSERVER\tADDRESS\tOUTCOME\tDURATION\tEGRESS IP\tDETAIL")
	for _, r := range records {
		duration := "-"
		if d := r.Duration(); d > 0 {
			duration = d.Round(time.Second).String()
		}
		egress := r.EgressIP
		if egress == "" {
			egress = "-"
		}
		detail := r.Error
		if r.ExitCode != nil && detail == "" {
			detail = fmt.Sprintf("exit status %d", *r.ExitCode)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s:%d\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			r.ServerID, r.Host, r.Port, r.Outcome, duration, egress, detail)
	}
	return tw.Flush()
}
