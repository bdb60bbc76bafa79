package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"chatterfix/internal/store"
)

func newStatsCommand(opts *rootOptions) *cobra.Command {
	var (
		since time.Duration
		runs  int
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show recorded chatter per key",
		Long: `Show how often each key chattered and how short its bounces were, read
from the statistics database. Keys that chatter a lot are worn switches.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openStats(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			var from time.Time
			if since > 0 {
				from = time.Now().Add(-since)
			}
			keys, err := s.KeyStats(cmd.Context(), from)
			if err != nil {
				return err
			}
			recent, err := s.Runs(cmd.Context(), runs)
			if err != nil {
				return err
			}

			if opts.json() {
				return writeJSON(cmd.OutOrStdout(), map[string]any{
					"keys": keys,
					"runs": recent,
				})
			}
			printKeyStats(cmd.OutOrStdout(), keys)
			if runs > 0 {
				fmt.Fprintln(cmd.OutOrStdout())
				printRuns(cmd.OutOrStdout(), recent)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&since, "since", 0, "only count chatter newer than this (e.g. 168h)")
	cmd.Flags().IntVar(&runs, "runs", 5, "number of recent runs to list")
	cmd.AddCommand(newStatsPruneCommand(opts))
	return cmd
}

func newStatsPruneCommand(opts *rootOptions) *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete finished runs older than a cutoff",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return errors.New("--older-than must be positive")
			}
			s, err := openStats(opts)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.Prune(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d run(s).\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 90*24*time.Hour, "age of the runs to delete")
	return cmd
}

// openStats opens the configured database without creating it.
func openStats(opts *rootOptions) (*store.Store, error) {
	cfg, err := opts.loadConfig()
	if err != nil {
		return nil, err
	}
	if !cfg.Stats.Enabled {
		return nil, errors.New("statistics are disabled in the config")
	}
	if cfg.Stats.Path != store.Memory {
		if _, err := os.Stat(cfg.Stats.Path); os.IsNotExist(err) {
			return nil, fmt.Errorf("no statistics recorded yet (%s)", cfg.Stats.Path)
		}
	}
	return store.Open(cfg.Stats.Path)
}

func printKeyStats(w io.Writer, keys []store.KeyStat) {
	if len(keys) == 0 {
		fmt.Fprintln(w, "No chatter recorded.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tCODE\tCHATTER\tMIN GAP\tAVG GAP\tLAST")
	for _, k := range keys {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\t%s\n",
			k.KeyName, k.KeyCode, k.Count, k.MinGap, k.AvgGap, k.Last.Local().Format(time.DateTime))
	}
	tw.Flush()
}

func printRuns(w io.Writer, runs []store.Run) {
	if len(runs) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tDURATION\tDEVICE\tTHRESHOLD\tCHATTER\tDEFERRED")
	for _, r := range runs {
		duration := "running"
		if !r.Active() {
			duration = r.EndedAt.Sub(r.StartedAt).Truncate(time.Second).String()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d ms\t%d\t%d\n",
			r.StartedAt.Local().Format(time.DateTime), duration, r.Device, r.ThresholdMs, r.Chatter, r.Deferred)
	}
	tw.Flush()
}
