package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/randomizedcoder/go-nboserve/internal/config"
	"github.com/randomizedcoder/go-nboserve/internal/stats"
	"github.com/randomizedcoder/go-nboserve/internal/store"
)

// exitError carries a non-zero exit code out of a command.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// newRootCmd builds the command tree. The root command runs a session and
// parses its own flags so that the flag set in internal/config stays the
// single definition of session options.
func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "go-nboserve [flags] [--] <command-file>...",
		Short: "Run NBO command files through a persistent NBOServe worker",
		Long: `go-nboserve stages each command file into the NBOServe server directory,
announces it to a long-lived worker process and prints the framed reply.

A command file named journal or version must follow "--" or carry a path
such as ./journal, otherwise the subcommand runs.

Run "go-nboserve -h" for session flags.`,
		Args:               cobra.ArbitraryArgs,
		DisableFlagParsing: true,
		SilenceUsage:       true,
		SilenceErrors:      true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if code := runSession(args); code != 0 {
				return exitError{code: code}
			}
			return nil
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true

	root.AddCommand(newJournalCmd(), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "go-nboserve %s\n", version)
		},
	}
}

func newJournalCmd() *cobra.Command {
	var (
		prefsPath string
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "Show recently finished requests",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return showJournal(cmd.OutOrStdout(), prefsPath, limit)
		},
	}
	cmd.Flags().StringVar(&prefsPath, "prefs", config.DefaultConfig().PrefsPath, "SQLite file holding the request journal")
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of entries to show")
	return cmd
}

// showJournal prints the newest journal entries and the per-outcome totals.
func showJournal(w io.Writer, path string, limit int) error {
	st, err := store.New(path)
	if err != nil {
		return err
	}
	defer st.Close()

	entries, err := st.RecentRequests(limit)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "No requests recorded.")
		return nil
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tFILE\tMODE\tOUTCOME\tLATENCY\tERROR")
	for _, e := range entries {
		mode := e.Mode
		if mode == "" {
			mode = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			e.FinishedAt.Local().Format("2006-01-02 15:04:05"),
			e.CommandFile,
			mode,
			e.Outcome,
			stats.FormatMs(e.Latency),
			e.Error,
		)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	counts, err := st.CountByOutcome()
	if err != nil {
		return err
	}
	outcomes := make([]string, 0, len(counts))
	for o := range counts {
		outcomes = append(outcomes, o)
	}
	sort.Strings(outcomes)
	totals := make([]string, 0, len(outcomes))
	for _, o := range outcomes {
		totals = append(totals, fmt.Sprintf("%s=%d", o, counts[o]))
	}
	fmt.Fprintf(w, "\nTotals: %s\n", strings.Join(totals, " "))
	return nil
}
