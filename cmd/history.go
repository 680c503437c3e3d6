package cmd

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailzip-to-csv/history"
)

// NewHistoryCommand lists recorded extraction runs, newest first.
func NewHistoryCommand() *cobra.Command {
	var (
		kind  string
		path  string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recent extraction runs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			k, err := history.ParseKind(kind)
			if err != nil {
				return err
			}
			if k == history.KindNone {
				return errors.New("--history must be jsonl or sqlite")
			}
			if path == "" {
				return errors.New("--history-path is required")
			}

			store, err := history.Open(k, path)
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.Runs(cmd.Context(), limit)
			if err != nil {
				return fmt.Errorf("read history: %w", err)
			}
			if len(runs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No runs recorded.")
				return nil
			}

			return renderRuns(cmd, runs)
		},
	}

	cmd.Flags().StringVar(&kind, "history", string(history.KindJSONL), "History store: jsonl, sqlite")
	cmd.Flags().StringVar(&path, "history-path", "", "History file or database")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of runs to show (0 for all)")

	return cmd
}

func renderRuns(cmd *cobra.Command, runs []history.Run) error {
	data := pterm.TableData{
		{"Started", "Status", "Subject", "Messages", "Failed", "Tables", "Rows", "Output"},
	}
	for _, run := range runs {
		data = append(data, []string{
			run.StartedAt.Local().Format(time.DateTime),
			run.Status,
			run.Subject,
			strconv.Itoa(len(run.Messages)),
			strconv.Itoa(run.Failed()),
			strconv.Itoa(run.Tables),
			strconv.Itoa(run.Rows),
			run.OutputPath,
		})
	}

	out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
	if err != nil {
		return fmt.Errorf("render history: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}
