package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/dhcgn/mailzip-to-csv/archive"
)

// NewInspectCommand lists the CSV entries of local ZIP archives.
func NewInspectCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [zip file]...",
		Short: "Show the CSV entries, columns and row counts of ZIP archives",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data := pterm.TableData{{"Archive", "Entry", "Rows", "Columns"}}
			failed := 0

			for _, path := range args {
				entries, err := archive.ReadTables(path, nil)
				for _, entry := range entries {
					data = append(data, []string{
						path,
						entry.Name,
						strconv.Itoa(entry.Table.Len()),
						strings.Join(entry.Table.Columns, ", "),
					})
				}
				if err != nil {
					failed++
					fmt.Fprintf(cmd.ErrOrStderr(), "error processing %s: %v\n", path, err)
					continue
				}
				if len(entries) == 0 {
					data = append(data, []string{path, "-", "0", ""})
				}
			}

			out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
			if err != nil {
				return fmt.Errorf("render archives: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)

			if failed > 0 {
				return fmt.Errorf("%d of %d archives could not be read", failed, len(args))
			}
			return nil
		},
	}
}
