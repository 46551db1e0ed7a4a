package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/temlab/beamshower/pkg/client"
	"github.com/temlab/beamshower/pkg/journal"
	"github.com/temlab/beamshower/pkg/shower"
)

func outcomeText(o journal.Outcome) string {
	switch o {
	case journal.OutcomeCompleted:
		return color.GreenString(string(o))
	case journal.OutcomeFailed, journal.OutcomeInterrupted:
		return color.RedString(string(o))
	default:
		return color.YellowString(string(o))
	}
}

func NewHistoryCommand() *cobra.Command {
	limit := 20

	cmd := &cobra.Command{
		Use:     "history",
		Short:   "List recent beam shower runs",
		GroupID: gAdvanced,
		RunE: func(cmd *cobra.Command, _ []string) error {
			runs, err := apiClient.GetHistory(limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				cmd.Println("No runs yet.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "RUN\tSTARTED\tDURATION\tLENS\tSPOT\tOUTCOME\tERROR")
			for _, r := range runs {
				dur, lens, spot := "-", "-", "-"
				if r.Params != nil {
					dur = fmt.Sprintf("%dm", r.Params.DurationMinutes)
					lens = fmt.Sprintf("%s/%s/%s",
						shower.FormatLensValue(r.Params.CL1),
						shower.FormatLensValue(r.Params.CL2),
						shower.FormatLensValue(r.Params.CL3))
					spot = fmt.Sprintf("%d", r.Params.SpotSize)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.StartedAt.Local().Format(time.DateTime), dur, lens, spot, outcomeText(r.Outcome), r.Error)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", limit, "number of runs to show, 0 for all")

	return cmd
}

func NewBackupCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "backup",
		Short:   "Show the lens values saved by the last run",
		GroupID: gAdvanced,
		Long: `Show the lens values saved by the last run.

These are the values a run restores when it finishes. They stay on disk so
they can be re-entered by hand if the daemon died mid-run.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			b, err := apiClient.GetBackup()
			if err != nil {
				if errors.Is(err, client.ErrNotFound) {
					cmd.Println("No backup saved yet.")
					return nil
				}
				return err
			}

			cmd.Println(bold("Saved lens values:"))
			for i, v := range b.Lens() {
				cmd.Printf("  CL%d: %s (%s)\n", i+1, bold("%d", v), shower.FormatLensValue(v))
			}
			return nil
		},
	}
}
