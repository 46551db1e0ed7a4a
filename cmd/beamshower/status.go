package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/temlab/beamshower/pkg/config"
	"github.com/temlab/beamshower/pkg/shower"
)

func phaseText(p shower.Phase) string {
	switch p {
	case shower.PhaseIdle:
		return color.GreenString(string(p))
	case shower.PhaseRunning:
		return color.CyanString(string(p))
	case shower.PhaseError:
		return color.RedString(string(p))
	default:
		return color.YellowString(string(p))
	}
}

func NewStatusCommand() *cobra.Command {
	asJSON := false

	cmd := &cobra.Command{
		Use:     "status",
		GroupID: gBasic,
		Short:   "Get the current status of the beam shower",
		Long:    `Get the beam shower phase, countdown, instrument mode and configuration.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := apiClient.GetStatus()
			if err != nil {
				return err
			}

			rawConf, err := apiClient.GetConfig()
			if err != nil {
				return fmt.Errorf("failed to get config: %w", err)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(struct {
					Status *shower.Status        `json:"status"`
					Config *config.RawFileConfig `json:"config"`
				}{st, rawConf})
			}

			conf := config.NewFileFromConfig(rawConf, "")

			// Shower status.
			cmd.Println(bold("Beam shower:"))
			cmd.Printf("  Phase: %s\n", bold("%s", phaseText(st.Phase)))
			if st.Phase.Active() && st.Step != shower.StepNone {
				cmd.Printf("  Step: %s (%s)\n", bold("%s", st.Step), st.Label)
			}
			if st.RunID != "" {
				cmd.Printf("  Run: %s\n", st.RunID)
			}
			if !st.StartedAt.IsZero() {
				cmd.Printf("  Started: %s\n", st.StartedAt.Local().Format(time.DateTime))
			}
			if st.Phase == shower.PhaseRunning {
				cmd.Printf("  Progress: %s\n", bold("%d%%", st.Progress.Percent))
				cmd.Printf("  %s\n", st.Progress.Text())
			}
			if st.Message != "" {
				msg := st.Message
				if st.Phase == shower.PhaseError {
					msg = color.RedString(msg)
				}
				cmd.Printf("  Message: %s\n", msg)
			}
			cmd.Printf("  Can start: %s\n", bool2Text(st.CanStart))
			cmd.Printf("  Can cancel: %s\n", bool2Text(st.CanCancel))

			cmd.Println()

			// Instrument.
			cmd.Println(bold("Instrument:"))
			cmd.Printf("  Name: %s\n", bold("%s", st.Instrument))
			cmd.Printf("  Online: %s\n", bool2Text(st.Online))
			if !st.Online {
				cmd.Println("    The daemon is running against a simulated instrument. No hardware will be touched.")
			}

			cmd.Println()

			// Config.
			cl1, cl2, cl3 := conf.LensValues()
			cmd.Println(bold("Shower configuration:"))
			cmd.Printf("  Duration: %s\n", bold("%d minutes", conf.DurationMinutes()))
			cmd.Printf("  Lens: CL1=%s CL2=%s CL3=%s\n", bold("%s", cl1), bold("%s", cl2), bold("%s", cl3))
			cmd.Printf("  Spot size: %s\n", bold("%d", conf.SpotSize()))
			cmd.Printf("  Settle times: blank %s, lens %s, detectors %s\n",
				conf.BlankSettle(), conf.LensSettle(), conf.DetectorSettle())
			cmd.Printf("  Backup file: %s\n", conf.BackupPath())
			cmd.Printf("  Allow non-root users to access the daemon: %s\n", bool2Text(conf.AllowNonRootAccess()))

			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")

	return cmd
}
