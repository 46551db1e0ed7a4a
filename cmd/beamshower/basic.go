package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/temlab/beamshower/pkg/shower"
	"github.com/temlab/beamshower/pkg/version"
)

func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version",
		Annotations: map[string]string{skipVersionCheck: "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("%s %s\n", version.Version, version.GitCommit)
		},
	}
}

func NewStartCommand() *cobra.Command {
	req := shower.Request{}

	cmd := &cobra.Command{
		Use:     "start",
		Short:   "Start a beam shower",
		GroupID: gBasic,
		Long: `Start a beam shower.

Flags override the configured parameters for this run only. Lens values are
hexadecimal (for example 03E8). Use "beamshower set-*" to change the defaults.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			id, err := apiClient.StartShower(&req)
			if err != nil {
				return fmt.Errorf("failed to start beam shower: %w", err)
			}

			logrus.WithField("runId", id).Info("beam shower started. Follow it with \"beamshower watch\".")

			return nil
		},
	}

	f := cmd.Flags()
	f.IntVarP(&req.DurationMinutes, "duration", "d", 0, "shower duration in minutes")
	f.StringVar(&req.CL1, "cl1", "", "CL1 value (hex)")
	f.StringVar(&req.CL2, "cl2", "", "CL2 value (hex)")
	f.StringVar(&req.CL3, "cl3", "", "CL3 value (hex)")
	f.IntVar(&req.SpotSize, "spot-size", 0, "spot size")

	return cmd
}

func NewCancelCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "cancel",
		Short:   "Cancel the running beam shower",
		GroupID: gBasic,
		Long: `Cancel the running beam shower.

The daemon re-blanks the beam and restores the lens values and detectors it
saved when the run started. If the last run failed, cancel retries the
restore.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			ret, err := apiClient.CancelShower()
			if err != nil {
				return fmt.Errorf("failed to cancel beam shower: %w", err)
			}

			logResponse(ret)
			logrus.Info("cancel requested, the instrument is being restored")

			return nil
		},
	}
}

func NewSetDurationCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "set-duration [minutes]",
		Short:   "Set the default shower duration",
		GroupID: gConfig,
		Long: fmt.Sprintf(`Set the default shower duration.

This is a number of minutes from %d to %d.`, shower.MinDurationMinutes, shower.MaxDurationMinutes),
		RunE: func(_ *cobra.Command, args []string) error {
			minutes, err := parseIntArg(args, "duration")
			if err != nil {
				return err
			}

			ret, err := apiClient.SetDuration(minutes)
			if err != nil {
				return fmt.Errorf("failed to set duration: %w", err)
			}

			logResponse(ret)
			logrus.Infof("successfully set shower duration to %d minutes", minutes)

			return nil
		},
	}
}

func NewSetLensCommand() *cobra.Command {
	var cl1, cl2, cl3 string

	cmd := &cobra.Command{
		Use:     "set-lens",
		Short:   "Set the default condenser lens values",
		GroupID: gConfig,
		Long: `Set the default condenser lens values.

Values are hexadecimal, from 0 to FFFF. Omitted lenses keep their value.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			if cl1 == "" && cl2 == "" && cl3 == "" {
				return fmt.Errorf("at least one of --cl1, --cl2 or --cl3 is required")
			}

			ret, err := apiClient.SetLens(cl1, cl2, cl3)
			if err != nil {
				return fmt.Errorf("failed to set lens values: %w", err)
			}

			logResponse(ret)

			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&cl1, "cl1", "", "CL1 value (hex)")
	f.StringVar(&cl2, "cl2", "", "CL2 value (hex)")
	f.StringVar(&cl3, "cl3", "", "CL3 value (hex)")

	return cmd
}

func NewSetSpotSizeCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "set-spot-size [size]",
		Short:   "Set the default spot size",
		GroupID: gConfig,
		Long: fmt.Sprintf(`Set the default spot size.

This is a number from %d to %d.`, shower.MinSpotSize, shower.MaxSpotSize),
		RunE: func(_ *cobra.Command, args []string) error {
			size, err := parseIntArg(args, "spot size")
			if err != nil {
				return err
			}

			ret, err := apiClient.SetSpotSize(size)
			if err != nil {
				return fmt.Errorf("failed to set spot size: %w", err)
			}

			logResponse(ret)
			logrus.Infof("successfully set spot size to %d", size)

			return nil
		},
	}
}
