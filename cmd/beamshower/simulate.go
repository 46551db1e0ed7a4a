package main

import (
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/temlab/beamshower/pkg/tem"
)

// NewSimulateCommand serves a simulated column over the gateway protocol so
// the daemon's online path can be exercised without a microscope.
func NewSimulateCommand() *cobra.Command {
	addr := "127.0.0.1:8765"

	cmd := &cobra.Command{
		Use:         "simulate",
		Hidden:      true,
		Short:       "Serve a simulated instrument gateway",
		GroupID:     gAdvanced,
		Annotations: map[string]string{skipVersionCheck: "true"},
		RunE: func(_ *cobra.Command, _ []string) error {
			sim := tem.NewSim()
			if err := sim.Open(); err != nil {
				return err
			}
			defer sim.Close()

			logrus.Infof("simulated instrument gateway listening on %s", addr)
			err := http.ListenAndServe(addr, tem.NewGateway(sim))
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "listen", addr, "address to listen on")

	return cmd
}
