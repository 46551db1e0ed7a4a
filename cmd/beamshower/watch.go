package main

import (
	"context"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/temlab/beamshower/pkg/tui"
)

func NewWatchCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "watch",
		Aliases: []string{"ui"},
		Short:   "Follow the beam shower in an interactive screen",
		GroupID: gBasic,
		Long: `Follow the beam shower in an interactive screen.

Press s to start a shower, c to cancel it and q to quit. Quitting does not
stop a running shower.`,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			evs, err := apiClient.Events(ctx)
			if err != nil {
				logrus.WithError(err).Warn("event stream unavailable, polling the daemon instead")
				evs = nil
			}

			// Logs would tear the screen.
			logrus.SetLevel(logrus.ErrorLevel)

			return tui.Run(apiClient, evs)
		},
	}
}
