package main

import (
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/temlab/beamshower/pkg/daemon"
	"github.com/temlab/beamshower/pkg/version"
)

// NewDaemonCommand .
func NewDaemonCommand() *cobra.Command {
	opts := daemon.Options{}

	cmd := &cobra.Command{
		Use:         "daemon",
		Hidden:      true,
		Short:       "Run beamshower daemon in the foreground",
		GroupID:     gAdvanced,
		Annotations: map[string]string{skipVersionCheck: "true"},
		RunE: func(_ *cobra.Command, _ []string) error {
			logrus.WithFields(logrus.Fields{
				"version": version.Version,
				"commit":  version.GitCommit,
			}).Info("beamshower daemon starting")

			opts.ConfigPath = configPath
			opts.UnixSocketPath = unixSocketPath
			return daemon.Run(opts)
		},
	}

	f := cmd.Flags()

	f.BoolVar(&opts.AllowNonRoot, "always-allow-non-root-access", false,
		"Always allow non-root users to access the daemon.")
	f.StringVar(&opts.GatewayAddress, "gateway", "",
		"Instrument gateway address (host:port). Overrides gatewayAddress in the config file.")
	f.BoolVar(&opts.RequireOnline, "require-online", false,
		"Exit instead of falling back to the simulated instrument when the gateway is unreachable.")
	f.DurationVar(&opts.ShutdownTimeout, "shutdown-timeout", time.Minute,
		"How long a running shower may take to restore the instrument on exit.")

	return cmd
}
