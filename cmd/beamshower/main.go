package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/temlab/beamshower/pkg/client"
)

var (
	logLevel       = "info"
	logFile        = ""
	unixSocketPath = "/var/run/beamshower.sock"
	configPath     = "/etc/beamshower.json"
)

var (
	gBasic        = "Basic:"
	gConfig       = "Configuration:"
	gAdvanced     = "Advanced:"
	gInstallation = "Installation:"
	commandGroups = []string{
		gBasic,
		gConfig,
		gAdvanced,
		gInstallation,
	}
)

var apiClient = client.NewClient(unixSocketPath)

func setupLogger() error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("failed to parse log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{})
	if term.IsTerminal(int(os.Stderr.Fd())) {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.Kitchen,
		})
	}

	if logFile != "" {
		logrus.SetOutput(io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}))
	}

	return nil
}

func handleCmdError(err error) {
	if errors.Is(err, client.ErrDaemonNotRunning) {
		fmt.Fprintln(os.Stderr, "\nError: beamshower daemon is not running")
		fmt.Fprintln(os.Stderr, "Is the daemon running? Have you installed it?")
	} else if errors.Is(err, client.ErrPermissionDenied) {
		fmt.Fprintln(os.Stderr, "\nError: Permission Denied")
		fmt.Fprintln(os.Stderr, "  - Try running the command again with 'sudo'")
		fmt.Fprintln(os.Stderr, "  - Or reinstall the daemon with the '--allow-non-root-access' flag to grant permissions to your user")
	} else if errors.Is(err, client.ErrConflict) {
		fmt.Fprintln(os.Stderr, "\nError: the daemon refused the request in its current state")
		fmt.Fprintln(os.Stderr, "Check 'beamshower status' and try again.")
	}
}

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "beamshower",
		Short: "beamshower runs the condenser-lens beam shower on a transmission electron microscope",
		Long: `beamshower runs the condenser-lens beam shower on a transmission electron microscope.

The daemon owns the instrument: it blanks the beam, applies the shower lens
settings, retracts the detectors, unblanks for the configured duration and
then restores everything it changed. The other commands talk to the daemon.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			err := setupLogger()
			if err != nil {
				return err
			}

			apiClient = client.NewClient(unixSocketPath)

			// The daemon and the simulator do not talk to a daemon.
			if cmd.Annotations[skipVersionCheck] != "" {
				return nil
			}

			if clientVersion, daemonVersion, err := getVersion(); err == nil {
				if daemonVersion != clientVersion {
					logrus.WithFields(logrus.Fields{
						"clientVersion": clientVersion,
						"daemonVersion": daemonVersion,
					}).Warn("Version mismatch between client and daemon. Reinstall the daemon with this binary so both are the same version.")
				}
			}

			return nil
		},
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVarP(&logLevel, "log-level", "l", "info", "log level (trace, debug, info, warn, error, fatal, panic)")
	globalFlags.StringVar(&logFile, "log-file", "", "also write logs to this file, rotated by size")
	globalFlags.StringVar(&configPath, "config", configPath, "config file path")
	globalFlags.StringVar(&unixSocketPath, "daemon-socket", unixSocketPath, "beamshower daemon unix socket path")

	for _, i := range commandGroups {
		cmd.AddGroup(&cobra.Group{
			ID:    i,
			Title: i,
		})
	}

	cmd.AddCommand(
		NewDaemonCommand(),
		NewSimulateCommand(),
		NewVersionCommand(),
		NewStartCommand(),
		NewCancelCommand(),
		NewStatusCommand(),
		NewWatchCommand(),
		NewSetDurationCommand(),
		NewSetLensCommand(),
		NewSetSpotSizeCommand(),
		NewBackupCommand(),
		NewHistoryCommand(),
		NewInstallCommand(),
		NewUninstallCommand(),
	)

	return cmd
}
