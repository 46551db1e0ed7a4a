package main

import (
	"fmt"
	"os"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/temlab/beamshower/pkg/config"
	daemonutils "github.com/temlab/beamshower/pkg/utils/daemon"
)

// NewInstallCommand .
func NewInstallCommand() *cobra.Command {
	allowNonRootAccess := false
	gateway := ""
	logPath := ""

	cmd := &cobra.Command{
		Use:         "install",
		Short:       "Install beamshower (system-wide)",
		GroupID:     gInstallation,
		Annotations: map[string]string{skipVersionCheck: "true"},
		Long: `Install the beamshower daemon as a systemd service (system-wide).

This makes the daemon run in the background and start on boot. You must run this command as root.

By default, only root is allowed to access the daemon, so operators need sudo to start a shower. Use --allow-non-root-access to let any local user control it.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := config.NewFile(configPath)
			if err != nil {
				return err
			}

			conf.SetAllowNonRootAccess(allowNonRootAccess)
			if allowNonRootAccess {
				logrus.Info("non-root users are allowed to access the beamshower daemon.")
			} else {
				logrus.Info("only root user is allowed to access the beamshower daemon.")
			}

			args := []string{"--config", configPath, "--daemon-socket", unixSocketPath}
			if gateway != "" {
				args = append(args, "--gateway", gateway)
			}
			if logPath != "" {
				args = append(args, "--log-file", logPath)
			}

			err = daemonutils.Install(args...)
			if err != nil {
				// check if current user is root
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to install daemon: %v. Are you root?", err)
			}

			err = conf.Save()
			if err != nil {
				return pkgerrors.Wrapf(err, "failed to save config")
			}

			logrus.Infof("installation succeeded")

			exePath, _ := os.Executable()

			cmd.Printf("systemd will use the current binary (%s) at startup so please make sure you do not move it. Once it is moved or deleted, you will need to run `beamshower install' again.\n", exePath)

			return nil
		},
	}

	f := cmd.Flags()
	f.BoolVar(&allowNonRootAccess, "allow-non-root-access", false, "Allow non-root users to access the beamshower daemon.")
	f.StringVar(&gateway, "gateway", "", "Instrument gateway address passed to the daemon.")
	f.StringVar(&logPath, "daemon-log-file", "/var/log/beamshower.log", "Log file for the daemon. Empty logs to the journal only.")

	return cmd
}

// NewUninstallCommand .
func NewUninstallCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:         "uninstall",
		Short:       "Uninstall beamshower (system-wide)",
		GroupID:     gInstallation,
		Annotations: map[string]string{skipVersionCheck: "true"},
		Long: `Uninstall the beamshower daemon from systemd (system-wide).

Stopping the service lets a running shower restore the instrument first.

You must run this command as root.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			err := daemonutils.Uninstall()
			if err != nil {
				// check if current user is root
				if os.Geteuid() != 0 {
					logrus.Errorf("you must run this command as root")
				}
				return fmt.Errorf("failed to uninstall daemon: %v", err)
			}

			fmt.Println("successfully uninstalled")

			cmd.Printf("Your config is kept in %s, in case you want to use `beamshower' again. If you want a complete uninstall, you can remove both config file and beamshower itself manually.\n", configPath)

			return nil
		},
	}

	return cmd
}
