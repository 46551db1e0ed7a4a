package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

const unitName = "beamshower.service"

var (
	unitDir   = "/etc/systemd/system"
	systemctl = func(args ...string) error {
		return exec.Command("systemctl", args...).Run()
	}
)

func unitPath() string {
	return filepath.Join(unitDir, unitName)
}

// Install writes the systemd unit for the current executable, then enables
// and starts it. args are appended to the daemon command line.
func Install(args ...string) error {
	// Get the path to the current executable
	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get the path to the current executable: %w", err)
	}
	exePath, err = filepath.Abs(exePath)
	if err != nil {
		return fmt.Errorf("failed to get the absolute path to the current executable: %w", err)
	}

	err = os.Chmod(exePath, 0755)
	if err != nil {
		return fmt.Errorf("failed to chmod the current executable to 0755: %w", err)
	}

	logrus.Infof("current executable path: %s", exePath)

	return installUnit(RenderUnit(exePath, args...))
}

func installUnit(unit string) error {
	path := unitPath()
	logrus.Infof("writing systemd unit to %s", path)

	err := os.MkdirAll(unitDir, 0755)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", unitDir, err)
	}

	// warn if the file already exists
	_, err = os.Stat(path)
	if err == nil {
		logrus.Warnf("%s already exists, overwriting", path)
	}

	err = os.WriteFile(path, []byte(unit), 0644)
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}

	logrus.Infof("starting beamshower")

	if err := systemctl("daemon-reload"); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}
	if err := systemctl("enable", "--now", unitName); err != nil {
		return fmt.Errorf("failed to enable %s: %w", unitName, err)
	}

	return nil
}
