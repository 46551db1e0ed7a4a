package daemon

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

func Uninstall() error {
	logrus.Infof("stopping beamshower")

	err := systemctl("disable", "--now", unitName)
	if err != nil {
		return fmt.Errorf("failed to disable %s: %w. Are you root?", unitName, err)
	}

	path := unitPath()

	// if the file doesn't exist, we don't need to remove it
	_, err = os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}

	logrus.Infof("removing systemd unit")

	err = os.Remove(path)
	if err != nil {
		return fmt.Errorf("failed to remove %s: %w. Are you root?", path, err)
	}

	if err := systemctl("daemon-reload"); err != nil {
		return fmt.Errorf("failed to reload systemd: %w", err)
	}

	return nil
}
