package shower

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	pkgerrors "github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultBackupPath is relative to the daemon's working directory.
const DefaultBackupPath = "./cl-values.txt"

// Backup holds the condenser lens set-points read before a run.
type Backup struct {
	CL1 int `json:"cl1"`
	CL2 int `json:"cl2"`
	CL3 int `json:"cl3"`
}

// Lens returns the values in channel order CL1, CL2, CL3.
func (b Backup) Lens() [3]int {
	return [3]int{b.CL1, b.CL2, b.CL3}
}

// String renders the backup file contents: one "cl{N}:{value}" line per
// lens, newline separated, without a trailing newline.
func (b Backup) String() string {
	return fmt.Sprintf("cl1:%d\ncl2:%d\ncl3:%d", b.CL1, b.CL2, b.CL3)
}

// ParseBackup reads the text written by Backup.String.
func ParseBackup(s string) (Backup, error) {
	var b Backup
	seen := map[string]bool{}
	for _, line := range strings.Split(strings.TrimSpace(s), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, val, ok := strings.Cut(line, ":")
		if !ok {
			return Backup{}, fmt.Errorf("malformed backup line %q", line)
		}
		key = strings.TrimSpace(key)
		v, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			return Backup{}, fmt.Errorf("malformed value in backup line %q", line)
		}
		switch key {
		case "cl1":
			b.CL1 = v
		case "cl2":
			b.CL2 = v
		case "cl3":
			b.CL3 = v
		default:
			return Backup{}, fmt.Errorf("unknown key in backup line %q", line)
		}
		seen[key] = true
	}
	if len(seen) != 3 {
		return Backup{}, fmt.Errorf("backup must contain cl1, cl2 and cl3, got %d entries", len(seen))
	}
	return b, nil
}

// WriteBackupFile overwrites path with the backup. The data is synced to
// disk before the file replaces the previous one, so a run never starts
// changing lenses with only a partial record on disk.
func WriteBackupFile(path string, b Backup) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".cl-values-*")
	if err != nil {
		return pkgerrors.Wrapf(err, "failed to create temp file in %s", dir)
	}
	tmpName := tmp.Name()
	defer func() {
		if _, err := os.Stat(tmpName); err == nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.WriteString(b.String()); err != nil {
		_ = tmp.Close()
		return pkgerrors.Wrapf(err, "failed to write backup to %s", tmpName)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return pkgerrors.Wrapf(err, "failed to sync backup %s", tmpName)
	}
	if err := tmp.Close(); err != nil {
		return pkgerrors.Wrapf(err, "failed to close backup %s", tmpName)
	}
	if err := os.Chmod(tmpName, 0644); err != nil {
		logrus.WithError(err).Warnf("failed to chmod %s", tmpName)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return pkgerrors.Wrapf(err, "failed to replace backup file %s", path)
	}

	return nil
}

// ReadBackupFile loads the last backup written to path.
func ReadBackupFile(path string) (Backup, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Backup{}, pkgerrors.Wrapf(err, "failed to read backup file %s", path)
	}
	b, err := ParseBackup(string(raw))
	if err != nil {
		return Backup{}, pkgerrors.Wrapf(err, "failed to parse backup file %s", path)
	}
	return b, nil
}
