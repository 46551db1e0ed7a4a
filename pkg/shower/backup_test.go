package shower

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackupString(t *testing.T) {
	b := Backup{CL1: 100, CL2: 200, CL3: 300}
	assert.Equal(t, "cl1:100\ncl2:200\ncl3:300", b.String())

	parsed, err := ParseBackup(b.String())
	require.NoError(t, err)
	assert.Equal(t, b, parsed)
}

func TestParseBackupRejectsGarbage(t *testing.T) {
	for _, in := range []string{
		"",
		"cl1:1\ncl2:2",
		"cl1:1\ncl2:2\ncl4:3",
		"cl1:1\ncl2:two\ncl3:3",
		"cl1=1\ncl2:2\ncl3:3",
		"cl1:5\ncl1 :5\ncl2:1",
	} {
		_, err := ParseBackup(in)
		assert.Error(t, err, in)
	}
}

func TestParseBackupTrimsKeys(t *testing.T) {
	b, err := ParseBackup(" cl1 : 5\ncl2\t:6\ncl3:7\n")
	require.NoError(t, err)
	assert.Equal(t, Backup{CL1: 5, CL2: 6, CL3: 7}, b)

	_, err = ParseBackup("cl1:5\ncl1 :5\ncl2:1")
	assert.ErrorContains(t, err, "got 2 entries")
}

func TestWriteBackupFileOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cl-values.txt")

	require.NoError(t, WriteBackupFile(path, Backup{CL1: 1, CL2: 2, CL3: 3}))
	require.NoError(t, WriteBackupFile(path, Backup{CL1: 4, CL2: 5, CL3: 6}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "cl1:4\ncl2:5\ncl3:6", string(raw))

	b, err := ReadBackupFile(path)
	require.NoError(t, err)
	assert.Equal(t, Backup{CL1: 4, CL2: 5, CL3: 6}, b)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestWriteBackupFileMissingDir(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nope", "cl-values.txt")
	assert.Error(t, WriteBackupFile(path, Backup{}))
}
