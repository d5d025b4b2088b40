package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mkDated(t *testing.T, root, machine, date string) string {
	t.Helper()
	dir := filepath.Join(root, machine, date)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shot.jpg"), []byte{0xff, 0xd8}, 0o644))
	return dir
}

func TestRunRemovesOnlyFoldersOlderThanCutoff(t *testing.T) {
	root := t.TempDir()
	old := mkDated(t, root, "MachineA", time.Now().AddDate(0, 0, -45).Format(dateLayout))
	recent := mkDated(t, root, "MachineA", time.Now().Format(dateLayout))

	require.NoError(t, run(root, 30, false))

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err), "a folder older than the retention window must be removed")

	_, err = os.Stat(recent)
	assert.NoError(t, err, "a folder within the retention window must survive")
}

func TestRunDryRunDeletesNothing(t *testing.T) {
	root := t.TempDir()
	old := mkDated(t, root, "MachineA", time.Now().AddDate(0, 0, -45).Format(dateLayout))

	require.NoError(t, run(root, 30, true))

	_, err := os.Stat(old)
	assert.NoError(t, err, "--dry-run must not remove anything")
}

func TestRunLeavesNonDateFoldersAlone(t *testing.T) {
	root := t.TempDir()
	weird := filepath.Join(root, "MachineA", "not-a-date")
	require.NoError(t, os.MkdirAll(weird, 0o755))

	require.NoError(t, run(root, 30, false))

	_, err := os.Stat(weird)
	assert.NoError(t, err, "a folder that doesn't parse as a date must never be removed")
}

func TestRunErrorsOnMissingRoot(t *testing.T) {
	err := run(filepath.Join(t.TempDir(), "does-not-exist"), 30, false)
	assert.Error(t, err)
}
