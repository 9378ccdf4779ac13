package pidfile_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"codeberg.org/mutker/balancectl/internal/errors"
	"codeberg.org/mutker/balancectl/internal/pidfile"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteAndRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "balancectl.pid")
	f := pidfile.New(path)

	require.NoError(t, f.Write())

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), string(content))

	require.NoError(t, f.Remove())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, f.Remove(), "removing a missing file is not an error")
}

func TestWriteReplacesStaleFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "balancectl.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o600))

	require.NoError(t, pidfile.New(path).Write())
}

func TestWriteDetectsLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "balancectl.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getppid())), 0o600))

	err := pidfile.New(path).Write()
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrAlreadyRunning))
}

func TestRelativeNameUsesTempDir(t *testing.T) {
	f := pidfile.New("balancectl-test.pid")
	assert.Equal(t, filepath.Join(os.TempDir(), "balancectl-test.pid"), f.Path())
}
