package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreatePIDFileWritesOwnPid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")

	p, err := CreatePIDFile(path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	p.Remove()
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestCreatePIDFileRejectsLiveProcess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	// Our own pid is as live as it gets
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644))

	_, err := CreatePIDFile(path)
	assert.Error(t, err)
}

func TestCreatePIDFileTakesOverStalePid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	// Pids beyond the default kernel ceiling cannot belong to a live
	// process
	require.NoError(t, os.WriteFile(path, []byte("4194399\n"), 0o644))

	p, err := CreatePIDFile(path)
	require.NoError(t, err)
	defer p.Remove()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("%d\n", os.Getpid()), string(data))
}

func TestCreatePIDFileTakesOverGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daemon.pid")
	require.NoError(t, os.WriteFile(path, []byte("not-a-pid"), 0o644))

	p, err := CreatePIDFile(path)
	require.NoError(t, err)
	defer p.Remove()
}

func TestContextStopReleasesHandlers(t *testing.T) {
	ctx, reboot, stop := Context(context.Background())
	require.NotNil(t, reboot)

	stop()
	select {
	case <-ctx.Done():
	default:
		t.Fatal("stop must cancel the context")
	}
}
