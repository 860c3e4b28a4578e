package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
)

// shutdownSignals all mean the same thing: stop workers, then exit
// cleanly with code 0
var shutdownSignals = []os.Signal{
	syscall.SIGHUP,
	syscall.SIGINT,
	syscall.SIGTERM,
	syscall.SIGTSTP,
	syscall.SIGTTIN,
	syscall.SIGTTOU,
}

// Context returns a context cancelled on any shutdown signal, a
// channel receiving on SIGUSR1 for a worker fleet reboot, and a stop
// function releasing the signal handlers.
func Context(parent context.Context) (context.Context, <-chan os.Signal, func()) {
	ctx, cancel := context.WithCancel(parent)

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, shutdownSignals...)

	rebootCh := make(chan os.Signal, 1)
	signal.Notify(rebootCh, syscall.SIGUSR1)

	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	stop := func() {
		signal.Stop(stopCh)
		signal.Stop(rebootCh)
		cancel()
	}
	return ctx, rebootCh, stop
}

// PIDFile is an exclusive run lock holding the daemon's pid
type PIDFile struct {
	path string
}

// CreatePIDFile claims the run lock. A leftover file from a dead
// process is taken over; a live process holding it is an error.
func CreatePIDFile(path string) (*PIDFile, error) {
	if data, err := os.ReadFile(path); err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err == nil && pid > 0 && processAlive(pid) {
			return nil, fmt.Errorf("already running with pid %d", pid)
		}
	}

	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write pid file: %w", err)
	}
	return &PIDFile{path: path}, nil
}

// Remove releases the run lock
func (p *PIDFile) Remove() {
	os.Remove(p.path)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
