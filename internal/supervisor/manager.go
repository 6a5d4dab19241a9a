package supervisor

import (
	"context"
	"errors"
	"os"
	"syscall"
	"time"

	"github.com/turtacn/Vigil/pkg/logger"
	"golang.org/x/sys/unix"
)

// ProcessManager controls a game-server process that Vigil did not launch.
// It attaches to a pid found by the Locator, so it can signal and await the
// process but never reap it.
type ProcessManager struct {
	pid  int
	proc *os.Process
}

// Attach wraps the process with the given pid.
func Attach(pid int) (*ProcessManager, error) {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return nil, err
	}
	return &ProcessManager{pid: pid, proc: proc}, nil
}

// PID returns the attached process id.
func (pm *ProcessManager) PID() int {
	return pm.pid
}

// Alive reports whether the process still exists.
func (pm *ProcessManager) Alive() bool {
	err := unix.Kill(pm.pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Stop sends a SIGTERM signal to the process to initiate a graceful shutdown.
func (pm *ProcessManager) Stop() error {
	logger.Log.Info("Supervisor: Sending SIGTERM", "pid", pm.pid)
	return pm.ignoreGone(pm.proc.Signal(syscall.SIGTERM))
}

// Kill immediately terminates the process using a SIGKILL signal.
// This is used when a graceful shutdown exceeds its grace period.
func (pm *ProcessManager) Kill() error {
	logger.Log.Warn("Supervisor: Sending SIGKILL", "pid", pm.pid)
	return pm.ignoreGone(pm.proc.Kill())
}

// Wait polls until the process has exited or ctx is done.
func (pm *ProcessManager) Wait(ctx context.Context) error {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for pm.Alive() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// Shutdown waits up to grace for the process to exit on its own, then
// kills it and waits again.
func (pm *ProcessManager) Shutdown(ctx context.Context, grace time.Duration) error {
	graceCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	if err := pm.Wait(graceCtx); err == nil {
		return nil
	} else if ctx.Err() != nil {
		return ctx.Err()
	}

	if err := pm.Kill(); err != nil {
		return err
	}
	return pm.Wait(ctx)
}

func (pm *ProcessManager) ignoreGone(err error) error {
	if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// Personal.AI order the ending
