// Package container implements the delete operation.
package container

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	cerrors "fire/errors"
	"fire/linux"
	"fire/spec"
)

// DeleteOptions contains options for container deletion.
type DeleteOptions struct {
	// Force kills the container if it's running.
	Force bool
}

// Delete removes a container. A stopped container is removed directly; a
// created or running one requires Force, which sends SIGKILL
// unconditionally -- even a container still in "created" has a live init
// process blocked on the start barrier, so it must be reaped like any
// other, not skipped.
func Delete(ctx context.Context, id, stateRoot string, opts *DeleteOptions) error {
	if opts == nil {
		opts = &DeleteOptions{}
	}

	c, err := Load(ctx, id, stateRoot)
	if err != nil {
		return err
	}
	defer c.Close()

	c.RefreshStatus()

	if c.State.Status != spec.StatusStopped {
		if !opts.Force {
			return cerrors.WrapWithDetail(nil, cerrors.InvalidState, "delete",
				"container is not stopped, use --force to kill it")
		}

		if err := c.Signal(syscall.SIGKILL); err != nil && c.IsRunning() {
			return fmt.Errorf("kill container: %w", err)
		}

		waitForExit(ctx, c.InitProcess, 5*time.Second)
		if c.IsRunning() {
			return cerrors.WrapWithContainer(nil, cerrors.Busy, "delete", c.ID)
		}
	}

	// CgroupPath is only populated in the invocation that ran create, so
	// re-derive a custom cgroupsPath from the bundle spec when loading.
	cgroupPath := c.CgroupPath
	if cgroupPath == "" {
		specPath := ""
		if c.Spec != nil && c.Spec.Linux != nil {
			specPath = c.Spec.Linux.CgroupsPath
		}
		cgroupPath = linux.GetCgroupPath(c.ID, specPath)
	}
	if cgroup, err := linux.OpenCgroup(cgroupPath); err == nil {
		cgroup.Destroy()
	}

	if err := os.RemoveAll(c.StateDir); err != nil {
		return fmt.Errorf("remove state dir: %w", err)
	}

	return nil
}

// waitForExit waits for a process to exit with a timeout.
func waitForExit(ctx context.Context, pid int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if err := syscall.Kill(pid, 0); err != nil {
			return // process exited
		}
		time.Sleep(100 * time.Millisecond)
	}
}

