// Package container implements the start operation.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"

	cerrors "fire/errors"
	"fire/spec"
	"fire/utils"
)

// Start unblocks a created container's init process past the start barrier.
// It connects to the control socket the init process bound during create,
// sends START, and waits for the exec acknowledgement: the init side of
// the connection is close-on-exec, so a clean EOF means the user process
// is running, while an ERROR frame means exec failed.
func (c *Container) Start(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	c.RefreshStatus()
	c.mu.RLock()
	currentStatus := c.State.Status
	c.mu.RUnlock()
	if currentStatus != spec.StatusCreated {
		return cerrors.WrapWithDetail(nil, cerrors.InvalidState, "start",
			fmt.Sprintf("container is not in created state (current: %s)", currentStatus))
	}

	socketPath := utils.ControlSocketPath(c.StateDir)
	conn, err := utils.DialControl(socketPath)
	if err != nil {
		return cerrors.WrapWithContainer(err, cerrors.Io, "start", c.ID)
	}
	defer conn.Close()

	if err := conn.Send(utils.Frame{Type: utils.MsgStart}); err != nil {
		return cerrors.WrapWithContainer(err, cerrors.Io, "start", c.ID)
	}

	frame, err := waitFrame(ctx, conn)
	switch {
	case err != nil && isClosedByExec(err):
		// Silent close: exec succeeded.
	case err != nil:
		if ctx.Err() != nil {
			return cerrors.WrapWithContainer(ctx.Err(), cerrors.Timeout, "start", c.ID)
		}
		return cerrors.WrapWithContainer(err, cerrors.Io, "start", c.ID)
	case frame.Type == utils.MsgError:
		c.UpdateStatus(spec.StatusStopped)
		return childError(c.ID, frame.Error)
	default:
		return cerrors.WrapWithDetail(nil, cerrors.Io, "start",
			fmt.Sprintf("unexpected %s frame from init", frame.Type))
	}

	// The rendezvous point has served its purpose.
	os.Remove(socketPath)

	if err := c.UpdateStatus(spec.StatusRunning); err != nil {
		return cerrors.Wrap(err, cerrors.Io, "start")
	}

	return nil
}

// isClosedByExec reports whether a protocol read error is the expected
// EOF produced by the init fd closing across a successful exec.
func isClosedByExec(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET)
}

// Run creates and starts a container in one operation.
func (c *Container) Run(ctx context.Context, opts *CreateOptions) error {
	if err := c.Create(ctx, opts); err != nil {
		return err
	}
	return c.Start(ctx)
}

// Wait waits for the container process to exit and returns the exit code.
// Only meaningful in the invocation that created the process (run), since
// only a parent can reap.
func (c *Container) Wait(ctx context.Context) (int, error) {
	if c.InitProcess <= 0 {
		return -1, cerrors.WrapWithContainer(nil, cerrors.InvalidState, "wait", c.ID)
	}

	waitCh := make(chan struct {
		wstatus syscall.WaitStatus
		err     error
	}, 1)

	go func() {
		var wstatus syscall.WaitStatus
		_, err := syscall.Wait4(c.InitProcess, &wstatus, 0, nil)
		waitCh <- struct {
			wstatus syscall.WaitStatus
			err     error
		}{wstatus, err}
	}()

	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case result := <-waitCh:
		if result.err != nil {
			return -1, cerrors.Wrap(result.err, cerrors.Io, "wait4")
		}

		c.mu.Lock()
		c.State.Status = spec.StatusStopped
		c.mu.Unlock()
		if saveErr := c.SaveState(); saveErr != nil {
			// The exit code still matters more than the record.
			fmt.Fprintf(os.Stderr, "warning: failed to save state: %v\n", saveErr)
		}

		if result.wstatus.Exited() {
			return result.wstatus.ExitStatus(), nil
		}
		if result.wstatus.Signaled() {
			return 128 + int(result.wstatus.Signal()), nil
		}

		return -1, nil
	}
}
