// Package container implements OCI container lifecycle management.
package container

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	cerrors "fire/errors"
	"fire/logging"
	"fire/spec"
)

// containerIDRegex defines the valid container ID format: alphanumeric plus
// dashes, underscores and dots, no path separators.
var containerIDRegex = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// ValidateContainerID checks that a container ID is safe and valid.
func ValidateContainerID(id string) error {
	if id == "" {
		return cerrors.ErrEmptyContainerID
	}
	if !containerIDRegex.MatchString(id) {
		return cerrors.WrapWithDetail(nil, cerrors.SpecInvalid, "validate",
			fmt.Sprintf("container ID %q contains invalid characters (must match ^[A-Za-z0-9_.-]+$)", id))
	}
	// Explicitly check for path traversal attempts.
	if id == "." || id == ".." || filepath.Clean(id) != id {
		return cerrors.WrapWithDetail(cerrors.ErrPathTraversal, cerrors.SpecInvalid, "validate",
			fmt.Sprintf("container ID %q contains path traversal", id))
	}
	return nil
}

const (
	// DefaultStateDir is the fallback state directory when neither
	// $XDG_STATE_HOME nor $HOME can be resolved.
	DefaultStateDir = "/run/fire"

	// LockFileName is the name of the per-container advisory lock file.
	LockFileName = "lock"

	// StateFileName is the name of the state file.
	StateFileName = "state.json"
)

// DefaultStateRoot resolves $XDG_STATE_HOME/fire, falling back to
// ~/.fire, and finally to DefaultStateDir if neither can be determined.
// Overridden at the CLI layer by the FIRE_STATE_ROOT environment variable.
func DefaultStateRoot() string {
	if xdg := os.Getenv("XDG_STATE_HOME"); xdg != "" {
		return filepath.Join(xdg, "fire")
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".fire")
	}
	return DefaultStateDir
}

// Container represents an OCI container.
type Container struct {
	// mu protects concurrent access to container state.
	mu sync.RWMutex

	// ID is the unique identifier for the container.
	ID string

	// Bundle is the path to the container bundle.
	Bundle string

	// StateDir is the directory containing container state.
	StateDir string

	// Spec is the OCI runtime specification.
	Spec *spec.Spec

	// State is the current container state.
	State *spec.ContainerState

	// InitProcess is the PID of the container's init process.
	InitProcess int

	// CgroupPath is the cgroup hierarchy path for the container.
	CgroupPath string

	// lockFile holds the open fd backing the advisory per-container lock
	// acquired by New/Load and released by Close.
	lockFile *os.File
}

// lock acquires an exclusive advisory lock on the container's lock file.
// A lock already held by another invocation is retried for a bounded wait
// (2s, polled every 50ms); if it is still held then, the result is Busy.
func (c *Container) lock() error {
	const wait, poll = 2 * time.Second, 50 * time.Millisecond

	f, err := os.OpenFile(filepath.Join(c.StateDir, LockFileName), os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return cerrors.WrapWithContainer(err, cerrors.Io, "lock", c.ID)
	}
	deadline := time.Now().Add(wait)
	for {
		err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
		if err == nil {
			break
		}
		if err != unix.EWOULDBLOCK || time.Now().After(deadline) {
			f.Close()
			if err == unix.EWOULDBLOCK {
				return cerrors.WrapWithContainer(err, cerrors.Busy, "lock", c.ID)
			}
			return cerrors.WrapWithContainer(err, cerrors.Io, "lock", c.ID)
		}
		time.Sleep(poll)
	}
	c.lockFile = f
	return nil
}

// Close releases the container's advisory lock, if held.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lockFile == nil {
		return nil
	}
	err := unix.Flock(int(c.lockFile.Fd()), unix.LOCK_UN)
	c.lockFile.Close()
	c.lockFile = nil
	return err
}

// Load loads an existing container by ID, acquiring its advisory lock.
func Load(ctx context.Context, id string, stateRoot string) (*Container, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if err := ValidateContainerID(id); err != nil {
		return nil, err
	}

	if stateRoot == "" {
		stateRoot = DefaultStateRoot()
	}

	stateDir := filepath.Join(stateRoot, id)
	statePath := filepath.Join(stateDir, StateFileName)

	state, err := spec.LoadState(statePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cerrors.WrapWithContainer(err, cerrors.NotFound, "load", id)
		}
		return nil, cerrors.WrapWithContainer(err, cerrors.Corrupt, "load state", id)
	}

	c := &Container{
		ID:          id,
		Bundle:      state.Bundle,
		StateDir:    stateDir,
		State:       state,
		InitProcess: state.Pid,
	}

	if err := c.lock(); err != nil {
		return nil, err
	}

	// Load spec if available (non-fatal if missing).
	specPath := filepath.Join(state.Bundle, "config.json")
	loadedSpec, err := spec.LoadSpec(specPath)
	if err != nil {
		logging.WarnContext(ctx, "could not load spec", "container_id", id, "path", specPath, "error", err)
	}
	c.Spec = loadedSpec

	return c, nil
}

// New creates a new container instance (doesn't start it yet).
func New(ctx context.Context, id, bundle, stateRoot string) (*Container, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if err := ValidateContainerID(id); err != nil {
		return nil, err
	}

	if stateRoot == "" {
		stateRoot = DefaultStateRoot()
	}

	bundle, err := filepath.Abs(bundle)
	if err != nil {
		return nil, cerrors.Wrap(err, cerrors.SpecInvalid, "abs bundle path")
	}

	specPath := filepath.Join(bundle, "config.json")
	s, err := spec.LoadSpec(specPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, cerrors.Wrap(err, cerrors.SpecInvalid, "load spec")
		}
		return nil, cerrors.Wrap(err, cerrors.SpecInvalid, "parse spec")
	}

	stateDir := filepath.Join(stateRoot, id)

	// Reject an existing record before creating the directory, so a
	// duplicate create never perturbs the existing record.
	statePath := filepath.Join(stateDir, StateFileName)
	if _, err := os.Stat(statePath); err == nil {
		return nil, cerrors.WrapWithContainer(nil, cerrors.AlreadyExists, "create", id)
	}

	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, cerrors.Wrap(err, cerrors.PermissionDenied, "create state dir")
	}

	c := &Container{
		ID:       id,
		Bundle:   bundle,
		StateDir: stateDir,
		Spec:     s,
		State: &spec.ContainerState{
			State: spec.State{
				Version:     spec.Version,
				ID:          id,
				Status:      spec.StatusCreating,
				Bundle:      bundle,
				Annotations: s.Annotations,
			},
			Created: time.Now(),
		},
	}

	if err := c.lock(); err != nil {
		return nil, err
	}

	if s.Root != nil {
		rootfs := s.Root.Path
		if !filepath.IsAbs(rootfs) {
			rootfs = filepath.Join(bundle, rootfs)
		}
		c.State.Rootfs = rootfs
	}

	return c, nil
}

// SaveState saves the container state to disk.
// This method is thread-safe.
func (c *Container) SaveState() error {
	c.mu.RLock()
	statePath := filepath.Join(c.StateDir, StateFileName)
	stateCopy := *c.State
	c.mu.RUnlock()
	return stateCopy.Save(statePath)
}

// GetState returns the OCI-compliant state.
// This method is thread-safe. Returns a deep copy so callers can safely serialize.
func (c *Container) GetState() *spec.State {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.State.Status == spec.StatusRunning {
		c.State.Pid = c.InitProcess
	}
	state := c.State.ToOCIState()
	stateCopy := *state
	if state.Annotations != nil {
		stateCopy.Annotations = make(map[string]string, len(state.Annotations))
		for k, v := range state.Annotations {
			stateCopy.Annotations[k] = v
		}
	}
	return &stateCopy
}

// UpdateStatus updates the container status.
// This method is thread-safe.
func (c *Container) UpdateStatus(status spec.ContainerStatus) error {
	c.mu.Lock()
	c.State.Status = status
	statePath := filepath.Join(c.StateDir, StateFileName)
	stateCopy := *c.State
	c.mu.Unlock()
	return stateCopy.Save(statePath)
}

// IsRunning checks if the container process is still running.
// This method is thread-safe.
func (c *Container) IsRunning() bool {
	c.mu.RLock()
	pid := c.InitProcess
	c.mu.RUnlock()

	if pid <= 0 {
		return false
	}

	err := syscall.Kill(pid, 0)
	return err == nil
}

// RefreshStatus updates status based on actual process state.
// This method is thread-safe.
func (c *Container) RefreshStatus() {
	isRunning := c.IsRunning()

	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.State.Status {
	case spec.StatusRunning, spec.StatusCreated:
		if !isRunning {
			c.State.Status = spec.StatusStopped
		}
	}
}

// Destroy removes all container state and resources.
// This method is thread-safe.
func (c *Container) Destroy() error {
	c.mu.RLock()
	stateDir := c.StateDir
	c.mu.RUnlock()

	return os.RemoveAll(stateDir)
}

// List returns all containers in the state directory. Best-effort: it
// tolerates concurrent deletion of entries while enumerating.
func List(ctx context.Context, stateRoot string) ([]*Container, error) {
	if stateRoot == "" {
		stateRoot = DefaultStateRoot()
	}

	entries, err := os.ReadDir(stateRoot)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var containers []*Container
	for _, entry := range entries {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if !entry.IsDir() {
			continue
		}

		c, err := Load(ctx, entry.Name(), stateRoot)
		if err != nil {
			continue // skip invalid or concurrently-deleted containers
		}

		c.RefreshStatus()
		// Listing is read-only; release the lock before moving on so a
		// long table never starves concurrent operations.
		c.Close()
		containers = append(containers, c)
	}

	return containers, nil
}

// StateJSON returns the container state as JSON.
// This method is thread-safe.
func (c *Container) StateJSON() ([]byte, error) {
	c.RefreshStatus()
	return json.MarshalIndent(c.GetState(), "", "  ")
}

// Signal sends a signal to the container's init process.
// This method is thread-safe.
func (c *Container) Signal(sig syscall.Signal) error {
	c.mu.RLock()
	pid := c.InitProcess
	id := c.ID
	c.mu.RUnlock()

	if pid <= 0 {
		return cerrors.WrapWithContainer(nil, cerrors.InvalidState, "signal", id)
	}
	if err := syscall.Kill(pid, sig); err != nil {
		return cerrors.WrapWithContainer(err, cerrors.Io, "signal", id)
	}
	return nil
}

// SignalAll sends a signal to all processes in the container.
// This method is thread-safe.
func (c *Container) SignalAll(sig syscall.Signal) error {
	c.mu.RLock()
	pid := c.InitProcess
	id := c.ID
	c.mu.RUnlock()

	if pid <= 0 {
		return cerrors.WrapWithContainer(nil, cerrors.InvalidState, "signal all", id)
	}
	if err := syscall.Kill(-pid, sig); err != nil {
		return cerrors.WrapWithContainer(err, cerrors.Io, "signal all", id)
	}
	return nil
}
