// Package errors provides predefined sentinel errors for common failure cases.
package errors

// Container lifecycle errors.
var (
	// ErrContainerNotFound indicates the container does not exist.
	ErrContainerNotFound = &ContainerError{
		Kind:   NotFound,
		Detail: "container not found",
	}

	// ErrContainerExists indicates the container already exists.
	ErrContainerExists = &ContainerError{
		Kind:   AlreadyExists,
		Detail: "container already exists",
	}

	// ErrContainerNotRunning indicates the container is not in running state.
	ErrContainerNotRunning = &ContainerError{
		Kind:   InvalidState,
		Detail: "container is not running",
	}

	// ErrContainerNotStopped indicates the container is not in stopped state.
	ErrContainerNotStopped = &ContainerError{
		Kind:   InvalidState,
		Detail: "container is not stopped",
	}

	// ErrContainerNotCreated indicates the container is not in created state.
	ErrContainerNotCreated = &ContainerError{
		Kind:   InvalidState,
		Detail: "container is not in created state",
	}

	// ErrInvalidContainerID indicates the container ID is invalid.
	ErrInvalidContainerID = &ContainerError{
		Kind:   SpecInvalid,
		Detail: "invalid container ID",
	}

	// ErrEmptyContainerID indicates the container ID is empty.
	ErrEmptyContainerID = &ContainerError{
		Kind:   SpecInvalid,
		Detail: "container ID cannot be empty",
	}

	// ErrNoInitProcess indicates there is no init process.
	ErrNoInitProcess = &ContainerError{
		Kind:   InvalidState,
		Detail: "no init process",
	}

	// ErrLocked indicates the per-container lock is held by another
	// invocation.
	ErrLocked = &ContainerError{
		Kind:   Busy,
		Detail: "container is locked by another operation",
	}
)

// Configuration and validation errors.
var (
	// ErrInvalidBundlePath indicates the bundle path is invalid.
	ErrInvalidBundlePath = &ContainerError{
		Kind:   SpecInvalid,
		Detail: "invalid bundle path",
	}

	// ErrMissingSpec indicates the config.json is missing.
	ErrMissingSpec = &ContainerError{
		Kind:   SpecInvalid,
		Detail: "config.json not found",
	}

	// ErrInvalidSpec indicates the spec is invalid.
	ErrInvalidSpec = &ContainerError{
		Kind:   SpecInvalid,
		Detail: "invalid OCI spec",
	}

	// ErrMissingRootfs indicates the rootfs is missing.
	ErrMissingRootfs = &ContainerError{
		Kind:   SpecInvalid,
		Detail: "rootfs not found",
	}

	// ErrNoProcessArgs indicates no process arguments were specified.
	ErrNoProcessArgs = &ContainerError{
		Kind:   SpecInvalid,
		Detail: "no process arguments specified",
	}
)

// Security-related errors.
var (
	// ErrPathTraversal indicates a path traversal attempt was detected.
	ErrPathTraversal = &ContainerError{
		Kind:   SpecInvalid,
		Detail: "path traversal detected",
	}

	// ErrSeccompFilter indicates a seccomp filter error.
	ErrSeccompFilter = &ContainerError{
		Kind:   SeccompFailed,
		Detail: "failed to apply seccomp filter",
	}

	// ErrCapabilityDrop indicates a capability drop error.
	ErrCapabilityDrop = &ContainerError{
		Kind:   Capability,
		Detail: "failed to drop capabilities",
	}

	// ErrCapabilityUnknown indicates an unknown capability was specified.
	ErrCapabilityUnknown = &ContainerError{
		Kind:   Capability,
		Detail: "unknown capability",
	}
)

// Namespace errors.
var (
	// ErrNamespaceSetup indicates a namespace setup error.
	ErrNamespaceSetup = &ContainerError{
		Kind:   NamespaceFailed,
		Detail: "failed to setup namespace",
	}

	// ErrNamespaceJoin indicates a namespace join error.
	ErrNamespaceJoin = &ContainerError{
		Kind:   NamespaceFailed,
		Detail: "failed to join namespace",
	}

	// ErrUserMappingRequired indicates a user namespace was requested
	// without an explicit uid/gid mapping.
	ErrUserMappingRequired = &ContainerError{
		Kind:   UserMappingRequired,
		Detail: "user namespace requires explicit uid/gid mappings",
	}
)

// Cgroup errors.
var (
	// ErrCgroupSetup indicates a cgroup setup error.
	ErrCgroupSetup = &ContainerError{
		Kind:   ControllerUnavailable,
		Detail: "failed to setup cgroup",
	}

	// ErrCgroupNotFound indicates the cgroup was not found.
	ErrCgroupNotFound = &ContainerError{
		Kind:   NotFound,
		Detail: "cgroup not found",
	}

	// ErrCgroupResource indicates a cgroup resource limit error.
	ErrCgroupResource = &ContainerError{
		Kind:   ControllerUnavailable,
		Detail: "failed to apply resource limits",
	}
)

// Device errors.
var (
	// ErrDeviceCreate indicates a device creation error.
	ErrDeviceCreate = &ContainerError{
		Kind:   Device,
		Detail: "failed to create device",
	}

	// ErrDeviceNotAllowed indicates a device is not in the whitelist.
	ErrDeviceNotAllowed = &ContainerError{
		Kind:   Device,
		Detail: "device not allowed",
	}

	// ErrInvalidDevicePath indicates an invalid device path.
	ErrInvalidDevicePath = &ContainerError{
		Kind:   Device,
		Detail: "invalid device path",
	}
)

// Rootfs errors.
var (
	// ErrRootfsSetup indicates a rootfs setup error.
	ErrRootfsSetup = &ContainerError{
		Kind:   MountFailed,
		Detail: "failed to setup rootfs",
	}

	// ErrPivotRoot indicates a pivot_root error.
	ErrPivotRoot = &ContainerError{
		Kind:   PivotFailed,
		Detail: "failed to pivot_root",
	}

	// ErrMountFailed indicates a mount error.
	ErrMountFailed = &ContainerError{
		Kind:   MountFailed,
		Detail: "failed to mount",
	}
)

// Console/PTY errors.
var (
	// ErrConsoleSetup indicates a console setup error.
	ErrConsoleSetup = &ContainerError{
		Kind:   Io,
		Detail: "failed to setup console",
	}

	// ErrInvalidSocketPath indicates an invalid socket path.
	ErrInvalidSocketPath = &ContainerError{
		Kind:   SpecInvalid,
		Detail: "invalid socket path",
	}
)

// Process errors.
var (
	// ErrProcessStart indicates a process start error.
	ErrProcessStart = &ContainerError{
		Kind:   ExecFailed,
		Detail: "failed to start process",
	}

	// ErrProcessNotFound indicates the process was not found.
	ErrProcessNotFound = &ContainerError{
		Kind:   NotFound,
		Detail: "process not found",
	}

	// ErrSignalFailed indicates a signal delivery error.
	ErrSignalFailed = &ContainerError{
		Kind:   Io,
		Detail: "failed to send signal",
	}

	// ErrTimeout indicates a bring-up operation exceeded its deadline.
	ErrTimeout = &ContainerError{
		Kind:   Timeout,
		Detail: "operation timed out",
	}
)
