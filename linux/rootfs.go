// Package linux provides rootfs and mount handling.
package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	securejoin "github.com/cyphar/filepath-securejoin"

	cerrors "fire/errors"
	"fire/spec"
)

// oldRootName is the staging directory inside the new rootfs that receives
// the old root across pivot_root. It is detach-unmounted and removed before
// the container process runs.
const oldRootName = ".fire-oldroot"

// Mount propagation flags
const (
	MS_PRIVATE     = syscall.MS_PRIVATE
	MS_SHARED      = syscall.MS_SHARED
	MS_SLAVE       = syscall.MS_SLAVE
	MS_UNBINDABLE  = syscall.MS_UNBINDABLE
	MS_REC         = syscall.MS_REC
	MS_BIND        = syscall.MS_BIND
	MS_MOVE        = syscall.MS_MOVE
	MS_RDONLY      = syscall.MS_RDONLY
	MS_NOSUID      = syscall.MS_NOSUID
	MS_NODEV       = syscall.MS_NODEV
	MS_NOEXEC      = syscall.MS_NOEXEC
	MS_REMOUNT     = syscall.MS_REMOUNT
	MS_STRICTATIME = syscall.MS_STRICTATIME
	MS_RELATIME    = syscall.MS_RELATIME
	MS_NOATIME     = syscall.MS_NOATIME
)

// mountOptionFlags maps mount option strings to flags.
var mountOptionFlags = map[string]uintptr{
	"ro":          MS_RDONLY,
	"rw":          0,
	"nosuid":      MS_NOSUID,
	"suid":        0,
	"nodev":       MS_NODEV,
	"dev":         0,
	"noexec":      MS_NOEXEC,
	"exec":        0,
	"sync":        syscall.MS_SYNCHRONOUS,
	"async":       0,
	"remount":     MS_REMOUNT,
	"bind":        MS_BIND,
	"rbind":       MS_BIND | MS_REC,
	"private":     MS_PRIVATE,
	"rprivate":    MS_PRIVATE | MS_REC,
	"shared":      MS_SHARED,
	"rshared":     MS_SHARED | MS_REC,
	"slave":       MS_SLAVE,
	"rslave":      MS_SLAVE | MS_REC,
	"unbindable":  MS_UNBINDABLE,
	"runbindable": MS_UNBINDABLE | MS_REC,
	"relatime":    MS_RELATIME,
	"norelatime":  0,
	"strictatime": MS_STRICTATIME,
	"noatime":     MS_NOATIME,
}

// SecureJoin joins unsafePath onto root, resolving every symlink relative
// to root so the result can never escape it. Thin wrapper so the rest of
// the package has one name for the operation, plus the empty-root guard
// the library leaves to its callers.
func SecureJoin(root, unsafePath string) (string, error) {
	if root == "" {
		return "", fmt.Errorf("empty root path")
	}
	return securejoin.SecureJoin(root, unsafePath)
}

// mountFailed builds the structured mount error every step of the plan
// reports: which step, what source, what target, and the underlying cause.
func mountFailed(step, source, target string, err error) error {
	return cerrors.WrapWithDetail(err, cerrors.MountFailed, "rootfs",
		fmt.Sprintf("step=%s source=%s target=%s", step, source, target))
}

// SetupRootfs executes the mount plan: propagation setup, the spec's mounts
// in declared order, pivot_root (or chroot when noPivot is set), and the
// post-pivot readonly remount. Mounts applied before a failure are unwound
// in reverse order.
func SetupRootfs(s *spec.Spec, bundlePath string, noPivot bool) error {
	if s.Root == nil {
		return cerrors.New(cerrors.MountFailed, "rootfs", "no root filesystem specified")
	}

	rootfs := s.Root.Path
	if !filepath.IsAbs(rootfs) {
		rootfs = filepath.Join(bundlePath, rootfs)
	}
	rootfs, err := filepath.Abs(rootfs)
	if err != nil {
		return mountFailed("resolve-rootfs", s.Root.Path, bundlePath, err)
	}

	// Stop mount events from leaking back to the host. rslave (not
	// rprivate) so host-side unmounts still propagate in, which keeps
	// removable media usable on long-running containers.
	if err := syscall.Mount("", "/", "", MS_SLAVE|MS_REC, ""); err != nil {
		return mountFailed("propagation", "", "/", err)
	}

	// The new root must be a mount point for pivot_root to accept it.
	if err := syscall.Mount(rootfs, rootfs, "", MS_BIND|MS_REC, ""); err != nil {
		return mountFailed("bind-rootfs", rootfs, rootfs, err)
	}
	applied := []string{rootfs}

	if err := setupMounts(s.Mounts, rootfs, &applied); err != nil {
		unwindMounts(applied)
		return err
	}

	enterRoot := pivotRoot
	if noPivot {
		enterRoot = chrootFallback
	}
	if err := enterRoot(rootfs); err != nil {
		unwindMounts(applied)
		return err
	}

	if s.Root.Readonly {
		if err := syscall.Mount("", "/", "", MS_REMOUNT|MS_BIND|MS_RDONLY, ""); err != nil {
			return mountFailed("readonly-root", "", "/", err)
		}
	}

	if s.Linux != nil && s.Linux.RootfsPropagation != "" {
		if err := applyPropagation("/", s.Linux.RootfsPropagation); err != nil {
			return mountFailed("rootfs-propagation", s.Linux.RootfsPropagation, "/", err)
		}
	}

	// Masking is best-effort: a missing path is not a broken container.
	if s.Linux != nil {
		for _, path := range s.Linux.MaskedPaths {
			_ = maskPath(path)
		}
		for _, path := range s.Linux.ReadonlyPaths {
			_ = readonlyPath(path)
		}
	}

	return nil
}

// unwindMounts detaches mounts recorded by the plan, newest first. Errors
// are swallowed: this already runs on the failure path and a busy mount
// will be released when the mount namespace dies anyway.
func unwindMounts(applied []string) {
	for i := len(applied) - 1; i >= 0; i-- {
		_ = syscall.Unmount(applied[i], syscall.MNT_DETACH)
	}
}

// pivotRoot swaps the root filesystem for rootfs and drops the old root.
func pivotRoot(rootfs string) error {
	oldRoot := filepath.Join(rootfs, oldRootName)
	if err := os.MkdirAll(oldRoot, 0700); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.PivotFailed, "rootfs", "mkdir "+oldRoot)
	}

	if err := syscall.PivotRoot(rootfs, oldRoot); err != nil {
		// Rootless setups can't pivot; chroot still gives them a root.
		os.Remove(oldRoot)
		return chrootFallback(rootfs)
	}

	if err := os.Chdir("/"); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.PivotFailed, "rootfs", "chdir /")
	}

	oldRoot = "/" + oldRootName
	if err := syscall.Unmount(oldRoot, syscall.MNT_DETACH); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.PivotFailed, "rootfs", "unmount "+oldRoot)
	}
	os.RemoveAll(oldRoot)

	return nil
}

// chrootFallback uses chroot when pivot_root fails (e.g., rootless).
func chrootFallback(rootfs string) error {
	if err := syscall.Chroot(rootfs); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.PivotFailed, "rootfs", "chroot "+rootfs)
	}
	if err := os.Chdir("/"); err != nil {
		return cerrors.WrapWithDetail(err, cerrors.PivotFailed, "rootfs", "chdir /")
	}
	return nil
}

// setupMounts performs the spec's mounts in declared order against the
// staging rootfs, recording each success in applied for unwinding.
func setupMounts(mounts []spec.Mount, rootfs string, applied *[]string) error {
	for _, m := range mounts {
		dest, err := SecureJoin(rootfs, m.Destination)
		if err != nil {
			return mountFailed("resolve-destination", m.Source, m.Destination, err)
		}

		flags, data := parseMountOptions(m.Options)

		source := m.Source
		isBind := m.Type == "bind" || hasOption(m.Options, "bind") || hasOption(m.Options, "rbind")

		if isBind {
			if !filepath.IsAbs(source) {
				source = filepath.Join(rootfs, source)
			}

			srcInfo, err := os.Stat(source)
			if err != nil {
				return mountFailed("stat-bind-source", source, dest, err)
			}

			if srcInfo.IsDir() {
				if err := os.MkdirAll(dest, 0755); err != nil {
					return mountFailed("mkdir", source, dest, err)
				}
			} else {
				if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
					return mountFailed("mkdir-parent", source, dest, err)
				}
				if _, err := os.Stat(dest); os.IsNotExist(err) {
					f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY, 0644)
					if err != nil {
						return mountFailed("create-bind-target", source, dest, err)
					}
					f.Close()
				}
			}

			if err := syscall.Mount(source, dest, "", flags|MS_BIND, data); err != nil {
				return mountFailed("bind-mount", source, dest, err)
			}
		} else {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return mountFailed("mkdir", source, dest, err)
			}
			if err := syscall.Mount(source, dest, m.Type, flags, data); err != nil {
				return mountFailed("mount-"+m.Type, source, dest, err)
			}
		}
		*applied = append(*applied, dest)
	}
	return nil
}

// parseMountOptions parses OCI mount options into flags and data string.
func parseMountOptions(options []string) (uintptr, string) {
	var flags uintptr
	var dataOpts []string

	for _, opt := range options {
		if flag, ok := mountOptionFlags[opt]; ok {
			flags |= flag
		} else if strings.Contains(opt, "=") || !isKnownOption(opt) {
			// Data options passed to filesystem
			dataOpts = append(dataOpts, opt)
		}
	}

	return flags, strings.Join(dataOpts, ",")
}

// hasOption checks if an option is in the list.
func hasOption(options []string, opt string) bool {
	for _, o := range options {
		if o == opt {
			return true
		}
	}
	return false
}

// isKnownOption checks if an option is a known mount flag.
func isKnownOption(opt string) bool {
	_, ok := mountOptionFlags[opt]
	return ok
}

// applyPropagation sets mount propagation.
func applyPropagation(path, propagation string) error {
	var flag uintptr
	switch propagation {
	case "private":
		flag = MS_PRIVATE
	case "rprivate":
		flag = MS_PRIVATE | MS_REC
	case "shared":
		flag = MS_SHARED
	case "rshared":
		flag = MS_SHARED | MS_REC
	case "slave":
		flag = MS_SLAVE
	case "rslave":
		flag = MS_SLAVE | MS_REC
	case "unbindable":
		flag = MS_UNBINDABLE
	case "runbindable":
		flag = MS_UNBINDABLE | MS_REC
	default:
		return fmt.Errorf("unknown propagation: %s", propagation)
	}
	return syscall.Mount("", path, "", flag, "")
}

// maskPath masks a path by mounting an empty tmpfs (directories) or
// /dev/null (files) over it.
func maskPath(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return nil
	}

	if fi.IsDir() {
		return syscall.Mount("tmpfs", path, "tmpfs", MS_RDONLY, "size=0")
	}

	return syscall.Mount("/dev/null", path, "", MS_BIND, "")
}

// readonlyPath makes a path read-only by remounting it.
func readonlyPath(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	// Bind mount to itself first
	if err := syscall.Mount(path, path, "", MS_BIND|MS_REC, ""); err != nil {
		return err
	}

	// Remount read-only
	return syscall.Mount(path, path, "", MS_BIND|MS_REMOUNT|MS_RDONLY|MS_REC, "")
}

// MountProc mounts procfs at /proc.
func MountProc() error {
	if err := os.MkdirAll("/proc", 0755); err != nil {
		return err
	}
	return syscall.Mount("proc", "/proc", "proc", MS_NOSUID|MS_NOEXEC|MS_NODEV, "")
}

// CreateDevices creates device nodes specified in the config.
func CreateDevices(devices []spec.LinuxDevice) error {
	for _, dev := range devices {
		if err := createDevice(dev); err != nil {
			return cerrors.WrapWithDetail(err, cerrors.Device, "rootfs", "create device "+dev.Path)
		}
	}
	return nil
}

// createDevice creates a single device node.
func createDevice(dev spec.LinuxDevice) error {
	// Ensure parent directory exists
	dir := filepath.Dir(dev.Path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	// Calculate device type
	var devType uint32
	switch dev.Type {
	case "c", "u":
		devType = syscall.S_IFCHR
	case "b":
		devType = syscall.S_IFBLK
	case "p":
		devType = syscall.S_IFIFO
	default:
		return fmt.Errorf("unknown device type: %s", dev.Type)
	}

	// Calculate mode
	mode := devType
	if dev.FileMode != nil {
		mode |= uint32(*dev.FileMode)
	} else {
		mode |= 0666
	}

	// Calculate device number
	devNum := int((dev.Major << 8) | dev.Minor)

	// Create device
	if err := syscall.Mknod(dev.Path, mode, devNum); err != nil {
		if !os.IsExist(err) {
			return err
		}
	}

	// Set ownership
	uid := 0
	gid := 0
	if dev.UID != nil {
		uid = int(*dev.UID)
	}
	if dev.GID != nil {
		gid = int(*dev.GID)
	}
	if err := os.Chown(dev.Path, uid, gid); err != nil {
		return err
	}

	return nil
}

// SetupDefaultDevices creates the standard container device nodes.
func SetupDefaultDevices() error {
	devices := []spec.LinuxDevice{
		{Path: "/dev/null", Type: "c", Major: 1, Minor: 3},
		{Path: "/dev/zero", Type: "c", Major: 1, Minor: 5},
		{Path: "/dev/full", Type: "c", Major: 1, Minor: 7},
		{Path: "/dev/random", Type: "c", Major: 1, Minor: 8},
		{Path: "/dev/urandom", Type: "c", Major: 1, Minor: 9},
		{Path: "/dev/tty", Type: "c", Major: 5, Minor: 0},
	}

	mode := os.FileMode(0666)
	for i := range devices {
		devices[i].FileMode = &mode
	}

	return CreateDevices(devices)
}

// SetupDevSymlinks creates standard /dev symlinks.
func SetupDevSymlinks() error {
	symlinks := map[string]string{
		"/dev/fd":     "/proc/self/fd",
		"/dev/stdin":  "/proc/self/fd/0",
		"/dev/stdout": "/proc/self/fd/1",
		"/dev/stderr": "/proc/self/fd/2",
		"/dev/ptmx":   "pts/ptmx",
	}

	for link, target := range symlinks {
		os.Remove(link)
		// Best effort: a readonly /dev simply keeps whatever it had.
		_ = os.Symlink(target, link)
	}

	return nil
}

// SetupDevPts mounts devpts at /dev/pts.
func SetupDevPts() error {
	if err := os.MkdirAll("/dev/pts", 0755); err != nil {
		return err
	}
	return syscall.Mount("devpts", "/dev/pts", "devpts",
		MS_NOSUID|MS_NOEXEC,
		"newinstance,ptmxmode=0666,mode=0620")
}
