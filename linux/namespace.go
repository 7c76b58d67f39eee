// Package linux provides Linux-specific container primitives.
package linux

import (
	"fmt"
	"os"
	"path/filepath"
	"syscall"

	"golang.org/x/sys/unix"

	cerrors "fire/errors"
	"fire/spec"
)

// Linux namespace clone flags
const (
	CLONE_NEWNS     = syscall.CLONE_NEWNS     // Mount namespace
	CLONE_NEWUTS    = syscall.CLONE_NEWUTS    // UTS namespace (hostname)
	CLONE_NEWIPC    = syscall.CLONE_NEWIPC    // IPC namespace
	CLONE_NEWPID    = syscall.CLONE_NEWPID    // PID namespace
	CLONE_NEWNET    = syscall.CLONE_NEWNET    // Network namespace
	CLONE_NEWUSER   = syscall.CLONE_NEWUSER   // User namespace
	CLONE_NEWCGROUP = 0x02000000              // Cgroup namespace (not in syscall pkg)
)

// namespaceTypeToFlag maps OCI namespace types to clone flags.
var namespaceTypeToFlag = map[spec.LinuxNamespaceType]uintptr{
	spec.PIDNamespace:     CLONE_NEWPID,
	spec.NetworkNamespace: CLONE_NEWNET,
	spec.MountNamespace:   CLONE_NEWNS,
	spec.IPCNamespace:     CLONE_NEWIPC,
	spec.UTSNamespace:     CLONE_NEWUTS,
	spec.UserNamespace:    CLONE_NEWUSER,
	spec.CgroupNamespace:  CLONE_NEWCGROUP,
}

// NamespaceFlags builds clone flags from OCI namespace configuration.
func NamespaceFlags(namespaces []spec.LinuxNamespace) uintptr {
	var flags uintptr
	for _, ns := range namespaces {
		// Only add flag if path is empty (create new namespace)
		// If path is set, we'll join that namespace later with setns()
		if ns.Path == "" {
			if flag, ok := namespaceTypeToFlag[ns.Type]; ok {
				flags |= flag
			}
		}
	}
	return flags
}

// HasNamespace checks if a namespace type is in the list.
func HasNamespace(namespaces []spec.LinuxNamespace, nsType spec.LinuxNamespaceType) bool {
	for _, ns := range namespaces {
		if ns.Type == nsType {
			return true
		}
	}
	return false
}

// ValidateNamespaces rejects configurations the kernel would accept but the
// runtime cannot honor: duplicate namespace types, and a user namespace
// requested without explicit uid/gid mappings (the kernel would start the
// child on the overflow ids, which is never what a mapping-less spec meant).
func ValidateNamespaces(l *spec.Linux) error {
	if l == nil {
		return nil
	}
	seen := make(map[spec.LinuxNamespaceType]bool, len(l.Namespaces))
	for _, ns := range l.Namespaces {
		if seen[ns.Type] {
			return cerrors.WrapWithDetail(nil, cerrors.NamespaceFailed, "validate",
				fmt.Sprintf("duplicate %s namespace entry", ns.Type))
		}
		seen[ns.Type] = true
	}
	if seen[spec.UserNamespace] {
		if len(l.UIDMappings) == 0 || len(l.GIDMappings) == 0 {
			return cerrors.ErrUserMappingRequired
		}
	}
	return nil
}

// SetNamespaceFds enters namespaces through already-open descriptors, used
// when the parent opened the paths and handed the fds across fork. The fd
// is closed once consumed.
func SetNamespaceFds(fds map[spec.LinuxNamespaceType]*os.File) error {
	for nsType, f := range fds {
		flag := namespaceTypeToFlag[nsType]
		_, _, errno := syscall.Syscall(unix.SYS_SETNS, f.Fd(), flag, 0)
		f.Close()
		if errno != 0 {
			return cerrors.WrapWithDetail(errno, cerrors.NamespaceFailed, "setns", string(nsType))
		}
	}
	return nil
}

// BuildSysProcAttr creates SysProcAttr from OCI spec.
func BuildSysProcAttr(s *spec.Spec) (*syscall.SysProcAttr, error) {
	if s.Linux == nil {
		// Default namespaces if not specified
		return &syscall.SysProcAttr{
			Cloneflags: CLONE_NEWPID | CLONE_NEWNS | CLONE_NEWUTS | CLONE_NEWIPC | CLONE_NEWNET,
			Setsid:     true,
		}, nil
	}

	flags := NamespaceFlags(s.Linux.Namespaces)
	hasUserNS := HasNamespace(s.Linux.Namespaces, spec.UserNamespace)

	attr := &syscall.SysProcAttr{
		Cloneflags: flags,
		Setsid:     true,
	}

	// Don't set Unshareflags with user namespace - causes EPERM
	if !hasUserNS {
		attr.Unshareflags = syscall.CLONE_NEWNS
	}

	// The id maps themselves are written by the parent after fork; see
	// WriteIDMappings. Writing them through SysProcAttr would race the
	// cgroup attach the launcher does between fork and CONFIGURE.

	return attr, nil
}

// WriteIDMappings writes UID/GID mappings to /proc/pid/{uid,gid}_map. The
// parent calls this: the child inside the new user namespace lacks the
// privilege to map ids for itself. Unless allowSetgroups is set, setgroups
// is denied before gid_map is written, as unprivileged gid mapping
// requires.
func WriteIDMappings(pid int, uidMappings, gidMappings []spec.LinuxIDMapping, allowSetgroups bool) error {
	// Write uid_map
	if len(uidMappings) > 0 {
		path := filepath.Join("/proc", fmt.Sprint(pid), "uid_map")
		content := formatIDMap(uidMappings)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return cerrors.WrapWithDetail(err, cerrors.NamespaceFailed, "id-map", "write uid_map")
		}
	}

	if len(gidMappings) > 0 {
		setgroupsPath := filepath.Join("/proc", fmt.Sprint(pid), "setgroups")
		value := "deny"
		if allowSetgroups {
			value = "allow"
		}
		// Best effort: the file does not exist on kernels before 3.19.
		_ = os.WriteFile(setgroupsPath, []byte(value), 0644)

		path := filepath.Join("/proc", fmt.Sprint(pid), "gid_map")
		content := formatIDMap(gidMappings)
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			return cerrors.WrapWithDetail(err, cerrors.NamespaceFailed, "id-map", "write gid_map")
		}
	}

	return nil
}

// formatIDMap formats ID mappings for /proc/pid/{uid,gid}_map.
func formatIDMap(mappings []spec.LinuxIDMapping) string {
	var result string
	for _, m := range mappings {
		result += fmt.Sprintf("%d %d %d\n", m.ContainerID, m.HostID, m.Size)
	}
	return result
}

// SetHostname sets the hostname in the UTS namespace.
func SetHostname(hostname string) error {
	if hostname == "" {
		return nil
	}
	return syscall.Sethostname([]byte(hostname))
}

// SetDomainname sets the domain name in the UTS namespace.
func SetDomainname(domainname string) error {
	if domainname == "" {
		return nil
	}
	return syscall.Setdomainname([]byte(domainname))
}
