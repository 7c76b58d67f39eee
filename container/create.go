// Package container implements the create operation.
package container

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	cerrors "fire/errors"
	"fire/linux"
	"fire/logging"
	"fire/spec"
	"fire/utils"
)

// CreateOptions contains options for container creation.
type CreateOptions struct {
	// ConsoleSocket is the path to a unix socket for the console.
	ConsoleSocket string

	// PidFile is the path to write the container PID.
	PidFile string

	// NoPivot disables pivot_root (use chroot instead).
	NoPivot bool

	// SystemdCgroup manages the container cgroup through a transient
	// systemd scope unit instead of direct cgroupfs writes.
	SystemdCgroup bool
}

// Environment passed to the re-exec'd init process. The bring-up protocol
// socket is inherited as fd 3; any setns fds follow it.
const (
	initEnvBundle   = "_FIRE_INIT_BUNDLE"
	initEnvID       = "_FIRE_INIT_ID"
	initEnvStateDir = "_FIRE_INIT_STATE_DIR"
	initEnvNoPivot  = "_FIRE_INIT_NO_PIVOT"

	initProtocolFd = 3
)

// DefaultBringupTimeout bounds the whole create handshake. FIRE_TIMEOUT_MS
// overrides it.
const DefaultBringupTimeout = 30 * time.Second

// BringupTimeout resolves the bring-up deadline from the environment.
func BringupTimeout() time.Duration {
	if v := os.Getenv("FIRE_TIMEOUT_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return DefaultBringupTimeout
}

// Create brings up the container's init process but doesn't start the user
// command. On return the init process sits inside its namespaces with the
// rootfs pivoted, capabilities dropped and the syscall filter installed,
// blocked on the control socket; the record is persisted as "created".
// Any failure rolls the partial bring-up back: no child, no cgroup, no
// state directory.
func (c *Container) Create(ctx context.Context, opts *CreateOptions) (err error) {
	if opts == nil {
		opts = &CreateOptions{}
	}

	// Failures before the child exists return directly; this removes the
	// state directory New made for them as well.
	defer func() {
		if err != nil {
			os.RemoveAll(c.StateDir)
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, BringupTimeout())
	defer cancel()

	log := logging.WithContainer(logging.FromContext(ctx), c.ID)

	if err := linux.ValidateNamespaces(c.Spec.Linux); err != nil {
		return err
	}

	// Cgroup preparation happens before fork so the child can be attached
	// the moment it exists.
	cgroupPath := linux.GetCgroupPath(c.ID, "")
	if c.Spec.Linux != nil && c.Spec.Linux.CgroupsPath != "" {
		cgroupPath = c.Spec.Linux.CgroupsPath
	}
	c.CgroupPath = cgroupPath
	linux.EnsureParentControllers(cgroupPath)

	cgroup, err := linux.NewCgroupWithOptions(cgroupPath, opts.SystemdCgroup)
	if err != nil {
		return cerrors.WrapWithContainer(err, cerrors.ControllerUnavailable, "create", c.ID)
	}

	if c.Spec.Linux != nil && c.Spec.Linux.Resources != nil {
		if err := cgroup.ApplyResources(c.Spec.Linux.Resources); err != nil {
			cgroup.Destroy()
			return cerrors.WrapWithContainer(err, cerrors.ControllerUnavailable, "create", c.ID)
		}
	}

	parentProto, childProto, err := utils.NewProtocolPair()
	if err != nil {
		cgroup.Destroy()
		return cerrors.WrapWithContainer(err, cerrors.Io, "create", c.ID)
	}
	defer parentProto.Close()

	// Join-by-path namespaces are opened here: after pivot the child can
	// no longer reach host paths, and inside a new user namespace it may
	// lack the privilege even before that.
	setnsFds := map[string]int{}
	var setnsFiles []*os.File
	if c.Spec.Linux != nil {
		for _, ns := range c.Spec.Linux.Namespaces {
			if ns.Path == "" {
				continue
			}
			f, err := os.Open(ns.Path)
			if err != nil {
				childProto.Close()
				cgroup.Destroy()
				return cerrors.WrapWithDetail(err, cerrors.NamespaceFailed, "create",
					fmt.Sprintf("open %s namespace at %s", ns.Type, ns.Path))
			}
			setnsFds[string(ns.Type)] = initProtocolFd + 1 + len(setnsFiles)
			setnsFiles = append(setnsFiles, f)
		}
	}

	self, err := os.Executable()
	if err != nil {
		childProto.Close()
		cgroup.Destroy()
		return cerrors.WrapWithContainer(err, cerrors.Io, "create", c.ID)
	}

	cmd := exec.Command(self, "init")
	cmd.Dir = c.Bundle
	cmd.Env = append(os.Environ(),
		initEnvBundle+"="+c.Bundle,
		initEnvID+"="+c.ID,
		initEnvStateDir+"="+c.StateDir,
	)
	if opts.NoPivot {
		cmd.Env = append(cmd.Env, initEnvNoPivot+"=1")
	}
	cmd.ExtraFiles = append([]*os.File{childProto.File()}, setnsFiles...)

	sysProcAttr, err := linux.BuildSysProcAttr(c.Spec)
	if err != nil {
		childProto.Close()
		cgroup.Destroy()
		return cerrors.WrapWithContainer(err, cerrors.NamespaceFailed, "create", c.ID)
	}
	cmd.SysProcAttr = sysProcAttr

	console, consoleSlave, err := c.setupStdio(cmd, opts)
	if err != nil {
		childProto.Close()
		cgroup.Destroy()
		return err
	}

	if err := cmd.Start(); err != nil {
		if console != nil {
			console.Close()
		}
		childProto.Close()
		cgroup.Destroy()
		return cerrors.WrapWithContainer(err, cerrors.Io, "create", c.ID)
	}

	// Parent-side copies of inherited fds are no longer needed.
	childProto.Close()
	for _, f := range setnsFiles {
		f.Close()
	}

	pid := cmd.Process.Pid
	rollback := func() {
		cmd.Process.Kill()
		cmd.Wait()
		if console != nil {
			console.Close()
		}
		if consoleSlave != nil {
			consoleSlave.Close()
		}
		cgroup.Destroy()
		os.RemoveAll(c.StateDir)
	}

	if console != nil {
		if err := utils.SendConsoleToSocket(opts.ConsoleSocket, console.Master()); err != nil {
			rollback()
			return cerrors.WrapWithContainer(err, cerrors.Io, "create", c.ID)
		}
		console.Close()
		consoleSlave.Close()
	}

	// The child waits on CONFIGURE, so everything only the parent may do
	// happens now: id maps first (they gate every privileged operation
	// inside the new user namespace), then the cgroup attach.
	mapsWritten := false
	if c.Spec.Linux != nil && linux.HasNamespace(c.Spec.Linux.Namespaces, spec.UserNamespace) {
		allowSetgroups := c.Spec.Annotations["fire.setgroups"] == "allow"
		if err := linux.WriteIDMappings(pid, c.Spec.Linux.UIDMappings, c.Spec.Linux.GIDMappings, allowSetgroups); err != nil {
			rollback()
			return err
		}
		mapsWritten = true
	}

	if err := cgroup.AddProcess(pid); err != nil {
		rollback()
		return cerrors.WrapWithContainer(err, cerrors.ControllerUnavailable, "create", c.ID)
	}

	configure := utils.Frame{
		Type: utils.MsgConfigure,
		Configure: &utils.ConfigurePayload{
			Pid:            pid,
			IDMapsWritten:  mapsWritten,
			CgroupAttached: true,
			SetnsFds:       setnsFds,
		},
	}
	if err := parentProto.Send(configure); err != nil {
		rollback()
		return cerrors.WrapWithContainer(err, cerrors.Io, "create", c.ID)
	}

	frame, err := waitFrame(ctx, parentProto)
	if err != nil {
		rollback()
		if ctx.Err() != nil {
			return cerrors.WrapWithContainer(ctx.Err(), cerrors.Timeout, "create", c.ID)
		}
		return cerrors.WrapWithContainer(err, cerrors.Io, "create", c.ID)
	}
	switch frame.Type {
	case utils.MsgReady:
	case utils.MsgError:
		rollback()
		return childError(c.ID, frame.Error)
	default:
		rollback()
		return cerrors.WrapWithDetail(nil, cerrors.Io, "create",
			fmt.Sprintf("unexpected %s frame from init", frame.Type))
	}

	c.InitProcess = pid
	c.State.Pid = pid

	if opts.PidFile != "" {
		if err := os.WriteFile(opts.PidFile, []byte(strconv.Itoa(pid)), 0644); err != nil {
			rollback()
			return cerrors.WrapWithContainer(err, cerrors.Io, "create", c.ID)
		}
	}

	c.State.Status = spec.StatusCreated
	if err := c.SaveState(); err != nil {
		rollback()
		return cerrors.WrapWithContainer(err, cerrors.Io, "create", c.ID)
	}

	logging.WithPID(log, pid).Debug("container created")
	return nil
}

// setupStdio wires the child's stdio, creating a pty pair when the spec
// asks for a terminal and a console socket is provided.
func (c *Container) setupStdio(cmd *exec.Cmd, opts *CreateOptions) (*utils.Console, *os.File, error) {
	terminal := c.Spec.Process != nil && c.Spec.Process.Terminal

	if terminal && opts.ConsoleSocket != "" {
		console, err := utils.NewConsole()
		if err != nil {
			return nil, nil, cerrors.WrapWithContainer(err, cerrors.Io, "create", c.ID)
		}
		slave, err := console.OpenSlave()
		if err != nil {
			console.Close()
			return nil, nil, cerrors.WrapWithContainer(err, cerrors.Io, "create", c.ID)
		}
		cmd.Stdin = slave
		cmd.Stdout = slave
		cmd.Stderr = slave
		return console, slave, nil
	}

	if terminal {
		cmd.Stdin = os.Stdin
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return nil, nil, nil
	}

	cmd.Stdin = nil
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return nil, nil, nil
}

// waitFrame reads one protocol frame, honoring context cancellation. The
// read itself cannot be interrupted portably, so it runs in a goroutine
// and the caller abandons it on cancellation; rollback kills the peer,
// which unblocks the read.
func waitFrame(ctx context.Context, p *utils.Protocol) (utils.Frame, error) {
	type result struct {
		frame utils.Frame
		err   error
	}
	ch := make(chan result, 1)
	go func() {
		frame, err := p.Recv()
		ch <- result{frame, err}
	}()

	select {
	case <-ctx.Done():
		return utils.Frame{}, ctx.Err()
	case r := <-ch:
		return r.frame, r.err
	}
}

// childError converts an ERROR frame from the init process into the
// corresponding error kind, annotated with the step that failed.
func childError(id string, payload *utils.ErrorPayload) error {
	if payload == nil {
		return cerrors.WrapWithDetail(nil, cerrors.Io, "create", "init reported an error without details")
	}

	kind := cerrors.Io
	switch payload.Step {
	case "setns":
		kind = cerrors.NamespaceFailed
	case "rootfs":
		kind = cerrors.MountFailed
	case "seccomp", "no-new-privs":
		kind = cerrors.SeccompFailed
	case "capabilities":
		kind = cerrors.Capability
	case "devices":
		kind = cerrors.Device
	case "exec":
		kind = cerrors.ExecFailed
	}

	var underlying error
	if payload.Errno != 0 {
		underlying = syscall.Errno(payload.Errno)
	}
	return &cerrors.ContainerError{
		Op:        "create",
		Container: id,
		Kind:      kind,
		Err:       underlying,
		Detail:    fmt.Sprintf("init step %s: %s", payload.Step, payload.Message),
	}
}

// InitContainer runs inside the freshly cloned namespaces as the future
// container init. It completes bring-up in lockstep with the parent:
// block on CONFIGURE, enter remaining namespaces, execute the mount plan,
// drop privileges, install the syscall filter, report READY, then block on
// the control socket until START arrives and exec the user process.
func InitContainer() error {
	bundle := os.Getenv(initEnvBundle)
	stateDir := os.Getenv(initEnvStateDir)
	if bundle == "" || stateDir == "" {
		return cerrors.New(cerrors.Io, "init", "missing init environment")
	}

	proto := utils.NewProtocolFromFile(os.NewFile(initProtocolFd, "fire-init-proto"))

	fail := func(step string, err error) error {
		proto.SendError(step, err)
		return cerrors.WrapWithDetail(err, cerrors.Io, "init", "step "+step)
	}

	// The barrier comes first: inside a fresh user namespace nothing is
	// readable or privileged until the parent has written the id maps,
	// which it acknowledges via CONFIGURE.
	frame, err := proto.Recv()
	if err != nil {
		return cerrors.Wrap(err, cerrors.Io, "init")
	}
	if frame.Type != utils.MsgConfigure || frame.Configure == nil {
		return fail("configure", fmt.Errorf("expected CONFIGURE, got %s", frame.Type))
	}

	s, err := spec.LoadSpec(filepath.Join(bundle, "config.json"))
	if err != nil {
		return fail("spec", err)
	}

	// Enter join-by-path namespaces through the fds the parent opened.
	if len(frame.Configure.SetnsFds) > 0 {
		fds := make(map[spec.LinuxNamespaceType]*os.File, len(frame.Configure.SetnsFds))
		for nsType, fd := range frame.Configure.SetnsFds {
			fds[spec.LinuxNamespaceType(nsType)] = os.NewFile(uintptr(fd), "fire-setns-"+nsType)
		}
		if err := linux.SetNamespaceFds(fds); err != nil {
			return fail("setns", err)
		}
	}

	if s.Hostname != "" {
		if err := linux.SetHostname(s.Hostname); err != nil {
			return fail("hostname", err)
		}
	}
	if s.Domainname != "" {
		if err := linux.SetDomainname(s.Domainname); err != nil {
			return fail("hostname", err)
		}
	}

	// The control socket must be bound while the state directory is still
	// reachable: start is a separate invocation and connects through the
	// filesystem, but after pivot the host tree is gone.
	control, err := utils.ListenControl(utils.ControlSocketPath(stateDir))
	if err != nil {
		return fail("control-socket", err)
	}

	if err := linux.SetupRootfs(s, bundle, os.Getenv(initEnvNoPivot) == "1"); err != nil {
		return fail("rootfs", err)
	}

	// A bundle that doesn't mount its own /proc still gets one.
	if !hasMountDestination(s.Mounts, "/proc") {
		if err := linux.MountProc(); err != nil {
			return fail("rootfs", err)
		}
	}

	var devNodes []spec.LinuxDevice
	if s.Linux != nil {
		devNodes = s.Linux.Devices
	}
	if hasMountDestination(s.Mounts, "/dev") {
		// The spec mounted /dev itself; populate it. mknod is refused in
		// unprivileged user namespaces, so fall back to bind-mounting the
		// host nodes, which gives the same view.
		if len(devNodes) > 0 {
			if err := linux.CreateAllDevices(devNodes, ""); err != nil {
				if err := linux.BindMountDevices(devNodes, ""); err != nil {
					return fail("devices", err)
				}
			}
		}
		linux.SetupDefaultDevices()
		linux.SetupDevSymlinks()
		linux.SetupDevPts()
	} else {
		// No /dev in the mount plan: build the whole tmpfs-backed /dev.
		if err := linux.SetupDevTmpfs("", devNodes); err != nil {
			return fail("devices", err)
		}
	}

	if s.Process != nil {
		if err := applyRlimits(s.Process.Rlimits); err != nil {
			return fail("rlimits", err)
		}
	}

	if s.Process != nil && s.Process.Capabilities != nil {
		if err := linux.ApplyCapabilities(s.Process.Capabilities); err != nil {
			return fail("capabilities", err)
		}
		if eff, perm, inh, err := linux.GetCapabilities(); err == nil {
			logging.Debug("capabilities applied",
				"effective", fmt.Sprintf("%#x", eff),
				"permitted", fmt.Sprintf("%#x", perm),
				"inheritable", fmt.Sprintf("%#x", inh))
		}
	}

	if s.Process != nil && s.Process.EffectiveNoNewPrivileges() {
		if err := linux.SetNoNewPrivs(); err != nil {
			return fail("no-new-privs", err)
		}
	}

	// Working directory changes before the filter goes in: it is not
	// privileged, and the filter may well deny chdir. The exec
	// environment is exactly process.env -- the runtime's own variables
	// and the inherited host environment must not leak into the
	// container -- so PATH lookup reads from that slice, not the
	// process environ.
	if s.Process.Cwd != "" {
		if err := os.Chdir(s.Process.Cwd); err != nil {
			return fail("chdir", err)
		}
	}
	execEnv := s.Process.Env

	execPath, err := lookPath(s.Process.Args[0], envValue(execEnv, "PATH"))
	if err != nil {
		return fail("exec", err)
	}

	if s.Linux != nil && s.Linux.Seccomp != nil {
		if err := linux.SetupSeccomp(s.Linux.Seccomp); err != nil {
			return fail("seccomp", err)
		}
	}

	if s.Process != nil {
		if err := setUser(s.Process.User); err != nil {
			return fail("user", err)
		}
	}

	if err := proto.Send(utils.Frame{Type: utils.MsgReady}); err != nil {
		return cerrors.Wrap(err, cerrors.Io, "init")
	}
	proto.Close()

	// Block until a start invocation connects. The accepted fd is
	// close-on-exec: a successful exec closes it silently, which is the
	// success signal; an explicit ERROR frame is the failure signal.
	startConn, err := utils.AcceptProtocol(control)
	if err != nil {
		os.Exit(1)
	}
	control.Close()

	frame, err = startConn.Recv()
	if err != nil || frame.Type != utils.MsgStart {
		startConn.SendError("start", fmt.Errorf("expected START frame"))
		os.Exit(1)
	}

	if s.Process.Terminal {
		syscall.Setsid()
		utils.SetControllingTerminal(os.Stdin)
		utils.SetupTerminalSignals(os.Stdin)
	}

	if err := execProcess(execPath, s.Process.Args, execEnv); err != nil {
		startConn.SendError("exec", err)
		os.Exit(1)
	}
	return nil // unreachable
}

// envValue returns the value of key in an environment slice, or "".
func envValue(env []string, key string) string {
	for _, e := range env {
		if parts := splitEnv(e); len(parts) == 2 && parts[0] == key {
			return parts[1]
		}
	}
	return ""
}

// lookPath resolves a command name against an explicit PATH value instead
// of the process environment, which at this point still carries the host's
// variables.
func lookPath(name, path string) (string, error) {
	if strings.Contains(name, "/") {
		if err := isExecutable(name); err != nil {
			return "", err
		}
		return name, nil
	}
	for _, dir := range strings.Split(path, ":") {
		if dir == "" {
			continue
		}
		candidate := filepath.Join(dir, name)
		if err := isExecutable(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%s: executable file not found in PATH", name)
}

func isExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.IsDir() || info.Mode()&0111 == 0 {
		return fmt.Errorf("%s: not an executable file", path)
	}
	return nil
}

// hasMountDestination reports whether the mount plan already covers a
// destination path.
func hasMountDestination(mounts []spec.Mount, dest string) bool {
	for _, m := range mounts {
		if filepath.Clean(m.Destination) == dest {
			return true
		}
	}
	return false
}

// splitEnv splits an environment variable string into key and value.
func splitEnv(env string) []string {
	for i := 0; i < len(env); i++ {
		if env[i] == '=' {
			return []string{env[:i], env[i+1:]}
		}
	}
	return []string{env}
}

// rlimitMap maps OCI rlimit names to resource numbers.
var rlimitMap = map[string]int{
	"RLIMIT_CPU":        syscall.RLIMIT_CPU,
	"RLIMIT_FSIZE":      syscall.RLIMIT_FSIZE,
	"RLIMIT_DATA":       syscall.RLIMIT_DATA,
	"RLIMIT_STACK":      syscall.RLIMIT_STACK,
	"RLIMIT_CORE":       syscall.RLIMIT_CORE,
	"RLIMIT_NOFILE":     syscall.RLIMIT_NOFILE,
	"RLIMIT_AS":         syscall.RLIMIT_AS,
	"RLIMIT_RSS":        5,
	"RLIMIT_NPROC":      6,
	"RLIMIT_MEMLOCK":    8,
	"RLIMIT_LOCKS":      10,
	"RLIMIT_SIGPENDING": 11,
	"RLIMIT_MSGQUEUE":   12,
	"RLIMIT_NICE":       13,
	"RLIMIT_RTPRIO":     14,
	"RLIMIT_RTTIME":     15,
}

// applyRlimits applies the spec's process rlimits to the calling process.
func applyRlimits(rlimits []spec.POSIXRlimit) error {
	for _, rl := range rlimits {
		resource, ok := rlimitMap[rl.Type]
		if !ok {
			return fmt.Errorf("unknown rlimit type: %s", rl.Type)
		}
		limit := syscall.Rlimit{Cur: rl.Soft, Max: rl.Hard}
		if err := syscall.Setrlimit(resource, &limit); err != nil {
			return fmt.Errorf("setrlimit %s: %w", rl.Type, err)
		}
	}
	return nil
}

// setUser sets the user ID and group ID.
func setUser(user spec.User) error {
	// Set supplementary groups
	if len(user.AdditionalGids) > 0 {
		gids := make([]int, len(user.AdditionalGids))
		for i, g := range user.AdditionalGids {
			gids[i] = int(g)
		}
		// setgroups is denied inside unprivileged user namespaces; the
		// container still comes up, just without the extra groups.
		if err := setGroups(gids); err != nil {
			logging.Warn("setgroups failed", "error", err)
		}
	}

	// Set GID first (must be before UID)
	if user.GID != 0 {
		if err := setGid(int(user.GID)); err != nil {
			return fmt.Errorf("setgid: %w", err)
		}
	}

	// Set UID
	if user.UID != 0 {
		if err := setUid(int(user.UID)); err != nil {
			return fmt.Errorf("setuid: %w", err)
		}
	}

	// Set umask
	if user.Umask != nil {
		setUmask(int(*user.Umask))
	}

	return nil
}
