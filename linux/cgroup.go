// Package linux provides cgroup v1/v2 resource management.
package linux

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"fire/spec"
)

// validCgroupKey matches valid cgroup controller file names.
// Valid keys are like: cpu.max, memory.max, pids.max, io.bfq.weight
var validCgroupKey = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9]*(\.[a-zA-Z][a-zA-Z0-9]*)*$`)

const cgroupRoot = "/sys/fs/cgroup"

// v1Controllers are the per-controller hierarchies this driver writes to
// under cgroup v1. Knobs a container didn't request are left untouched.
var v1Controllers = []string{"cpu", "cpuset", "memory", "pids", "blkio", "devices", "freezer"}

// Cgroup is the interface both cgroup driver implementations satisfy. It
// is the one dispatch point between v1 and v2: everything above this layer
// (the process launcher) is version-agnostic.
type Cgroup interface {
	Path() string
	AddProcess(pid int) error
	ApplyResources(resources *spec.LinuxResources) error
	Destroy() error
	MemoryCurrent() (int64, error)
	PidsCurrent() (int64, error)
	Freeze() error
	Thaw() error
}

// isCgroupV2 reports whether /sys/fs/cgroup is the cgroup2 unified
// hierarchy.
func isCgroupV2() bool {
	var st unix.Statfs_t
	if err := unix.Statfs(cgroupRoot, &st); err != nil {
		return false
	}
	return st.Type == unix.CGROUP2_SUPER_MAGIC
}

// NewCgroup creates or opens a cgroup hierarchy at the given path,
// dispatching to the v1 or v2 driver based on what the host mounts.
// Path should be relative to the controller root (e.g. "fire/container-id").
// A path with a ".." component is rejected so it cannot leave the root.
func NewCgroup(cgroupPath string) (Cgroup, error) {
	for _, part := range strings.Split(cgroupPath, "/") {
		if part == ".." {
			return nil, fmt.Errorf("cgroup path %q escapes %s", cgroupPath, cgroupRoot)
		}
	}
	if isCgroupV2() {
		return newV2Driver(cgroupPath)
	}
	return newV1Driver(cgroupPath)
}

// OpenCgroup returns a driver for an already-created hierarchy without
// creating anything, for read-only accounting paths.
func OpenCgroup(cgroupPath string) (Cgroup, error) {
	if isCgroupV2() {
		fullPath := filepath.Join(cgroupRoot, cgroupPath)
		if _, err := os.Stat(fullPath); err != nil {
			return nil, err
		}
		return &v2Driver{path: fullPath}, nil
	}
	d := &v1Driver{relPath: cgroupPath, dirs: make(map[string]string)}
	for _, controller := range v1Controllers {
		dir := filepath.Join(cgroupRoot, controller, cgroupPath)
		if _, err := os.Stat(dir); err == nil {
			d.dirs[controller] = dir
		}
	}
	if len(d.dirs) == 0 {
		return nil, fmt.Errorf("cgroup %s not found", cgroupPath)
	}
	return d, nil
}

// NewCgroupWithOptions additionally selects the systemd driver, which
// delegates hierarchy management to a transient scope unit instead of
// writing the cgroupfs directly.
func NewCgroupWithOptions(cgroupPath string, systemd bool) (Cgroup, error) {
	if systemd {
		return newSystemdDriver(cgroupPath)
	}
	return NewCgroup(cgroupPath)
}

// removeRetry removes a cgroup directory, retrying while the kernel still
// reports it busy. Exiting members take a moment to be reaped after the
// init process dies.
func removeRetry(path string) error {
	var err error
	delay := 10 * time.Millisecond
	for i := 0; i < 6; i++ {
		err = os.Remove(path)
		if err == nil || os.IsNotExist(err) {
			return nil
		}
		if !errors.Is(err, unix.EBUSY) {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

// GetCgroupPath returns the default cgroup path for a container.
func GetCgroupPath(containerID string, specPath string) string {
	if specPath != "" {
		return specPath
	}
	return filepath.Join("fire", containerID)
}

// EnsureParentControllers enables controllers on parent cgroups (v2 only;
// v1's per-controller directories are created on demand by MkdirAll and
// need no subtree_control opt-in).
func EnsureParentControllers(cgroupPath string) error {
	if !isCgroupV2() {
		return nil
	}
	parts := strings.Split(strings.Trim(cgroupPath, "/"), "/")
	current := cgroupRoot
	controllers := "+cpu +memory +pids +cpuset"

	for _, part := range parts {
		controlFile := filepath.Join(current, "cgroup.subtree_control")
		_ = os.WriteFile(controlFile, []byte(controllers), 0644) // best-effort
		current = filepath.Join(current, part)
	}
	return nil
}

// validateCgroupKey validates a cgroup controller file key.
// This prevents path traversal attacks via crafted unified keys.
func validateCgroupKey(key string) error {
	if key == "" {
		return fmt.Errorf("empty key not allowed")
	}
	if strings.ContainsAny(key, "/\\") {
		return fmt.Errorf("key contains path separator")
	}
	if key == "." || key == ".." {
		return fmt.Errorf("key is relative path component")
	}
	if strings.HasPrefix(key, ".") {
		return fmt.Errorf("key starts with dot")
	}
	if !validCgroupKey.MatchString(key) {
		return fmt.Errorf("key does not match valid cgroup key pattern")
	}
	return nil
}

func writeFile(path, value string) error {
	return os.WriteFile(path, []byte(value), 0644)
}

// --- v2 driver (unified hierarchy) ---

type v2Driver struct {
	path string
}

func newV2Driver(cgroupPath string) (*v2Driver, error) {
	fullPath := filepath.Join(cgroupRoot, cgroupPath)
	if err := os.MkdirAll(fullPath, 0755); err != nil {
		return nil, fmt.Errorf("create cgroup directory: %w", err)
	}
	return &v2Driver{path: fullPath}, nil
}

func (c *v2Driver) Path() string { return c.path }

func (c *v2Driver) AddProcess(pid int) error {
	return writeFile(filepath.Join(c.path, "cgroup.procs"), strconv.Itoa(pid))
}

func (c *v2Driver) ApplyResources(resources *spec.LinuxResources) error {
	if resources == nil {
		return nil
	}
	if err := c.applyMemory(resources.Memory); err != nil {
		return err
	}
	if err := c.applyCPU(resources.CPU); err != nil {
		return err
	}
	if err := c.applyPids(resources.Pids); err != nil {
		return err
	}
	for key, value := range resources.Unified {
		if err := validateCgroupKey(key); err != nil {
			return fmt.Errorf("invalid cgroup key %q: %w", key, err)
		}
		if err := writeFile(filepath.Join(c.path, key), value); err != nil {
			return fmt.Errorf("write %s: %w", key, err)
		}
	}
	return nil
}

func (c *v2Driver) applyMemory(memory *spec.LinuxMemory) error {
	if memory == nil {
		return nil
	}
	if memory.Limit != nil && *memory.Limit > 0 {
		if err := writeFile(filepath.Join(c.path, "memory.max"), strconv.FormatInt(*memory.Limit, 10)); err != nil {
			return fmt.Errorf("set memory.max: %w", err)
		}
	}
	if memory.Reservation != nil && *memory.Reservation > 0 {
		if err := writeFile(filepath.Join(c.path, "memory.low"), strconv.FormatInt(*memory.Reservation, 10)); err != nil {
			return fmt.Errorf("set memory.low: %w", err)
		}
	}
	if memory.Swap != nil {
		swapLimit := *memory.Swap
		if memory.Limit != nil {
			swapLimit = *memory.Swap - *memory.Limit
			if swapLimit < 0 {
				swapLimit = 0
			}
		}
		_ = writeFile(filepath.Join(c.path, "memory.swap.max"), strconv.FormatInt(swapLimit, 10))
	}
	return nil
}

func (c *v2Driver) applyCPU(cpu *spec.LinuxCPU) error {
	if cpu == nil {
		return nil
	}
	if cpu.Quota != nil || cpu.Period != nil {
		quota := "max"
		if cpu.Quota != nil && *cpu.Quota > 0 {
			quota = strconv.FormatInt(*cpu.Quota, 10)
		}
		period := uint64(100000)
		if cpu.Period != nil && *cpu.Period > 0 {
			period = *cpu.Period
		}
		value := fmt.Sprintf("%s %d", quota, period)
		if err := writeFile(filepath.Join(c.path, "cpu.max"), value); err != nil {
			return fmt.Errorf("set cpu.max: %w", err)
		}
	}
	if cpu.Shares != nil && *cpu.Shares > 0 {
		shares := *cpu.Shares
		var weight uint64 = 1
		if shares > 2 {
			weight = 1 + (shares-2)*9999/262142
		}
		if weight > 10000 {
			weight = 10000
		}
		if err := writeFile(filepath.Join(c.path, "cpu.weight"), strconv.FormatUint(weight, 10)); err != nil {
			return fmt.Errorf("set cpu.weight: %w", err)
		}
	}
	if cpu.Cpus != "" {
		if err := writeFile(filepath.Join(c.path, "cpuset.cpus"), cpu.Cpus); err != nil {
			return fmt.Errorf("set cpuset.cpus: %w", err)
		}
	}
	if cpu.Mems != "" {
		if err := writeFile(filepath.Join(c.path, "cpuset.mems"), cpu.Mems); err != nil {
			return fmt.Errorf("set cpuset.mems: %w", err)
		}
	}
	return nil
}

func (c *v2Driver) applyPids(pids *spec.LinuxPids) error {
	if pids == nil || pids.Limit <= 0 {
		return nil
	}
	if err := writeFile(filepath.Join(c.path, "pids.max"), strconv.FormatInt(pids.Limit, 10)); err != nil {
		return fmt.Errorf("set pids.max: %w", err)
	}
	return nil
}

func (c *v2Driver) Destroy() error { return removeRetry(c.path) }

func (c *v2Driver) MemoryCurrent() (int64, error) {
	return readInt(filepath.Join(c.path, "memory.current"))
}

func (c *v2Driver) PidsCurrent() (int64, error) {
	return readInt(filepath.Join(c.path, "pids.current"))
}

func (c *v2Driver) Freeze() error {
	return writeFile(filepath.Join(c.path, "cgroup.freeze"), "1")
}

func (c *v2Driver) Thaw() error {
	return writeFile(filepath.Join(c.path, "cgroup.freeze"), "0")
}

// --- v1 driver (per-controller hierarchies) ---

// v1Driver tracks one directory per active controller. Each resource
// field maps to a (controller, canonical filename) pair rather than a
// bespoke code path per controller pairing.
type v1Driver struct {
	relPath string
	dirs    map[string]string // controller -> full directory path
}

func newV1Driver(cgroupPath string) (*v1Driver, error) {
	d := &v1Driver{relPath: cgroupPath, dirs: make(map[string]string)}
	for _, controller := range v1Controllers {
		dir := filepath.Join(cgroupRoot, controller, cgroupPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			// A controller hierarchy that isn't mounted at all is ignored;
			// one that exists but can't be written to is fatal only if the
			// spec actually asked for something under it (checked per-field
			// in ApplyResources below). Memory reservation, memory+swap and
			// blkio weight fail only when their controller is absent; a
			// failed write to a present controller is not reported.
			if os.IsNotExist(err) {
				continue
			}
			continue
		}
		d.dirs[controller] = dir
	}
	return d, nil
}

// Path returns the memory controller's directory, used as a stand-in "the"
// cgroup path for callers that only display a single location.
func (c *v1Driver) Path() string {
	if dir, ok := c.dirs["memory"]; ok {
		return dir
	}
	return filepath.Join(cgroupRoot, "cpu", c.relPath)
}

func (c *v1Driver) AddProcess(pid int) error {
	pidStr := strconv.Itoa(pid)
	var firstErr error
	for _, dir := range c.dirs {
		err := writeFile(filepath.Join(dir, "cgroup.procs"), pidStr)
		if err != nil {
			// Fall back to the legacy "tasks" file for controllers that
			// don't expose cgroup.procs for writing.
			err = writeFile(filepath.Join(dir, "tasks"), pidStr)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

type v1Field struct {
	controller string
	file       string
}

func (c *v1Driver) write(field v1Field, value string) error {
	dir, ok := c.dirs[field.controller]
	if !ok {
		return fmt.Errorf("controller %q not mounted", field.controller)
	}
	return writeFile(filepath.Join(dir, field.file), value)
}

func (c *v1Driver) ApplyResources(resources *spec.LinuxResources) error {
	if resources == nil {
		return nil
	}

	if mem := resources.Memory; mem != nil {
		if mem.Limit != nil && *mem.Limit > 0 {
			if err := c.write(v1Field{"memory", "memory.limit_in_bytes"}, strconv.FormatInt(*mem.Limit, 10)); err != nil {
				return fmt.Errorf("set memory.limit_in_bytes: %w", err)
			}
		}
		if mem.Reservation != nil && *mem.Reservation > 0 {
			if err := c.write(v1Field{"memory", "memory.soft_limit_in_bytes"}, strconv.FormatInt(*mem.Reservation, 10)); err != nil && c.dirs["memory"] == "" {
				return fmt.Errorf("set memory.soft_limit_in_bytes: %w", err)
			}
		}
		if mem.Swap != nil {
			if err := c.write(v1Field{"memory", "memory.memsw.limit_in_bytes"}, strconv.FormatInt(*mem.Swap, 10)); err != nil && c.dirs["memory"] == "" {
				return fmt.Errorf("set memory.memsw.limit_in_bytes: %w", err)
			}
		}
	}

	if cpu := resources.CPU; cpu != nil {
		if cpu.Quota != nil && *cpu.Quota > 0 {
			if err := c.write(v1Field{"cpu", "cpu.cfs_quota_us"}, strconv.FormatInt(*cpu.Quota, 10)); err != nil {
				return fmt.Errorf("set cpu.cfs_quota_us: %w", err)
			}
		}
		if cpu.Period != nil && *cpu.Period > 0 {
			if err := c.write(v1Field{"cpu", "cpu.cfs_period_us"}, strconv.FormatUint(*cpu.Period, 10)); err != nil {
				return fmt.Errorf("set cpu.cfs_period_us: %w", err)
			}
		}
		if cpu.Shares != nil && *cpu.Shares > 0 {
			if err := c.write(v1Field{"cpu", "cpu.shares"}, strconv.FormatUint(*cpu.Shares, 10)); err != nil {
				return fmt.Errorf("set cpu.shares: %w", err)
			}
		}
		if cpu.Cpus != "" {
			if err := c.write(v1Field{"cpuset", "cpuset.cpus"}, cpu.Cpus); err != nil {
				return fmt.Errorf("set cpuset.cpus: %w", err)
			}
		}
		if cpu.Mems != "" {
			if err := c.write(v1Field{"cpuset", "cpuset.mems"}, cpu.Mems); err != nil {
				return fmt.Errorf("set cpuset.mems: %w", err)
			}
		}
	}

	if pids := resources.Pids; pids != nil && pids.Limit > 0 {
		if err := c.write(v1Field{"pids", "pids.max"}, strconv.FormatInt(pids.Limit, 10)); err != nil {
			return fmt.Errorf("set pids.max: %w", err)
		}
	}

	if blkio := resources.BlockIO; blkio != nil && blkio.Weight != nil && *blkio.Weight > 0 {
		if err := c.write(v1Field{"blkio", "blkio.weight"}, strconv.FormatUint(uint64(*blkio.Weight), 10)); err != nil && c.dirs["blkio"] == "" {
			return fmt.Errorf("set blkio.weight: %w", err)
		}
	}

	if len(resources.Devices) > 0 {
		if err := c.applyDeviceRules(resources.Devices); err != nil {
			return err
		}
	}

	return nil
}

// applyDeviceRules writes the device allowlist into the v1 devices
// controller, one rule per line as the kernel expects.
func (c *v1Driver) applyDeviceRules(devices []spec.LinuxDeviceCgroup) error {
	dir, ok := c.dirs["devices"]
	if !ok {
		return fmt.Errorf("devices controller not mounted")
	}
	for _, line := range strings.Split(strings.TrimSpace(MakeDevicesCgroupRules(devices)), "\n") {
		if line == "" {
			continue
		}
		verdict, rule, found := strings.Cut(line, " ")
		if !found {
			continue
		}
		file := "devices.deny"
		if verdict == "allow" {
			file = "devices.allow"
		}
		if err := writeFile(filepath.Join(dir, file), rule); err != nil {
			return fmt.Errorf("write %s: %w", file, err)
		}
	}
	return nil
}

func (c *v1Driver) Destroy() error {
	var firstErr error
	for _, dir := range c.dirs {
		if err := removeRetry(dir); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (c *v1Driver) MemoryCurrent() (int64, error) {
	dir, ok := c.dirs["memory"]
	if !ok {
		return 0, fmt.Errorf("memory controller not mounted")
	}
	return readInt(filepath.Join(dir, "memory.usage_in_bytes"))
}

func (c *v1Driver) PidsCurrent() (int64, error) {
	dir, ok := c.dirs["pids"]
	if !ok {
		return 0, fmt.Errorf("pids controller not mounted")
	}
	return readInt(filepath.Join(dir, "pids.current"))
}

func (c *v1Driver) Freeze() error {
	dir, ok := c.dirs["freezer"]
	if !ok {
		return fmt.Errorf("freezer controller not mounted")
	}
	return writeFile(filepath.Join(dir, "freezer.state"), "FROZEN")
}

func (c *v1Driver) Thaw() error {
	dir, ok := c.dirs["freezer"]
	if !ok {
		return fmt.Errorf("freezer controller not mounted")
	}
	return writeFile(filepath.Join(dir, "freezer.state"), "THAWED")
}

func readInt(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}
