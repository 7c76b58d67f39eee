// Package linux provides the systemd cgroup driver.
package linux

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	systemdDbus "github.com/coreos/go-systemd/v22/dbus"
	"github.com/godbus/dbus/v5"

	"fire/spec"
)

// systemdDriver manages the container cgroup through a transient systemd
// scope unit instead of writing cgroupfs directly. systemd owns the
// hierarchy on such hosts; going behind its back makes the unit state and
// the kernel state disagree.
//
// A scope needs its member pid at creation, so resource properties are
// buffered by ApplyResources and the unit is started by AddProcess.
type systemdDriver struct {
	unitName   string
	properties []systemdDbus.Property
}

func newSystemdDriver(cgroupPath string) (*systemdDriver, error) {
	// "fire/<id>" becomes "fire-<id>.scope"; slashes are not valid in
	// unit names.
	name := strings.ReplaceAll(strings.Trim(cgroupPath, "/"), "/", "-") + ".scope"
	return &systemdDriver{unitName: name}, nil
}

func (c *systemdDriver) Path() string {
	// Transient scopes for system units land under system.slice.
	return filepath.Join(cgroupRoot, "system.slice", c.unitName)
}

func (c *systemdDriver) ApplyResources(resources *spec.LinuxResources) error {
	if resources == nil {
		return nil
	}

	if mem := resources.Memory; mem != nil {
		if mem.Limit != nil && *mem.Limit > 0 {
			c.properties = append(c.properties,
				systemdDbus.Property{Name: "MemoryMax", Value: dbus.MakeVariant(uint64(*mem.Limit))})
		}
		if mem.Reservation != nil && *mem.Reservation > 0 {
			c.properties = append(c.properties,
				systemdDbus.Property{Name: "MemoryLow", Value: dbus.MakeVariant(uint64(*mem.Reservation))})
		}
		if mem.Swap != nil && mem.Limit != nil && *mem.Swap >= *mem.Limit {
			c.properties = append(c.properties,
				systemdDbus.Property{Name: "MemorySwapMax", Value: dbus.MakeVariant(uint64(*mem.Swap - *mem.Limit))})
		}
	}

	if cpu := resources.CPU; cpu != nil {
		if cpu.Shares != nil && *cpu.Shares > 0 {
			c.properties = append(c.properties,
				systemdDbus.Property{Name: "CPUWeight", Value: dbus.MakeVariant(sharesToWeight(*cpu.Shares))})
		}
		if cpu.Quota != nil && *cpu.Quota > 0 {
			period := uint64(100000)
			if cpu.Period != nil && *cpu.Period > 0 {
				period = *cpu.Period
			}
			// systemd expresses the quota as usec of CPU per second.
			quotaPerSec := uint64(*cpu.Quota) * 1000000 / period
			c.properties = append(c.properties,
				systemdDbus.Property{Name: "CPUQuotaPerSecUSec", Value: dbus.MakeVariant(quotaPerSec)})
		}
		if cpu.Cpus != "" {
			c.properties = append(c.properties,
				systemdDbus.Property{Name: "AllowedCPUs", Value: dbus.MakeVariant(cpu.Cpus)})
		}
		if cpu.Mems != "" {
			c.properties = append(c.properties,
				systemdDbus.Property{Name: "AllowedMemoryNodes", Value: dbus.MakeVariant(cpu.Mems)})
		}
	}

	if pids := resources.Pids; pids != nil && pids.Limit > 0 {
		c.properties = append(c.properties,
			systemdDbus.Property{Name: "TasksMax", Value: dbus.MakeVariant(uint64(pids.Limit))})
	}

	if blkio := resources.BlockIO; blkio != nil && blkio.Weight != nil && *blkio.Weight > 0 {
		c.properties = append(c.properties,
			systemdDbus.Property{Name: "IOWeight", Value: dbus.MakeVariant(uint64(*blkio.Weight))})
	}

	return nil
}

// sharesToWeight converts cgroup v1 cpu.shares (2..262144) to the
// v2/systemd weight range (1..10000).
func sharesToWeight(shares uint64) uint64 {
	if shares <= 2 {
		return 1
	}
	weight := 1 + (shares-2)*9999/262142
	if weight > 10000 {
		weight = 10000
	}
	return weight
}

func (c *systemdDriver) AddProcess(pid int) error {
	conn, err := systemdDbus.NewWithContext(context.Background())
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	props := []systemdDbus.Property{
		systemdDbus.PropDescription("fire container " + c.unitName),
		{Name: "PIDs", Value: dbus.MakeVariant([]uint32{uint32(pid)})},
		{Name: "Delegate", Value: dbus.MakeVariant(true)},
		{Name: "DefaultDependencies", Value: dbus.MakeVariant(false)},
	}
	props = append(props, c.properties...)

	ch := make(chan string, 1)
	if _, err := conn.StartTransientUnitContext(context.Background(), c.unitName, "replace", props, ch); err != nil {
		return fmt.Errorf("start transient unit %s: %w", c.unitName, err)
	}
	if result := <-ch; result != "done" {
		return fmt.Errorf("transient unit %s entered state %q", c.unitName, result)
	}
	return nil
}

func (c *systemdDriver) Destroy() error {
	conn, err := systemdDbus.NewWithContext(context.Background())
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()

	ch := make(chan string, 1)
	if _, err := conn.StopUnitContext(context.Background(), c.unitName, "replace", ch); err != nil {
		// A unit that already collapsed with its last process is gone.
		if strings.Contains(err.Error(), "not loaded") {
			return nil
		}
		return fmt.Errorf("stop unit %s: %w", c.unitName, err)
	}
	<-ch
	return nil
}

func (c *systemdDriver) Freeze() error {
	conn, err := systemdDbus.NewWithContext(context.Background())
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()
	return conn.FreezeUnit(context.Background(), c.unitName)
}

func (c *systemdDriver) Thaw() error {
	conn, err := systemdDbus.NewWithContext(context.Background())
	if err != nil {
		return fmt.Errorf("connect to systemd: %w", err)
	}
	defer conn.Close()
	return conn.ThawUnit(context.Background(), c.unitName)
}

// MemoryCurrent and PidsCurrent read the unit's cgroupfs directory; the
// accounting files are the same ones the unified driver reads.

func (c *systemdDriver) MemoryCurrent() (int64, error) {
	return readInt(filepath.Join(c.Path(), "memory.current"))
}

func (c *systemdDriver) PidsCurrent() (int64, error) {
	return readInt(filepath.Join(c.Path(), "pids.current"))
}
