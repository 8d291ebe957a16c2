// Package mount takes a device's volumes offline before an erase and brings
// them back afterwards.
package mount

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/disk"

	"dropdrive/internal/logging"
	"dropdrive/internal/system"
)

// Manager is the abstract unmount/remount capability.
type Manager interface {
	Unmount(ctx context.Context, device string) error
	Remount(ctx context.Context, device string) error
}

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// PartitionLister returns the currently mounted partitions.
type PartitionLister func() ([]disk.PartitionStat, error)

// SystemManager uses gopsutil to find the device's mounted partitions and the
// platform tools to detach them.
type SystemManager struct {
	run        Runner
	partitions PartitionLister
	goos       string
	logger     *logging.EnterpriseLogger
}

func NewSystemManager(logger *logging.EnterpriseLogger) *SystemManager {
	return &SystemManager{
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput()
		},
		partitions: func() ([]disk.PartitionStat, error) { return disk.Partitions(true) },
		goos:       runtime.GOOS,
		logger:     logger.Named("mount"),
	}
}

// MountedPartitions returns the mounted partitions that belong to device.
func (m *SystemManager) MountedPartitions(device string) ([]disk.PartitionStat, error) {
	all, err := m.partitions()
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	var out []disk.PartitionStat
	for _, p := range all {
		if p.Device == device || system.IsPartitionOf(p.Device, device) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *SystemManager) Unmount(ctx context.Context, device string) error {
	if m.goos == "windows" {
		return m.diskpart(ctx, device, "offline")
	}

	parts, err := m.MountedPartitions(device)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		m.logger.Log("DEBUG", "no mounted partitions", "device", device)
		return nil
	}

	var failed []string
	for _, p := range parts {
		m.logger.Log("INFO", "unmounting", "partition", p.Device, "mountpoint", p.Mountpoint)
		if out, err := m.run(ctx, "umount", p.Mountpoint); err != nil {
			failed = append(failed, fmt.Sprintf("%s: %v: %s", p.Mountpoint, err, strings.TrimSpace(string(out))))
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("failed to unmount %d of %d volumes: %s", len(failed), len(parts), strings.Join(failed, "; "))
	}
	return nil
}

// Remount re-reads the partition table so the OS sees the device again.
// Volumes are not mounted back; the erase removed them.
func (m *SystemManager) Remount(ctx context.Context, device string) error {
	if m.goos == "windows" {
		return m.diskpart(ctx, device, "online")
	}
	if out, err := m.run(ctx, "partprobe", device); err != nil {
		return fmt.Errorf("partprobe %s: %w: %s", device, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// diskpart выполняет сценарий diskpart для физического диска
func (m *SystemManager) diskpart(ctx context.Context, device, action string) error {
	number, err := physicalDriveNumber(device)
	if err != nil {
		return err
	}
	script := fmt.Sprintf("select disk %s\n%s disk noerr\n", number, action)
	out, err := m.run(ctx, "powershell", "-NoProfile", "-Command",
		fmt.Sprintf("'%s' | diskpart", strings.ReplaceAll(script, "\n", "`n")))
	if err != nil {
		return fmt.Errorf("diskpart %s disk %s: %w: %s", action, number, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func physicalDriveNumber(device string) (string, error) {
	lower := strings.ToLower(device)
	idx := strings.Index(lower, "physicaldrive")
	if idx < 0 {
		return "", fmt.Errorf("%s is not a PhysicalDrive path", device)
	}
	n := device[idx+len("physicaldrive"):]
	if n == "" {
		return "", fmt.Errorf("%s has no drive number", device)
	}
	return n, nil
}

// Noop is used when mount handling is disabled.
type Noop struct{}

func (Noop) Unmount(context.Context, string) error { return nil }
func (Noop) Remount(context.Context, string) error { return nil }
