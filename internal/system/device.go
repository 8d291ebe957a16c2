package system

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/shirou/gopsutil/disk"

	"dropdrive/internal/wipeerr"
)

var (
	// Устройство целиком, без разделов
	wholeDevicePatterns = []*regexp.Regexp{
		regexp.MustCompile(`^/dev/(sd|hd|vd|xvd)[a-z]+$`),
		regexp.MustCompile(`^/dev/nvme\d+n\d+$`),
		regexp.MustCompile(`^/dev/mmcblk\d+$`),
		regexp.MustCompile(`^/dev/loop\d+$`),
		regexp.MustCompile(`^/dev/r?disk\d+$`),
		regexp.MustCompile(`^/dev/disk/by-id/[^/]+$`),
		regexp.MustCompile(`(?i)^\\\\\.\\PhysicalDrive\d+$`),
	}

	partitionPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^/dev/(sd|hd|vd|xvd)[a-z]+\d+$`),
		regexp.MustCompile(`^/dev/(nvme\d+n\d+|mmcblk\d+|loop\d+)p\d+$`),
		regexp.MustCompile(`^/dev/r?disk\d+s\d+$`),
		regexp.MustCompile(`-part\d+$`),
	}

	driveLetterPattern = regexp.MustCompile(`^[A-Za-z]:[\\/]?$`)
)

const volumeHint = "select the physical device (e.g. /dev/sdb or \\\\.\\PhysicalDrive1), not a mounted volume"

// ValidateDevicePath проверяет, что путь указывает на физическое устройство,
// а не на том или каталог
func ValidateDevicePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return wipeerr.New(wipeerr.KindValidation, "device path is required")
	}
	// Путь используется дословно: блокировка, провайдер и сертификат
	if strings.TrimSpace(path) != path {
		return wipeerr.Newf(wipeerr.KindValidation, "device path %q has leading or trailing whitespace", path)
	}

	if driveLetterPattern.MatchString(path) {
		return wipeerr.Newf(wipeerr.KindValidation,
			"%s is a drive letter: a volume was supplied, not a device", path)
	}

	for _, p := range partitionPatterns {
		if p.MatchString(path) {
			return wipeerr.New(wipeerr.KindValidation,
				fmt.Sprintf("%s is a partition: a volume was supplied, not a device", path), volumeHint)
		}
	}

	for _, p := range wholeDevicePatterns {
		if p.MatchString(path) {
			return nil
		}
	}

	if filepath.IsAbs(path) && !strings.HasPrefix(path, "/dev/") {
		return wipeerr.New(wipeerr.KindValidation,
			fmt.Sprintf("%s is a directory path: a volume was supplied, not a device", path), volumeHint)
	}

	return wipeerr.New(wipeerr.KindValidation,
		fmt.Sprintf("%s is not a recognised raw device handle", path), volumeHint)
}

// IsPartitionOf reports whether partition is a partition node of device,
// e.g. /dev/sdb1 of /dev/sdb or /dev/nvme0n1p2 of /dev/nvme0n1.
func IsPartitionOf(partition, device string) bool {
	if partition == device || !strings.HasPrefix(partition, device) {
		return false
	}
	suffix := strings.TrimPrefix(partition, device)
	switch {
	case strings.HasPrefix(suffix, "-part"):
		suffix = strings.TrimPrefix(suffix, "-part")
	case endsWithDigit(device):
		// nvme0n1p2, mmcblk0p1, disk2s1: a separator is mandatory
		if !strings.HasPrefix(suffix, "p") && !strings.HasPrefix(suffix, "s") {
			return false
		}
		suffix = suffix[1:]
	}
	return isDigits(suffix)
}

func endsWithDigit(s string) bool {
	return s != "" && s[len(s)-1] >= '0' && s[len(s)-1] <= '9'
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Точки монтирования, по которым определяется системный диск
var systemMountpoints = map[string]bool{
	"/":     true,
	"/boot": true,
	"/usr":  true,
	"/var":  true,
}

// IsSystemDevice reports whether any partition of device backs a system
// mountpoint. Errors from partition discovery are returned to the caller.
func IsSystemDevice(device string) (bool, error) {
	parts, err := disk.Partitions(true)
	if err != nil {
		return false, fmt.Errorf("failed to list partitions: %w", err)
	}
	return backsSystemMount(parts, device), nil
}

func backsSystemMount(parts []disk.PartitionStat, device string) bool {
	for _, p := range parts {
		if !systemMountpoints[p.Mountpoint] {
			continue
		}
		if p.Device == device || IsPartitionOf(p.Device, device) {
			return true
		}
	}
	return false
}
