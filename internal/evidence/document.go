package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dropdrive/internal/model"
)

// DeviceInfo is the device section of a certificate.
type DeviceInfo struct {
	SerialNumber string `json:"serial_number"`
	Model        string `json:"model"`
	Type         string `json:"type"`
	Capacity     string `json:"capacity"`
	CapacityB    uint64 `json:"capacity_bytes"`
	Path         string `json:"path,omitempty"`
}

// Certificate is the machine-readable sanitization certificate.
type Certificate struct {
	CertificateID  string     `json:"certificate_id"`
	OperationID    string     `json:"operation_id,omitempty"`
	TimestampUTC   string     `json:"timestamp_utc"`
	Operator       string     `json:"operator"`
	Label          string     `json:"label,omitempty"`
	DeviceInfo     DeviceInfo `json:"device_info"`
	EraseMethod    string     `json:"erase_method"`
	NISTProfile    string     `json:"nist_profile"`
	PostWipeStatus string     `json:"post_wipe_status"`
	Logs           []string   `json:"logs"`
	ToolVersion    string     `json:"tool_version"`
}

// BuildDocument assembles a certificate from a wipe result.
func BuildDocument(id string, result model.WipeResult, device model.DeviceDescriptor, label, operator, toolVersion string, now time.Time) Certificate {
	logs := result.Logs
	if logs == nil {
		logs = []string{}
	}
	return Certificate{
		CertificateID: id,
		OperationID:   result.OperationID,
		TimestampUTC:  now.UTC().Format(time.RFC3339),
		Operator:      operator,
		Label:         label,
		DeviceInfo: DeviceInfo{
			SerialNumber: orUnknown(device.Serial),
			Model:        orUnknown(device.Model),
			Type:         orUnknown(device.BusType),
			Capacity:     humanBytes(device.CapacityBytes),
			CapacityB:    device.CapacityBytes,
			Path:         result.DevicePath,
		},
		EraseMethod:    result.MethodUsed,
		NISTProfile:    result.Level.NISTProfile(),
		PostWipeStatus: string(result.Status),
		Logs:           logs,
		ToolVersion:    toolVersion,
	}
}

// writeAtomic пишет файл через временный файл и rename
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*"+tempSuffix)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}

func writeDocument(path string, doc Certificate) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal certificate: %w", err)
	}
	return writeAtomic(path, data)
}

func readDocument(path string) (Certificate, error) {
	var doc Certificate
	data, err := os.ReadFile(path)
	if err != nil {
		return doc, err
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return doc, nil
}

func orUnknown(s string) string {
	if s == "" {
		return "Unknown"
	}
	return s
}

func humanBytes(b uint64) string {
	const unit = 1000
	if b == 0 {
		return "Unknown"
	}
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := uint64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(b)/float64(div), "kMGTPE"[exp])
}
