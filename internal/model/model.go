// Package model defines the domain types shared by the orchestrator, the purge
// engine and the evidence issuer.
package model

import (
	"fmt"
	"strings"
	"time"
)

// Level is the sanitization classification requested by the operator.
type Level string

const (
	LevelClear   Level = "clear"
	LevelPurge   Level = "purge"
	LevelDestroy Level = "destroy"
)

// ParseLevel проверяет корректность уровня
func ParseLevel(s string) (Level, error) {
	l := Level(strings.ToLower(strings.TrimSpace(s)))
	switch l {
	case LevelClear, LevelPurge, LevelDestroy:
		return l, nil
	default:
		return "", fmt.Errorf("unknown sanitization level: %q (expected clear, purge or destroy)", s)
	}
}

// NISTProfile returns the NIST SP 800-88 classification label.
func (l Level) NISTProfile() string {
	switch l {
	case LevelClear:
		return "Clear"
	case LevelPurge:
		return "Purge"
	case LevelDestroy:
		return "Destroy"
	default:
		return "Unknown"
	}
}

func (l Level) String() string { return string(l) }

// Status is the lifecycle state of an operation.
type Status string

const (
	StatusPending     Status = "pending"
	StatusUnmounting  Status = "unmounting"
	StatusErasing     Status = "erasing"
	StatusRemounting  Status = "remounting"
	StatusSuccess     Status = "success"
	StatusSimulated   Status = "simulated"
	StatusUnsupported Status = "unsupported"
	StatusFailed      Status = "failed"
	StatusCancelled   Status = "cancelled"
)

// IsTerminal reports whether no further transition is allowed.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusSuccess, StatusSimulated, StatusUnsupported, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// PurgeMethod identifies a hardware purge technique.
type PurgeMethod string

const (
	MethodCryptoErase    PurgeMethod = "cryptoErase"
	MethodNvmeSanitize   PurgeMethod = "nvmeSanitize"
	MethodAtaSecureErase PurgeMethod = "ataSecureErase"
)

// PurgeOrder is the fixed priority in which purge methods are tried.
// Crypto erase is instantaneous and lowest risk, so it goes first.
var PurgeOrder = []PurgeMethod{MethodCryptoErase, MethodNvmeSanitize, MethodAtaSecureErase}

func (m PurgeMethod) Description() string {
	switch m {
	case MethodCryptoErase:
		return "Crypto Erase (Self-Encrypting Drive)"
	case MethodNvmeSanitize:
		return "NVMe Sanitize (NVMe SSD)"
	case MethodAtaSecureErase:
		return "ATA Secure Erase (SATA HDD/SSD)"
	default:
		return string(m)
	}
}

// Names of the non-purge methods recorded in results and certificates.
const (
	MethodSoftwareOverwrite = "softwareOverwrite"
	MethodMultiPassDestroy  = "multiPassDestroy"
	MethodNone              = "none"
)

// DeviceDescriptor describes the device as the operator selected it.
type DeviceDescriptor struct {
	Serial        string `json:"serial_number" yaml:"serial"`
	Model         string `json:"model" yaml:"model"`
	BusType       string `json:"type" yaml:"bus_type"`
	CapacityBytes uint64 `json:"capacity_bytes" yaml:"capacity_bytes"`

	// ConfirmedSerial, when set, must equal the serial read from the live
	// device or the operation aborts before any destructive call.
	ConfirmedSerial string `json:"-" yaml:"confirmed_serial,omitempty"`
}

// WipeRequest is the sanitization intent submitted by a caller.
type WipeRequest struct {
	DevicePath string
	Level      Level
	Simulate   bool
	Label      string
	DeviceInfo DeviceDescriptor
}

// Fallback reasons. They are kept distinct because they call for different
// remediation: another device class versus another method on the same device.
const (
	ReasonNoHardwarePurge = "device class lacks hardware purge"
	ReasonPurgeFailed     = "hardware purge attempted and failed"
)

// Fallback is guidance returned when the requested level could not be applied.
type Fallback struct {
	Methods []Level `json:"methods"`
	Reason  string  `json:"reason"`
	Message string  `json:"message,omitempty"`
}

// EvidenceReceipt references the artifacts of one issued certificate.
// All three references share ID.
type EvidenceReceipt struct {
	ID           string `json:"id"`
	DocumentRef  string `json:"document_ref"`
	RenderingRef string `json:"rendering_ref"`
	LedgerRef    string `json:"ledger_ref,omitempty"`
}

// WipeResult is the single authoritative outcome of an operation and the only
// input the evidence issuer accepts.
type WipeResult struct {
	OperationID       string           `json:"operation_id"`
	DevicePath        string           `json:"device_path"`
	Level             Level            `json:"level"`
	Status            Status           `json:"status"`
	Simulated         bool             `json:"simulated"`
	Executed          bool             `json:"executed"`
	MethodUsed        string           `json:"method_used"`
	Message           string           `json:"message"`
	FallbackSuggested *Fallback        `json:"fallback_suggested,omitempty"`
	Logs              []string         `json:"logs"`
	CompletedAt       time.Time        `json:"completed_at"`
	Evidence          *EvidenceReceipt `json:"evidence,omitempty"`

	// EvidenceMissing marks a successful wipe whose certificate could not be
	// issued and has to be regenerated out of band.
	EvidenceMissing bool `json:"evidence_missing,omitempty"`

	// DeviceStateIndeterminate is set when a real erase was interrupted.
	DeviceStateIndeterminate bool `json:"device_state_indeterminate,omitempty"`

	PrivilegeError bool `json:"privilege_error,omitempty"`

	// FailureKind classifies an unsuccessful result: validation, privilege,
	// unsupported, execution or evidence. Empty on success and cancellation.
	FailureKind string `json:"failure_kind,omitempty"`
}

// Validate checks the result invariants.
func (r WipeResult) Validate() error {
	if r.Status == StatusSuccess && !r.Executed {
		return fmt.Errorf("result %s: status success without execution", r.OperationID)
	}
	if r.Simulated && r.Executed {
		return fmt.Errorf("result %s: simulated result marked as executed", r.OperationID)
	}
	if r.Message == "" && r.Status.IsTerminal() {
		return fmt.Errorf("result %s: terminal status %s without message", r.OperationID, r.Status)
	}
	return nil
}
