// Package provider defines the device erase provider: the set of low-level
// erase primitives the orchestrator and the purge engine consume.
// Implementations never decide policy; they report what happened.
package provider

import (
	"context"
)

// Method names reported in Outcome.Method.
const (
	MethodSoftwareOverwrite = "softwareOverwrite"
	MethodCryptoErase       = "cryptoErase"
	MethodNvmeSanitize      = "nvmeSanitize"
	MethodAtaSecureErase    = "ataSecureErase"
	MethodMultiPassDestroy  = "multiPassDestroy"
)

// Outcome is what a single primitive call reports.
type Outcome struct {
	Method    string `json:"method"`
	Supported bool   `json:"supported"`
	Executed  bool   `json:"executed"`
	Success   bool   `json:"success"`
	DryRun    bool   `json:"dry_run"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
}

// Info describes the live device.
type Info struct {
	Path       string `json:"path"`
	Serial     string `json:"serial"`
	Model      string `json:"model"`
	BusType    string `json:"bus_type"`
	SizeBytes  uint64 `json:"size_bytes"`
	Rotational bool   `json:"rotational"`
	Removable  bool   `json:"removable"`
}

// Provider is the erase primitive interface.
//
// A returned error means the call could not be made at all (missing
// privilege, tool crash); a failed erase is reported through Outcome.
// Calls block until the device finishes and honour ctx cancellation only
// where the underlying operation is interruptible. DeviceInfo returns an
// error marked wipeerr.KindUnsupported when the implementation cannot
// operate on this platform at all.
type Provider interface {
	SoftwareOverwrite(ctx context.Context, device, pattern string, confirm bool) (Outcome, error)
	CryptoErase(ctx context.Context, device string, dryRun bool) (Outcome, error)
	NvmeSanitize(ctx context.Context, device, action string, dryRun bool) (Outcome, error)
	AtaSecureErase(ctx context.Context, device string, enhanced, dryRun bool) (Outcome, error)
	MultiPassDestroy(ctx context.Context, device string, confirm bool) (Outcome, error)
	DeviceInfo(ctx context.Context, device string) (Info, error)
}
