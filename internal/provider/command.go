package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"runtime"
	"strconv"
	"strings"

	"dropdrive/internal/logging"
	"dropdrive/internal/security"
	"dropdrive/internal/wipeerr"
)

// Runner executes an external command and returns its combined output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.CombinedOutput()
}

// Tools lists the external commands CommandProvider runs. Required tools
// back Clear, Destroy and device inspection; the rest only back Purge.
var Tools = []struct {
	Name     string
	Required bool
}{
	{"lsblk", true},
	{"blockdev", true},
	{"shred", true},
	{"wipefs", true},
	{"nvme", false},
	{"hdparm", false},
}

// CommandProvider drives the Linux erase tools (nvme-cli, hdparm, shred,
// wipefs, blockdev, lsblk). On any other platform every call reports an
// unsupported-platform error without running anything.
type CommandProvider struct {
	run    Runner
	goos   string
	logger *logging.EnterpriseLogger
}

func NewCommandProvider(logger *logging.EnterpriseLogger) *CommandProvider {
	return &CommandProvider{run: execRunner, goos: runtime.GOOS, logger: logger.Named("provider")}
}

// NewCommandProviderWithRunner replaces command execution, e.g. in tests.
// The runner stands in for the Linux tools.
func NewCommandProviderWithRunner(logger *logging.EnterpriseLogger, run Runner) *CommandProvider {
	return &CommandProvider{run: run, goos: "linux", logger: logger.Named("provider")}
}

// PlatformSupported reports whether the erase tools can run on goos.
func PlatformSupported(goos string) bool { return goos == "linux" }

func (p *CommandProvider) platformErr() error {
	if PlatformSupported(p.goos) {
		return nil
	}
	return wipeerr.Newf(wipeerr.KindUnsupported, "device erase tools are not available on %s, only linux is supported", p.goos)
}

// Соответствие паттернов очистки аргументам shred
var overwriteArgs = map[string][]string{
	"zero":   {"-n", "0", "-z"},
	"random": {"-n", "1"},
	"nist":   {"-n", "1", "-z"},
}

// Коды действия nvme sanitize (SANACT)
var sanitizeActions = map[string]struct {
	sanact string
	capBit int
}{
	"block":     {"2", 1},
	"overwrite": {"3", 2},
	"crypto":    {"4", 0},
}

func (p *CommandProvider) SoftwareOverwrite(ctx context.Context, device, pattern string, confirm bool) (Outcome, error) {
	out := Outcome{Method: MethodSoftwareOverwrite, Supported: true}
	if err := p.platformErr(); err != nil {
		return unsupported(out, err), nil
	}
	if !confirm {
		return out, fmt.Errorf("software overwrite of %s requires explicit confirmation", device)
	}
	args, ok := overwriteArgs[pattern]
	if !ok {
		return out, fmt.Errorf("unknown overwrite pattern: %s", pattern)
	}
	args = append(append([]string{}, args...), device)
	return p.execute(ctx, out, "shred", args...)
}

func (p *CommandProvider) MultiPassDestroy(ctx context.Context, device string, confirm bool) (Outcome, error) {
	out := Outcome{Method: MethodMultiPassDestroy, Supported: true}
	if err := p.platformErr(); err != nil {
		return unsupported(out, err), nil
	}
	if !confirm {
		return out, fmt.Errorf("destroy of %s requires explicit confirmation", device)
	}
	out, err := p.execute(ctx, out, "shred", "-n", "3", "-z", device)
	if err != nil || !out.Success {
		return out, err
	}
	// Стираем сигнатуры файловых систем и таблиц разделов
	if _, err := p.execute(ctx, Outcome{Method: MethodMultiPassDestroy, Supported: true}, "wipefs", "-a", device); err != nil {
		p.logger.Log("WARN", "wipefs after destroy failed", "device", device, "error", err)
	}
	return out, nil
}

func (p *CommandProvider) CryptoErase(ctx context.Context, device string, dryRun bool) (Outcome, error) {
	out := Outcome{Method: MethodCryptoErase, DryRun: dryRun}
	if err := p.platformErr(); err != nil {
		return unsupported(out, err), nil
	}
	ctrl, err := p.nvmeController(ctx, device)
	if err != nil {
		return unsupported(out, err), nil
	}
	// FNA bit 2: cryptographic erase supported by Format NVM
	if ctrl.FNA&0x4 == 0 {
		out.Message = "controller does not support cryptographic erase"
		return out, nil
	}
	out.Supported = true
	if dryRun {
		out.Message = "cryptographic erase available"
		return out, nil
	}
	return p.execute(ctx, out, "nvme", "format", device, "--ses=2", "--force")
}

func (p *CommandProvider) NvmeSanitize(ctx context.Context, device, action string, dryRun bool) (Outcome, error) {
	out := Outcome{Method: MethodNvmeSanitize, DryRun: dryRun}
	if err := p.platformErr(); err != nil {
		return unsupported(out, err), nil
	}
	act, ok := sanitizeActions[action]
	if !ok {
		return out, fmt.Errorf("unknown sanitize action: %s", action)
	}
	ctrl, err := p.nvmeController(ctx, device)
	if err != nil {
		return unsupported(out, err), nil
	}
	if ctrl.SANICAP&(1<<act.capBit) == 0 {
		out.Message = fmt.Sprintf("controller does not support %s sanitize", action)
		return out, nil
	}
	out.Supported = true
	if dryRun {
		out.Message = fmt.Sprintf("%s sanitize available", action)
		return out, nil
	}
	return p.execute(ctx, out, "nvme", "sanitize", device, "--sanact="+act.sanact)
}

func (p *CommandProvider) AtaSecureErase(ctx context.Context, device string, enhanced, dryRun bool) (Outcome, error) {
	out := Outcome{Method: MethodAtaSecureErase, DryRun: dryRun}
	if err := p.platformErr(); err != nil {
		return unsupported(out, err), nil
	}
	output, err := p.run(ctx, "hdparm", "-I", device)
	if err != nil {
		if isPrivilegeOutput(output, err) {
			return out, fmt.Errorf("hdparm -I %s: %w: %s", device, err, strings.TrimSpace(string(output)))
		}
		return unsupported(out, err), nil
	}
	sec := parseATASecurity(string(output))
	switch {
	case !sec.Supported:
		out.Message = "drive does not implement the ATA security feature set"
		return out, nil
	case enhanced && !sec.Enhanced:
		out.Message = "drive does not support enhanced secure erase"
		return out, nil
	case sec.Frozen:
		out.Message = "drive security is frozen; suspend and resume the host to unfreeze"
		return out, nil
	}
	out.Supported = true
	if dryRun {
		out.Message = "ATA secure erase available"
		return out, nil
	}

	const pass = "dropdrive"
	setPass := Outcome{Method: MethodAtaSecureErase, Supported: true}
	if res, err := p.execute(ctx, setPass, "hdparm", "--user-master", "u", "--security-set-pass", pass, device); err != nil || !res.Success {
		res.DryRun = false
		return res, err
	}
	flag := "--security-erase"
	if enhanced {
		flag = "--security-erase-enhanced"
	}
	return p.execute(ctx, out, "hdparm", "--user-master", "u", flag, pass, device)
}

func (p *CommandProvider) DeviceInfo(ctx context.Context, device string) (Info, error) {
	if err := p.platformErr(); err != nil {
		return Info{}, err
	}
	output, err := p.run(ctx, "lsblk", "-J", "-b", "-d", "-o", "NAME,SIZE,MODEL,SERIAL,TRAN,ROTA,RM", device)
	if err != nil {
		return Info{}, fmt.Errorf("lsblk %s: %w: %s", device, err, strings.TrimSpace(string(output)))
	}
	info, err := parseLsblk(output)
	if err != nil {
		return Info{}, err
	}
	info.Path = device

	if info.SizeBytes == 0 {
		size, err := p.run(ctx, "blockdev", "--getsize64", device)
		if err == nil {
			info.SizeBytes, _ = strconv.ParseUint(strings.TrimSpace(string(size)), 10, 64)
		}
	}
	return info, nil
}

// execute runs a destructive command and fills the outcome from its exit status.
func (p *CommandProvider) execute(ctx context.Context, out Outcome, name string, args ...string) (Outcome, error) {
	p.logger.Log("INFO", "running erase command", "command", name, "args", args)
	output, err := p.run(ctx, name, args...)
	text := strings.TrimSpace(string(output))
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return unsupported(out, fmt.Errorf("%s is not installed", name)), nil
		}
		if isPrivilegeOutput(output, err) {
			return out, fmt.Errorf("%s: %w: %s", name, err, text)
		}
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		out.Executed = true
		out.Error = fmt.Sprintf("%s failed: %v: %s", name, err, text)
		return out, nil
	}
	out.Executed = true
	out.Success = true
	out.Message = fmt.Sprintf("%s completed", name)
	return out, nil
}

func unsupported(out Outcome, err error) Outcome {
	out.Supported = false
	out.Executed = false
	out.Error = err.Error()
	return out
}

func isPrivilegeOutput(output []byte, err error) bool {
	return security.MatchesPrivilegeSignature(string(output)) || security.IsPrivilegeError(err)
}

type nvmeIDCtrl struct {
	FNA     int `json:"fna"`
	SANICAP int `json:"sanicap"`
}

func (p *CommandProvider) nvmeController(ctx context.Context, device string) (nvmeIDCtrl, error) {
	var ctrl nvmeIDCtrl
	if !strings.Contains(device, "nvme") {
		return ctrl, fmt.Errorf("%s is not an NVMe device", device)
	}
	output, err := p.run(ctx, "nvme", "id-ctrl", device, "-o", "json")
	if err != nil {
		return ctrl, fmt.Errorf("nvme id-ctrl %s: %w", device, err)
	}
	if err := json.Unmarshal(output, &ctrl); err != nil {
		return ctrl, fmt.Errorf("failed to parse nvme id-ctrl output: %w", err)
	}
	return ctrl, nil
}

type ataSecurity struct {
	Supported bool
	Enhanced  bool
	Frozen    bool
}

// parseATASecurity читает секцию "Security:" вывода hdparm -I
func parseATASecurity(output string) ataSecurity {
	var sec ataSecurity
	idx := strings.Index(output, "Security:")
	if idx < 0 {
		return sec
	}
	section := output[idx:]
	if end := strings.Index(section, "Logical Unit WWN"); end > 0 {
		section = section[:end]
	}
	for _, line := range strings.Split(section, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "supported":
			sec.Supported = true
		case line == "frozen":
			sec.Frozen = true
		case strings.HasPrefix(line, "supported: enhanced erase"):
			sec.Enhanced = true
		}
	}
	return sec
}

// lsblk prints booleans and sizes either as JSON values or as strings
// depending on its version.
type lsblkDevice struct {
	Name   string          `json:"name"`
	Size   json.RawMessage `json:"size"`
	Model  *string         `json:"model"`
	Serial *string         `json:"serial"`
	Tran   *string         `json:"tran"`
	Rota   json.RawMessage `json:"rota"`
	RM     json.RawMessage `json:"rm"`
}

func parseLsblk(output []byte) (Info, error) {
	var doc struct {
		BlockDevices []lsblkDevice `json:"blockdevices"`
	}
	if err := json.Unmarshal(output, &doc); err != nil {
		return Info{}, fmt.Errorf("failed to parse lsblk output: %w", err)
	}
	if len(doc.BlockDevices) == 0 {
		return Info{}, fmt.Errorf("lsblk reported no device")
	}
	d := doc.BlockDevices[0]
	return Info{
		Serial:     strings.TrimSpace(deref(d.Serial)),
		Model:      strings.TrimSpace(deref(d.Model)),
		BusType:    deref(d.Tran),
		SizeBytes:  rawUint(d.Size),
		Rotational: rawBool(d.Rota),
		Removable:  rawBool(d.RM),
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func rawUint(raw json.RawMessage) uint64 {
	s := strings.Trim(string(raw), `"`)
	v, _ := strconv.ParseUint(s, 10, 64)
	return v
}

func rawBool(raw json.RawMessage) bool {
	switch strings.Trim(string(raw), `"`) {
	case "true", "1":
		return true
	default:
		return false
	}
}
