package security

import (
	"errors"
	"os"
	"runtime"
	"strings"
	"syscall"

	"dropdrive/internal/config"
	"dropdrive/internal/wipeerr"
)

// Capabilities набор разрешённых действий для текущего процесса
type Capabilities struct {
	CanWipe        bool `json:"can_wipe"`
	CanPurge       bool `json:"can_purge"`
	CanDryRun      bool `json:"can_dry_run"`
	CanViewDevices bool `json:"can_view_devices"`
}

// Elevation is a snapshot of the process privilege level.
type Elevation struct {
	Elevated     bool         `json:"elevated"`
	Platform     string       `json:"platform"`
	Message      string       `json:"message"`
	Guidance     string       `json:"guidance,omitempty"`
	Capabilities Capabilities `json:"capabilities"`
}

// Classification результат разбора ошибки провайдера
type Classification struct {
	Privilege bool
	Message   string
	Guidance  string
}

// PrivilegeMessage is reported when a device call fails for lack of elevation.
const PrivilegeMessage = "Administrator permissions required to execute this purge method"

// Сигнатуры ошибок доступа, как их печатают системные утилиты
var privilegeSignatures = []string{
	"access denied",
	"access_denied",
	"access is denied",
	"error 5",
	"eperm",
	"eacces",
	"operation not permitted",
	"permission denied",
	"requires elevation",
	"administrator privileges",
	"elevated privileges",
}

// Guard determines elevation and classifies privilege failures.
type Guard struct {
	cfg      *config.Config
	elevated func() bool
}

func NewGuard(cfg *config.Config) *Guard {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Guard{cfg: cfg, elevated: IsAdmin}
}

// NewGuardWith allows the elevation probe to be replaced.
func NewGuardWith(cfg *config.Config, elevated func() bool) *Guard {
	g := NewGuard(cfg)
	g.elevated = elevated
	return g
}

// CurrentElevation возвращает текущий уровень привилегий
func (g *Guard) CurrentElevation() Elevation {
	elevated := g.elevated()
	e := Elevation{
		Elevated: elevated,
		Platform: runtime.GOOS,
		Capabilities: Capabilities{
			CanWipe:        elevated,
			CanPurge:       elevated || !g.cfg.Security.RequireAdminForPurge,
			CanDryRun:      true,
			CanViewDevices: true,
		},
	}
	if elevated {
		e.Message = "Running with elevated privileges"
		return e
	}
	e.Message = "Running without elevated privileges: purge and destroy are disabled, dry runs are available"
	e.Guidance = platformGuidance()
	return e
}

// Classify разбирает ошибку на предмет нехватки прав
func (g *Guard) Classify(err error) Classification {
	return Classify(err)
}

// IsProtected reports whether the device is excluded from sanitization by policy.
func (g *Guard) IsProtected(device string) bool {
	return g.cfg.IsProtected(device)
}

func Classify(err error) Classification {
	if err == nil {
		return Classification{}
	}
	if IsPrivilegeError(err) {
		return Classification{
			Privilege: true,
			Message:   PrivilegeMessage,
			Guidance:  platformGuidance(),
		}
	}
	return Classification{Message: err.Error()}
}

// IsPrivilegeError проверяет ошибку и её текст по списку сигнатур
func IsPrivilegeError(err error) bool {
	if err == nil {
		return false
	}
	if wipeerr.IsPrivilege(err) ||
		errors.Is(err, os.ErrPermission) ||
		errors.Is(err, syscall.EPERM) ||
		errors.Is(err, syscall.EACCES) {
		return true
	}
	return MatchesPrivilegeSignature(err.Error())
}

func MatchesPrivilegeSignature(msg string) bool {
	msg = strings.ToLower(msg)
	for _, sig := range privilegeSignatures {
		if strings.Contains(msg, sig) {
			return true
		}
	}
	return false
}

// Remediation returns operator guidance for err, or "" when there is none.
func Remediation(err error) string {
	if err == nil {
		return ""
	}
	if hints := wipeerr.Hints(err); len(hints) > 0 {
		return strings.Join(hints, "; ")
	}
	if IsPrivilegeError(err) {
		return platformGuidance()
	}
	return ""
}

func platformGuidance() string {
	switch runtime.GOOS {
	case "windows":
		return "Right-click the application and choose \"Run as administrator\""
	case "darwin":
		return "Re-run the command with sudo"
	default:
		return "Re-run the command with sudo or as root"
	}
}
