package security

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"dropdrive/internal/config"
	"dropdrive/internal/wipeerr"
)

func TestCurrentElevation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		elevated bool
		mutate   func(*config.Config)
		want     Capabilities
	}{
		{
			name:     "elevated",
			elevated: true,
			want:     Capabilities{CanWipe: true, CanPurge: true, CanDryRun: true, CanViewDevices: true},
		},
		{
			name: "standard user",
			want: Capabilities{CanDryRun: true, CanViewDevices: true},
		},
		{
			name:   "purge allowed without admin by policy",
			mutate: func(c *config.Config) { c.Security.RequireAdminForPurge = false },
			want:   Capabilities{CanPurge: true, CanDryRun: true, CanViewDevices: true},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := config.Default()
			if tt.mutate != nil {
				tt.mutate(cfg)
			}
			g := NewGuardWith(cfg, func() bool { return tt.elevated })
			e := g.CurrentElevation()
			assert.Equal(t, tt.elevated, e.Elevated)
			assert.Equal(t, tt.want, e.Capabilities)
			assert.NotEmpty(t, e.Message)
			if !tt.elevated {
				assert.NotEmpty(t, e.Guidance)
			}
		})
	}
}

func TestIsPrivilegeError(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"os permission", &fs.PathError{Op: "open", Path: "/dev/sda", Err: os.ErrPermission}, true},
		{"eperm", fmt.Errorf("ioctl: %w", syscall.EPERM), true},
		{"eacces", &os.SyscallError{Syscall: "open", Err: syscall.EACCES}, true},
		{"windows text", errors.New("Access is denied."), true},
		{"native code", errors.New("DeviceIoControl failed: ACCESS_DENIED"), true},
		{"error 5", errors.New("diskpart returned Error 5"), true},
		{"elevation", errors.New("this operation requires elevation"), true},
		{"marked", wipeerr.New(wipeerr.KindPrivilege, "nope"), true},
		{"unrelated", errors.New("device not ready"), false},
		{"unsupported", errors.New("sanitize not supported by controller"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, IsPrivilegeError(tt.err))
		})
	}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	c := Classify(errors.New("EPERM: operation not permitted"))
	assert.True(t, c.Privilege)
	assert.Equal(t, PrivilegeMessage, c.Message)
	assert.NotEmpty(t, c.Guidance)

	c = Classify(errors.New("invalid field in CDB"))
	assert.False(t, c.Privilege)
	assert.Equal(t, "invalid field in CDB", c.Message)

	assert.Equal(t, Classification{}, Classify(nil))
}

func TestRemediationPrefersHints(t *testing.T) {
	t.Parallel()
	err := wipeerr.New(wipeerr.KindValidation, "volume supplied", "select the physical disk")
	assert.Equal(t, "select the physical disk", Remediation(err))
	assert.NotEmpty(t, Remediation(errors.New("permission denied")))
	assert.Empty(t, Remediation(errors.New("timeout")))
}
