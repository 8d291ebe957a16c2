//go:build !windows

package security

import "golang.org/x/sys/unix"

// IsAdmin проверка прав root
func IsAdmin() bool {
	return unix.Geteuid() == 0
}
