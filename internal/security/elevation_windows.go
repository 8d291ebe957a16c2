//go:build windows

package security

import "golang.org/x/sys/windows"

// IsAdmin проверка прав администратора (elevated token)
func IsAdmin() bool {
	token := windows.GetCurrentProcessToken()
	return token.IsElevated()
}
