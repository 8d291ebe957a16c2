package config

import (
	"fmt"
)

// ApplyProfile применяет операционный профиль к конфигурации
func ApplyProfile(cfg *Config, profile string) error {
	switch profile {
	case "safe":
		cfg.Security.RequireConfirmation = true
		cfg.Security.RequireAdminForPurge = true
		cfg.Sanitize.ClearPattern = "nist"
		cfg.Sanitize.HeartbeatInterval = "5s"
		cfg.Sanitize.AtaEnhanced = true
		cfg.Evidence.IssueRetries = 3
	case "standard":
		cfg.Security.RequireConfirmation = true
		cfg.Sanitize.ClearPattern = "zero"
		cfg.Sanitize.HeartbeatInterval = "2s"
		cfg.Sanitize.AtaEnhanced = false
		cfg.Evidence.IssueRetries = 2
	case "lab":
		// Стенд для тестирования: без подтверждений, короткий heartbeat
		cfg.Security.RequireConfirmation = false
		cfg.Sanitize.HeartbeatInterval = "500ms"
		cfg.Sanitize.StallWarningAfter = "10m"
		cfg.Sanitize.Retention = "1h"
	default:
		return fmt.Errorf("unknown profile: %s", profile)
	}
	return nil
}
