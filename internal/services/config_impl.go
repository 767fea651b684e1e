package services

import (
	"context"

	"proctord/internal/auth"
	"proctord/internal/config"
	"proctord/internal/middleware"
)

// ConfigView is the non-secret part of the running configuration
type ConfigView struct {
	Detection     config.DetectionConfig `json:"detection"`
	Media         config.MediaConfig     `json:"media"`
	RetentionDays int                    `json:"retention_days"`
}

// ConfigImplementation implements the config service
type ConfigImplementation struct {
	current func() *config.Config
	authOn  bool
}

// NewConfigService creates a new config service implementation. current
// returns the latest loaded configuration.
func NewConfigService(current func() *config.Config, authEnabled bool) *ConfigImplementation {
	return &ConfigImplementation{current: current, authOn: authEnabled}
}

// Get returns the detection and media settings in effect for new sessions
func (c *ConfigImplementation) Get(ctx context.Context) (*ConfigView, error) {
	if c.authOn {
		if _, err := middleware.RequireRole(ctx, auth.RoleExaminer); err != nil {
			return nil, err
		}
	}
	cfg := c.current()
	return &ConfigView{
		Detection:     cfg.Detection,
		Media:         cfg.Media,
		RetentionDays: cfg.Storage.RetentionDays,
	}, nil
}
