package services

import (
	"context"
	"time"

	"proctord/internal/auth"
	"proctord/internal/middleware"
)

// SystemStatus is the overall agent status
type SystemStatus struct {
	ActiveSessions       int  `json:"active_sessions"`
	ConnectedPages       int  `json:"connected_pages"`
	CameraAvailable      bool `json:"camera_available"`
	AudioAvailable       bool `json:"audio_available"`
	NotificationsEnabled bool `json:"notifications_enabled"`
	UptimeSeconds        int  `json:"uptime_seconds"`
}

// TestNotifier sends a test alert to the configured examiner channel
type TestNotifier interface {
	IsEnabled() bool
	SendTestMessage(ctx context.Context) error
}

// SystemImplementation implements the system service
type SystemImplementation struct {
	manager   *SessionManager
	pages     func() int
	notifier  TestNotifier
	authOn    bool
	startTime time.Time
}

// NewSystemService creates a new system service implementation. pages counts
// connected exam pages.
func NewSystemService(manager *SessionManager, pages func() int, notifier TestNotifier, authEnabled bool) *SystemImplementation {
	return &SystemImplementation{
		manager:   manager,
		pages:     pages,
		notifier:  notifier,
		authOn:    authEnabled,
		startTime: time.Now(),
	}
}

// Status returns the overall system status
func (s *SystemImplementation) Status(ctx context.Context) (*SystemStatus, error) {
	status := &SystemStatus{
		ActiveSessions: s.manager.ActiveCount(),
		UptimeSeconds:  int(time.Since(s.startTime).Seconds()),
	}
	if s.pages != nil {
		status.ConnectedPages = s.pages()
	}
	if p := s.manager.deps.Prober; p != nil {
		status.CameraAvailable = p.HasCamera()
		status.AudioAvailable = p.HasAudioAnalysis()
	}
	if s.notifier != nil {
		status.NotificationsEnabled = s.notifier.IsEnabled()
	}
	return status, nil
}

// TestNotification sends a test message through the examiner channel
func (s *SystemImplementation) TestNotification(ctx context.Context) error {
	if s.authOn {
		if _, err := middleware.RequireRole(ctx, auth.RoleExaminer); err != nil {
			return err
		}
	}
	if s.notifier == nil || !s.notifier.IsEnabled() {
		return badRequest("notifications are not configured")
	}
	return s.notifier.SendTestMessage(ctx)
}
