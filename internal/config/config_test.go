package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)

	sc := cfg.SessionConfig()
	assert.Equal(t, 1280, sc.Constraints.Width)
	assert.Equal(t, 720, sc.Constraints.Height)
	assert.Equal(t, "user", sc.Constraints.FacingMode)
	assert.True(t, sc.Constraints.Audio)
	assert.Equal(t, 256, sc.Audio.FFTSize)
	assert.Equal(t, 30.0, sc.Audio.Threshold)
	assert.Equal(t, 2*time.Second, sc.Motion.Interval)
	assert.Equal(t, 2*time.Second, sc.MotionGrace)
	assert.Equal(t, 100, sc.LogCapacity)
	assert.Equal(t, 80, sc.EvidenceQuality)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention())
}

func TestLoadTOML(t *testing.T) {
	path := writeFile(t, "proctord.toml", `
[server]
http_port = 9000

[media]
video_device = "/dev/video2"
disable_audio = true

[detection]
audio_threshold = 42.5
motion_high = 60
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, "/dev/video2", cfg.FFmpegSettings().VideoDevice)
	assert.False(t, cfg.SessionConfig().Constraints.Audio)
	assert.Equal(t, 42.5, cfg.Detection.AudioThreshold)
	assert.Equal(t, 60.0, cfg.Detection.MotionHigh)
	// untouched keys keep their defaults
	assert.Equal(t, 5.0, cfg.Detection.MotionLow)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "proctord.yaml", `
storage:
  retention_days: 7
telegram:
  enabled: true
  bot_token: abc
  chat_id: "99"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, cfg.Retention())
	tg := cfg.TelegramSettings()
	assert.True(t, tg.Enabled)
	assert.Equal(t, "99", tg.ChatID)
}

func TestLoadRejects(t *testing.T) {
	_, err := Load(writeFile(t, "proctord.ini", "x=1"))
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.toml", "[detection]\nfft_size = 300\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "detection:\n  motion_low: 80\n"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad2.yaml", "telegram:\n  enabled: true\n"))
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PROCTORD_HTTP_PORT", "7070")
	t.Setenv("PROCTORD_VIDEO_DEVICE", "rtsp://cam")
	t.Setenv("AUTH_ENABLED", "true")
	t.Setenv("AUTH_PASSWORD", "pw")
	t.Setenv("JWT_SECRET", "s")
	t.Setenv("PROCTORD_ALLOWED_ORIGINS", "https://a.example,https://b.example")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.Equal(t, "rtsp://cam", cfg.Media.VideoDevice)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Server.AllowedOrigins)
	a := cfg.AuthSettings()
	assert.True(t, a.Enabled)
	assert.Equal(t, "s", a.JWTSecret)
}

func TestAuthWithoutPasswordIsInvalid(t *testing.T) {
	t.Setenv("AUTH_ENABLED", "true")
	_, err := Load("")
	assert.Error(t, err)
}

func TestWatcherReloads(t *testing.T) {
	path := writeFile(t, "proctord.toml", "[detection]\naudio_threshold = 30\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	w, err := NewWatcher(path, cfg, nil)
	require.NoError(t, err)
	defer w.Close()

	changed := make(chan *Config, 4)
	w.OnChange(func(c *Config) { changed <- c })

	// invalid content is ignored
	require.NoError(t, os.WriteFile(path, []byte("[detection]\nfft_size = 3\n"), 0o600))
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 30.0, w.Config().Detection.AudioThreshold)

	require.NoError(t, os.WriteFile(path, []byte("[detection]\naudio_threshold = 45\n"), 0o600))
	select {
	case c := <-changed:
		assert.Equal(t, 45.0, c.Detection.AudioThreshold)
	case <-time.After(3 * time.Second):
		t.Fatal("config not reloaded")
	}
	assert.Equal(t, 45.0, w.Config().Detection.AudioThreshold)
}
