// Package config loads proctord settings from a TOML or YAML file and the
// environment.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"proctord/internal/auth"
	"proctord/internal/detector"
	"proctord/internal/media"
	"proctord/internal/proctor"
	"proctord/internal/telegram"
)

// Config is the full agent configuration
type Config struct {
	Server    ServerConfig    `toml:"server" yaml:"server"`
	Storage   StorageConfig   `toml:"storage" yaml:"storage"`
	Media     MediaConfig     `toml:"media" yaml:"media"`
	Detection DetectionConfig `toml:"detection" yaml:"detection"`
	Auth      AuthConfig      `toml:"auth" yaml:"auth"`
	Telegram  TelegramConfig  `toml:"telegram" yaml:"telegram"`
}

type ServerConfig struct {
	Host            string   `toml:"host" yaml:"host"`
	HTTPPort        int      `toml:"http_port" yaml:"http_port"`
	GRPCPort        int      `toml:"grpc_port" yaml:"grpc_port"`
	AllowedOrigins  []string `toml:"allowed_origins" yaml:"allowed_origins"`
	PageWaitSec     int      `toml:"page_wait_sec" yaml:"page_wait_sec"`
	PreviewFPS      int      `toml:"preview_fps" yaml:"preview_fps"`
	PreviewMaxWidth int      `toml:"preview_max_width" yaml:"preview_max_width"`
}

type StorageConfig struct {
	DatabasePath    string `toml:"database_path" yaml:"database_path"`
	EvidenceDir     string `toml:"evidence_dir" yaml:"evidence_dir"`
	EvidenceBaseURL string `toml:"evidence_base_url" yaml:"evidence_base_url"`
	RetentionDays   int    `toml:"retention_days" yaml:"retention_days"`
}

type MediaConfig struct {
	FFmpegPath      string `toml:"ffmpeg_path" yaml:"ffmpeg_path"`
	VideoFormat     string `toml:"video_format" yaml:"video_format"`
	VideoDevice     string `toml:"video_device" yaml:"video_device"`
	AudioFormat     string `toml:"audio_format" yaml:"audio_format"`
	AudioDevice     string `toml:"audio_device" yaml:"audio_device"`
	Width           int    `toml:"width" yaml:"width"`
	Height          int    `toml:"height" yaml:"height"`
	SampleRate      int    `toml:"sample_rate" yaml:"sample_rate"`
	StartTimeoutSec int    `toml:"start_timeout_sec" yaml:"start_timeout_sec"`
	DisableAudio    bool   `toml:"disable_audio" yaml:"disable_audio"`
}

type DetectionConfig struct {
	FFTSize          int     `toml:"fft_size" yaml:"fft_size"`
	AudioThreshold   float64 `toml:"audio_threshold" yaml:"audio_threshold"`
	AudioIntervalMs  int     `toml:"audio_interval_ms" yaml:"audio_interval_ms"`
	MotionIntervalMs int     `toml:"motion_interval_ms" yaml:"motion_interval_ms"`
	MotionHigh       float64 `toml:"motion_high" yaml:"motion_high"`
	MotionLow        float64 `toml:"motion_low" yaml:"motion_low"`
	MotionGraceMs    int     `toml:"motion_grace_ms" yaml:"motion_grace_ms"`
	LogCapacity      int     `toml:"log_capacity" yaml:"log_capacity"`
	EvidenceQuality  int     `toml:"evidence_quality" yaml:"evidence_quality"`
	StampEvidence    bool    `toml:"stamp_evidence" yaml:"stamp_evidence"`
}

type AuthConfig struct {
	Enabled   bool   `toml:"enabled" yaml:"enabled"`
	Username  string `toml:"username" yaml:"username"`
	Password  string `toml:"password" yaml:"password"`
	JWTSecret string `toml:"jwt_secret" yaml:"jwt_secret"`
	JWTExpiry string `toml:"jwt_expiry" yaml:"jwt_expiry"`
}

type TelegramConfig struct {
	Enabled         bool   `toml:"enabled" yaml:"enabled"`
	BotToken        string `toml:"bot_token" yaml:"bot_token"`
	ChatID          string `toml:"chat_id" yaml:"chat_id"`
	CooldownSeconds int    `toml:"cooldown_seconds" yaml:"cooldown_seconds"`
}

// DefaultConfig returns the built-in settings
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "localhost",
			HTTPPort:        8080,
			GRPCPort:        9090,
			PageWaitSec:     30,
			PreviewFPS:      10,
			PreviewMaxWidth: 640,
		},
		Storage: StorageConfig{
			DatabasePath:    "proctord.db",
			EvidenceDir:     "evidence",
			EvidenceBaseURL: "/evidence",
			RetentionDays:   30,
		},
		Media: MediaConfig{
			FFmpegPath:      "ffmpeg",
			VideoFormat:     "v4l2",
			VideoDevice:     "/dev/video0",
			AudioFormat:     "alsa",
			AudioDevice:     "default",
			Width:           1280,
			Height:          720,
			SampleRate:      44100,
			StartTimeoutSec: 10,
		},
		Detection: DetectionConfig{
			FFTSize:          256,
			AudioThreshold:   30,
			AudioIntervalMs:  16,
			MotionIntervalMs: 2000,
			MotionHigh:       50,
			MotionLow:        5,
			MotionGraceMs:    2000,
			LogCapacity:      100,
			EvidenceQuality:  80,
		},
		Auth: AuthConfig{
			Username:  "examiner",
			JWTExpiry: "8h",
		},
		Telegram: TelegramConfig{
			CooldownSeconds: 30,
		},
	}
}

// Load reads path (when non-empty), applies environment overrides and validates
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if err := decodeFile(path, cfg); err != nil {
			return nil, err
		}
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("failed to decode TOML: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to decode YAML: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format %q (use .toml, .yaml or .yml)", filepath.Ext(path))
	}
	return nil
}

// ApplyEnvOverrides lets the environment override file settings
func (c *Config) ApplyEnvOverrides() {
	envString("PROCTORD_HOST", &c.Server.Host)
	envInt("PROCTORD_HTTP_PORT", &c.Server.HTTPPort)
	envInt("PROCTORD_GRPC_PORT", &c.Server.GRPCPort)
	if v := os.Getenv("PROCTORD_ALLOWED_ORIGINS"); v != "" {
		c.Server.AllowedOrigins = strings.Split(v, ",")
	}

	envString("PROCTORD_DB_PATH", &c.Storage.DatabasePath)
	envString("PROCTORD_EVIDENCE_DIR", &c.Storage.EvidenceDir)
	envInt("PROCTORD_RETENTION_DAYS", &c.Storage.RetentionDays)

	envString("PROCTORD_FFMPEG", &c.Media.FFmpegPath)
	envString("PROCTORD_VIDEO_FORMAT", &c.Media.VideoFormat)
	envString("PROCTORD_VIDEO_DEVICE", &c.Media.VideoDevice)
	envString("PROCTORD_AUDIO_FORMAT", &c.Media.AudioFormat)
	envString("PROCTORD_AUDIO_DEVICE", &c.Media.AudioDevice)

	if v := os.Getenv("AUTH_ENABLED"); v != "" {
		c.Auth.Enabled = v == "true"
	}
	envString("AUTH_USERNAME", &c.Auth.Username)
	envString("AUTH_PASSWORD", &c.Auth.Password)
	envString("JWT_SECRET", &c.Auth.JWTSecret)
	envString("JWT_EXPIRY", &c.Auth.JWTExpiry)

	if v := os.Getenv("TELEGRAM_ENABLED"); v != "" {
		c.Telegram.Enabled = v == "true"
	}
	envString("TELEGRAM_BOT_TOKEN", &c.Telegram.BotToken)
	envString("TELEGRAM_CHAT_ID", &c.Telegram.ChatID)
	envInt("TELEGRAM_COOLDOWN", &c.Telegram.CooldownSeconds)
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks ranges and required fields
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort)
	}
	if c.Server.GRPCPort < 0 || c.Server.GRPCPort > 65535 {
		return fmt.Errorf("server.grpc_port %d out of range", c.Server.GRPCPort)
	}
	if c.Storage.DatabasePath == "" {
		return fmt.Errorf("storage.database_path is required")
	}
	if c.Storage.EvidenceDir == "" {
		return fmt.Errorf("storage.evidence_dir is required")
	}
	if c.Media.Width <= 0 || c.Media.Height <= 0 {
		return fmt.Errorf("media size %dx%d invalid", c.Media.Width, c.Media.Height)
	}

	d := c.Detection
	if d.FFTSize < 32 || d.FFTSize > 32768 || d.FFTSize&(d.FFTSize-1) != 0 {
		return fmt.Errorf("detection.fft_size must be a power of two between 32 and 32768")
	}
	if d.AudioThreshold <= 0 || d.AudioThreshold > 255 {
		return fmt.Errorf("detection.audio_threshold must be in (0, 255]")
	}
	if d.MotionLow < 0 || d.MotionHigh <= d.MotionLow {
		return fmt.Errorf("detection.motion_low must be below detection.motion_high")
	}
	if d.MotionIntervalMs <= 0 || d.AudioIntervalMs <= 0 {
		return fmt.Errorf("detection intervals must be positive")
	}
	if d.EvidenceQuality < 1 || d.EvidenceQuality > 100 {
		return fmt.Errorf("detection.evidence_quality must be in [1, 100]")
	}
	if c.Auth.JWTExpiry != "" {
		if _, err := time.ParseDuration(c.Auth.JWTExpiry); err != nil {
			return fmt.Errorf("auth.jwt_expiry: %w", err)
		}
	}
	if c.Auth.Enabled && c.Auth.Password == "" {
		return fmt.Errorf("auth.password is required when auth is enabled")
	}

	return telegram.ValidateConfig(c.TelegramSettings())
}

// SessionConfig converts the detection settings for a proctoring session
func (c *Config) SessionConfig() proctor.Config {
	d := c.Detection
	return proctor.Config{
		Constraints: media.Constraints{
			Width:      c.Media.Width,
			Height:     c.Media.Height,
			FacingMode: "user",
			Audio:      !c.Media.DisableAudio,
		},
		Audio: detector.AudioConfig{
			FFTSize:   d.FFTSize,
			Threshold: d.AudioThreshold,
			Interval:  time.Duration(d.AudioIntervalMs) * time.Millisecond,
		},
		Motion: detector.MotionConfig{
			Interval: time.Duration(d.MotionIntervalMs) * time.Millisecond,
			High:     d.MotionHigh,
			Low:      d.MotionLow,
		},
		MotionGrace:     time.Duration(d.MotionGraceMs) * time.Millisecond,
		LogCapacity:     d.LogCapacity,
		EvidenceQuality: d.EvidenceQuality,
		StampEvidence:   d.StampEvidence,
	}
}

// FFmpegSettings converts the media settings for the capture backend
func (c *Config) FFmpegSettings() media.FFmpegConfig {
	return media.FFmpegConfig{
		Binary:       c.Media.FFmpegPath,
		VideoFormat:  c.Media.VideoFormat,
		VideoDevice:  c.Media.VideoDevice,
		AudioFormat:  c.Media.AudioFormat,
		AudioDevice:  c.Media.AudioDevice,
		SampleRate:   c.Media.SampleRate,
		StartTimeout: time.Duration(c.Media.StartTimeoutSec) * time.Second,
	}
}

// AuthSettings converts the auth section
func (c *Config) AuthSettings() auth.Config {
	return auth.Config{
		Enabled:   c.Auth.Enabled,
		Username:  c.Auth.Username,
		Password:  c.Auth.Password,
		JWTSecret: c.Auth.JWTSecret,
		JWTExpiry: c.Auth.JWTExpiry,
	}
}

// TelegramSettings converts the telegram section
func (c *Config) TelegramSettings() telegram.Config {
	return telegram.Config{
		BotToken:        c.Telegram.BotToken,
		ChatID:          c.Telegram.ChatID,
		Enabled:         c.Telegram.Enabled,
		CooldownSeconds: c.Telegram.CooldownSeconds,
	}
}

// Retention returns how long incidents and evidence are kept, 0 for forever
func (c *Config) Retention() time.Duration {
	return time.Duration(c.Storage.RetentionDays) * 24 * time.Hour
}
