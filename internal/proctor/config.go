package proctor

import (
	"time"

	"proctord/internal/detector"
	"proctord/internal/incident"
	"proctord/internal/media"
)

// Config tunes a session
type Config struct {
	Constraints     media.Constraints
	Audio           detector.AudioConfig
	Motion          detector.MotionConfig
	MotionGrace     time.Duration // delay before the motion detector attaches
	LogCapacity     int
	EvidenceQuality int
	StampEvidence   bool
	WriteTimeout    time.Duration // bound on each background upload/persist call
	FullscreenWait  time.Duration
}

// DefaultConfig returns the stock detection settings
func DefaultConfig() Config {
	return Config{
		Constraints:     media.DefaultConstraints(),
		Audio:           detector.AudioConfig{FFTSize: 256, Threshold: 30, Interval: time.Second / 60},
		Motion:          detector.MotionConfig{Interval: 2 * time.Second, High: 50, Low: 5},
		MotionGrace:     2 * time.Second,
		LogCapacity:     incident.DefaultCapacity,
		EvidenceQuality: 80,
		WriteTimeout:    30 * time.Second,
		FullscreenWait:  5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Constraints.Width == 0 && c.Constraints.Height == 0 {
		c.Constraints = d.Constraints
	}
	if c.MotionGrace <= 0 {
		c.MotionGrace = d.MotionGrace
	}
	if c.LogCapacity <= 0 {
		c.LogCapacity = d.LogCapacity
	}
	if c.EvidenceQuality <= 0 {
		c.EvidenceQuality = d.EvidenceQuality
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.FullscreenWait <= 0 {
		c.FullscreenWait = d.FullscreenWait
	}
	return c
}
