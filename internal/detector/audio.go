package detector

import (
	"time"

	"proctord/internal/incident"
	"proctord/internal/media"
)

// AudioConfig tunes the audio level detector
type AudioConfig struct {
	FFTSize   int           // analysis window, default 256
	Threshold float64       // mean bin amplitude on a 0-255 scale, default 30
	Interval  time.Duration // sampling period, default one 60Hz frame
}

func (c AudioConfig) withDefaults() AudioConfig {
	if c.FFTSize == 0 {
		c.FFTSize = 256
	}
	if c.Threshold == 0 {
		c.Threshold = 30
	}
	if c.Interval == 0 {
		c.Interval = time.Second / 60
	}
	return c
}

// AttachAudioLevel samples the analyser once per frame and emits AudioDetected
// whenever the mean bin amplitude exceeds the threshold. Every qualifying frame
// emits; rate limiting is left to the caller.
func AttachAudioLevel(an media.Analyser, cfg AudioConfig, h incident.Handler) Subscription {
	cfg = cfg.withDefaults()
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		data := make([]byte, an.FrequencyBinCount())
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			default:
			}

			if level, ok := audioLevel(an, data, cfg.Threshold); ok {
				h(incident.New(incident.AudioDetected).WithLevel(level))
			}

			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()

	return NewSubscription(func() {
		close(stop)
		<-done
	})
}

// audioLevel returns the mean amplitude and whether it crosses threshold
func audioLevel(an media.Analyser, data []byte, threshold float64) (float64, bool) {
	if len(data) == 0 {
		return 0, false
	}
	an.ByteFrequencyData(data)
	sum := 0
	for _, v := range data {
		sum += int(v)
	}
	average := float64(sum) / float64(len(data))
	return average, average > threshold
}
