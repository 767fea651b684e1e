package detector

import (
	"image"
	"time"

	"golang.org/x/image/draw"

	"proctord/internal/incident"
	"proctord/internal/media"
)

// MotionConfig tunes the frame differencing motion detector
type MotionConfig struct {
	Interval time.Duration // delay between checks, default 2s
	High     float64       // SignificantMotion above this level, default 50
	Low      float64       // NoMotion below this level, default 5
}

func (c MotionConfig) withDefaults() MotionConfig {
	if c.Interval == 0 {
		c.Interval = 2 * time.Second
	}
	if c.High == 0 {
		c.High = 50
	}
	if c.Low == 0 {
		c.Low = 5
	}
	return c
}

// AttachMotion compares consecutive frames of sink. The next check is scheduled
// only after the current one finishes, so slow frames never pile up. Levels
// between Low and High emit nothing; so does the first frame.
func AttachMotion(sink media.VideoSink, cfg MotionConfig, h incident.Handler) Subscription {
	cfg = cfg.withDefaults()
	stop := make(chan struct{})
	done := make(chan struct{})

	go func() {
		defer close(done)
		m := &motionState{sink: sink, cfg: cfg, emit: h}
		timer := time.NewTimer(0)
		defer timer.Stop()

		for {
			select {
			case <-stop:
				return
			case <-timer.C:
			}

			m.check()
			timer.Reset(cfg.Interval)
		}
	}()

	return NewSubscription(func() {
		close(stop)
		<-done
	})
}

type motionState struct {
	sink media.VideoSink
	cfg  MotionConfig
	emit incident.Handler
	prev *image.RGBA
	cur  *image.RGBA
}

func (m *motionState) check() {
	w, h := m.sink.Dimensions()
	if w == 0 || h == 0 {
		return
	}
	frame, err := m.sink.Frame()
	if err != nil {
		return
	}

	rect := image.Rect(0, 0, w, h)
	if m.cur == nil || m.cur.Rect != rect {
		m.cur = image.NewRGBA(rect)
	}
	draw.Copy(m.cur, image.Point{}, frame, frame.Bounds(), draw.Src, nil)

	if m.prev != nil && m.prev.Rect == m.cur.Rect {
		level := MotionLevel(m.prev, m.cur)
		switch {
		case level > m.cfg.High:
			m.emit(incident.New(incident.SignificantMotion).
				WithLevel(level).
				WithMessage("Significant movement detected"))
		case level < m.cfg.Low:
			m.emit(incident.New(incident.NoMotion).
				WithLevel(level).
				WithMessage("Student may have left the frame"))
		}
	}

	// swap rasters so the next check reuses the old buffer
	m.prev, m.cur = m.cur, m.prev
}

// MotionLevel is the summed absolute red channel difference of two equally sized
// rasters divided by the pixel count
func MotionLevel(prev, cur *image.RGBA) float64 {
	n := len(cur.Pix)
	if len(prev.Pix) < n {
		n = len(prev.Pix)
	}
	diff := 0
	for i := 0; i < n; i += 4 {
		d := int(cur.Pix[i]) - int(prev.Pix[i])
		if d < 0 {
			d = -d
		}
		diff += d
	}
	pixels := cur.Rect.Dx() * cur.Rect.Dy()
	if pixels == 0 {
		return 0
	}
	return float64(diff) / float64(pixels)
}
