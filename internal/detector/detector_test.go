package detector

import (
	"context"
	"errors"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/incident"
	"proctord/internal/media"
	"proctord/internal/page"
	"proctord/internal/page/pagetest"
)

type recorder struct {
	mu        sync.Mutex
	incidents []incident.Incident
}

func (r *recorder) handle(inc incident.Incident) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.incidents = append(r.incidents, inc)
}

func (r *recorder) all() []incident.Incident {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]incident.Incident(nil), r.incidents...)
}

func (r *recorder) kinds() []incident.Kind {
	var kinds []incident.Kind
	for _, inc := range r.all() {
		kinds = append(kinds, inc.Kind)
	}
	return kinds
}

// seqAnalyser returns a uniform spectrum per call, then silence
type seqAnalyser struct {
	mu     sync.Mutex
	levels []byte
	calls  int
}

func (a *seqAnalyser) FrequencyBinCount() int { return 128 }

func (a *seqAnalyser) ByteFrequencyData(dst []byte) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var level byte
	if a.calls < len(a.levels) {
		level = a.levels[a.calls]
	}
	a.calls++
	for i := range dst {
		dst[i] = level
	}
}

func (a *seqAnalyser) callCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

var _ media.Analyser = (*seqAnalyser)(nil)

func TestAudioLevelEmitsOnlyAboveThreshold(t *testing.T) {
	an := &seqAnalyser{levels: []byte{31, 29}}
	rec := &recorder{}

	sub := AttachAudioLevel(an, AudioConfig{Interval: time.Millisecond}, rec.handle)
	require.Eventually(t, func() bool { return an.callCount() >= 4 }, time.Second, time.Millisecond)
	sub.Stop()

	got := rec.all()
	require.Len(t, got, 1)
	assert.Equal(t, incident.AudioDetected, got[0].Kind)
	require.NotNil(t, got[0].Level)
	assert.InDelta(t, 31, *got[0].Level, 0.001)
}

func TestAudioLevelStopHaltsSampling(t *testing.T) {
	an := &seqAnalyser{levels: make([]byte, 1<<16)}
	for i := range an.levels {
		an.levels[i] = 200
	}
	rec := &recorder{}

	sub := AttachAudioLevel(an, AudioConfig{Interval: time.Millisecond}, rec.handle)
	require.Eventually(t, func() bool { return len(rec.all()) >= 3 }, time.Second, time.Millisecond)
	sub.Stop()
	sub.Stop()

	after := len(rec.all())
	calls := an.callCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, after, len(rec.all()), "no incidents after Stop")
	assert.Equal(t, calls, an.callCount(), "no sampling after Stop")
}

func solidRed(w, h int, red uint8) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, color.RGBA{R: red, G: 10, B: 10, A: 255})
		}
	}
	return img
}

// frameSink serves a fixed frame that tests swap between checks
type frameSink struct {
	mu    sync.Mutex
	frame image.Image
	reads int
}

func (s *frameSink) set(img image.Image) {
	s.mu.Lock()
	s.frame = img
	s.mu.Unlock()
}

func (s *frameSink) Dimensions() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.frame == nil {
		return 0, 0
	}
	b := s.frame.Bounds()
	return b.Dx(), b.Dy()
}

func (s *frameSink) Frame() (image.Image, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads++
	if s.frame == nil {
		return nil, media.ErrNoFrame
	}
	return s.frame, nil
}

func (s *frameSink) readCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

func TestMotionThresholds(t *testing.T) {
	cases := []struct {
		name  string
		delta uint8
		want  []incident.Kind
	}{
		{"significant", 60, []incident.Kind{incident.SignificantMotion}},
		{"none", 2, []incident.Kind{incident.NoMotion}},
		{"dead zone", 20, nil},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &recorder{}
			sink := &frameSink{}
			m := &motionState{sink: sink, cfg: MotionConfig{}.withDefaults(), emit: rec.handle}

			sink.set(solidRed(8, 6, 100))
			m.check()
			assert.Empty(t, rec.all(), "first sample has nothing to compare")

			sink.set(solidRed(8, 6, 100+tc.delta))
			m.check()
			assert.Equal(t, tc.want, rec.kinds())

			if len(tc.want) == 1 {
				require.NotNil(t, rec.all()[0].Level)
				assert.InDelta(t, float64(tc.delta), *rec.all()[0].Level, 0.001)
			}
		})
	}
}

func TestMotionLevel(t *testing.T) {
	a := solidRed(4, 4, 0)
	b := solidRed(4, 4, 60)
	assert.InDelta(t, 60, MotionLevel(a, b), 0.001)
	assert.InDelta(t, 60, MotionLevel(b, a), 0.001)
	assert.Zero(t, MotionLevel(a, a))
}

func TestMotionSkipsZeroWidthSink(t *testing.T) {
	rec := &recorder{}
	sink := &frameSink{}

	sub := AttachMotion(sink, MotionConfig{Interval: time.Millisecond}, rec.handle)
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, sink.readCount(), "no frame is read while the sink has no size")

	sink.set(solidRed(4, 4, 10))
	require.Eventually(t, func() bool { return sink.readCount() >= 2 }, time.Second, time.Millisecond)
	sub.Stop()

	// identical frames read as no motion
	for _, k := range rec.kinds() {
		assert.Equal(t, incident.NoMotion, k)
	}

	n := len(rec.all())
	reads := sink.readCount()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, n, len(rec.all()))
	assert.Equal(t, reads, sink.readCount(), "no check is scheduled after Stop")
}

func TestVisibilityTransitions(t *testing.T) {
	surface := pagetest.NewSurface()
	rec := &recorder{}
	sub := AttachVisibility(surface, rec.handle)
	assert.Equal(t, 2, surface.ListenerCount())

	surface.Dispatch(page.Document, page.Event{Type: "visibilitychange", Hidden: true})
	surface.Dispatch(page.Document, page.Event{Type: "visibilitychange", Hidden: true})
	assert.Equal(t, []incident.Kind{incident.TabSwitched}, rec.kinds())

	surface.Dispatch(page.Document, page.Event{Type: "visibilitychange", Hidden: false})
	surface.Dispatch(page.Document, page.Event{Type: "visibilitychange", Hidden: true})
	surface.Dispatch(page.Window, page.Event{Type: "blur"})
	assert.Equal(t, []incident.Kind{incident.TabSwitched, incident.TabSwitched, incident.WindowBlur}, rec.kinds())
	assert.Equal(t, "Student clicked outside the test window", rec.all()[2].Message)

	sub.Stop()
	sub.Stop()
	assert.Zero(t, surface.ListenerCount())

	surface.Dispatch(page.Window, page.Event{Type: "blur"})
	assert.Len(t, rec.all(), 3)
}

func TestCheatingInput(t *testing.T) {
	surface := pagetest.NewSurface()
	rec := &recorder{}
	sub := AttachCheatingInput(surface, rec.handle)

	assert.True(t, surface.Dispatch(page.Document, page.Event{Type: "contextmenu"}))

	blocked := []page.Event{
		{Type: "keydown", Key: "c", Ctrl: true},
		{Type: "keydown", Key: "v", Ctrl: true},
		{Type: "keydown", Key: "x", Ctrl: true},
		{Type: "keydown", Key: "a", Ctrl: true},
		{Type: "keydown", Key: "i", Ctrl: true, Shift: true},
		{Type: "keydown", Key: "F12"},
		{Type: "keydown", Key: "u", Ctrl: true},
		{Type: "keydown", Key: "s", Ctrl: true},
		{Type: "keydown", Key: "p", Ctrl: true},
	}
	for _, ev := range blocked {
		assert.True(t, surface.Dispatch(page.Document, ev), ev.Key)
	}

	allowed := []page.Event{
		{Type: "keydown", Key: "c"},
		{Type: "keydown", Key: "z", Ctrl: true},
		{Type: "keydown", Key: "i", Ctrl: true},
		{Type: "keydown", Key: "Enter"},
		// keys compare exactly
		{Type: "keydown", Key: "C", Ctrl: true, Shift: true},
		{Type: "keydown", Key: "V", Ctrl: true},
		{Type: "keydown", Key: "I", Ctrl: true, Shift: true},
	}
	for _, ev := range allowed {
		assert.False(t, surface.Dispatch(page.Document, ev), ev.Key)
	}

	got := rec.all()
	require.Len(t, got, 1+len(blocked))
	assert.Equal(t, incident.RightClickAttempt, got[0].Kind)
	for i, ev := range blocked {
		assert.Equal(t, incident.KeyboardShortcutAttempt, got[i+1].Kind)
		assert.Equal(t, ev.Key, got[i+1].Key)
	}

	sub.Stop()
	assert.Zero(t, surface.ListenerCount())
	assert.False(t, surface.Dispatch(page.Document, page.Event{Type: "contextmenu"}))
}

func TestFullscreenRequestOrder(t *testing.T) {
	surface := pagetest.NewSurface(page.FeatureWebkitRequestFullscreen)
	fc := NewFullscreenController(surface, nil)

	require.NoError(t, fc.Request(context.Background()))
	assert.Equal(t, []string{page.FeatureWebkitRequestFullscreen}, surface.Invoked())

	surface = pagetest.NewSurface(page.FeatureRequestFullscreen, page.FeatureMsRequestFullscreen)
	surface.FailInvoke(page.FeatureRequestFullscreen, errors.New("not allowed"))
	fc = NewFullscreenController(surface, nil)
	require.NoError(t, fc.Request(context.Background()))
	assert.Equal(t, []string{page.FeatureRequestFullscreen, page.FeatureMsRequestFullscreen}, surface.Invoked())

	fc = NewFullscreenController(pagetest.NewSurface(), nil)
	assert.ErrorIs(t, fc.Request(context.Background()), ErrFullscreenUnavailable)
}

func TestFullscreenMonitorExits(t *testing.T) {
	surface := pagetest.NewSurface()
	rec := &recorder{}
	sub := NewFullscreenController(surface, nil).MonitorExits(rec.handle)
	assert.Equal(t, 3, surface.ListenerCount())

	surface.Dispatch(page.Document, page.Event{Type: "fullscreenchange", FullscreenElement: true})
	assert.Empty(t, rec.all())

	surface.Dispatch(page.Document, page.Event{Type: "fullscreenchange"})
	surface.Dispatch(page.Document, page.Event{Type: "mozfullscreenchange"})
	assert.Equal(t, []incident.Kind{incident.FullscreenExit, incident.FullscreenExit}, rec.kinds())

	sub.Stop()
	assert.Zero(t, surface.ListenerCount())
}
