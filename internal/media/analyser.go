package media

import (
	"math"
	"math/cmplx"
	"sync"

	"gonum.org/v1/gonum/dsp/fourier"
)

// SampleRing keeps the newest microphone samples. It implements AudioSource.
type SampleRing struct {
	mu    sync.Mutex
	buf   []float64
	head  int
	count int
	ready chan struct{}
	once  sync.Once
}

// NewSampleRing creates a ring holding size samples
func NewSampleRing(size int) *SampleRing {
	return &SampleRing{
		buf:   make([]float64, size),
		ready: make(chan struct{}),
	}
}

// Write appends samples, overwriting the oldest ones
func (r *SampleRing) Write(samples []float64) {
	if len(samples) == 0 {
		return
	}
	r.mu.Lock()
	for _, s := range samples {
		r.buf[r.head] = s
		r.head = (r.head + 1) % len(r.buf)
		if r.count < len(r.buf) {
			r.count++
		}
	}
	r.mu.Unlock()
	r.once.Do(func() { close(r.ready) })
}

// Ready is closed once the first samples arrive
func (r *SampleRing) Ready() <-chan struct{} {
	return r.ready
}

// Samples implements AudioSource
func (r *SampleRing) Samples(dst []float64) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := len(dst)
	if n > r.count {
		n = r.count
	}
	// newest n samples, oldest first, right aligned in dst
	offset := len(dst) - n
	for i := 0; i < offset; i++ {
		dst[i] = 0
	}
	start := (r.head - n + len(r.buf)) % len(r.buf)
	for i := 0; i < n; i++ {
		dst[offset+i] = r.buf[(start+i)%len(r.buf)]
	}
	return n
}

// Analyser produces byte scaled frequency magnitudes
type Analyser interface {
	FrequencyBinCount() int
	ByteFrequencyData(dst []byte)
}

// AudioContext owns the analysers attached to one audio source
type AudioContext struct {
	mu     sync.Mutex
	src    AudioSource
	closed bool
}

// NewAudioContext creates an analysis context for src
func NewAudioContext(src AudioSource) *AudioContext {
	return &AudioContext{src: src}
}

// CreateAnalyser returns an FFT analyser over the newest fftSize samples
func (c *AudioContext) CreateAnalyser(fftSize int) (*FFTAnalyser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrClosed
	}
	if fftSize < 32 || fftSize > 32768 || fftSize&(fftSize-1) != 0 {
		return nil, ErrBadFFTSize
	}

	return &FFTAnalyser{
		ctx:         c,
		fftSize:     fftSize,
		fft:         fourier.NewFFT(fftSize),
		window:      blackman(fftSize),
		samples:     make([]float64, fftSize),
		smoothed:    make([]float64, fftSize/2),
		MinDecibels: -100,
		MaxDecibels: -30,
		Smoothing:   0.8,
	}, nil
}

// Close releases the context. Analysers created from it report silence afterwards.
func (c *AudioContext) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

// Closed reports whether Close was called
func (c *AudioContext) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// FFTAnalyser mirrors the behaviour of a browser AnalyserNode: Blackman window,
// magnitude smoothing over time and a decibel range mapped onto 0-255
type FFTAnalyser struct {
	ctx      *AudioContext
	fftSize  int
	fft      *fourier.FFT
	window   []float64
	samples  []float64
	coeffs   []complex128
	smoothed []float64

	MinDecibels float64
	MaxDecibels float64
	Smoothing   float64
}

// FrequencyBinCount implements Analyser
func (a *FFTAnalyser) FrequencyBinCount() int {
	return a.fftSize / 2
}

// ByteFrequencyData implements Analyser
func (a *FFTAnalyser) ByteFrequencyData(dst []byte) {
	if a.ctx.Closed() {
		for i := range dst {
			dst[i] = 0
		}
		return
	}

	a.ctx.src.Samples(a.samples)
	for i := range a.samples {
		a.samples[i] *= a.window[i]
	}
	a.coeffs = a.fft.Coefficients(a.coeffs, a.samples)

	scale := 255 / (a.MaxDecibels - a.MinDecibels)
	n := a.FrequencyBinCount()
	for k := 0; k < n && k < len(dst); k++ {
		mag := cmplx.Abs(a.coeffs[k]) / float64(a.fftSize)
		a.smoothed[k] = a.Smoothing*a.smoothed[k] + (1-a.Smoothing)*mag

		db := math.Inf(-1)
		if a.smoothed[k] > 0 {
			db = 20 * math.Log10(a.smoothed[k])
		}
		v := scale * (db - a.MinDecibels)
		switch {
		case v <= 0 || math.IsNaN(v):
			dst[k] = 0
		case v >= 255:
			dst[k] = 255
		default:
			dst[k] = byte(v)
		}
	}
}

func blackman(n int) []float64 {
	const alpha = 0.16
	a0 := (1 - alpha) / 2
	a1 := 0.5
	a2 := alpha / 2
	w := make([]float64, n)
	for i := range w {
		x := float64(i) / float64(n)
		w[i] = a0 - a1*math.Cos(2*math.Pi*x) + a2*math.Cos(4*math.Pi*x)
	}
	return w
}
