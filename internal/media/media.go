package media

import (
	"context"
	"errors"
	"fmt"
	"image"
)

// Reason classifies why a stream could not be acquired
type Reason string

const (
	ReasonPermissionDenied Reason = "permission_denied"
	ReasonDeviceNotFound   Reason = "device_not_found"
	ReasonUnsupported      Reason = "unsupported"
	ReasonStartFailed      Reason = "start_failed"
	ReasonCanceled         Reason = "canceled"
)

var (
	ErrNoDevice    = errors.New("capture device not found")
	ErrNoFrame     = errors.New("no frame available")
	ErrClosed      = errors.New("audio context is closed")
	ErrBadFFTSize  = errors.New("fft size must be a power of two between 32 and 32768")
	ErrUnsupported = errors.New("capture backend unavailable")
)

// AcquisitionError reports a failed camera/microphone acquisition.
// No tracks are left running when it is returned.
type AcquisitionError struct {
	Reason Reason
	Err    error
}

func (e *AcquisitionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("media acquisition failed: %s", e.Reason)
	}
	return fmt.Sprintf("media acquisition failed: %s: %v", e.Reason, e.Err)
}

func (e *AcquisitionError) Unwrap() error {
	return e.Err
}

// Constraints describes the requested combined audio+video stream
type Constraints struct {
	Width      int
	Height     int
	FacingMode string
	Audio      bool
}

// DefaultConstraints requests a 1280x720 user-facing camera with audio
func DefaultConstraints() Constraints {
	return Constraints{
		Width:      1280,
		Height:     720,
		FacingMode: "user",
		Audio:      true,
	}
}

// Track is one live capture source inside a stream
type Track interface {
	Kind() string // "video" or "audio"
	Live() bool
	Stop()
}

// VideoSink is a read-only view of the live video. Multiple readers may sample it
// concurrently; each read is an independent snapshot.
type VideoSink interface {
	// Dimensions returns the native frame size, or 0x0 before the first frame
	Dimensions() (width, height int)
	// Frame decodes the most recent frame
	Frame() (image.Image, error)
}

// JPEGSource exposes the raw encoded frames of a sink, used for live previews
type JPEGSource interface {
	LatestJPEG() (data []byte, seq uint64)
}

// AudioSource provides the most recent microphone samples
type AudioSource interface {
	// Samples fills dst with the newest samples in [-1, 1], oldest first,
	// and returns how many were available
	Samples(dst []float64) int
}

// Handle owns an acquired camera+microphone stream
type Handle interface {
	Tracks() []Track
	Video() VideoSink
	Audio() AudioSource
	// Stop stops every track; safe to call more than once
	Stop()
}

// Acquirer obtains a stream matching the constraints
type Acquirer interface {
	Acquire(ctx context.Context, c Constraints) (Handle, error)
}

// Prober reports whether the capture backend can serve a session
type Prober interface {
	HasCamera() bool
	HasAudioAnalysis() bool
}

// LiveTracks counts the tracks of h that are still running
func LiveTracks(h Handle) int {
	if h == nil {
		return 0
	}
	n := 0
	for _, t := range h.Tracks() {
		if t.Live() {
			n++
		}
	}
	return n
}
