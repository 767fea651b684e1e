package media

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
)

// FrameSink holds the latest JPEG frame produced by a video track
type FrameSink struct {
	mu     sync.RWMutex
	frame  []byte
	seq    uint64
	width  int
	height int
	ready  chan struct{}
	once   sync.Once
}

// NewFrameSink creates an empty sink
func NewFrameSink() *FrameSink {
	return &FrameSink{ready: make(chan struct{})}
}

// Push stores a new encoded frame. Frames whose header cannot be parsed are dropped.
func (s *FrameSink) Push(frame []byte) error {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(frame))
	if err != nil {
		return fmt.Errorf("invalid jpeg frame: %w", err)
	}

	s.mu.Lock()
	s.frame = frame
	s.seq++
	s.width = cfg.Width
	s.height = cfg.Height
	s.mu.Unlock()

	s.once.Do(func() { close(s.ready) })
	return nil
}

// Ready is closed once the first frame arrives
func (s *FrameSink) Ready() <-chan struct{} {
	return s.ready
}

// Dimensions implements VideoSink
func (s *FrameSink) Dimensions() (int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.width, s.height
}

// Frame implements VideoSink
func (s *FrameSink) Frame() (image.Image, error) {
	s.mu.RLock()
	data := s.frame
	s.mu.RUnlock()

	if len(data) == 0 {
		return nil, ErrNoFrame
	}
	img, err := jpeg.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	return img, nil
}

// LatestJPEG implements JPEGSource
func (s *FrameSink) LatestJPEG() ([]byte, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.frame, s.seq
}

// extractJPEGFrame cuts the first complete JPEG (FFD8...FFD9) out of buffer
func extractJPEGFrame(buffer *[]byte) []byte {
	if len(*buffer) < 4 {
		return nil
	}

	startIdx := bytes.Index(*buffer, []byte{0xFF, 0xD8})
	if startIdx == -1 {
		// keep the trailing byte in case it is the first half of a marker
		*buffer = (*buffer)[len(*buffer)-1:]
		return nil
	}

	endRel := bytes.Index((*buffer)[startIdx+2:], []byte{0xFF, 0xD9})
	if endRel == -1 {
		return nil
	}
	endIdx := startIdx + 2 + endRel + 2

	frame := make([]byte, endIdx-startIdx)
	copy(frame, (*buffer)[startIdx:endIdx])
	*buffer = (*buffer)[endIdx:]

	return frame
}
