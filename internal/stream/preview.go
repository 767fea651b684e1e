package stream

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/image/draw"

	"proctord/internal/media"
)

// SourceFunc returns the live frames of an attempt, nil when no session is active
type SourceFunc func(attemptID string) media.JPEGSource

// Authorizer rejects callers that may not watch an attempt
type Authorizer func(r *http.Request, attemptID string) error

// PreviewHandler serves the camera preview of running sessions as MJPEG
//
//	GET /preview/{attempt_id}           multipart/x-mixed-replace stream
//	GET /preview/{attempt_id}/snapshot  latest frame
type PreviewHandler struct {
	lookup    SourceFunc
	authorize Authorizer
	fps       int
	maxWidth  int
	logger    *log.Logger
}

// NewPreviewHandler creates a handler polling sources at fps. Frames wider
// than maxWidth are scaled down; 0 keeps the native size. A nil authorize
// accepts any caller.
func NewPreviewHandler(lookup SourceFunc, authorize Authorizer, fps, maxWidth int, logger *log.Logger) *PreviewHandler {
	if fps <= 0 {
		fps = 10
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &PreviewHandler{lookup: lookup, authorize: authorize, fps: fps, maxWidth: maxWidth, logger: logger}
}

func (h *PreviewHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/preview/"), "/")
	attemptID, rest, _ := strings.Cut(path, "/")
	if attemptID == "" {
		http.Error(w, "attempt_id required", http.StatusBadRequest)
		return
	}
	if h.authorize != nil {
		if err := h.authorize(r, attemptID); err != nil {
			h.logger.Printf("[preview] attempt %s refused: %v", attemptID, err)
			http.Error(w, err.Error(), http.StatusForbidden)
			return
		}
	}

	src := h.lookup(attemptID)
	if src == nil {
		http.Error(w, "no active session", http.StatusNotFound)
		return
	}

	if rest == "snapshot" {
		h.serveSnapshot(w, src)
		return
	}
	h.serveStream(w, r, attemptID)
}

func (h *PreviewHandler) serveSnapshot(w http.ResponseWriter, src media.JPEGSource) {
	frame, _ := src.LatestJPEG()
	if len(frame) == 0 {
		http.Error(w, "no frame available", http.StatusServiceUnavailable)
		return
	}
	frame = h.scale(frame)

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Content-Length", fmt.Sprint(len(frame)))
	w.Write(frame)
}

func (h *PreviewHandler) serveStream(w http.ResponseWriter, r *http.Request, attemptID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	h.logger.Printf("[preview] client connected to attempt %s", attemptID)
	defer h.logger.Printf("[preview] client left attempt %s", attemptID)

	ticker := time.NewTicker(time.Second / time.Duration(h.fps))
	defer ticker.Stop()

	var lastSeq uint64
	for {
		// the session may have ended since the last frame
		src := h.lookup(attemptID)
		if src == nil {
			return
		}

		if frame, seq := src.LatestJPEG(); seq != lastSeq && len(frame) > 0 {
			lastSeq = seq
			frame = h.scale(frame)

			fmt.Fprintf(w, "--frame\r\n")
			fmt.Fprintf(w, "Content-Type: image/jpeg\r\n")
			fmt.Fprintf(w, "Content-Length: %d\r\n\r\n", len(frame))
			w.Write(frame)
			fmt.Fprintf(w, "\r\n")
			flusher.Flush()
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func (h *PreviewHandler) scale(frame []byte) []byte {
	if h.maxWidth <= 0 {
		return frame
	}
	scaled, err := Downscale(frame, h.maxWidth, 75)
	if err != nil {
		return frame
	}
	return scaled
}

// Downscale re-encodes a JPEG no wider than maxWidth, keeping the aspect ratio.
// Frames already small enough are returned unchanged.
func Downscale(frame []byte, maxWidth, quality int) ([]byte, error) {
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}
	if cfg.Width <= maxWidth {
		return frame, nil
	}

	src, err := jpeg.Decode(bytes.NewReader(frame))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	height := cfg.Height * maxWidth / cfg.Width
	if height < 1 {
		height = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, maxWidth, height))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, dst, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode frame: %w", err)
	}
	return buf.Bytes(), nil
}
