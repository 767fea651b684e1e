package media

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// FFmpegConfig selects the capture devices used by FFmpegAcquirer
type FFmpegConfig struct {
	Binary       string        // ffmpeg executable, default "ffmpeg"
	VideoFormat  string        // ffmpeg input format, e.g. "v4l2", "avfoundation", "dshow"
	VideoDevice  string        // e.g. "/dev/video0" or an http/rtsp URL
	AudioFormat  string        // e.g. "alsa", "pulse"
	AudioDevice  string        // e.g. "default"
	SampleRate   int           // microphone sample rate, default 44100
	StartTimeout time.Duration // how long to wait for the first frame and samples
}

// FFmpegAcquirer captures camera and microphone through ffmpeg child processes
type FFmpegAcquirer struct {
	cfg    FFmpegConfig
	logger *log.Logger
}

// NewFFmpegAcquirer creates an acquirer with defaults filled in
func NewFFmpegAcquirer(cfg FFmpegConfig, logger *log.Logger) *FFmpegAcquirer {
	if cfg.Binary == "" {
		cfg.Binary = "ffmpeg"
	}
	if cfg.VideoFormat == "" {
		cfg.VideoFormat = "v4l2"
	}
	if cfg.VideoDevice == "" {
		cfg.VideoDevice = "/dev/video0"
	}
	if cfg.AudioFormat == "" {
		cfg.AudioFormat = "alsa"
	}
	if cfg.AudioDevice == "" {
		cfg.AudioDevice = "default"
	}
	if cfg.SampleRate == 0 {
		cfg.SampleRate = 44100
	}
	if cfg.StartTimeout == 0 {
		cfg.StartTimeout = 10 * time.Second
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &FFmpegAcquirer{cfg: cfg, logger: logger}
}

// Acquire implements Acquirer. Both tracks must start or neither is kept.
func (a *FFmpegAcquirer) Acquire(ctx context.Context, c Constraints) (Handle, error) {
	if _, err := exec.LookPath(a.cfg.Binary); err != nil {
		return nil, &AcquisitionError{Reason: ReasonUnsupported, Err: fmt.Errorf("%w: %v", ErrUnsupported, err)}
	}
	if err := checkDevice(a.cfg.VideoDevice); err != nil {
		return nil, err
	}

	sink := NewFrameSink()
	video, err := a.startVideo(c, sink)
	if err != nil {
		return nil, &AcquisitionError{Reason: ReasonStartFailed, Err: err}
	}

	stream := &Stream{video: sink, tracks: []Track{video}}

	var pcm *SampleRing
	var audio *processTrack
	if c.Audio {
		pcm = NewSampleRing(8192)
		audio, err = a.startAudio(pcm)
		if err != nil {
			stream.Stop()
			return nil, &AcquisitionError{Reason: ReasonStartFailed, Err: err}
		}
		stream.audio = pcm
		stream.tracks = append(stream.tracks, audio)
	}

	if err := a.awaitStart(ctx, video, sink.Ready(), audio, pcm); err != nil {
		stream.Stop()
		return nil, err
	}

	a.logger.Printf("[media] acquired %s (%dx%d) audio=%v", a.cfg.VideoDevice, c.Width, c.Height, c.Audio)
	return stream, nil
}

// awaitStart blocks until every track has produced data, one of them died, or ctx ended
func (a *FFmpegAcquirer) awaitStart(ctx context.Context, video *processTrack, videoReady <-chan struct{}, audio *processTrack, pcm *SampleRing) error {
	timeout := time.NewTimer(a.cfg.StartTimeout)
	defer timeout.Stop()

	var audioReady <-chan struct{}
	var audioDone <-chan struct{}
	if audio != nil {
		audioReady = pcm.Ready()
		audioDone = audio.done
	}

	for videoReady != nil || audioReady != nil {
		select {
		case <-videoReady:
			videoReady = nil
		case <-audioReady:
			audioReady = nil
		case <-video.done:
			return &AcquisitionError{Reason: classifyStderr(video.stderr()), Err: fmt.Errorf("video capture exited: %s", video.stderr())}
		case <-audioDone:
			return &AcquisitionError{Reason: classifyStderr(audio.stderr()), Err: fmt.Errorf("audio capture exited: %s", audio.stderr())}
		case <-timeout.C:
			return &AcquisitionError{Reason: ReasonStartFailed, Err: errors.New("timed out waiting for capture to start")}
		case <-ctx.Done():
			return &AcquisitionError{Reason: ReasonCanceled, Err: ctx.Err()}
		}
	}
	return nil
}

// HasCamera implements Prober
func (a *FFmpegAcquirer) HasCamera() bool {
	if _, err := exec.LookPath(a.cfg.Binary); err != nil {
		return false
	}
	return checkDevice(a.cfg.VideoDevice) == nil
}

// HasAudioAnalysis implements Prober
func (a *FFmpegAcquirer) HasAudioAnalysis() bool {
	_, err := exec.LookPath(a.cfg.Binary)
	return err == nil && a.cfg.AudioDevice != ""
}

func (a *FFmpegAcquirer) videoArgs(c Constraints) []string {
	if isNetworkSource(a.cfg.VideoDevice) {
		return []string{
			"-i", a.cfg.VideoDevice,
			"-f", "image2pipe",
			"-vcodec", "mjpeg",
			"-q:v", "5",
			"-",
		}
	}

	args := []string{"-f", a.cfg.VideoFormat}
	if c.Width > 0 && c.Height > 0 {
		args = append(args, "-video_size", fmt.Sprintf("%dx%d", c.Width, c.Height))
	}
	return append(args,
		"-i", a.cfg.VideoDevice,
		"-f", "image2pipe",
		"-vcodec", "mjpeg",
		"-q:v", "5",
		"-",
	)
}

func (a *FFmpegAcquirer) audioArgs() []string {
	return []string{
		"-f", a.cfg.AudioFormat,
		"-i", a.cfg.AudioDevice,
		"-ac", "1",
		"-ar", strconv.Itoa(a.cfg.SampleRate),
		"-f", "s16le",
		"-",
	}
}

func (a *FFmpegAcquirer) startVideo(c Constraints, sink *FrameSink) (*processTrack, error) {
	return startProcess("video", a.cfg.Binary, a.videoArgs(c), func(r io.Reader) {
		buffer := make([]byte, 0, 1024*1024)
		chunk := make([]byte, 32*1024)
		for {
			n, err := r.Read(chunk)
			if n > 0 {
				buffer = append(buffer, chunk[:n]...)
				for {
					frame := extractJPEGFrame(&buffer)
					if frame == nil {
						break
					}
					if err := sink.Push(frame); err != nil {
						a.logger.Printf("[media] dropping frame: %v", err)
					}
				}
			}
			if err != nil {
				return
			}
		}
	})
}

func (a *FFmpegAcquirer) startAudio(ring *SampleRing) (*processTrack, error) {
	return startProcess("audio", a.cfg.Binary, a.audioArgs(), func(r io.Reader) {
		chunk := make([]byte, 4096)
		samples := make([]float64, 0, len(chunk)/2)
		var carry []byte
		for {
			n, err := r.Read(chunk)
			if n > 0 {
				data := append(carry, chunk[:n]...)
				samples = samples[:0]
				i := 0
				for ; i+1 < len(data); i += 2 {
					v := int16(binary.LittleEndian.Uint16(data[i:]))
					samples = append(samples, float64(v)/32768)
				}
				carry = append(carry[:0], data[i:]...)
				ring.Write(samples)
			}
			if err != nil {
				return
			}
		}
	})
}

// processTrack is a Track backed by an ffmpeg child process
type processTrack struct {
	kind     string
	cmd      *exec.Cmd
	errBuf   *syncBuffer
	live     atomic.Bool
	stopOnce sync.Once
	done     chan struct{}
}

func startProcess(kind, binary string, args []string, consume func(io.Reader)) (*processTrack, error) {
	cmd := exec.Command(binary, append([]string{"-loglevel", "error", "-nostdin"}, args...)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	errBuf := &syncBuffer{}
	cmd.Stderr = errBuf

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start ffmpeg for %s: %w", kind, err)
	}

	t := &processTrack{
		kind:   kind,
		cmd:    cmd,
		errBuf: errBuf,
		done:   make(chan struct{}),
	}
	t.live.Store(true)

	go func() {
		defer close(t.done)
		consume(stdout)
		// all reads are finished, Wait may now close the pipe
		_ = cmd.Wait()
		t.live.Store(false)
	}()

	return t, nil
}

func (t *processTrack) Kind() string { return t.kind }

func (t *processTrack) Live() bool { return t.live.Load() }

// Stop kills the process and waits for its reader to drain
func (t *processTrack) Stop() {
	t.stopOnce.Do(func() {
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		<-t.done
		t.live.Store(false)
	})
}

func (t *processTrack) stderr() string {
	return strings.TrimSpace(t.errBuf.String())
}

// Stream is the Handle returned by FFmpegAcquirer
type Stream struct {
	video  *FrameSink
	audio  AudioSource
	tracks []Track
	once   sync.Once
}

// Tracks implements Handle
func (s *Stream) Tracks() []Track { return s.tracks }

// Video implements Handle
func (s *Stream) Video() VideoSink { return s.video }

// Preview returns the encoded frame source for live previews
func (s *Stream) Preview() JPEGSource { return s.video }

// Audio implements Handle; nil when audio was not requested
func (s *Stream) Audio() AudioSource { return s.audio }

// Stop implements Handle
func (s *Stream) Stop() {
	s.once.Do(func() {
		for _, t := range s.tracks {
			t.Stop()
		}
	})
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// ffmpeg can be chatty on a broken device; the head is enough to classify
	if b.buf.Len() > 16*1024 {
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// isNetworkSource checks if device is an HTTP/RTSP URL
func isNetworkSource(device string) bool {
	return strings.HasPrefix(device, "http://") ||
		strings.HasPrefix(device, "https://") ||
		strings.HasPrefix(device, "rtsp://")
}

// checkDevice verifies a local device node exists and is readable
func checkDevice(device string) error {
	if isNetworkSource(device) || !strings.HasPrefix(device, "/") {
		// URLs and backend specific names ("0", "video=Integrated Camera") are checked by ffmpeg
		return nil
	}

	if _, err := os.Stat(device); os.IsNotExist(err) {
		return &AcquisitionError{Reason: ReasonDeviceNotFound, Err: fmt.Errorf("%w: %s", ErrNoDevice, device)}
	}

	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		if os.IsPermission(err) {
			return &AcquisitionError{Reason: ReasonPermissionDenied, Err: err}
		}
		return &AcquisitionError{Reason: ReasonStartFailed, Err: err}
	}
	file.Close()
	return nil
}

// classifyStderr maps ffmpeg's error output to an acquisition reason
func classifyStderr(stderr string) Reason {
	s := strings.ToLower(stderr)
	switch {
	case strings.Contains(s, "permission denied"):
		return ReasonPermissionDenied
	case strings.Contains(s, "no such file") || strings.Contains(s, "no such device") || strings.Contains(s, "could not find"):
		return ReasonDeviceNotFound
	case strings.Contains(s, "unknown input format"):
		return ReasonUnsupported
	default:
		return ReasonStartFailed
	}
}
