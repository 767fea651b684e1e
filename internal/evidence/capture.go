package evidence

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"log"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"

	"proctord/internal/media"
)

// ContentType of every evidence frame
const ContentType = "image/jpeg"

// Frame is an encoded still taken from the live video at incident time
type Frame struct {
	Data   []byte
	Width  int
	Height int
}

// DataURL renders the frame as a data: URL
func (f *Frame) DataURL() string {
	return "data:" + ContentType + ";base64," + base64.StdEncoding.EncodeToString(f.Data)
}

// CaptureError explains why a frame could not be captured. It is logged, never
// returned to the session.
type CaptureError struct {
	Op  string
	Err error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("evidence capture %s: %v", e.Op, e.Err)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

// Capturer freezes frames from a video sink
type Capturer struct {
	Quality int // JPEG quality, default 80
	Stamp   bool
	logger  *log.Logger
}

// NewCapturer creates a capturer encoding at the given quality (1-100)
func NewCapturer(quality int, stamp bool, logger *log.Logger) *Capturer {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Capturer{Quality: quality, Stamp: stamp, logger: logger}
}

// Capture draws the current frame at native resolution and encodes it.
// It returns nil when the sink has no size yet or anything fails.
func (c *Capturer) Capture(sink media.VideoSink) *Frame {
	return c.CaptureLabeled(sink, "")
}

// CaptureLabeled is Capture with a caption burnt into the top-left corner when
// stamping is enabled
func (c *Capturer) CaptureLabeled(sink media.VideoSink, label string) *Frame {
	frame, err := c.capture(sink, label)
	if err != nil {
		c.logger.Printf("[evidence] %v", err)
		return nil
	}
	return frame
}

func (c *Capturer) capture(sink media.VideoSink, label string) (frame *Frame, err error) {
	defer func() {
		if r := recover(); r != nil {
			frame, err = nil, &CaptureError{Op: "draw", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if sink == nil {
		return nil, &CaptureError{Op: "draw", Err: media.ErrNoFrame}
	}
	w, h := sink.Dimensions()
	if w == 0 || h == 0 {
		return nil, &CaptureError{Op: "draw", Err: media.ErrNoFrame}
	}

	src, err := sink.Frame()
	if err != nil {
		return nil, &CaptureError{Op: "draw", Err: err}
	}

	canvas := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.Copy(canvas, image.Point{}, src, src.Bounds(), draw.Src, nil)

	if c.Stamp && label != "" {
		drawLabel(canvas, 4, 4, label, color.RGBA{255, 255, 255, 255})
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, canvas, &jpeg.Options{Quality: c.Quality}); err != nil {
		return nil, &CaptureError{Op: "encode", Err: err}
	}

	return &Frame{Data: buf.Bytes(), Width: w, Height: h}, nil
}

// drawLabel draws text on a translucent background
func drawLabel(img *image.RGBA, x, y int, label string, c color.RGBA) {
	bounds := img.Bounds()
	bg := image.NewUniform(color.RGBA{0, 0, 0, 180})
	box := image.Rect(x-2, y-2, x+len(label)*7+2, y+12).Intersect(bounds)
	draw.Draw(img, box, bg, image.Point{}, draw.Over)

	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.Point26_6{X: fixed.I(x), Y: fixed.I(y + 10)},
	}
	d.DrawString(label)
}
