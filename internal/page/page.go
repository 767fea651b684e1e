// Package page models the exam page running in the test-taker's browser: the DOM
// events proctoring listens to, the methods it may invoke and the features it has.
package page

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Target is the DOM object an event listener attaches to
type Target string

const (
	Document Target = "document"
	Window   Target = "window"
)

// Browser features probed before a proctored session starts
const (
	FeatureRequestFullscreen       = "requestFullscreen"
	FeatureWebkitRequestFullscreen = "webkitRequestFullscreen"
	FeatureMsRequestFullscreen     = "msRequestFullscreen"
)

var ErrNotSupported = errors.New("method not supported by the page")

// Event is a DOM event delivered to listeners
type Event struct {
	Type   string `json:"event"`
	Target Target `json:"target"`

	// visibilitychange
	Hidden bool `json:"hidden,omitempty"`
	// fullscreenchange and prefixed variants
	FullscreenElement bool `json:"fullscreen_element,omitempty"`
	// keydown
	Key   string `json:"key,omitempty"`
	Ctrl  bool   `json:"ctrl,omitempty"`
	Shift bool   `json:"shift,omitempty"`
	Alt   bool   `json:"alt,omitempty"`
	Meta  bool   `json:"meta,omitempty"`

	prevented bool
}

// PreventDefault asks the page to block the browser's default action
func (e *Event) PreventDefault() {
	e.prevented = true
}

// DefaultPrevented reports whether a listener called PreventDefault
func (e *Event) DefaultPrevented() bool {
	return e.prevented
}

// Listener handles one DOM event
type Listener func(*Event)

// Surface is the browser capability surface of one exam page
type Surface interface {
	// AddEventListener registers l and returns a function that removes it
	AddEventListener(target Target, eventType string, l Listener) (remove func())
	// Invoke calls a page method such as requestFullscreen
	Invoke(ctx context.Context, method string) error
	// Supports reports whether the page exposes a feature
	Supports(feature string) bool
}

// Details lists the individual capabilities of a report
type Details struct {
	Camera       bool `json:"camera"`
	Fullscreen   bool `json:"fullscreen"`
	AudioContext bool `json:"audioContext"`
}

// Report is the result of a capability probe
type Report struct {
	Supported bool    `json:"supported"`
	Details   Details `json:"details"`
}

// Missing names the capabilities that are absent
func (r Report) Missing() []string {
	var missing []string
	if !r.Details.Camera {
		missing = append(missing, "camera")
	}
	if !r.Details.Fullscreen {
		missing = append(missing, "fullscreen")
	}
	if !r.Details.AudioContext {
		missing = append(missing, "audioContext")
	}
	return missing
}

// CapabilityError blocks a proctored session before any resource is acquired
type CapabilityError struct {
	Report Report
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("browser lacks required capabilities: %s", strings.Join(e.Report.Missing(), ", "))
}

// MediaProber reports what the local capture backend can do
type MediaProber interface {
	HasCamera() bool
	HasAudioAnalysis() bool
}

// CheckSupport probes the page and the capture backend
func CheckSupport(s Surface, media MediaProber) Report {
	details := Details{
		Camera: media != nil && media.HasCamera(),
		Fullscreen: s != nil && (s.Supports(FeatureRequestFullscreen) ||
			s.Supports(FeatureWebkitRequestFullscreen)),
		AudioContext: media != nil && media.HasAudioAnalysis(),
	}
	return Report{
		Supported: details.Camera && details.Fullscreen && details.AudioContext,
		Details:   details,
	}
}

// RequireSupport returns a CapabilityError if any capability is missing
func RequireSupport(s Surface, media MediaProber) (Report, error) {
	report := CheckSupport(s, media)
	if !report.Supported {
		return report, &CapabilityError{Report: report}
	}
	return report, nil
}
