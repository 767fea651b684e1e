package detector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"

	"proctord/internal/incident"
	"proctord/internal/page"
)

var ErrFullscreenUnavailable = errors.New("no fullscreen method succeeded")

// fullscreenMethods are tried in order
var fullscreenMethods = []string{
	page.FeatureRequestFullscreen,
	page.FeatureWebkitRequestFullscreen,
	page.FeatureMsRequestFullscreen,
}

// fullscreenEvents are all subscribed so every engine reports exits
var fullscreenEvents = []string{
	"fullscreenchange",
	"webkitfullscreenchange",
	"mozfullscreenchange",
}

// FullscreenController requests fullscreen on the exam page and watches for exits
type FullscreenController struct {
	surface page.Surface
	logger  *log.Logger
}

// NewFullscreenController creates a controller for s
func NewFullscreenController(s page.Surface, logger *log.Logger) *FullscreenController {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &FullscreenController{surface: s, logger: logger}
}

// Request asks the page to enter fullscreen. Failure is logged and returned but
// is never fatal to a session.
func (f *FullscreenController) Request(ctx context.Context) error {
	var errs []error
	for _, method := range fullscreenMethods {
		if !f.surface.Supports(method) {
			continue
		}
		err := f.surface.Invoke(ctx, method)
		if err == nil {
			return nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", method, err))
	}

	err := errors.Join(append([]error{ErrFullscreenUnavailable}, errs...)...)
	f.logger.Printf("[fullscreen] request failed: %v", err)
	return err
}

// MonitorExits emits FullscreenExit whenever the fullscreen element becomes unset
func (f *FullscreenController) MonitorExits(h incident.Handler) Subscription {
	g := &gate{}
	removers := make([]func(), 0, len(fullscreenEvents))

	for _, name := range fullscreenEvents {
		removers = append(removers, f.surface.AddEventListener(page.Document, name, func(e *page.Event) {
			g.run(func() {
				if e.FullscreenElement {
					return
				}
				h(incident.New(incident.FullscreenExit).
					WithMessage("Student exited fullscreen mode"))
			})
		}))
	}

	return NewSubscription(func() {
		for _, remove := range removers {
			remove()
		}
		g.close()
	})
}
