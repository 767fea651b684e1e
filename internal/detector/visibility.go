package detector

import (
	"sync"

	"proctord/internal/incident"
	"proctord/internal/page"
)

// AttachVisibility emits TabSwitched when the document becomes hidden and
// WindowBlur when the window loses focus. Both can fire for one user action.
// Repeated hidden notifications without an intervening visible one count once.
func AttachVisibility(s page.Surface, h incident.Handler) Subscription {
	g := &gate{}
	var mu sync.Mutex
	hidden := false

	removeVisibility := s.AddEventListener(page.Document, "visibilitychange", func(e *page.Event) {
		g.run(func() {
			mu.Lock()
			entered := e.Hidden && !hidden
			hidden = e.Hidden
			mu.Unlock()

			if entered {
				h(incident.New(incident.TabSwitched).
					WithMessage("Student switched tabs or minimized window"))
			}
		})
	})
	removeBlur := s.AddEventListener(page.Window, "blur", func(e *page.Event) {
		g.run(func() {
			h(incident.New(incident.WindowBlur).
				WithMessage("Student clicked outside the test window"))
		})
	})

	return NewSubscription(func() {
		removeVisibility()
		removeBlur()
		g.close()
	})
}
