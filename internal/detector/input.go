package detector

import (
	"proctord/internal/incident"
	"proctord/internal/page"
)

// ctrlShortcuts are blocked with Ctrl: copy, paste, cut, select all, view source, save, print
var ctrlShortcuts = map[string]bool{
	"c": true,
	"v": true,
	"x": true,
	"a": true,
	"u": true,
	"s": true,
	"p": true,
}

// IsForbiddenKey reports whether a keydown is one of the blocked shortcuts.
// Keys compare exactly, so a Shift-uppercased letter is not a match.
func IsForbiddenKey(e *page.Event) bool {
	if e.Key == "F12" {
		return true
	}
	if !e.Ctrl {
		return false
	}
	if e.Shift && e.Key == "i" {
		return true
	}
	return ctrlShortcuts[e.Key]
}

// AttachCheatingInput blocks the context menu and forbidden shortcuts at document
// level, emitting RightClickAttempt or KeyboardShortcutAttempt. Other keys pass.
func AttachCheatingInput(s page.Surface, h incident.Handler) Subscription {
	g := &gate{}

	removeContextMenu := s.AddEventListener(page.Document, "contextmenu", func(e *page.Event) {
		g.run(func() {
			e.PreventDefault()
			h(incident.New(incident.RightClickAttempt))
		})
	})
	removeKeyDown := s.AddEventListener(page.Document, "keydown", func(e *page.Event) {
		g.run(func() {
			if !IsForbiddenKey(e) {
				return
			}
			e.PreventDefault()
			h(incident.New(incident.KeyboardShortcutAttempt).WithKey(e.Key))
		})
	})

	return NewSubscription(func() {
		removeContextMenu()
		removeKeyDown()
		g.close()
	})
}
