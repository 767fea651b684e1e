package incident

import (
	"time"

	"github.com/google/uuid"
)

// Kind identifies the suspicious behaviour an incident records
type Kind string

const (
	AudioDetected           Kind = "audio_detected"
	TabSwitched             Kind = "tab_switched"
	WindowBlur              Kind = "window_blur"
	RightClickAttempt       Kind = "right_click_attempt"
	KeyboardShortcutAttempt Kind = "keyboard_shortcut_attempt"
	FullscreenExit          Kind = "fullscreen_exit"
	SignificantMotion       Kind = "significant_motion"
	NoMotion                Kind = "no_motion"
)

// Kinds lists every incident kind in declaration order
var Kinds = []Kind{
	AudioDetected,
	TabSwitched,
	WindowBlur,
	RightClickAttempt,
	KeyboardShortcutAttempt,
	FullscreenExit,
	SignificantMotion,
	NoMotion,
}

// Valid reports whether k is one of the known kinds
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Incident is an immutable record of one detector firing.
// Detectors fill Kind, OccurredAt and optionally Level, Message or Key; the session
// adds QuestionIndex and, once the upload resolves, EvidenceRef. Use the With*
// methods to derive enriched copies.
type Incident struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"type"`
	OccurredAt    time.Time `json:"timestamp"`
	QuestionIndex *int      `json:"question_index,omitempty"`
	Level         *float64  `json:"level,omitempty"`
	Message       string    `json:"message,omitempty"`
	Key           string    `json:"key,omitempty"`
	EvidenceRef   *string   `json:"evidence_url"`
}

// New creates an incident of the given kind stamped with the current time
func New(kind Kind) Incident {
	return Incident{
		ID:         uuid.NewString(),
		Kind:       kind,
		OccurredAt: time.Now(),
	}
}

// WithLevel returns a copy carrying the measured signal level
func (i Incident) WithLevel(level float64) Incident {
	i.Level = &level
	return i
}

// WithMessage returns a copy carrying a human readable description
func (i Incident) WithMessage(msg string) Incident {
	i.Message = msg
	return i
}

// WithKey returns a copy carrying the blocked key
func (i Incident) WithKey(key string) Incident {
	i.Key = key
	return i
}

// WithQuestion returns a copy tagged with the question on screen when it fired
func (i Incident) WithQuestion(index int) Incident {
	i.QuestionIndex = &index
	return i
}

// WithEvidence returns a copy pointing at uploaded evidence
func (i Incident) WithEvidence(ref string) Incident {
	i.EvidenceRef = &ref
	return i
}

// Data returns the kind specific payload persisted alongside the incident
func (i Incident) Data() map[string]any {
	data := make(map[string]any)
	if i.Level != nil {
		data["level"] = *i.Level
	}
	if i.Message != "" {
		data["message"] = i.Message
	}
	if i.Key != "" {
		data["key"] = i.Key
	}
	if i.QuestionIndex != nil {
		data["question_index"] = *i.QuestionIndex
	}
	return data
}

// Handler receives incidents from a detector
type Handler func(Incident)
