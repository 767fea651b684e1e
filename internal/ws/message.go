package ws

import (
	"time"

	"proctord/internal/incident"
	"proctord/internal/proctor"
)

// Message types exchanged with the exam page
const (
	TypeHello  = "hello"  // page -> agent: feature list
	TypeEvent  = "event"  // page -> agent: DOM event
	TypeResult = "result" // page -> agent: outcome of an invoke
	TypeAck    = "ack"    // agent -> page: listeners ran, prevented or not
	TypeInvoke = "invoke" // agent -> page: call a page method
	TypeUpdate = "update" // agent -> page: incident counter and toast
)

// InboundMessage is anything the page sends
type InboundMessage struct {
	Type     string    `json:"type"`
	ID       uint64    `json:"id,omitempty"`
	Features []string  `json:"features,omitempty"`
	DOM      *DOMEvent `json:"dom,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// DOMEvent is the wire form of page.Event
type DOMEvent struct {
	Type              string `json:"type"`
	Target            string `json:"target"`
	Hidden            bool   `json:"hidden,omitempty"`
	FullscreenElement bool   `json:"fullscreen_element,omitempty"`
	Key               string `json:"key,omitempty"`
	Ctrl              bool   `json:"ctrl,omitempty"`
	Shift             bool   `json:"shift,omitempty"`
	Alt               bool   `json:"alt,omitempty"`
	Meta              bool   `json:"meta,omitempty"`
}

// AckMessage answers an event
type AckMessage struct {
	Type      string `json:"type"`
	ID        uint64 `json:"id"`
	Prevented bool   `json:"prevented"`
}

// InvokeMessage asks the page to call a method
type InvokeMessage struct {
	Type   string `json:"type"`
	ID     uint64 `json:"id"`
	Method string `json:"method"`
}

// UpdateMessage carries a session update to the page
type UpdateMessage struct {
	Type           string             `json:"type"`
	Timestamp      time.Time          `json:"timestamp"`
	Active         bool               `json:"active"`
	IncidentCount  int                `json:"incident_count"`
	LatestIncident *incident.Incident `json:"latest_incident,omitempty"`
	PreviewURL     string             `json:"preview_url,omitempty"`
}

// NewUpdateMessage converts a session update. previewURL is set only while a
// camera preview exists.
func NewUpdateMessage(u proctor.Update, previewURL string) *UpdateMessage {
	msg := &UpdateMessage{
		Type:           TypeUpdate,
		Timestamp:      time.Now(),
		Active:         u.Active,
		IncidentCount:  u.IncidentCount,
		LatestIncident: u.LatestIncident,
	}
	if u.CameraPreview != nil {
		msg.PreviewURL = previewURL
	}
	return msg
}
