package proctor

import (
	"context"
	"fmt"
	"time"

	"proctord/internal/evidence"
	"proctord/internal/incident"
)

// Identity of the test-taker, supplied by the caller
type Identity struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// IncidentRecord is what gets persisted for each incident
type IncidentRecord struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	TestID      string         `json:"test_id"`
	UserID      string         `json:"user_id"`
	Kind        incident.Kind  `json:"incident_type"`
	Data        map[string]any `json:"incident_data"`
	EvidenceURL *string        `json:"evidence_url"`
	Timestamp   time.Time      `json:"timestamp"`
}

// TestResult is the outcome of one attempt
type TestResult struct {
	TestID        string         `json:"test_id"`
	UserID        string         `json:"user_id"`
	Email         string         `json:"user_email"`
	Answers       map[string]int `json:"answers"`
	Score         int            `json:"score"`
	Total         int            `json:"total_questions"`
	IncidentCount int            `json:"incident_count"`
	CompletedAt   time.Time      `json:"completed_at"`
}

// IncidentStore persists incidents
type IncidentStore interface {
	SaveIncident(ctx context.Context, rec IncidentRecord) error
}

// ResultStore persists test results
type ResultStore interface {
	SaveTestResult(ctx context.Context, res TestResult) error
}

// EvidenceUploader stores an evidence frame and returns its URL
type EvidenceUploader interface {
	UploadEvidence(ctx context.Context, testID, userID string, frame *evidence.Frame) (string, error)
}

// Alert is handed to a Notifier for each incident
type Alert struct {
	SessionID string
	TestID    string
	Identity  Identity
	Incident  incident.Incident
	Frame     *evidence.Frame
}

// Notifier forwards incidents to an examiner
type Notifier interface {
	NotifyIncident(ctx context.Context, alert Alert) error
}

// PersistenceError wraps a failed write. It is logged and never surfaced to the exam page.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
