package services

import (
	"context"
	"errors"
	"net/http"
	"time"

	"proctord/internal/auth"
	"proctord/internal/database"
	"proctord/internal/incident"
	"proctord/internal/middleware"
	"proctord/internal/page"
	"proctord/internal/proctor"
)

// StartPayload starts proctoring an attempt. UserID and Email are only read
// when authentication is disabled; otherwise they come from the token.
type StartPayload struct {
	AttemptID string `json:"-"`
	TestID    string `json:"test_id"`
	UserID    string `json:"user_id,omitempty"`
	Email     string `json:"email,omitempty"`
}

// SessionResult describes a running session
type SessionResult struct {
	AttemptID  string    `json:"attempt_id"`
	SessionID  string    `json:"session_id"`
	TestID     string    `json:"test_id"`
	UserID     string    `json:"user_id"`
	State      string    `json:"state"`
	StartedAt  time.Time `json:"started_at"`
	PreviewURL string    `json:"preview_url"`
}

// QuestionPayload reports the question the test-taker is on
type QuestionPayload struct {
	AttemptID string `json:"-"`
	Index     int    `json:"index"`
}

// ResultPayload submits the answers of an attempt
type ResultPayload struct {
	AttemptID string         `json:"-"`
	Answers   map[string]int `json:"answers"`
	Score     int            `json:"score"`
	Total     int            `json:"total_questions"`
}

// IncidentList is the live incident log of an attempt
type IncidentList struct {
	Incidents []incident.Incident `json:"incidents"`
	Total     int64               `json:"total"`
}

// TestIncidentsPayload filters persisted incidents
type TestIncidentsPayload struct {
	TestID string
	UserID string
	Limit  int
}

// ProctorImplementation implements the proctoring service
type ProctorImplementation struct {
	manager *SessionManager
	authOn  bool
}

// NewProctorService creates a new proctoring service implementation
func NewProctorService(manager *SessionManager, authEnabled bool) *ProctorImplementation {
	return &ProctorImplementation{manager: manager, authOn: authEnabled}
}

// caller returns the authenticated identity, nil when authentication is off
func (p *ProctorImplementation) caller(ctx context.Context) (*auth.Claims, error) {
	if !p.authOn {
		return nil, nil
	}
	return middleware.RequireAuth(ctx)
}

// owns rejects callers that are neither the attempt's test-taker nor an examiner
func (p *ProctorImplementation) owns(ctx context.Context, attemptID string) (*proctor.Session, error) {
	claims, err := p.caller(ctx)
	if err != nil {
		return nil, err
	}
	s, err := p.manager.Session(attemptID)
	if err != nil {
		return nil, err
	}
	if claims != nil && claims.Role != auth.RoleExaminer && claims.UserID() != s.Identity().UserID {
		return nil, auth.ErrForbidden
	}
	return s, nil
}

func (p *ProctorImplementation) examiner(ctx context.Context) error {
	if !p.authOn {
		return nil
	}
	_, err := middleware.RequireRole(ctx, auth.RoleExaminer)
	return err
}

// AuthorizePage lets only the test-taker of an attempt connect its exam page.
// It returns the user the page is bound to.
func (p *ProctorImplementation) AuthorizePage(r *http.Request, attemptID string) (string, error) {
	claims, err := p.caller(r.Context())
	if err != nil || claims == nil {
		return "", err
	}
	if claims.Role != auth.RoleCandidate {
		return "", auth.ErrForbidden
	}
	if owner, ok := p.manager.Owner(attemptID); ok && owner != claims.UserID() {
		return "", auth.ErrForbidden
	}
	return claims.UserID(), nil
}

// AuthorizePreview lets examiners and the attempt's test-taker watch the camera
func (p *ProctorImplementation) AuthorizePreview(r *http.Request, attemptID string) error {
	claims, err := p.caller(r.Context())
	if err != nil || claims == nil || claims.Role == auth.RoleExaminer {
		return err
	}
	s, err := p.manager.Session(attemptID)
	if errors.Is(err, ErrAttemptNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if s.Identity().UserID != claims.UserID() {
		return auth.ErrForbidden
	}
	return nil
}

// Capabilities probes the browser and capture backend of an attempt
func (p *ProctorImplementation) Capabilities(ctx context.Context, attemptID string) (*page.Report, error) {
	if _, err := p.caller(ctx); err != nil {
		return nil, err
	}
	report, err := p.manager.Capabilities(ctx, attemptID)
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// Start begins proctoring an attempt
func (p *ProctorImplementation) Start(ctx context.Context, payload *StartPayload) (*SessionResult, error) {
	if payload.TestID == "" {
		return nil, badRequest("test_id is required")
	}

	id := proctor.Identity{UserID: payload.UserID, Email: payload.Email}
	claims, err := p.caller(ctx)
	if err != nil {
		return nil, err
	}
	if claims != nil {
		if claims.Role != auth.RoleCandidate {
			return nil, auth.ErrForbidden
		}
		id = proctor.Identity{UserID: claims.UserID(), Email: claims.Email}
	}
	if id.UserID == "" {
		return nil, badRequest("user_id is required")
	}

	s, err := p.manager.Start(ctx, payload.AttemptID, payload.TestID, id)
	if err != nil {
		return nil, err
	}
	return sessionResult(payload.AttemptID, s), nil
}

// Stop ends proctoring without a result
func (p *ProctorImplementation) Stop(ctx context.Context, attemptID string) error {
	if _, err := p.owns(ctx, attemptID); err != nil {
		return err
	}
	return p.manager.Stop(attemptID)
}

// SetQuestion records the current question index
func (p *ProctorImplementation) SetQuestion(ctx context.Context, payload *QuestionPayload) error {
	if payload.Index < 0 {
		return badRequest("index must not be negative")
	}
	if _, err := p.owns(ctx, payload.AttemptID); err != nil {
		return err
	}
	return p.manager.SetQuestion(payload.AttemptID, payload.Index)
}

// SubmitResult stops proctoring and saves the test result
func (p *ProctorImplementation) SubmitResult(ctx context.Context, payload *ResultPayload) (*proctor.TestResult, error) {
	if _, err := p.owns(ctx, payload.AttemptID); err != nil {
		return nil, err
	}
	res, err := p.manager.Finish(ctx, payload.AttemptID, proctor.TestResult{
		Answers: payload.Answers,
		Score:   payload.Score,
		Total:   payload.Total,
	})
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Incidents returns the live incident log of an attempt
func (p *ProctorImplementation) Incidents(ctx context.Context, attemptID string) (*IncidentList, error) {
	if _, err := p.owns(ctx, attemptID); err != nil {
		return nil, err
	}
	list, total, err := p.manager.Incidents(attemptID)
	if err != nil {
		return nil, err
	}
	return &IncidentList{Incidents: list, Total: total}, nil
}

// TestIncidents lists the persisted incidents of a test for examiners
func (p *ProctorImplementation) TestIncidents(ctx context.Context, payload *TestIncidentsPayload) ([]proctor.IncidentRecord, error) {
	if err := p.examiner(ctx); err != nil {
		return nil, err
	}
	return p.manager.TestIncidents(ctx, payload.TestID, payload.UserID, payload.Limit)
}

// Results lists the saved results of a user. Test-takers only see their own.
func (p *ProctorImplementation) Results(ctx context.Context, userID string) ([]proctor.TestResult, error) {
	claims, err := p.caller(ctx)
	if err != nil {
		return nil, err
	}
	if claims != nil && claims.Role != auth.RoleExaminer && claims.UserID() != userID {
		return nil, auth.ErrForbidden
	}
	return p.manager.Results(ctx, userID)
}

// SessionRecord returns how a proctored attempt went
func (p *ProctorImplementation) SessionRecord(ctx context.Context, sessionID string) (*database.SessionRecord, error) {
	claims, err := p.caller(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := p.manager.SessionRecord(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if claims != nil && claims.Role != auth.RoleExaminer && claims.UserID() != rec.UserID {
		return nil, auth.ErrForbidden
	}
	return rec, nil
}

// SaveTest creates or replaces the access rules of a test
func (p *ProctorImplementation) SaveTest(ctx context.Context, test *proctor.Test) (*proctor.Test, error) {
	if err := p.examiner(ctx); err != nil {
		return nil, err
	}
	if test.ID == "" {
		return nil, badRequest("id is required")
	}
	if test.ScheduledStart != nil && test.ScheduledEnd != nil && test.ScheduledEnd.Before(*test.ScheduledStart) {
		return nil, badRequest("scheduled_end is before scheduled_start")
	}
	if err := p.manager.deps.Store.SaveTest(ctx, test); err != nil {
		return nil, err
	}
	return test, nil
}

func sessionResult(attemptID string, s *proctor.Session) *SessionResult {
	return &SessionResult{
		AttemptID:  attemptID,
		SessionID:  s.ID(),
		TestID:     s.TestID(),
		UserID:     s.Identity().UserID,
		State:      s.State().String(),
		StartedAt:  s.StartedAt(),
		PreviewURL: "/preview/" + attemptID,
	}
}
