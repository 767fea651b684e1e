package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"proctord/internal/auth"
	"proctord/internal/database"
	"proctord/internal/incident"
	"proctord/internal/media"
	"proctord/internal/page"
	"proctord/internal/proctor"
	"proctord/internal/ws"
)

var (
	ErrAttemptNotFound = errors.New("attempt not found")
	ErrSessionNotFound = errors.New("session not found")
	ErrAttemptActive   = errors.New("attempt already has a running session")
	ErrUserBusy        = errors.New("user already has a running session")
	ErrNotProctored    = errors.New("test is not proctored")
)

// AccessDeniedError is returned when the test-taker may not take the test
type AccessDeniedError struct {
	Access proctor.Access
}

func (e *AccessDeniedError) Error() string {
	return fmt.Sprintf("access denied: %s", e.Access.Reason)
}

// Page is a connected exam page
type Page interface {
	page.Surface
	Done() <-chan struct{}
	Send(v interface{}) error
	// Owner is the user that connected the page, empty without authentication
	Owner() string
}

// PageSource blocks until the exam page of an attempt is connected
type PageSource func(ctx context.Context, attemptID string) (Page, error)

// FromHub adapts a websocket hub
func FromHub(hub *ws.Hub) PageSource {
	return func(ctx context.Context, attemptID string) (Page, error) {
		p, err := hub.Wait(ctx, attemptID)
		if err != nil {
			return nil, err
		}
		return p, nil
	}
}

// Store is everything the manager persists to
type Store interface {
	proctor.IncidentStore
	proctor.ResultStore
	proctor.PaymentLookup
	GetTest(ctx context.Context, id string) (*proctor.Test, error)
	SaveTest(ctx context.Context, t *proctor.Test) error
	SaveSession(ctx context.Context, s *database.SessionRecord) error
	GetSession(ctx context.Context, id string) (*database.SessionRecord, error)
	ListResults(ctx context.Context, userID string) ([]proctor.TestResult, error)
	ListIncidents(ctx context.Context, testID, userID string, limit int) ([]proctor.IncidentRecord, error)
}

// ManagerDeps are the collaborators shared by every session
type ManagerDeps struct {
	Pages    PageSource
	Acquirer media.Acquirer
	Prober   page.MediaProber
	Store    Store
	Evidence proctor.EvidenceUploader
	Notifier proctor.Notifier
	Logger   *log.Logger
}

type attempt struct {
	id      string
	session *proctor.Session
	page    Page
	stopped chan struct{}
	stop    sync.Once
	unsub   func()

	recMu  sync.Mutex
	record *database.SessionRecord
}

// SessionManager owns the proctoring sessions of this machine. An attempt has
// at most one session and a user at most one running attempt.
type SessionManager struct {
	deps     ManagerDeps
	logger   *log.Logger
	pageWait time.Duration
	now      func() time.Time

	mu       sync.Mutex
	cfg      proctor.Config
	attempts map[string]*attempt
	users    map[string]string
}

// NewSessionManager creates a manager
func NewSessionManager(cfg proctor.Config, pageWait time.Duration, deps ManagerDeps) *SessionManager {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if pageWait <= 0 {
		pageWait = 30 * time.Second
	}
	return &SessionManager{
		deps:     deps,
		logger:   logger,
		pageWait: pageWait,
		now:      time.Now,
		cfg:      cfg,
		attempts: make(map[string]*attempt),
		users:    make(map[string]string),
	}
}

// SetConfig replaces the settings used by sessions started from now on
func (m *SessionManager) SetConfig(cfg proctor.Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
	m.logger.Printf("[session] configuration updated for new sessions")
}

// Capabilities waits for the page of an attempt and probes it
func (m *SessionManager) Capabilities(ctx context.Context, attemptID string) (page.Report, error) {
	p, err := m.waitPage(ctx, attemptID)
	if err != nil {
		return page.Report{}, err
	}
	return page.CheckSupport(p, m.deps.Prober), nil
}

func (m *SessionManager) waitPage(ctx context.Context, attemptID string) (Page, error) {
	ctx, cancel := context.WithTimeout(ctx, m.pageWait)
	defer cancel()

	p, err := m.deps.Pages(ctx, attemptID)
	if err != nil {
		return nil, fmt.Errorf("exam page for attempt %s not connected: %w", attemptID, err)
	}
	return p, nil
}

// Start checks access, waits for the exam page and starts a proctoring session
func (m *SessionManager) Start(ctx context.Context, attemptID, testID string, id proctor.Identity) (*proctor.Session, error) {
	test, err := m.deps.Store.GetTest(ctx, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to load test: %w", err)
	}
	access, err := proctor.CheckAccess(ctx, test, id.Email, m.now(), m.deps.Store)
	if err != nil {
		return nil, err
	}
	if !access.Allowed {
		return nil, &AccessDeniedError{Access: access}
	}
	if !test.Proctored {
		return nil, ErrNotProctored
	}

	a, cfg, err := m.reserve(attemptID, id.UserID)
	if err != nil {
		return nil, err
	}

	p, err := m.waitPage(ctx, attemptID)
	if err != nil {
		m.release(a)
		return nil, err
	}
	if owner := p.Owner(); owner != "" && owner != id.UserID {
		m.release(a)
		return nil, fmt.Errorf("exam page of attempt %s connected by another user: %w", attemptID, auth.ErrForbidden)
	}

	previewURL := "/preview/" + attemptID
	session := proctor.NewSession(testID, id, cfg, proctor.Deps{
		Acquirer:  m.deps.Acquirer,
		Prober:    m.deps.Prober,
		Surface:   p,
		Incidents: m.deps.Store,
		Evidence:  m.deps.Evidence,
		Notifier:  m.deps.Notifier,
		Logger:    m.logger,
	})
	unsub := session.Subscribe(func(u proctor.Update) {
		if err := p.Send(ws.NewUpdateMessage(u, previewURL)); err != nil && !errors.Is(err, ws.ErrPageClosed) {
			m.logger.Printf("[session] %s update not delivered: %v", session.ID(), err)
		}
	})

	m.mu.Lock()
	a.session = session
	a.page = p
	a.unsub = unsub
	m.mu.Unlock()

	// a page closed during acquisition stops the session as well
	go m.watchPage(a)

	if err := session.Start(ctx); err != nil {
		m.end(a, "")
		return nil, err
	}

	a.recMu.Lock()
	select {
	case <-a.stopped:
		a.recMu.Unlock()
		return nil, proctor.ErrSessionClosed
	default:
	}
	a.record = &database.SessionRecord{
		ID:        session.ID(),
		TestID:    testID,
		UserID:    id.UserID,
		Email:     id.Email,
		State:     "active",
		StartedAt: session.StartedAt(),
	}
	m.saveRecord(*a.record)
	a.recMu.Unlock()

	m.logger.Printf("[session] attempt %s started session %s for user %s", attemptID, session.ID(), id.UserID)
	return session, nil
}

// reserve claims the attempt and user slots before any blocking work
func (m *SessionManager) reserve(attemptID, userID string) (*attempt, proctor.Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.attempts[attemptID]; ok {
		return nil, proctor.Config{}, ErrAttemptActive
	}
	if other, ok := m.users[userID]; ok && other != attemptID {
		return nil, proctor.Config{}, ErrUserBusy
	}

	a := &attempt{id: attemptID, stopped: make(chan struct{})}
	m.attempts[attemptID] = a
	m.users[userID] = attemptID
	return a, m.cfg, nil
}

func (m *SessionManager) release(a *attempt) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.attempts[a.id] != a {
		return
	}
	delete(m.attempts, a.id)
	for user, id := range m.users {
		if id == a.id {
			delete(m.users, user)
		}
	}
}

// watchPage stops the session when its page goes away
func (m *SessionManager) watchPage(a *attempt) {
	select {
	case <-a.page.Done():
		m.logger.Printf("[session] attempt %s page disconnected, stopping", a.id)
		m.end(a, "abandoned")
	case <-a.stopped:
	}
}

// Owner returns the user holding an attempt, reserved or running
func (m *SessionManager) Owner(attemptID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for user, id := range m.users {
		if id == attemptID {
			return user, true
		}
	}
	return "", false
}

func (m *SessionManager) get(attemptID string) (*attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.attempts[attemptID]
	if !ok || a.session == nil {
		return nil, ErrAttemptNotFound
	}
	return a, nil
}

// Session returns the running session of an attempt
func (m *SessionManager) Session(attemptID string) (*proctor.Session, error) {
	a, err := m.get(attemptID)
	if err != nil {
		return nil, err
	}
	return a.session, nil
}

// Stop ends the session of an attempt without a result
func (m *SessionManager) Stop(attemptID string) error {
	a, err := m.get(attemptID)
	if err != nil {
		return err
	}
	m.end(a, "stopped")
	return nil
}

// Finish stops the session of an attempt and saves its result
func (m *SessionManager) Finish(ctx context.Context, attemptID string, res proctor.TestResult) (proctor.TestResult, error) {
	a, err := m.get(attemptID)
	if err != nil {
		return res, err
	}

	id := a.session.Identity()
	res.TestID = a.session.TestID()
	res.UserID = id.UserID
	res.Email = id.Email
	res.IncidentCount = int(a.session.IncidentTotal())
	if res.CompletedAt.IsZero() {
		res.CompletedAt = m.now()
	}

	err = a.session.Finish(ctx, m.deps.Store, res)
	m.end(a, "finished")
	return res, err
}

// end stops a session exactly once and records how it ended. An empty state
// discards a session that never became active.
func (m *SessionManager) end(a *attempt, state string) {
	a.stop.Do(func() {
		close(a.stopped)
		a.session.Stop()
		a.unsub()
		m.release(a)

		a.recMu.Lock()
		defer a.recMu.Unlock()
		if a.record == nil || state == "" {
			return
		}
		ended := m.now()
		a.record.State = state
		a.record.EndedAt = &ended
		m.saveRecord(*a.record)
		m.logger.Printf("[session] attempt %s %s", a.id, state)
	})
}

// saveRecord writes a session row. Failures are logged and never stop the session.
func (m *SessionManager) saveRecord(rec database.SessionRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := m.deps.Store.SaveSession(ctx, &rec); err != nil {
		m.logger.Printf("[session] %s %v", rec.ID, &proctor.PersistenceError{Op: "save session", Err: err})
	}
}

// SetQuestion records the question the test-taker is on
func (m *SessionManager) SetQuestion(attemptID string, index int) error {
	a, err := m.get(attemptID)
	if err != nil {
		return err
	}
	a.session.SetQuestionIndex(index)
	return nil
}

// Incidents returns the in-memory log of a running attempt
func (m *SessionManager) Incidents(attemptID string) ([]incident.Incident, int64, error) {
	a, err := m.get(attemptID)
	if err != nil {
		return nil, 0, err
	}
	return a.session.Incidents(), a.session.IncidentTotal(), nil
}

// TestIncidents lists persisted incidents of a test, of one user when userID is set
func (m *SessionManager) TestIncidents(ctx context.Context, testID, userID string, limit int) ([]proctor.IncidentRecord, error) {
	return m.deps.Store.ListIncidents(ctx, testID, userID, limit)
}

// SessionRecord returns a persisted session row, ErrSessionNotFound when unknown
func (m *SessionManager) SessionRecord(ctx context.Context, sessionID string) (*database.SessionRecord, error) {
	rec, err := m.deps.Store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, ErrSessionNotFound
	}
	return rec, nil
}

// Results lists the saved test results of a user, newest first
func (m *SessionManager) Results(ctx context.Context, userID string) ([]proctor.TestResult, error) {
	return m.deps.Store.ListResults(ctx, userID)
}

// Preview returns the camera frames of a running attempt, nil otherwise
func (m *SessionManager) Preview(attemptID string) media.JPEGSource {
	a, err := m.get(attemptID)
	if err != nil {
		return nil
	}
	return a.session.Preview()
}

// ActiveCount returns the number of running sessions
func (m *SessionManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, a := range m.attempts {
		if a.session != nil {
			n++
		}
	}
	return n
}

// StopAll stops every running session
func (m *SessionManager) StopAll() {
	m.mu.Lock()
	running := make([]*attempt, 0, len(m.attempts))
	for _, a := range m.attempts {
		if a.session != nil {
			running = append(running, a)
		}
	}
	m.mu.Unlock()

	for _, a := range running {
		m.end(a, "stopped")
	}
}
