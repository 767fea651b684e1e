// Package proctor runs one proctored test attempt: it acquires the camera and
// microphone, attaches every detector, and turns detector output into logged,
// evidenced and persisted incidents.
package proctor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"proctord/internal/detector"
	"proctord/internal/evidence"
	"proctord/internal/incident"
	"proctord/internal/media"
	"proctord/internal/page"
)

var (
	ErrSessionClosed  = errors.New("session closed")
	ErrAlreadyStarted = errors.New("session already started")
)

// State of a session
type State int

const (
	StateIdle State = iota
	StateAcquiring
	StateActive
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAcquiring:
		return "acquiring"
	case StateActive:
		return "active"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Deps are the collaborators of a session
type Deps struct {
	Acquirer  media.Acquirer
	Prober    page.MediaProber // optional, enables the capability pre-flight
	Surface   page.Surface
	Incidents IncidentStore
	Evidence  EvidenceUploader // optional
	Notifier  Notifier         // optional
	Logger    *log.Logger
}

// Session is one proctored attempt. It is not reusable: once stopped, Start
// returns ErrSessionClosed.
type Session struct {
	id       string
	testID   string
	identity Identity
	cfg      Config
	deps     Deps
	logger   *log.Logger

	log        *incident.Log
	updates    *UpdateBus
	capturer   *evidence.Capturer
	fullscreen *detector.FullscreenController

	// emitMu orders incidents: tagging, logging and publishing happen as one step
	emitMu sync.Mutex

	mu            sync.Mutex
	state         State
	closed        bool
	handle        media.Handle
	audioCtx      *media.AudioContext
	subs          []detector.Subscription
	graceTimer    *time.Timer
	cancelAcquire context.CancelFunc
	question      int
	startedAt     time.Time
}

// NewSession creates an idle session for one test attempt
func NewSession(testID string, identity Identity, cfg Config, deps Deps) *Session {
	cfg = cfg.withDefaults()
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	s := &Session{
		id:       uuid.New().String(),
		testID:   testID,
		identity: identity,
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		log:      incident.NewLog(cfg.LogCapacity),
		updates:  NewUpdateBus(),
		capturer: evidence.NewCapturer(cfg.EvidenceQuality, cfg.StampEvidence, logger),
	}
	if deps.Surface != nil {
		s.fullscreen = detector.NewFullscreenController(deps.Surface, logger)
	}
	return s
}

// ID returns the session identifier
func (s *Session) ID() string { return s.id }

// TestID returns the test this session proctors
func (s *Session) TestID() string { return s.testID }

// Identity returns the test-taker
func (s *Session) Identity() Identity { return s.identity }

// State returns the current lifecycle state
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// StartedAt returns when the session became active, zero before that
func (s *Session) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Start acquires the camera and microphone and attaches every detector.
// AcquisitionError and CapabilityError are returned as is; no resource is held
// after a failed Start.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.state != StateIdle {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if s.deps.Prober != nil {
		if _, err := page.RequireSupport(s.deps.Surface, s.deps.Prober); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	acqCtx, cancel := context.WithCancel(ctx)
	s.state = StateAcquiring
	s.cancelAcquire = cancel
	s.mu.Unlock()

	handle, err := s.deps.Acquirer.Acquire(acqCtx, s.cfg.Constraints)
	cancel()

	s.mu.Lock()
	s.cancelAcquire = nil
	if err != nil {
		if s.state == StateAcquiring {
			s.state = StateIdle
		}
		s.mu.Unlock()
		s.logger.Printf("[session] %s acquisition failed: %v", s.id, err)
		return err
	}
	if s.state != StateAcquiring {
		// stopped while the permission prompt was pending
		s.mu.Unlock()
		handle.Stop()
		return ErrSessionClosed
	}

	s.handle = handle
	s.attachLocked(handle)
	s.state = StateActive
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.logger.Printf("[session] %s active for test %s user %s", s.id, s.testID, s.identity.UserID)

	if s.fullscreen != nil {
		go func() {
			fctx, cancel := context.WithTimeout(context.Background(), s.cfg.FullscreenWait)
			defer cancel()
			_ = s.fullscreen.Request(fctx)
		}()
	}

	s.publish(nil)
	return nil
}

// attachLocked wires the handle and the page into the detectors. Caller holds mu.
func (s *Session) attachLocked(handle media.Handle) {
	if src := handle.Audio(); src != nil {
		actx := media.NewAudioContext(src)
		an, err := actx.CreateAnalyser(s.cfg.Audio.FFTSize)
		if err != nil {
			s.logger.Printf("[session] %s audio analysis unavailable: %v", s.id, err)
			actx.Close()
		} else {
			s.audioCtx = actx
			s.subs = append(s.subs, detector.AttachAudioLevel(an, s.cfg.Audio, s.handleIncident))
		}
	}

	if s.deps.Surface != nil {
		s.subs = append(s.subs,
			detector.AttachVisibility(s.deps.Surface, s.handleIncident),
			detector.AttachCheatingInput(s.deps.Surface, s.handleIncident),
			s.fullscreen.MonitorExits(s.handleIncident),
		)
	}

	if sink := handle.Video(); sink != nil {
		s.graceTimer = time.AfterFunc(s.cfg.MotionGrace, func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.state != StateActive {
				return
			}
			s.subs = append(s.subs, detector.AttachMotion(sink, s.cfg.Motion, s.handleIncident))
		})
	}
}

// Stop tears down every subscription and media track and clears the log. It
// is safe in any state and idempotent. Background uploads and persistence
// calls already dispatched are left to finish on their own.
func (s *Session) Stop() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	prev := s.state
	s.state = StateStopping
	if s.cancelAcquire != nil {
		s.cancelAcquire()
	}
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
	subs := s.subs
	s.subs = nil
	handle := s.handle
	s.handle = nil
	actx := s.audioCtx
	s.audioCtx = nil
	s.mu.Unlock()

	// without mu held: stopping a subscription waits for its in-flight handler
	for _, sub := range subs {
		sub.Stop()
	}
	if actx != nil {
		actx.Close()
	}
	if handle != nil {
		handle.Stop()
	}
	s.log.Clear()

	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()

	s.updates.Publish(Update{})
	s.updates.Close()
	s.logger.Printf("[session] %s stopped (was %s, %d detectors)", s.id, prev, len(subs))
}

// Finish stops the session and saves the result. The session is stopped even
// when saving fails.
func (s *Session) Finish(ctx context.Context, store ResultStore, res TestResult) error {
	res.TestID = s.testID
	res.UserID = s.identity.UserID
	res.Email = s.identity.Email
	res.IncidentCount = int(s.log.Total())
	if res.CompletedAt.IsZero() {
		res.CompletedAt = time.Now()
	}

	s.Stop()

	if store == nil {
		return nil
	}
	if err := store.SaveTestResult(ctx, res); err != nil {
		perr := &PersistenceError{Op: "save test result", Err: err}
		s.logger.Printf("[session] %s %v", s.id, perr)
		return perr
	}
	return nil
}

// SetQuestionIndex records the question the test-taker is on
func (s *Session) SetQuestionIndex(i int) {
	s.mu.Lock()
	s.question = i
	s.mu.Unlock()
}

// QuestionIndex returns the current question
func (s *Session) QuestionIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.question
}

// Subscribe registers a handler for UI updates. Returns an unsubscribe function.
func (s *Session) Subscribe(h UpdateHandler) func() {
	return s.updates.Subscribe(h)
}

// SubscribeChannel is Subscribe over a buffered channel
func (s *Session) SubscribeChannel(bufferSize int) (<-chan Update, func()) {
	return s.updates.SubscribeChannel(bufferSize)
}

// Incidents returns a snapshot of the incident log
func (s *Session) Incidents() []incident.Incident {
	return s.log.Snapshot()
}

// IncidentTotal counts every incident logged since Start, including evicted ones
func (s *Session) IncidentTotal() int64 {
	return s.log.Total()
}

// LiveSubscriptions counts attached detectors
func (s *Session) LiveSubscriptions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// LiveTracks counts media tracks still running
func (s *Session) LiveTracks() int {
	s.mu.Lock()
	h := s.handle
	s.mu.Unlock()
	if h == nil {
		return 0
	}
	return media.LiveTracks(h)
}

// Preview returns the live camera frames, nil when inactive
func (s *Session) Preview() media.JPEGSource {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.previewLocked()
}

func (s *Session) previewLocked() media.JPEGSource {
	if s.handle == nil {
		return nil
	}
	if src, ok := s.handle.Video().(media.JPEGSource); ok {
		return src
	}
	return nil
}

// handleIncident is the single sink of every detector
func (s *Session) handleIncident(inc incident.Incident) {
	s.emitMu.Lock()
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		s.emitMu.Unlock()
		return
	}
	inc = inc.WithQuestion(s.question)
	sink := s.handle.Video()
	s.mu.Unlock()

	s.log.Append(inc)
	s.publish(&inc)
	s.emitMu.Unlock()

	var frame *evidence.Frame
	if sink != nil {
		frame = s.capturer.CaptureLabeled(sink, string(inc.Kind))
	}

	go s.record(inc, frame)
}

// record uploads evidence and persists the incident. Failures are logged only.
func (s *Session) record(inc incident.Incident, frame *evidence.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	if frame != nil && s.deps.Evidence != nil {
		url, err := s.deps.Evidence.UploadEvidence(ctx, s.testID, s.identity.UserID, frame)
		if err != nil {
			s.logger.Printf("[evidence] %s upload failed for %s: %v", s.id, inc.Kind, err)
		} else {
			inc = inc.WithEvidence(url)
			s.log.Resolve(inc.ID, url)
		}
	}

	if s.deps.Incidents != nil {
		rec := IncidentRecord{
			ID:          inc.ID,
			SessionID:   s.id,
			TestID:      s.testID,
			UserID:      s.identity.UserID,
			Kind:        inc.Kind,
			Data:        inc.Data(),
			EvidenceURL: inc.EvidenceRef,
			Timestamp:   inc.OccurredAt,
		}
		if err := s.deps.Incidents.SaveIncident(ctx, rec); err != nil {
			s.logger.Printf("[session] %s %v", s.id, &PersistenceError{Op: "save incident", Err: err})
		}
	}

	if s.deps.Notifier != nil {
		alert := Alert{SessionID: s.id, TestID: s.testID, Identity: s.identity, Incident: inc, Frame: frame}
		if err := s.deps.Notifier.NotifyIncident(ctx, alert); err != nil {
			s.logger.Printf("[session] %s notify failed: %v", s.id, err)
		}
	}
}

func (s *Session) publish(latest *incident.Incident) {
	s.mu.Lock()
	u := Update{
		IncidentCount:  s.log.Len(),
		LatestIncident: latest,
		CameraPreview:  s.previewLocked(),
		Active:         s.state == StateActive,
	}
	s.mu.Unlock()
	s.updates.Publish(u)
}
