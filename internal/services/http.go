package services

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"path"
	"strconv"

	goahttp "goa.design/goa/v3/http"
	"goa.design/goa/v3/middleware"

	"proctord/internal/auth"
	"proctord/internal/evidence"
	mw "proctord/internal/middleware"
	"proctord/internal/proctor"
)

// EvidenceReader serves stored evidence frames
type EvidenceReader interface {
	Read(rel string) ([]byte, error)
}

// MountPoint describes one mounted endpoint
type MountPoint struct {
	Method  string
	Verb    string
	Pattern string
}

// Server exposes the service implementations over HTTP
type Server struct {
	Health   *HealthImplementation
	Auth     *AuthImplementation
	Proctor  *ProctorImplementation
	System   *SystemImplementation
	Config   *ConfigImplementation
	Evidence EvidenceReader

	// Protect wraps endpoints that need a token, nil leaves them open
	Protect func(http.Handler) http.Handler
	Logger  *log.Logger

	Mounts []*MountPoint
}

// Mount configures the mux to serve every endpoint
func (s *Server) Mount(mux goahttp.Muxer) {
	if s.Logger == nil {
		s.Logger = log.New(io.Discard, "", 0)
	}

	s.handle(mux, "Healthz", "GET", "/healthz", false, func(w http.ResponseWriter, r *http.Request) {
		s.respond(w, r, http.StatusOK, nil, s.Health.Healthz(r.Context()))
	})
	s.handle(mux, "Readyz", "GET", "/readyz", false, func(w http.ResponseWriter, r *http.Request) {
		s.respond(w, r, http.StatusOK, nil, s.Health.Readyz(r.Context()))
	})

	s.handle(mux, "Login", "POST", "/api/v1/auth/login", false, func(w http.ResponseWriter, r *http.Request) {
		var payload LoginPayload
		if !s.decode(w, r, &payload) {
			return
		}
		res, err := s.Auth.Login(r.Context(), &payload)
		s.respond(w, r, http.StatusOK, res, err)
	})
	s.handle(mux, "AuthStatus", "GET", "/api/v1/auth/status", true, func(w http.ResponseWriter, r *http.Request) {
		res, err := s.Auth.Status(r.Context())
		s.respond(w, r, http.StatusOK, res, err)
	})
	s.handle(mux, "IssueCandidateToken", "POST", "/api/v1/tokens", true, func(w http.ResponseWriter, r *http.Request) {
		var payload CandidateTokenPayload
		if !s.decode(w, r, &payload) {
			return
		}
		res, err := s.Auth.IssueCandidateToken(r.Context(), &payload)
		s.respond(w, r, http.StatusCreated, res, err)
	})

	s.handle(mux, "SaveTest", "PUT", "/api/v1/tests/{test_id}", true, func(w http.ResponseWriter, r *http.Request) {
		var payload proctor.Test
		if !s.decode(w, r, &payload) {
			return
		}
		payload.ID = mux.Vars(r)["test_id"]
		res, err := s.Proctor.SaveTest(r.Context(), &payload)
		s.respond(w, r, http.StatusOK, res, err)
	})
	s.handle(mux, "TestIncidents", "GET", "/api/v1/tests/{test_id}/incidents", true, func(w http.ResponseWriter, r *http.Request) {
		payload := TestIncidentsPayload{
			TestID: mux.Vars(r)["test_id"],
			UserID: r.URL.Query().Get("user_id"),
		}
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				s.respond(w, r, 0, nil, badRequest("limit must be a non-negative integer"))
				return
			}
			payload.Limit = n
		}
		res, err := s.Proctor.TestIncidents(r.Context(), &payload)
		if res == nil && err == nil {
			res = []proctor.IncidentRecord{}
		}
		s.respond(w, r, http.StatusOK, res, err)
	})

	s.handle(mux, "Results", "GET", "/api/v1/users/{user_id}/results", true, func(w http.ResponseWriter, r *http.Request) {
		res, err := s.Proctor.Results(r.Context(), mux.Vars(r)["user_id"])
		if res == nil && err == nil {
			res = []proctor.TestResult{}
		}
		s.respond(w, r, http.StatusOK, res, err)
	})
	s.handle(mux, "SessionRecord", "GET", "/api/v1/sessions/{session_id}", true, func(w http.ResponseWriter, r *http.Request) {
		res, err := s.Proctor.SessionRecord(r.Context(), mux.Vars(r)["session_id"])
		s.respond(w, r, http.StatusOK, res, err)
	})

	s.handle(mux, "Capabilities", "GET", "/api/v1/attempts/{attempt_id}/capabilities", true, func(w http.ResponseWriter, r *http.Request) {
		res, err := s.Proctor.Capabilities(r.Context(), mux.Vars(r)["attempt_id"])
		s.respond(w, r, http.StatusOK, res, err)
	})
	s.handle(mux, "Start", "POST", "/api/v1/attempts/{attempt_id}/start", true, func(w http.ResponseWriter, r *http.Request) {
		var payload StartPayload
		if !s.decode(w, r, &payload) {
			return
		}
		payload.AttemptID = mux.Vars(r)["attempt_id"]
		res, err := s.Proctor.Start(r.Context(), &payload)
		s.respond(w, r, http.StatusCreated, res, err)
	})
	s.handle(mux, "Stop", "POST", "/api/v1/attempts/{attempt_id}/stop", true, func(w http.ResponseWriter, r *http.Request) {
		s.respond(w, r, http.StatusNoContent, nil, s.Proctor.Stop(r.Context(), mux.Vars(r)["attempt_id"]))
	})
	s.handle(mux, "SetQuestion", "PUT", "/api/v1/attempts/{attempt_id}/question", true, func(w http.ResponseWriter, r *http.Request) {
		var payload QuestionPayload
		if !s.decode(w, r, &payload) {
			return
		}
		payload.AttemptID = mux.Vars(r)["attempt_id"]
		s.respond(w, r, http.StatusNoContent, nil, s.Proctor.SetQuestion(r.Context(), &payload))
	})
	s.handle(mux, "SubmitResult", "POST", "/api/v1/attempts/{attempt_id}/result", true, func(w http.ResponseWriter, r *http.Request) {
		var payload ResultPayload
		if !s.decode(w, r, &payload) {
			return
		}
		payload.AttemptID = mux.Vars(r)["attempt_id"]
		res, err := s.Proctor.SubmitResult(r.Context(), &payload)
		s.respond(w, r, http.StatusCreated, res, err)
	})
	s.handle(mux, "Incidents", "GET", "/api/v1/attempts/{attempt_id}/incidents", true, func(w http.ResponseWriter, r *http.Request) {
		res, err := s.Proctor.Incidents(r.Context(), mux.Vars(r)["attempt_id"])
		s.respond(w, r, http.StatusOK, res, err)
	})

	s.handle(mux, "Status", "GET", "/api/v1/system/status", true, func(w http.ResponseWriter, r *http.Request) {
		res, err := s.System.Status(r.Context())
		s.respond(w, r, http.StatusOK, res, err)
	})
	s.handle(mux, "TestNotification", "POST", "/api/v1/notifications/test", true, func(w http.ResponseWriter, r *http.Request) {
		s.respond(w, r, http.StatusNoContent, nil, s.System.TestNotification(r.Context()))
	})

	if s.Config != nil {
		s.handle(mux, "GetConfig", "GET", "/api/v1/config", true, func(w http.ResponseWriter, r *http.Request) {
			res, err := s.Config.Get(r.Context())
			s.respond(w, r, http.StatusOK, res, err)
		})
	}

	if s.Evidence != nil {
		s.handle(mux, "Evidence", "GET", "/evidence/{test_id}/{user_id}/{name}", true, s.serveEvidence(mux))
	}
}

func (s *Server) handle(mux goahttp.Muxer, method, verb, pattern string, protected bool, h http.HandlerFunc) {
	handler := http.Handler(h)
	if protected && s.Protect != nil {
		handler = s.Protect(handler)
	}
	mux.Handle(verb, pattern, handler.ServeHTTP)
	s.Mounts = append(s.Mounts, &MountPoint{Method: method, Verb: verb, Pattern: pattern})
}

// serveEvidence lets examiners read any frame and test-takers their own
func (s *Server) serveEvidence(mux goahttp.Muxer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		if claims := mw.GetUserFromContext(r.Context()); claims != nil &&
			claims.Role != auth.RoleExaminer && claims.UserID() != vars["user_id"] {
			s.respond(w, r, 0, nil, auth.ErrForbidden)
			return
		}

		data, err := s.Evidence.Read(path.Join(vars["test_id"], vars["user_id"], vars["name"]))
		switch {
		case errors.Is(err, evidence.ErrInvalidPath):
			s.respond(w, r, 0, nil, badRequest(err.Error()))
			return
		case errors.Is(err, os.ErrNotExist):
			s.respond(w, r, 0, nil, &ServiceError{Name: "not_found", Message: "evidence not found", status: http.StatusNotFound})
			return
		case err != nil:
			s.respond(w, r, 0, nil, err)
			return
		}

		w.Header().Set("Content-Type", evidence.ContentType)
		w.Header().Set("Cache-Control", "private, max-age=86400")
		w.Header().Set("Content-Length", strconv.Itoa(len(data)))
		_, _ = w.Write(data)
	}
}

// decode reads the request body into v. An empty body leaves v untouched.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := goahttp.RequestDecoder(r).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	s.respond(w, r, 0, nil, badRequest("invalid request body: "+err.Error()))
	return false
}

// respond writes res with status, or the mapped error when err is set
func (s *Server) respond(w http.ResponseWriter, r *http.Request, status int, res interface{}, err error) {
	ctx := r.Context()
	if err != nil {
		se := toServiceError(err)
		if se.status >= http.StatusInternalServerError {
			s.Logger.Printf("[%s] ERROR: %v", requestID(ctx), err)
		}
		status, res = se.status, se
	}

	enc := goahttp.ResponseEncoder(ctx, w)
	w.WriteHeader(status)
	if res == nil || status == http.StatusNoContent {
		return
	}
	if err := enc.Encode(res); err != nil {
		s.Logger.Printf("[%s] encoding: %v", requestID(ctx), err)
	}
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(middleware.RequestIDKey).(string); ok {
		return id
	}
	return "-"
}
