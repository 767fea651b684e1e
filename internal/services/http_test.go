package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	goahttp "goa.design/goa/v3/http"

	"proctord/internal/auth"
	"proctord/internal/evidence"
	"proctord/internal/media"
	mw "proctord/internal/middleware"
	"proctord/internal/page"
	"proctord/internal/proctor"
)

type apiClient struct {
	t    *testing.T
	base string
}

func newAPI(t *testing.T, f *managerFixture, authn *auth.Authenticator, store *evidence.DiskStore) *apiClient {
	t.Helper()

	srv := &Server{
		Health:  NewHealthService(f.db),
		Auth:    NewAuthService(authn),
		Proctor: NewProctorService(f.manager, authn.IsEnabled()),
		System:  NewSystemService(f.manager, func() int { return len(f.pages) }, nil, authn.IsEnabled()),
		Protect: mw.AuthMiddleware(authn),
	}
	if store != nil {
		srv.Evidence = store
	}

	mux := goahttp.NewMuxer()
	srv.Mount(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return &apiClient{t: t, base: ts.URL}
}

func (c *apiClient) raw(method, path, token string, body interface{}) (int, []byte) {
	c.t.Helper()

	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(c.t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.base+path, r)
	require.NoError(c.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(c.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(c.t, err)
	return resp.StatusCode, bytes.TrimSpace(raw)
}

func (c *apiClient) do(method, path, token string, body interface{}) (int, map[string]interface{}) {
	c.t.Helper()

	status, raw := c.raw(method, path, token, body)
	out := map[string]interface{}{}
	if len(raw) > 0 && raw[0] == '{' {
		require.NoError(c.t, json.Unmarshal(raw, &out), string(raw))
	}
	return status, out
}

func (c *apiClient) list(path, token string) (int, []map[string]interface{}) {
	c.t.Helper()

	status, raw := c.raw("GET", path, token, nil)
	var out []map[string]interface{}
	if len(raw) > 0 && raw[0] == '[' {
		require.NoError(c.t, json.Unmarshal(raw, &out), string(raw))
	}
	return status, out
}

func TestHTTPProctoringFlow(t *testing.T) {
	f := newManagerFixture(t)
	api := newAPI(t, f, auth.NewAuthenticator(auth.Config{}), nil)

	status, _ := api.do("GET", "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = api.do("GET", "/readyz", "", nil)
	assert.Equal(t, http.StatusOK, status)

	status, body := api.do("PUT", "/api/v1/tests/quiz", "", map[string]interface{}{
		"title": "Quiz", "proctoring_enabled": true,
	})
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "quiz", body["id"])

	status, body = api.do("GET", "/api/v1/attempts/attempt-1/capabilities", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["supported"])

	status, body = api.do("POST", "/api/v1/attempts/attempt-1/start", "", StartPayload{TestID: "quiz", UserID: "alice"})
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "active", body["state"])
	assert.Equal(t, "/preview/attempt-1", body["preview_url"])

	status, _ = api.do("PUT", "/api/v1/attempts/attempt-1/question", "", QuestionPayload{Index: 4})
	assert.Equal(t, http.StatusNoContent, status)

	f.pages["attempt-1"].Dispatch(page.Window, page.Event{Type: "blur"})

	status, body = api.do("GET", "/api/v1/attempts/attempt-1/incidents", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["total"])
	incidents := body["incidents"].([]interface{})
	require.Len(t, incidents, 1)
	first := incidents[0].(map[string]interface{})
	assert.Equal(t, "window_blur", first["type"])
	assert.EqualValues(t, 4, first["question_index"])

	status, body = api.do("GET", "/api/v1/system/status", "", nil)
	require.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 1, body["active_sessions"])

	status, body = api.do("POST", "/api/v1/attempts/attempt-1/result", "", ResultPayload{Score: 3, Total: 5})
	require.Equal(t, http.StatusCreated, status, body)
	assert.EqualValues(t, 1, body["incident_count"])
	assert.Equal(t, "alice", body["user_id"])

	status, body = api.do("POST", "/api/v1/attempts/attempt-1/stop", "", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["name"])
}

func TestHTTPErrorMapping(t *testing.T) {
	f := newManagerFixture(t)
	api := newAPI(t, f, auth.NewAuthenticator(auth.Config{}), nil)

	status, body := api.do("POST", "/api/v1/attempts/attempt-1/start", "", StartPayload{TestID: "private", UserID: "alice", Email: "alice@example.com"})
	assert.Equal(t, http.StatusForbidden, status)
	assert.Equal(t, "access_denied", body["name"])
	assert.Equal(t, "You are not invited to this test", body["message"])

	status, body = api.do("POST", "/api/v1/attempts/attempt-1/start", "", StartPayload{TestID: "test-1"})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", body["name"])

	f.acquirer.err = &media.AcquisitionError{Reason: media.ReasonPermissionDenied, Err: errors.New("denied")}
	status, body = api.do("POST", "/api/v1/attempts/attempt-1/start", "", StartPayload{TestID: "test-1", UserID: "alice"})
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "acquisition_failed", body["name"])
	assert.Equal(t, "permission_denied", body["details"].(map[string]interface{})["reason"])

	f.manager.deps.Prober = prober{camera: false}
	status, body = api.do("POST", "/api/v1/attempts/attempt-1/start", "", StartPayload{TestID: "test-1", UserID: "alice"})
	assert.Equal(t, http.StatusPreconditionFailed, status)
	assert.Equal(t, "unsupported_browser", body["name"])

	status, _ = api.do("GET", "/api/v1/tests/test-1/incidents?limit=x", "", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestHTTPAuthRoles(t *testing.T) {
	f := newManagerFixture(t)
	authn := auth.NewAuthenticator(auth.Config{Enabled: true, Username: "exam", Password: "pw", JWTSecret: "secret"})

	store, err := evidence.NewDiskStore(t.TempDir(), "/evidence")
	require.NoError(t, err)
	api := newAPI(t, f, authn, store)

	status, _ := api.do("POST", "/api/v1/auth/login", "", LoginPayload{Username: "exam", Password: "wrong"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, body := api.do("POST", "/api/v1/auth/login", "", LoginPayload{Username: "exam", Password: "pw"})
	require.Equal(t, http.StatusOK, status)
	examiner := body["token"].(string)

	status, _ = api.do("POST", "/api/v1/attempts/attempt-1/start", "", StartPayload{TestID: "test-1"})
	assert.Equal(t, http.StatusUnauthorized, status)

	status, _ = api.do("POST", "/api/v1/attempts/attempt-1/start", examiner, StartPayload{TestID: "test-1"})
	assert.Equal(t, http.StatusForbidden, status)

	status, body = api.do("POST", "/api/v1/tokens", examiner, CandidateTokenPayload{UserID: "alice", Email: "alice@example.com"})
	require.Equal(t, http.StatusCreated, status)
	alice := body["token"].(string)

	status, _ = api.do("POST", "/api/v1/tokens", alice, CandidateTokenPayload{UserID: "mallory"})
	assert.Equal(t, http.StatusForbidden, status)

	// identity comes from the token, not the body
	status, body = api.do("POST", "/api/v1/attempts/attempt-1/start", alice, StartPayload{TestID: "test-1", UserID: "mallory"})
	require.Equal(t, http.StatusCreated, status, body)
	assert.Equal(t, "alice", body["user_id"])

	_, body = api.do("POST", "/api/v1/tokens", examiner, CandidateTokenPayload{UserID: "bob"})
	bob := body["token"].(string)
	status, _ = api.do("POST", "/api/v1/attempts/attempt-1/stop", bob, nil)
	assert.Equal(t, http.StatusForbidden, status)

	status, body = api.do("GET", "/api/v1/auth/status", alice, nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "alice", body["user_id"])
	assert.Equal(t, auth.RoleCandidate, body["role"])

	url, err := store.UploadEvidence(context.Background(), "test-1", "alice", &evidence.Frame{Data: []byte{0xff, 0xd8, 0xff, 0xd9}, Width: 1, Height: 1})
	require.NoError(t, err)

	for _, tc := range []struct {
		token string
		want  int
	}{
		{examiner, http.StatusOK},
		{alice, http.StatusOK},
		{bob, http.StatusForbidden},
		{"", http.StatusUnauthorized},
	} {
		status, _ = api.do("GET", url, tc.token, nil)
		assert.Equal(t, tc.want, status, url)
	}

	status, _ = api.do("POST", "/api/v1/attempts/attempt-1/stop", alice, nil)
	assert.Equal(t, http.StatusNoContent, status)
}

func TestHTTPResultsAndSessionRecords(t *testing.T) {
	f := newManagerFixture(t)
	authn := auth.NewAuthenticator(auth.Config{Enabled: true, Username: "exam", Password: "pw", JWTSecret: "secret"})
	api := newAPI(t, f, authn, nil)

	examiner, _, err := authn.Authenticate("exam", "pw")
	require.NoError(t, err)
	alice, _, err := authn.IssueCandidateToken("alice", "alice@example.com")
	require.NoError(t, err)
	bob, _, err := authn.IssueCandidateToken("bob", "")
	require.NoError(t, err)

	status, body := api.do("POST", "/api/v1/attempts/attempt-1/start", alice, StartPayload{TestID: "test-1"})
	require.Equal(t, http.StatusCreated, status, body)
	sessionID := body["session_id"].(string)

	status, body = api.do("GET", "/api/v1/sessions/"+sessionID, alice, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "active", body["state"])

	status, body = api.do("POST", "/api/v1/attempts/attempt-1/result", alice, ResultPayload{Score: 4, Total: 5})
	require.Equal(t, http.StatusCreated, status, body)

	status, body = api.do("GET", "/api/v1/sessions/"+sessionID, examiner, nil)
	require.Equal(t, http.StatusOK, status, body)
	assert.Equal(t, "finished", body["state"])
	assert.NotEmpty(t, body["ended_at"])

	status, _ = api.do("GET", "/api/v1/sessions/"+sessionID, bob, nil)
	assert.Equal(t, http.StatusForbidden, status)
	status, body = api.do("GET", "/api/v1/sessions/unknown", examiner, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", body["name"])

	status, results := api.list("/api/v1/users/alice/results", alice)
	require.Equal(t, http.StatusOK, status)
	require.Len(t, results, 1)
	assert.EqualValues(t, 4, results[0]["score"])
	assert.Equal(t, "test-1", results[0]["test_id"])

	status, results = api.list("/api/v1/users/alice/results", examiner)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, results, 1)

	status, _ = api.list("/api/v1/users/alice/results", bob)
	assert.Equal(t, http.StatusForbidden, status)

	status, results = api.list("/api/v1/users/bob/results", bob)
	require.Equal(t, http.StatusOK, status)
	assert.Empty(t, results)
}

func TestAttemptStreamsBelongToTheirUser(t *testing.T) {
	f := newManagerFixture(t)
	authn := auth.NewAuthenticator(auth.Config{Enabled: true, Username: "exam", Password: "pw", JWTSecret: "secret"})
	svc := NewProctorService(f.manager, true)

	request := func(token string) *http.Request {
		claims, err := authn.ValidateToken(token)
		require.NoError(t, err)
		r := httptest.NewRequest("GET", "/ws/page/attempt-1", nil)
		return r.WithContext(mw.WithClaims(r.Context(), claims))
	}
	examiner, _, err := authn.Authenticate("exam", "pw")
	require.NoError(t, err)
	aliceToken, _, err := authn.IssueCandidateToken("alice", "alice@example.com")
	require.NoError(t, err)
	malloryToken, _, err := authn.IssueCandidateToken("mallory", "")
	require.NoError(t, err)

	owner, err := svc.AuthorizePage(request(aliceToken), "attempt-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)
	_, err = svc.AuthorizePage(request(examiner), "attempt-1")
	assert.ErrorIs(t, err, auth.ErrForbidden)

	_, err = f.manager.Start(context.Background(), "attempt-1", "test-1", alice)
	require.NoError(t, err)

	_, err = svc.AuthorizePage(request(malloryToken), "attempt-1")
	assert.ErrorIs(t, err, auth.ErrForbidden)
	owner, err = svc.AuthorizePage(request(aliceToken), "attempt-1")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)

	assert.ErrorIs(t, svc.AuthorizePreview(request(malloryToken), "attempt-1"), auth.ErrForbidden)
	assert.NoError(t, svc.AuthorizePreview(request(aliceToken), "attempt-1"))
	assert.NoError(t, svc.AuthorizePreview(request(examiner), "attempt-1"))

	// a page connected by someone else never gets a session
	f.pages["attempt-2"].owner = "mallory"
	_, err = f.manager.Start(context.Background(), "attempt-2", "test-1", proctor.Identity{UserID: "bob"})
	assert.ErrorIs(t, err, auth.ErrForbidden)
	assert.Equal(t, 1, f.manager.ActiveCount())
	assert.Zero(t, f.pages["attempt-2"].ListenerCount())
}

func TestToServiceError(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{ErrAttemptNotFound, http.StatusNotFound},
		{ErrSessionNotFound, http.StatusNotFound},
		{ErrUserBusy, http.StatusConflict},
		{ErrNotProctored, http.StatusBadRequest},
		{auth.ErrForbidden, http.StatusForbidden},
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, toServiceError(tc.err).status, tc.err.Error())
	}
}
