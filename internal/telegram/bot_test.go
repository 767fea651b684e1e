package telegram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"proctord/internal/evidence"
	"proctord/internal/incident"
	"proctord/internal/proctor"
)

type fakeAPI struct {
	mu    sync.Mutex
	paths []string
	ok    bool
}

func (f *fakeAPI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.paths = append(f.paths, r.URL.Path)
	ok := f.ok
	f.mu.Unlock()
	if ok {
		w.Write([]byte(`{"ok":true,"result":{}}`))
		return
	}
	w.Write([]byte(`{"ok":false,"error_code":400,"description":"chat not found"}`))
}

func (f *fakeAPI) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.paths...)
}

func newBot(t *testing.T, api *fakeAPI) *TelegramBot {
	srv := httptest.NewServer(api)
	t.Cleanup(srv.Close)
	return NewTelegramBot(Config{BotToken: "tok", ChatID: "42", Enabled: true, CooldownSeconds: 60, APIBase: srv.URL})
}

func alertFor(session string, kind incident.Kind, frame *evidence.Frame) proctor.Alert {
	return proctor.Alert{
		SessionID: session,
		TestID:    "t1",
		Identity:  proctor.Identity{UserID: "u1", Email: "u1@example.com"},
		Incident:  incident.New(kind).WithMessage("Student <b>left</b>").WithQuestion(2),
		Frame:     frame,
	}
}

func TestNotifyIncidentCooldownPerKind(t *testing.T) {
	api := &fakeAPI{ok: true}
	bot := newBot(t, api)
	ctx := context.Background()

	require.NoError(t, bot.NotifyIncident(ctx, alertFor("s1", incident.TabSwitched, &evidence.Frame{Data: []byte("jpeg")})))
	require.NoError(t, bot.NotifyIncident(ctx, alertFor("s1", incident.TabSwitched, nil)))
	require.NoError(t, bot.NotifyIncident(ctx, alertFor("s1", incident.WindowBlur, nil)))
	require.NoError(t, bot.NotifyIncident(ctx, alertFor("s2", incident.TabSwitched, nil)))

	assert.Equal(t, []string{"/bottok/sendPhoto", "/bottok/sendMessage", "/bottok/sendMessage"}, api.calls())
}

func TestNotifyIncidentFailureReleasesCooldown(t *testing.T) {
	api := &fakeAPI{}
	bot := newBot(t, api)
	ctx := context.Background()

	err := bot.NotifyIncident(ctx, alertFor("s1", incident.FullscreenExit, nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chat not found")

	api.mu.Lock()
	api.ok = true
	api.mu.Unlock()
	require.NoError(t, bot.NotifyIncident(ctx, alertFor("s1", incident.FullscreenExit, nil)))
	assert.Len(t, api.calls(), 2)
}

func TestDisabledBotIsSilent(t *testing.T) {
	api := &fakeAPI{ok: true}
	srv := httptest.NewServer(api)
	defer srv.Close()
	bot := NewTelegramBot(Config{APIBase: srv.URL})

	assert.NoError(t, bot.NotifyIncident(context.Background(), alertFor("s1", incident.TabSwitched, nil)))
	assert.Error(t, bot.SendTestMessage(context.Background()))
	assert.Empty(t, api.calls())
}

func TestFormatAlertEscapes(t *testing.T) {
	caption := FormatAlert(alertFor("s1", incident.NoMotion, nil))
	assert.Contains(t, caption, "u1@example.com")
	assert.Contains(t, caption, "no_motion")
	assert.Contains(t, caption, "Student &lt;b&gt;left&lt;/b&gt;")
	assert.Contains(t, caption, "Question: 3")
	assert.False(t, strings.Contains(caption, "<b>left"))
}

func TestValidateConfig(t *testing.T) {
	assert.NoError(t, ValidateConfig(Config{}))
	assert.Error(t, ValidateConfig(Config{Enabled: true, ChatID: "1"}))
	assert.Error(t, ValidateConfig(Config{Enabled: true, BotToken: "t"}))
	assert.Error(t, ValidateConfig(Config{CooldownSeconds: -1}))
}
