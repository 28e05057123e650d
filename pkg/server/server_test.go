package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wismo-triage/pkg/classifier"
	"wismo-triage/pkg/config"
	"wismo-triage/pkg/handlers"
	"wismo-triage/pkg/metrics"
	"wismo-triage/pkg/models"
	"wismo-triage/pkg/store"
	"wismo-triage/pkg/tools"
	"wismo-triage/pkg/triage"
)

func newTestRouter(t *testing.T, cfg *config.Config) http.Handler {
	t.Helper()

	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	file, err := tools.LoadCatalogFile("")
	require.NoError(t, err)
	catalog := tools.NewCatalog(file)

	adapter, err := classifier.NewAdapter(classifier.NewRulesBackend(), logger, m)
	require.NoError(t, err)

	sessions := store.NewMemorySessionStore()
	cases := store.NewMemoryCaseStore()
	machine := triage.NewMachine(triage.Deps{
		Sessions:   sessions,
		Cases:      cases,
		ActionLog:  store.NewMemoryActionLog(),
		Orders:     catalog,
		Tracking:   catalog,
		Classifier: adapter,
	}, triage.DefaultOptions(), logger, m)
	machine.SetClock(func() time.Time { return time.Date(2026, 2, 5, 12, 0, 0, 0, time.UTC) })

	h := handlers.NewHandler(machine, sessions, cases, handlers.Options{
		PodID:           "test-pod",
		MaxMessageChars: cfg.MaxMessageChars,
	}, logger)
	return NewRouter(cfg, h, reg, logger)
}

type call struct {
	method, path, body string
	header             map[string]string
	remote             string
}

func (c call) do(r http.Handler) *httptest.ResponseRecorder {
	req := httptest.NewRequest(c.method, c.path, strings.NewReader(c.body))
	for k, v := range c.header {
		req.Header.Set(k, v)
	}
	if c.remote != "" {
		req.RemoteAddr = c.remote
	}
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func chat(sessionID, message string) call {
	body, _ := json.Marshal(models.ChatRequest{SessionID: sessionID, Message: message})
	return call{method: "POST", path: "/chat", body: string(body)}
}

func TestChatOverHTTP(t *testing.T) {
	r := newTestRouter(t, &config.Config{MaxMessageChars: 2000})

	rec := chat("s1", "Where is my order A1004? anju@example.com").do(r)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp models.ChatResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, models.IntentTrackOrder, resp.Intent)
	assert.Equal(t, models.ActionProvideStatus, resp.Action)
	assert.Empty(t, resp.MissingFields)
	assert.Nil(t, resp.CaseID)
	assert.Equal(t, int64(1), resp.SessionVersion)

	rec = call{method: "GET", path: "/sessions/s1"}.do(r)
	require.Equal(t, http.StatusOK, rec.Code)
	var session models.Session
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &session))
	assert.Equal(t, "A1004", session.ConfirmedOrderID)
	assert.Len(t, session.Turns, 2)

	assert.Equal(t, http.StatusBadRequest, chat("s1", "   ").do(r).Code)
	assert.Equal(t, http.StatusMethodNotAllowed, call{method: "GET", path: "/chat"}.do(r).Code)
}

func TestAPIKey(t *testing.T) {
	r := newTestRouter(t, &config.Config{APIKey: "secret"})

	assert.Equal(t, http.StatusUnauthorized, chat("s1", "hi").do(r).Code)

	wrong := chat("s1", "hi")
	wrong.header = map[string]string{"X-API-Key": "nope"}
	assert.Equal(t, http.StatusUnauthorized, wrong.do(r).Code)

	viaHeader := chat("s1", "hi")
	viaHeader.header = map[string]string{"X-API-Key": "secret"}
	assert.Equal(t, http.StatusOK, viaHeader.do(r).Code)

	viaBearer := chat("s2", "hi")
	viaBearer.header = map[string]string{"Authorization": "Bearer secret"}
	assert.Equal(t, http.StatusOK, viaBearer.do(r).Code)

	assert.Equal(t, http.StatusUnauthorized, call{method: "GET", path: "/cases/CASE-AAAA1111"}.do(r).Code)
	assert.Equal(t, http.StatusOK, call{method: "GET", path: "/health"}.do(r).Code)
	assert.Equal(t, http.StatusOK, call{method: "GET", path: "/metrics"}.do(r).Code)
}

func TestRateLimitPerClient(t *testing.T) {
	r := newTestRouter(t, &config.Config{RateLimitPerMinute: 2})

	first := chat("s1", "hi")
	first.remote = "192.0.2.1:5000"
	assert.Equal(t, http.StatusOK, first.do(r).Code)
	assert.Equal(t, http.StatusOK, first.do(r).Code)

	rec := first.do(r)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	other := chat("s2", "hi")
	other.remote = "192.0.2.2:5000"
	assert.Equal(t, http.StatusOK, other.do(r).Code)
}

func TestRateLimiter_SweepsIdleVisitors(t *testing.T) {
	now := time.Date(2026, 2, 5, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(1)
	rl.now = func() time.Time { return now }
	rl.lastSweep = now

	assert.True(t, rl.allow("a"))
	assert.False(t, rl.allow("a"))

	now = now.Add(visitorTTL + time.Second)
	assert.True(t, rl.allow("b"))
	rl.mu.Lock()
	_, kept := rl.visitors["a"]
	rl.mu.Unlock()
	assert.False(t, kept)
}

func TestMessageSizeLimits(t *testing.T) {
	r := newTestRouter(t, &config.Config{MaxMessageChars: 20})

	assert.Equal(t, http.StatusRequestEntityTooLarge, chat("s1", strings.Repeat("a", 21)).do(r).Code)

	huge := call{method: "POST", path: "/chat", body: `{"session_id":"s1","message":"` + strings.Repeat("a", maxBodyBytes+1) + `"}`}
	assert.Equal(t, http.StatusRequestEntityTooLarge, huge.do(r).Code)
}

func TestMetricsEndpoint(t *testing.T) {
	r := newTestRouter(t, &config.Config{})
	require.Equal(t, http.StatusOK, chat("s1", "Where is my order A1004? anju@example.com").do(r).Code)

	rec := call{method: "GET", path: "/metrics"}.do(r)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `wismo_turns_processed_total{outcome="decided"} 1`)
}
