package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Yufok1/Djinn-Council-Chat/internal/config"
	"github.com/Yufok1/Djinn-Council-Chat/internal/council"
	"github.com/Yufok1/Djinn-Council-Chat/internal/generation"
	"github.com/Yufok1/Djinn-Council-Chat/internal/ledger"
	"github.com/Yufok1/Djinn-Council-Chat/internal/memory"
	"github.com/Yufok1/Djinn-Council-Chat/internal/orchestrator"
	"github.com/Yufok1/Djinn-Council-Chat/internal/streaming"
)

type echoClient struct{}

func (echoClient) Generate(ctx context.Context, req generation.Request) (string, error) {
	return "the council agrees. Confidence: 0.8", nil
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *Server {
	t.Helper()
	dir := t.TempDir()
	logger := zaptest.NewLogger(t)

	cfg := config.Default()
	cfg.Roles = []config.RoleConfig{
		{Name: "Strategist", Tag: "strategist", Model: "test", SystemPrompt: "You are STRAT."},
		{Name: "Analyst", Tag: "analyst", Model: "test", SystemPrompt: "You are ANALYST."},
	}
	cfg.Memory.Dir = filepath.Join(dir, "memory")
	cfg.Ledger.Path = filepath.Join(dir, "ledger.jsonl")
	cfg.Server.RateLimit = 1000
	cfg.Server.RateBurst = 1000
	if mutate != nil {
		mutate(cfg)
	}

	led, err := ledger.Open(cfg.Ledger.Path, nil, logger)
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	mem, err := memory.NewFileStore(cfg.Memory.Dir, cfg.Memory.MaxTurns, logger)
	require.NoError(t, err)

	orch, err := orchestrator.New(cfg, echoClient{}, mem, led, streaming.NewManager(0), logger)
	require.NoError(t, err)
	orch.Start()
	t.Cleanup(orch.Shutdown)

	return NewServer(orch, cfg.Server, logger)
}

func TestInvokeEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	body := bytes.NewBufferString(`{"query":"what color is the sky?"}`)
	resp, err := http.Post(ts.URL+"/api/v1/council", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var session council.Session
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&session))
	assert.True(t, strings.HasPrefix(session.ID, "council_"))
	require.NotNil(t, session.Outcome)
	assert.Contains(t, session.Outcome.FinalText, "the council agrees")
	assert.Equal(t, council.StateIdle, session.CurrentState())
}

func TestInvokeEndpointValidation(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// Empty query.
	resp, err := http.Post(ts.URL+"/api/v1/council", "application/json", bytes.NewBufferString(`{"query":"  "}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Broken JSON.
	resp, err = http.Post(ts.URL+"/api/v1/council", "application/json", bytes.NewBufferString(`{`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	// Wrong method.
	resp, err = http.Get(ts.URL + "/api/v1/council")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	// Unknown mode.
	resp, err = http.Post(ts.URL+"/api/v1/council", "application/json",
		bytes.NewBufferString(`{"query":"hi","mode":"coin_flip"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStatusEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var st orchestrator.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.Equal(t, 2, st.ActiveWorkers)
	assert.ElementsMatch(t, []string{"Strategist", "Analyst"}, st.Roles)
	assert.Equal(t, "majority_vote", st.DefaultMode)
}

func TestRecentSessionsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	for i := 0; i < 3; i++ {
		resp, err := http.Post(ts.URL+"/api/v1/council", "application/json",
			bytes.NewBufferString(`{"query":"question"}`))
		require.NoError(t, err)
		resp.Body.Close()
	}

	resp, err := http.Get(ts.URL + "/api/v1/sessions/recent?limit=2")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out struct {
		Sessions []ledger.SessionSummary `json:"sessions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Len(t, out.Sessions, 2)
}

func TestHealthzEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.RateLimit = 1
		cfg.Server.RateBurst = 1
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	limited := false
	for i := 0; i < 5; i++ {
		resp, err := http.Get(ts.URL + "/api/v1/status")
		require.NoError(t, err)
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
		}
	}
	assert.True(t, limited, "burst of requests should trip the limiter")
}

func TestJWTAuth(t *testing.T) {
	const secret = "council-secret"
	srv := newTestServer(t, func(cfg *config.Config) {
		cfg.Server.JWTSecret = secret
	})
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	// No token.
	resp, err := http.Get(ts.URL + "/api/v1/status")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Garbage token.
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Valid token.
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "operator",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)

	req, _ = http.NewRequest(http.MethodGet, ts.URL+"/api/v1/status", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// Health stays open for probes.
	resp, err = http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestWebSocketStream(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/stream/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Trigger a deliberation while subscribed to all sessions.
	resp, err := http.Post(ts.URL+"/api/v1/council", "application/json",
		bytes.NewBufferString(`{"query":"stream this"}`))
	require.NoError(t, err)
	resp.Body.Close()

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	seen := map[string]bool{}
	for i := 0; i < 20 && !(seen[streaming.TypePhase] && seen[streaming.TypeConsensus]); i++ {
		var evt streaming.Event
		if err := conn.ReadJSON(&evt); err != nil {
			break
		}
		seen[evt.Type] = true
	}
	assert.True(t, seen[streaming.TypePhase], "no phase events received")
	assert.True(t, seen[streaming.TypeConsensus], "no consensus event received")
}

func TestSSEStreamHeaders(t *testing.T) {
	srv := newTestServer(t, nil)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/stream/sse?session_id=council_x", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	buf := make([]byte, 64)
	n, _ := resp.Body.Read(buf)
	assert.Contains(t, string(buf[:n]), ": connected")
}
