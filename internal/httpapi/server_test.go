package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"regexp"
	"testing"

	"breaker/server/internal/config"
	"breaker/server/internal/core"
	"breaker/server/internal/store"
	"breaker/server/internal/ws"
)

func newTestServer(t *testing.T) (*Server, *core.Channels) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "api.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	cfg := &config.Config{
		HistoryMaxCount:     10,
		HistoryMaxAge:       300,
		AnonymousMode:       true,
		ScreenNameMinLength: 2,
		ScreenNameMaxLength: 20,
		ScreenNamePattern:   regexp.MustCompile(`^[A-Za-z0-9_-]+$`),
		TrustedProxies:      map[string]struct{}{},
	}
	channels := core.NewChannels()
	handler := ws.NewHandler(cfg, core.NewIdentities(st), channels, st, nil, nil)
	return New(channels, handler), channels
}

func TestHealthEndpoint(t *testing.T) {
	srv, channels := newTestServer(t)
	channels.Attach(core.NewSession("c1"), "5")

	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Status != "ok" || body.Channels != 1 {
		t.Fatalf("body = %+v", body)
	}
}

func TestStateEndpoint(t *testing.T) {
	srv, channels := newTestServer(t)
	channels.Attach(core.NewSession("c1"), "5")
	channels.Attach(core.NewSession("c2"), "5")
	channels.Attach(core.NewSession("c3"), "9")

	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body stateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Channels["5"] != 2 || body.Channels["9"] != 1 {
		t.Fatalf("channels = %v", body.Channels)
	}
}

func TestStateEndpointEmpty(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	srv.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/state", nil))

	var body stateResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if len(body.Channels) != 0 {
		t.Fatalf("channels = %v, want empty", body.Channels)
	}
}
