package status

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/averhola/skyloop/internal/config"
	"github.com/averhola/skyloop/internal/ledger"
	"github.com/averhola/skyloop/internal/supervisor"
	"github.com/averhola/skyloop/internal/testutil/testlog"
)

func testServer(t *testing.T, cfg config.StatusConfig, sources Sources) *Server {
	t.Helper()
	srv, err := NewServer(cfg, sources)
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	return srv
}

func doRequest(srv *Server, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestNewServerRequiresAddr(t *testing.T) {
	testlog.Start(t)
	if _, err := NewServer(config.StatusConfig{}, Sources{}); !errors.Is(err, ErrNoListenAddr) {
		t.Fatalf("expected ErrNoListenAddr, got %v", err)
	}
}

func TestHealthz(t *testing.T) {
	testlog.Start(t)
	srv := testServer(t, config.StatusConfig{Addr: ":0"}, Sources{App: "skyloopd-test"})

	rec := doRequest(srv, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("healthz body: %v", err)
	}
	if body["status"] != "ok" || body["service"] != "skyloopd-test" {
		t.Fatalf("unexpected healthz body: %v", body)
	}
}

func TestStatusIncludesSupervisorSnapshot(t *testing.T) {
	testlog.Start(t)
	srv := testServer(t, config.StatusConfig{Addr: ":0"}, Sources{
		Supervisor: func() supervisor.Snapshot {
			return supervisor.Snapshot{FeedPath: "feed.json", SessionsStarted: 3}
		},
	})

	rec := doRequest(srv, http.MethodGet, "/v1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status=%d body=%s", rec.Code, rec.Body.String())
	}
	var body struct {
		Supervisor supervisor.Snapshot `json:"supervisor"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("status body: %v", err)
	}
	if body.Supervisor.SessionsStarted != 3 || body.Supervisor.FeedPath != "feed.json" {
		t.Fatalf("snapshot not passed through: %+v", body.Supervisor)
	}
}

func TestSessionsLimitValidation(t *testing.T) {
	testlog.Start(t)
	var gotLimit int
	srv := testServer(t, config.StatusConfig{Addr: ":0"}, Sources{
		Sessions: func(limit int) ([]ledger.SessionRecord, error) {
			gotLimit = limit
			return []ledger.SessionRecord{{ID: "s1"}}, nil
		},
	})

	if rec := doRequest(srv, http.MethodGet, "/v1/sessions?limit=bogus", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("bogus limit status=%d", rec.Code)
	}
	if rec := doRequest(srv, http.MethodGet, "/v1/sessions?limit=5", ""); rec.Code != http.StatusOK {
		t.Fatalf("sessions status=%d", rec.Code)
	}
	if gotLimit != 5 {
		t.Fatalf("limit not forwarded: %d", gotLimit)
	}
}

func TestMutationsRequireToken(t *testing.T) {
	testlog.Start(t)
	stopped := false
	srv := testServer(t, config.StatusConfig{Addr: ":0", AuthToken: "sekrit"}, Sources{
		Stop: func(ctx context.Context, reason string) bool {
			stopped = true
			return true
		},
	})

	if rec := doRequest(srv, http.MethodPost, "/v1/session/stop", ""); rec.Code != http.StatusUnauthorized {
		t.Fatalf("missing token status=%d", rec.Code)
	}
	if rec := doRequest(srv, http.MethodPost, "/v1/session/stop", "wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong token status=%d", rec.Code)
	}
	if stopped {
		t.Fatal("stop ran without authorization")
	}
	if rec := doRequest(srv, http.MethodPost, "/v1/session/stop", "sekrit"); rec.Code != http.StatusOK {
		t.Fatalf("valid token status=%d", rec.Code)
	}
	if !stopped {
		t.Fatal("stop did not run with a valid token")
	}
}

func TestMutationsDisabledWithoutConfiguredToken(t *testing.T) {
	testlog.Start(t)
	srv := testServer(t, config.StatusConfig{Addr: ":0"}, Sources{
		Shutdown: func(reason string) {},
	})
	if rec := doRequest(srv, http.MethodPost, "/v1/shutdown", "anything"); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with no configured token, got %d", rec.Code)
	}
}

func TestShutdownInvokesCallback(t *testing.T) {
	testlog.Start(t)
	called := make(chan string, 1)
	srv := testServer(t, config.StatusConfig{Addr: ":0", AuthToken: "sekrit"}, Sources{
		Shutdown: func(reason string) { called <- reason },
	})

	rec := doRequest(srv, http.MethodPost, "/v1/shutdown", "sekrit")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("shutdown status=%d", rec.Code)
	}
	select {
	case reason := <-called:
		if reason == "" {
			t.Fatal("empty shutdown reason")
		}
	case <-time.After(time.Second):
		t.Fatal("shutdown callback not invoked")
	}
}
