// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/aiku/waforward/pkg/config"
	"github.com/aiku/waforward/pkg/groups"
	"github.com/aiku/waforward/pkg/session"
	"github.com/aiku/waforward/pkg/store"
	"github.com/aiku/waforward/pkg/transport"
	"github.com/aiku/waforward/pkg/transport/transporttest"
	"github.com/aiku/waforward/pkg/wanode"
)

const (
	testSender = "919560692374@s.whatsapp.net"
	testTarget = "120363000000000001@g.us"
)

type testConnector struct {
	t      *testing.T
	conn   *Connector
	dialer *transporttest.Dialer
	done   chan error
	cancel context.CancelFunc
}

func newTestConnector(t *testing.T, extraYAML string, adjust ...func(*config.Config)) *testConnector {
	t.Helper()
	raw := fmt.Sprintf(`
data_dir: %s
gateway:
  url: ws://127.0.0.1:1/ws
forward:
  sender: "%s"
  marker: PING
  targets: ["%s"]
  simulate_presence: false
  rate_per_minute: 60000
sessions:
  - name: alpha
%s`, t.TempDir(), strings.TrimSuffix(testSender, "@s.whatsapp.net"), testTarget, extraYAML)
	cfg, err := config.ParseYAML([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	tc := &testConnector{
		t:      t,
		conn:   New(cfg, zerolog.Nop()),
		dialer: transporttest.NewDialer(),
	}
	tc.conn.Dialer = tc.dialer
	for _, fn := range adjust {
		fn(cfg)
	}
	if err := tc.conn.Init(); err != nil {
		t.Fatal(err)
	}
	return tc
}

func (tc *testConnector) start() {
	ctx, cancel := context.WithCancel(context.Background())
	tc.cancel = cancel
	tc.done = make(chan error, 1)
	go func() {
		tc.done <- tc.conn.Run(ctx)
	}()
	tc.t.Cleanup(func() {
		cancel()
		select {
		case <-tc.done:
		case <-time.After(2 * time.Second):
		}
	})
}

func (tc *testConnector) wait() error {
	tc.t.Helper()
	select {
	case err := <-tc.done:
		return err
	case <-time.After(2 * time.Second):
		tc.t.Fatal("timed out waiting for Run to return")
		return nil
	}
}

// openSession waits for the session to dial and reports the connection open.
func (tc *testConnector) openSession(slug string) *transporttest.Handle {
	tc.t.Helper()
	var handle *transporttest.Handle
	select {
	case handle = <-tc.dialer.Opened():
	case <-time.After(2 * time.Second):
		tc.t.Fatal("timed out waiting for the session to dial")
	}
	handle.Open()
	waitFor(tc.t, "session open", func() bool {
		state, _ := tc.conn.Registry().State(slug)
		return state == session.StateOpen
	})
	return handle
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func sends(handle *transporttest.Handle) []transporttest.Call {
	var out []transporttest.Call
	for _, call := range handle.Calls() {
		if call.Op == "send" {
			out = append(out, call)
		}
	}
	return out
}

func TestForwardEndToEnd(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, "")
	tc.start()
	handle := tc.openSession("alpha")

	for i, body := range []string{"first PING one", "second PING two"} {
		handle.Emit(&transport.MessagesUpsert{
			Type: transport.UpsertNotify,
			Messages: []transport.Message{{
				Key:     transport.MessageKey{RemoteJID: testSender, ID: fmt.Sprintf("3EB0%04d", i)},
				Payload: &transport.Text{Body: body},
			}},
		})
	}
	waitFor(t, "two forwarded messages", func() bool { return len(sends(handle)) == 2 })

	got := sends(handle)
	for i, want := range []string{" one", " two"} {
		if got[i].JID != testTarget {
			t.Errorf("send %d went to %s, want %s", i, got[i].JID, testTarget)
		}
		if got[i].Message.Text == nil || *got[i].Message.Text != want {
			t.Errorf("send %d = %+v, want text %q", i, got[i].Message, want)
		}
	}

	tc.cancel()
	if err := tc.wait(); err != nil {
		t.Errorf("Run returned %v after cancel", err)
	}
}

func TestForwardSurvivesReconnect(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, "")
	tc.start()
	first := tc.openSession("alpha")
	first.Disconnect(transport.CodeConnectionLost)
	second := tc.openSession("alpha")

	second.Emit(&transport.MessagesUpsert{
		Type: transport.UpsertNotify,
		Messages: []transport.Message{{
			Key:     transport.MessageKey{RemoteJID: testSender, ID: "3EB0RECONNECT"},
			Payload: &transport.Text{Body: "PING after"},
		}},
	})
	waitFor(t, "forward over the new handle", func() bool { return len(sends(second)) == 1 })
	if len(sends(first)) != 0 {
		t.Error("the replaced handle should not be used")
	}
}

func TestLoggedOutSessionStopsAlone(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, "  - name: beta\n")
	tc.start()

	opened := map[string]*transporttest.Handle{}
	for range 2 {
		select {
		case h := <-tc.dialer.Opened():
			opened[h.Config.Slug] = h
			h.Open()
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for sessions to dial")
		}
	}
	alpha, beta := opened["alpha"], opened["beta"]
	if alpha == nil || beta == nil {
		t.Fatalf("expected alpha and beta to dial, got %v", opened)
	}
	waitFor(t, "both open", func() bool {
		a, _ := tc.conn.Registry().State("alpha")
		b, _ := tc.conn.Registry().State("beta")
		return a == session.StateOpen && b == session.StateOpen
	})

	alpha.Emit(&transport.CredentialsUpdate{Blob: []byte("paired")})
	waitFor(t, "credentials saved", func() bool {
		_, err := tc.conn.store.LoadCredentials("alpha")
		return err == nil
	})
	alpha.Disconnect(transport.CodeLoggedOut)
	waitFor(t, "alpha logged out", func() bool {
		state, _ := tc.conn.Registry().State("alpha")
		return state == session.StateLoggedOut
	})
	waitFor(t, "credentials deleted", func() bool {
		_, err := tc.conn.store.LoadCredentials("alpha")
		return errors.Is(err, store.ErrNotFound)
	})

	beta.Emit(&transport.MessagesUpsert{
		Type: transport.UpsertNotify,
		Messages: []transport.Message{{
			Key:     transport.MessageKey{RemoteJID: testSender, ID: "3EB0BETA"},
			Payload: &transport.Text{Body: "PING still here"},
		}},
	})
	waitFor(t, "beta forwards", func() bool { return len(sends(beta)) == 1 })

	select {
	case err := <-tc.done:
		t.Fatalf("Run returned %v while beta is still running", err)
	default:
	}
	if tc.dialer.Attempts() != 2 {
		t.Errorf("logged out session should not reconnect, got %d dials", tc.dialer.Attempts())
	}
}

func TestInitialFailureStopsRun(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, "")
	errRefused := errors.New("refused")
	tc.dialer.OpenErr = func(int) error { return errRefused }
	tc.start()
	err := tc.wait()
	if !errors.Is(err, errRefused) {
		t.Fatalf("Run = %v, want the dial error", err)
	}
}

func TestLastSessionLoggedOutEndsRun(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, "")
	tc.start()
	handle := tc.openSession("alpha")
	handle.Disconnect(transport.CodeLoggedOut)

	err := tc.wait()
	if !errors.Is(err, ErrAllSessionsStopped) || !errors.Is(err, session.ErrLoggedOut) {
		t.Fatalf("Run = %v, want ErrAllSessionsStopped with ErrLoggedOut", err)
	}
	if !strings.Contains(err.Error(), "alpha") {
		t.Errorf("error %q should name the session", err)
	}
}

func TestUnrecoverableSessionEndsRun(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, "", func(cfg *config.Config) {
		cfg.Session.MaxAttempts = 1
	})
	errRefused := errors.New("refused")
	tc.dialer.OpenErr = func(attempt int) error {
		if attempt > 1 {
			return errRefused
		}
		return nil
	}
	tc.start()
	handle := tc.openSession("alpha")
	handle.Disconnect(transport.CodeConnectionLost)

	err := tc.wait()
	var unrecoverable *session.UnrecoverableError
	if !errors.Is(err, ErrAllSessionsStopped) || !errors.As(err, &unrecoverable) {
		t.Fatalf("Run = %v, want ErrAllSessionsStopped with *UnrecoverableError", err)
	}
	if unrecoverable.Slug != "alpha" || !errors.Is(unrecoverable, errRefused) {
		t.Errorf("unexpected unrecoverable error %+v", unrecoverable)
	}
}

func TestAdminServerFallsBackToEnv(t *testing.T) {
	tc := newTestConnector(t, "")
	tc.conn.Config.AdminAPIAddr = ""
	t.Setenv("WAFORWARD_API_ADDR", "")
	if tc.conn.adminServer() != nil {
		t.Error("no address should disable the admin API")
	}
	t.Setenv("WAFORWARD_API_ADDR", "127.0.0.1:0")
	server := tc.conn.adminServer()
	if server == nil || server.Addr != "127.0.0.1:0" {
		t.Fatalf("adminServer = %+v, want the env address", server)
	}
	if server.ReadTimeout == 0 || server.WriteTimeout == 0 || server.IdleTimeout == 0 {
		t.Error("admin server should set timeouts")
	}
}

func getJSON(t *testing.T, srv *httptest.Server, method, path string, out any) int {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if out != nil {
		body, _ := io.ReadAll(resp.Body)
		if err := json.Unmarshal(body, out); err != nil {
			t.Fatalf("%s %s: invalid JSON %q: %v", method, path, body, err)
		}
	}
	return resp.StatusCode
}

func groupsResponder(_ context.Context, req wanode.Node) (wanode.Node, error) {
	if req.HasChild("participating") {
		return wanode.New("iq", wanode.Attrs{"type": "result"}, wanode.Children(
			wanode.New("groups", nil, wanode.Children(
				wanode.Leaf("group", wanode.Attrs{"id": "42", "subject": "Targets"}),
				wanode.Leaf("group", wanode.Attrs{"id": "7", "subject": "Other"}),
			)),
		)), nil
	}
	if req.AttrString("to") == "404@g.us" {
		return wanode.New("iq", wanode.Attrs{"type": "error"}, wanode.Children(
			wanode.Leaf("error", wanode.Attrs{"code": "404", "text": "item-not-found"}),
		)), nil
	}
	return wanode.New("iq", wanode.Attrs{"type": "result"}, wanode.Children(
		wanode.Leaf("group", wanode.Attrs{"id": strings.TrimSuffix(req.AttrString("to"), "@g.us"), "subject": "Single"}),
	)), nil
}

func TestAdminAPI(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, "")
	tc.dialer.Prepare = func(h *transporttest.Handle) {
		h.QueryFunc = groupsResponder
	}
	srv := httptest.NewServer(tc.conn.Handler())
	defer srv.Close()

	if status := getJSON(t, srv, http.MethodGet, "/api/sessions/alpha/groups", nil); status != http.StatusServiceUnavailable {
		t.Errorf("groups before start = %d, want 503", status)
	}

	tc.start()
	handle := tc.openSession("alpha")
	handle.Emit(&transport.ChatsUpsert{Chats: []transport.Chat{{ID: testTarget, Name: "Targets"}}})

	var health map[string]string
	if status := getJSON(t, srv, http.MethodGet, "/healthz", &health); status != http.StatusOK || health["status"] != "ok" {
		t.Errorf("healthz = %d %v", status, health)
	}

	var infos []session.Info
	if status := getJSON(t, srv, http.MethodGet, "/api/sessions", &infos); status != http.StatusOK {
		t.Fatalf("sessions = %d", status)
	}
	if len(infos) != 1 || infos[0].Slug != "alpha" || infos[0].State != session.StateOpen {
		t.Errorf("sessions = %+v", infos)
	}

	var all []groups.Metadata
	if status := getJSON(t, srv, http.MethodGet, "/api/sessions/alpha/groups", &all); status != http.StatusOK {
		t.Fatalf("groups = %d", status)
	}
	if len(all) != 2 || all[0].ID != "42@g.us" || all[1].ID != "7@g.us" {
		t.Errorf("groups = %+v", all)
	}

	var one groups.Metadata
	if status := getJSON(t, srv, http.MethodGet, "/api/sessions/alpha/groups/99", &one); status != http.StatusOK || one.ID != "99@g.us" {
		t.Errorf("group = %d %+v", status, one)
	}
	var apiErr errorResponse
	if status := getJSON(t, srv, http.MethodGet, "/api/sessions/alpha/groups/404", &apiErr); status != http.StatusNotFound || apiErr.Error == "" {
		t.Errorf("missing group = %d %+v", status, apiErr)
	}

	var chats []transport.Chat
	waitFor(t, "chats listed", func() bool {
		chats = nil
		getJSON(t, srv, http.MethodGet, "/api/sessions/alpha/chats", &chats)
		for _, c := range chats {
			if c.ID == testTarget {
				return true
			}
		}
		return false
	})

	var emptied map[string]string
	if status := getJSON(t, srv, http.MethodPost, "/api/sessions/alpha/queue/empty", &emptied); status != http.StatusOK || emptied["queue"] != "alpha-queue" {
		t.Errorf("empty queue = %d %v", status, emptied)
	}
	if status := getJSON(t, srv, http.MethodGet, "/api/sessions/nobody/chats", nil); status != http.StatusNotFound {
		t.Errorf("unknown session = %d, want 404", status)
	}
	if status := getJSON(t, srv, http.MethodGet, "/api/sessions/alpha/queue/empty", nil); status != http.StatusMethodNotAllowed {
		t.Errorf("GET on a POST route = %d, want 405", status)
	}

	resp, err := srv.Client().Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(body), "waforward_session_state_transitions_total") {
		t.Error("metrics should expose session transitions")
	}
}

func TestWatchSessionsStopsOnCancel(t *testing.T) {
	t.Parallel()
	tc := newTestConnector(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tc.conn.WatchSessions(ctx, time.Millisecond)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("WatchSessions did not return after cancel")
	}
}
