package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/n0ot/beatrelay/pkg/model"
)

func newTestServer() *Server {
	return New(Config{
		Host:          "127.0.0.1",
		Ports:         map[model.Channel]int{model.Beat: 0, model.Note: 0, model.BPM: 0},
		WriteTimeout:  time.Second,
		StatsPassword: "secret",
		StatsPenalty:  time.Millisecond,
	}, testLogger())
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial %s: %s", url, err)
	}
	return conn
}

func readText(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("Read: %s", err)
	}
	return string(msg)
}

func TestHandlerRelaysBetweenConnections(t *testing.T) {
	srv := newTestServer()
	ts := httptest.NewServer(srv.Handler(model.Beat))
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	publisher := dial(t, url)
	defer publisher.Close()
	listeners := []*websocket.Conn{dial(t, url), dial(t, url)}
	for _, l := range listeners {
		defer l.Close()
	}
	waitFor(t, "three clients on /beat", func() bool { return srv.Registry().Count(model.Beat) == 3 })

	sent := []string{`{"bpm":120}`, `{"isFirstBeat":true}`, `{"isFirstBeat":false}`, `{"bpm":120}`, `{"bpm":96}`}
	for _, msg := range sent {
		if err := publisher.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			t.Fatalf("Write: %s", err)
		}
	}

	want := []string{`{"bpm":120}`, `{"isFirstBeat":true}`, `{"isFirstBeat":false}`, `{"bpm":96}`}
	for i, conn := range append(listeners, publisher) {
		for _, w := range want {
			if got := readText(t, conn); got != w {
				t.Errorf("connection %d: wanted %s, got %s", i, w, got)
			}
		}
	}
}

func TestHandlerUnregistersOnDisconnect(t *testing.T) {
	srv := newTestServer()
	ts := httptest.NewServer(srv.Handler(model.Note))
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	stays, leaves := dial(t, url), dial(t, url)
	defer stays.Close()
	waitFor(t, "two clients on /note", func() bool { return srv.Registry().Count(model.Note) == 2 })

	leaves.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	leaves.Close()
	waitFor(t, "one client on /note", func() bool { return srv.Registry().Count(model.Note) == 1 })

	stays.WriteMessage(websocket.TextMessage, []byte(`{"notes":[]}`))
	if got := readText(t, stays); got != `{"notes":[]}` {
		t.Errorf("wanted the note frame echoed, got %s", got)
	}
}

func TestServeAndShutdown(t *testing.T) {
	srv := newTestServer()
	ls, err := srv.Listen()
	if err != nil {
		t.Fatalf("Listen: %s", err)
	}
	ports := ls.Ports()
	if len(ports) != 3 {
		t.Fatalf("listening on %d channels; wanted 3", len(ports))
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx, ls) }()

	url := fmt.Sprintf("ws://127.0.0.1:%d/bpm", ports[model.BPM])
	a, b := dial(t, url), dial(t, url)
	defer a.Close()
	defer b.Close()
	waitFor(t, "two clients on /bpm", func() bool { return srv.Registry().Count(model.BPM) == 2 })

	a.WriteMessage(websocket.TextMessage, []byte(`{"bpm":132}`))
	if got := readText(t, b); got != `{"bpm":132}` {
		t.Errorf("wanted tempo relayed, got %s", got)
	}

	cancel()
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("Serve: %s", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		if _, _, err := b.ReadMessage(); err != nil {
			break
		}
	}
	waitFor(t, "clients to be dropped", func() bool { return srv.Registry().Count(model.BPM) == 0 })
}

func TestStatsHandler(t *testing.T) {
	srv := newTestServer()
	ts := httptest.NewServer(srv.StatsHandler())
	defer ts.Close()

	post := func(password string) (int, map[string]interface{}) {
		body, _ := json.Marshal(StatRequest{Password: password})
		resp, err := http.Post(ts.URL, "application/json", bytes.NewReader(body))
		if err != nil {
			t.Fatalf("Post: %s", err)
		}
		defer resp.Body.Close()
		var decoded map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&decoded)
		return resp.StatusCode, decoded
	}

	tests := []struct {
		password   string
		wantStatus int
		wantType   string
	}{
		{"", http.StatusUnauthorized, "error"},
		{"guess", http.StatusForbidden, "error"},
		{"secret", http.StatusOK, "stats"},
	}
	for _, tt := range tests {
		status, resp := post(tt.password)
		if status != tt.wantStatus || resp["type"] != tt.wantType {
			t.Errorf("password %q: got %d %v; wanted %d %s", tt.password, status, resp["type"], tt.wantStatus, tt.wantType)
		}
	}

	resp, err := http.Get(ts.URL)
	if err != nil {
		t.Fatalf("Get: %s", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET /stats returned %d", resp.StatusCode)
	}
}
