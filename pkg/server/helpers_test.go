package server

import (
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = io.Discard
	log.Level = logrus.DebugLevel
	return log
}

// testMember is a Member whose deliveries land in a buffered mailbox.
type testMember struct {
	id      string
	msgs    chan []byte
	closed  atomic.Bool
	stopped atomic.Value // reason string
}

func newTestMember(id string) *testMember {
	return &testMember{id: id, msgs: make(chan []byte, 256)}
}

func (m *testMember) ID() string { return m.id }

func (m *testMember) Send(payload []byte) bool {
	if m.closed.Load() {
		return false
	}
	select {
	case m.msgs <- payload:
		return true
	default:
		return false
	}
}

func (m *testMember) Stop(reason string) {
	m.closed.Store(true)
	m.stopped.Store(reason)
}

// received drains everything delivered so far.
func (m *testMember) received() []string {
	var got []string
	for {
		select {
		case msg := <-m.msgs:
			got = append(got, string(msg))
		default:
			return got
		}
	}
}

// waitFor polls cond until it holds, or fails the test after a second.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
