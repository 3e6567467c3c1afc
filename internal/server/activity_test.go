package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRunningHub(t *testing.T) *ActivityHub {
	t.Helper()
	hub := NewActivityHub([]string{"localhost:7171"})
	go hub.Run()
	t.Cleanup(hub.Stop)
	return hub
}

func TestActivityHub_BroadcastReachesAllClients(t *testing.T) {
	hub := newRunningHub(t)

	first := &MockClient{SendChan: make(chan []byte, 4)}
	second := &MockClient{SendChan: make(chan []byte, 4)}
	hub.Register(first)
	hub.Register(second)

	hub.Broadcast(ActivityEvent{
		Type:     EventRecordSaved,
		RecordID: "mem:note:a1b2c3d4",
	})

	for _, client := range []*MockClient{first, second} {
		select {
		case data := <-client.SendChan:
			var event ActivityEvent
			require.NoError(t, json.Unmarshal(data, &event))
			assert.Equal(t, EventRecordSaved, event.Type)
			assert.Equal(t, "mem:note:a1b2c3d4", event.RecordID)
			assert.False(t, event.Time.IsZero(), "Broadcast must stamp the event time")
		case <-time.After(2 * time.Second):
			t.Fatal("client never received the broadcast")
		}
	}
}

func TestActivityHub_SlowClientDropped(t *testing.T) {
	hub := newRunningHub(t)

	// Unbuffered channel with no reader: the first delivery attempt
	// cannot complete, so the hub must evict the client.
	slow := &MockClient{SendChan: make(chan []byte)}
	hub.Register(slow)

	hub.Broadcast(ActivityEvent{Type: EventIndexComplete, RecordID: "mem:note:ffffffff"})

	require.Eventually(t, func() bool {
		hub.mu.Lock()
		defer hub.mu.Unlock()
		_, present := hub.clients[slow]
		return !present
	}, 2*time.Second, 5*time.Millisecond, "slow client must be evicted")
}

func TestActivityHub_StopClosesClients(t *testing.T) {
	hub := NewActivityHub(nil)
	go hub.Run()

	client := &MockClient{SendChan: make(chan []byte, 1)}
	hub.Register(client)

	hub.Stop()

	select {
	case _, open := <-client.SendChan:
		assert.False(t, open, "send channel must be closed on Stop")
	case <-time.After(2 * time.Second):
		t.Fatal("send channel still open after Stop")
	}
}

func TestActivityHub_UnregisterAfterStopDoesNotBlock(t *testing.T) {
	hub := NewActivityHub(nil)
	go hub.Run()

	client := &MockClient{SendChan: make(chan []byte, 1)}
	hub.Register(client)
	hub.Stop()

	done := make(chan struct{})
	go func() {
		hub.Unregister(client)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Unregister blocked after the hub stopped")
	}
}

func TestActivityHub_RejectsUnknownOrigin(t *testing.T) {
	hub := newRunningHub(t)

	req := httptest.NewRequest(http.MethodGet, "/ws/activity", nil)
	req.Header.Set("Origin", "http://evil.example.com")
	rec := httptest.NewRecorder()

	hub.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestActivityHub_AllowsConfiguredOrigin(t *testing.T) {
	hub := newRunningHub(t)

	// A well-formed origin passes the header check; the upgrade itself
	// still fails because httptest offers no hijackable connection, but
	// that failure is not a 403.
	req := httptest.NewRequest(http.MethodGet, "/ws/activity", nil)
	req.Header.Set("Origin", "http://localhost:7171")
	rec := httptest.NewRecorder()

	hub.ServeHTTP(rec, req)

	assert.NotEqual(t, http.StatusForbidden, rec.Code)
}
