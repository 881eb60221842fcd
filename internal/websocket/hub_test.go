package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"DriverSafetyCore/internal/geo"
	"DriverSafetyCore/internal/logger"
	"DriverSafetyCore/internal/models"
	"DriverSafetyCore/internal/observe"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startHub(t *testing.T) *Hub {
	t.Helper()
	hub := NewHub(logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)
	t.Cleanup(cancel)
	return hub
}

func TestSlowClientDropsInsteadOfBlocking(t *testing.T) {
	hub := startHub(t)
	slow := &Client{hub: hub, send: make(chan Message, 1)}
	require.True(t, hub.join(slow))

	hub.Broadcast(TypeHealth, "first")
	hub.Broadcast(TypeHealth, "second")
	hub.Broadcast(TypeHealth, "third")

	require.Eventually(t, func() bool { return len(slow.send) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	msg := <-slow.send
	assert.Equal(t, "first", msg.Payload)
	assert.Equal(t, 1, hub.ClientCount())
}

func TestSinkOverWebSocket(t *testing.T) {
	hub := startHub(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r, logger.Discard())
	}))
	defer srv.Close()

	conn, _, err := gws.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	hub.ShowAlert(models.IncomingAlert{EventID: "e1", DriverID: "d1", Priority: geo.PriorityHigh, IsActive: true})
	hub.EndAlert(models.AlertEnded{EventID: "e1", DriverID: "d1"})

	var got struct {
		Type    string                 `json:"type"`
		Payload map[string]interface{} `json:"payload"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, TypeAlertShow, got.Type)
	assert.Equal(t, "e1", got.Payload["event_id"])
	assert.Equal(t, "HIGH", got.Payload["priority"])

	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, TypeAlertEnd, got.Type)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
}

func TestForwardPublishesSnapshots(t *testing.T) {
	hub := startHub(t)
	client := &Client{hub: hub, send: make(chan Message, 8)}
	require.True(t, hub.join(client))

	v := observe.NewValue(models.DefensiveMode{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go Forward(ctx, hub, TypeDefensive, v)

	first := <-client.send
	assert.Equal(t, TypeDefensive, first.Type)

	v.Set(models.DefensiveMode{Enabled: true, LastReason: "critical: push decode"})
	select {
	case msg := <-client.send:
		mode := msg.Payload.(models.DefensiveMode)
		assert.True(t, mode.Enabled)
	case <-time.After(time.Second):
		t.Fatal("no DEFENSIVE message forwarded")
	}
}

func TestJoinAfterShutdown(t *testing.T) {
	hub := NewHub(logger.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	assert.False(t, hub.join(&Client{hub: hub, send: make(chan Message, 1)}))
}

func drain(t *testing.T, c *Client, n int) []Message {
	t.Helper()
	out := make([]Message, 0, n)
	for len(out) < n {
		select {
		case m := <-c.send:
			out = append(out, m)
		case <-time.After(time.Second):
			t.Fatalf("got %d of %d messages", len(out), n)
		}
	}
	return out
}

func TestLateClientReceivesCurrentState(t *testing.T) {
	hub := startHub(t)
	watcher := &Client{hub: hub, send: make(chan Message, 8)}
	require.True(t, hub.join(watcher))

	hub.Broadcast(TypeHealth, "stale")
	hub.Broadcast(TypeHealth, "current")
	hub.ShowAlert(models.IncomingAlert{EventID: "e1", Latitude: 45.0, Longitude: 7.0})
	hub.UpdateLocation(models.LocationUpdate{EventID: "e1", Latitude: 45.1, Longitude: 7.1})
	drain(t, watcher, 4)

	late := &Client{hub: hub, send: make(chan Message, 8)}
	require.True(t, hub.join(late))
	backlog := drain(t, late, 2)
	assert.Equal(t, TypeHealth, backlog[0].Type)
	assert.Equal(t, "current", backlog[0].Payload)
	assert.Equal(t, TypeAlertShow, backlog[1].Type)
	shown := backlog[1].Payload.(models.IncomingAlert)
	assert.Equal(t, 45.1, shown.Latitude)

	hub.EndAlert(models.AlertEnded{EventID: "e1"})
	drain(t, watcher, 1)

	after := &Client{hub: hub, send: make(chan Message, 8)}
	require.True(t, hub.join(after))
	assert.Len(t, drain(t, after, 1), 1)
	select {
	case m := <-after.send:
		t.Fatalf("unexpected replay of %s", m.Type)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestCheckOrigin(t *testing.T) {
	hub := NewHub(logger.Discard())
	req := func(origin string) *http.Request {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	assert.True(t, hub.checkOrigin(req("https://anything.example")))

	hub.AllowOrigins([]string{"https://dash.example"})
	assert.True(t, hub.checkOrigin(req("https://dash.example")))
	assert.False(t, hub.checkOrigin(req("https://evil.example")))
	assert.True(t, hub.checkOrigin(req("")))
}
