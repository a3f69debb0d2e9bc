package whatsapp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// fakeBridge plays the automation bridge side of the protocol.
type fakeBridge struct {
	t       *testing.T
	srv     *httptest.Server
	inits   chan frame
	onInit  []frame
	dropped chan struct{}
}

func newFakeBridge(t *testing.T, onInit ...frame) *fakeBridge {
	t.Helper()
	fb := &fakeBridge{t: t, inits: make(chan frame, 4), onInit: onInit, dropped: make(chan struct{}, 4)}
	upgrader := websocket.Upgrader{}
	fb.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer c.Close()

		var init frame
		if err := c.ReadJSON(&init); err != nil {
			return
		}
		fb.inits <- init
		for _, f := range fb.onInit {
			_ = c.WriteJSON(f)
		}
		for {
			var f frame
			if err := c.ReadJSON(&f); err != nil {
				fb.dropped <- struct{}{}
				return
			}
			switch f.Type {
			case "send":
				ack := frame{Type: "ack", ID: f.ID, MessageID: "wamid-" + f.To}
				if !strings.HasSuffix(f.To, UserSuffix) {
					ack = frame{Type: "ack", ID: f.ID, Error: "invalid wid"}
				}
				_ = c.WriteJSON(ack)
			case "logout":
				_ = c.WriteJSON(frame{Type: "ack", ID: f.ID})
				_ = c.WriteJSON(frame{Type: "disconnected", Reason: "LOGOUT"})
			case "drop":
				return
			}
		}
	}))
	t.Cleanup(fb.srv.Close)
	return fb
}

func (fb *fakeBridge) url() string { return "ws" + strings.TrimPrefix(fb.srv.URL, "http") }

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event from bridge")
		return Event{}
	}
}

func TestBridge_LifecycleAndSend(t *testing.T) {
	fb := newFakeBridge(t, frame{Type: "qr", Data: "qr-abc"}, frame{Type: "ready"})
	events := make(chan Event, 8)
	drv, err := NewBridgeFactory(BridgeConfig{URL: fb.url(), SessionDir: "/var/lib/wa"})(func(e Event) { events <- e })
	require.NoError(t, err)
	t.Cleanup(func() { _ = drv.Close() })

	ctx := context.Background()
	require.NoError(t, drv.Start(ctx))
	init := <-fb.inits
	require.Equal(t, "init", init.Type)
	require.Equal(t, "/var/lib/wa", init.SessionDir)

	ev := nextEvent(t, events)
	require.Equal(t, EventChallenge, ev.Kind)
	require.Equal(t, "qr-abc", ev.Challenge)
	require.Equal(t, EventReady, nextEvent(t, events).Kind)

	id, err := drv.Send(ctx, "6281234@c.us", "hello")
	require.NoError(t, err)
	require.Equal(t, "wamid-6281234@c.us", id)

	_, err = drv.Send(ctx, "not-an-address", "hello")
	require.ErrorContains(t, err, "invalid wid")

	require.NoError(t, drv.Logout(ctx))
	ev = nextEvent(t, events)
	require.Equal(t, EventDisconnected, ev.Kind)
	require.Equal(t, "LOGOUT", ev.Reason)
}

func TestBridge_ConnectionLossIsDisconnect(t *testing.T) {
	fb := newFakeBridge(t)
	events := make(chan Event, 8)
	drv, err := NewBridgeFactory(BridgeConfig{URL: fb.url()})(func(e Event) { events <- e })
	require.NoError(t, err)
	t.Cleanup(func() { _ = drv.Close() })

	require.NoError(t, drv.Start(context.Background()))
	<-fb.inits
	require.NoError(t, drv.(*Bridge).write(frame{Type: "drop"}))

	require.Equal(t, EventDisconnected, nextEvent(t, events).Kind)
}

func TestBridge_CloseIsSilent(t *testing.T) {
	fb := newFakeBridge(t)
	events := make(chan Event, 8)
	drv, err := NewBridgeFactory(BridgeConfig{URL: fb.url()})(func(e Event) { events <- e })
	require.NoError(t, err)

	require.NoError(t, drv.Start(context.Background()))
	<-fb.inits
	require.NoError(t, drv.Close())
	<-fb.dropped

	select {
	case ev := <-events:
		t.Fatalf("unexpected event after close: %v", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
	_, err = drv.Send(context.Background(), "62812@c.us", "x")
	require.Error(t, err)
}

func TestBridge_DialFailure(t *testing.T) {
	drv, err := NewBridgeFactory(BridgeConfig{URL: "ws://127.0.0.1:1/session", DialTimeout: 500 * time.Millisecond})(func(Event) {})
	require.NoError(t, err)
	require.Error(t, drv.Start(context.Background()))

	_, err = NewBridgeFactory(BridgeConfig{})(func(Event) {})
	require.Error(t, err)
}

func TestManagerWithBridge_EndToEnd(t *testing.T) {
	fb := newFakeBridge(t, frame{Type: "qr", Data: "qr-e2e"})
	m := NewManager(NewBridgeFactory(BridgeConfig{URL: fb.url()}), WithReadyTimeout(100*time.Millisecond))
	t.Cleanup(m.Close)

	_, err := m.AwaitReady(context.Background())
	require.ErrorIs(t, err, ErrSessionNotReady)

	require.Eventually(t, func() bool {
		st := m.Status()
		return st.State == StateAwaitingAuth && st.Challenge == "qr-e2e"
	}, 2*time.Second, 10*time.Millisecond)
}
