package events

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Cypherspark/notify-gateway/internal/core"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startNATS(t *testing.T) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "nats:2.10-alpine",
			ExposedPorts: []string{"4222/tcp"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start nats: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(context.Background()) })

	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "4222/tcp")
	require.NoError(t, err)
	return fmt.Sprintf("nats://%s:%s", host, port.Port())
}

func TestPublishDelivery_RoundTrip(t *testing.T) {
	client, err := NewClient(startNATS(t))
	require.NoError(t, err)
	t.Cleanup(client.Close)
	require.True(t, client.IsConnected())

	got := make(chan core.DeliveryEvent, 1)
	sub, err := client.SubscribeDelivery(func(ev core.DeliveryEvent) { got <- ev })
	require.NoError(t, err)
	t.Cleanup(func() { _ = sub.Unsubscribe() })
	require.NoError(t, client.Flush(context.Background()))

	want := core.DeliveryEvent{MessageID: "m-1", Channel: core.ChannelWhatsApp, Status: "failed", Error: "session_not_ready", At: time.Now().UTC().Truncate(time.Second)}
	require.NoError(t, client.PublishDelivery(context.Background(), want))

	select {
	case ev := <-got:
		require.Equal(t, want, ev)
	case <-time.After(5 * time.Second):
		t.Fatal("no delivery event received")
	}
}

func TestPublishDelivery_CanceledContext(t *testing.T) {
	client, err := NewClient(startNATS(t))
	require.NoError(t, err)
	t.Cleanup(client.Close)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, client.PublishDelivery(ctx, core.DeliveryEvent{MessageID: "m-2"}), context.Canceled)
}

func TestNewClient_Unreachable(t *testing.T) {
	_, err := NewClient("nats://127.0.0.1:1")
	require.Error(t, err)
}
