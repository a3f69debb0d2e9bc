package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Cypherspark/notify-gateway/internal/core"
	natspkg "github.com/nats-io/nats.go"
)

// SubjectDelivery carries one core.DeliveryEvent per dispatch attempt.
const SubjectDelivery = "pesan.delivery"

type Client struct {
	nc *natspkg.Conn
}

func NewClient(url string) (*Client, error) {
	nc, err := natspkg.Connect(url, natspkg.Name("notify-gateway"), natspkg.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	return &Client{nc: nc}, nil
}

func (c *Client) Close() {
	c.nc.Close()
}

func (c *Client) IsConnected() bool {
	return c.nc != nil && c.nc.Status() == natspkg.CONNECTED
}

func (c *Client) PublishDelivery(ctx context.Context, ev core.DeliveryEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := natspkg.NewMsg(SubjectDelivery)
	msg.Header.Set("Message-Id", ev.MessageID)
	msg.Data = data
	return c.nc.PublishMsg(msg)
}

// SubscribeDelivery calls handler for each delivery event; undecodable
// payloads are dropped.
func (c *Client) SubscribeDelivery(handler func(core.DeliveryEvent)) (*natspkg.Subscription, error) {
	return c.nc.Subscribe(SubjectDelivery, func(msg *natspkg.Msg) {
		var ev core.DeliveryEvent
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			return
		}
		handler(ev)
	})
}

// Flush waits until the server has processed everything published so far.
func (c *Client) Flush(ctx context.Context) error {
	return c.nc.FlushWithContext(ctx)
}
