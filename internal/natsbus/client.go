package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

type Client struct {
	conn *nats.Conn
}

func NewClient(bus *Bus) (*Client, error) {
	return NewClientFromURL(bus.ClientURL())
}

func NewClientFromURL(url string, opts ...nats.Option) (*Client, error) {
	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Publish(topic string, data []byte) error {
	return c.conn.Publish(topic, data)
}

func (c *Client) PublishJSON(topic string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	return c.conn.Publish(topic, data)
}

func (c *Client) Subscribe(topic string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.Subscribe(topic, handler)
}

// QueueSubscribe shares topic among members of queue.
func (c *Client) QueueSubscribe(topic, queue string, handler func(msg *nats.Msg)) (*nats.Subscription, error) {
	return c.conn.QueueSubscribe(topic, queue, handler)
}

func (c *Client) Request(topic string, data []byte, timeout time.Duration) (*nats.Msg, error) {
	return c.conn.Request(topic, data, timeout)
}

// RequestJSON marshals req, waits for the reply bounded by ctx and decodes
// it into resp.
func (c *Client) RequestJSON(ctx context.Context, topic string, req, resp any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	msg, err := c.conn.RequestWithContext(ctx, topic, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return fmt.Errorf("request %s: no responders: %w", topic, err)
		}
		return fmt.Errorf("request %s: %w", topic, err)
	}
	if resp == nil {
		return nil
	}
	if err := json.Unmarshal(msg.Data, resp); err != nil {
		return fmt.Errorf("unmarshal reply: %w", err)
	}
	return nil
}

func (c *Client) Flush() error {
	return c.conn.Flush()
}

func (c *Client) FlushWithContext(ctx context.Context) error {
	return c.conn.FlushWithContext(ctx)
}

// Connected reports whether the connection is currently usable.
func (c *Client) Connected() bool {
	return c.conn.IsConnected()
}

// EnsureEventStream creates or updates the stream retaining events for
// maxAge.
func (c *Client) EnsureEventStream(maxAge time.Duration) error {
	js, err := c.conn.JetStream()
	if err != nil {
		return fmt.Errorf("jetstream: %w", err)
	}
	cfg := &nats.StreamConfig{
		Name:     EventStream,
		Subjects: []string{TopicEventsAll},
		MaxAge:   maxAge,
		Storage:  nats.FileStorage,
	}
	if _, err := js.StreamInfo(EventStream); err == nil {
		if _, err := js.UpdateStream(cfg); err != nil {
			return fmt.Errorf("update event stream: %w", err)
		}
		return nil
	}
	if _, err := js.AddStream(cfg); err != nil {
		return fmt.Errorf("add event stream: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit retained event payloads on subject,
// oldest first.
func (c *Client) RecentEvents(subject string, limit int) ([][]byte, error) {
	js, err := c.conn.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	sub, err := js.SubscribeSync(subject, nats.BindStream(EventStream), nats.OrderedConsumer(), nats.DeliverAll())
	if err != nil {
		return nil, fmt.Errorf("subscribe events: %w", err)
	}
	defer sub.Unsubscribe()

	var out [][]byte
	for {
		msg, err := sub.NextMsg(200 * time.Millisecond)
		if errors.Is(err, nats.ErrTimeout) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("next event: %w", err)
		}
		out = append(out, msg.Data)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (c *Client) Close() {
	c.conn.Close()
}
