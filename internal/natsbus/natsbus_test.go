package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/events"
	"github.com/mtzanidakis/hive/internal/swarm"
	"github.com/nats-io/nats.go"
)

func newTestBus(t *testing.T) (*Bus, *Client) {
	t.Helper()
	bus, err := New(config.NATSConfig{
		Port:    -1, // Random port
		DataDir: t.TempDir(),
	})
	if err != nil {
		t.Fatalf("failed to create bus: %v", err)
	}
	t.Cleanup(bus.Close)

	client, err := NewClient(bus)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	t.Cleanup(client.Close)
	return bus, client
}

func TestBusStartStop(t *testing.T) {
	bus, client := newTestBus(t)

	if bus.ClientURL() == "" {
		t.Fatal("expected non-empty client URL")
	}
	if bus.Port() <= 0 {
		t.Errorf("expected bound port, got %d", bus.Port())
	}
	if !bus.Healthy() || !client.Connected() {
		t.Error("expected healthy bus and connected client")
	}
}

func TestPubSub(t *testing.T) {
	_, client := newTestBus(t)

	received := make(chan string, 1)
	_, err := client.Subscribe("test.topic", func(msg *nats.Msg) {
		received <- string(msg.Data)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	if err := client.Publish("test.topic", []byte("hello")); err != nil {
		t.Fatalf("publish error: %v", err)
	}
	client.Flush()

	select {
	case data := <-received:
		if data != "hello" {
			t.Errorf("expected 'hello', got '%s'", data)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestRequestJSON(t *testing.T) {
	_, client := newTestBus(t)

	_, err := client.Subscribe("test.echo", func(msg *nats.Msg) {
		var in map[string]string
		_ = json.Unmarshal(msg.Data, &in)
		out, _ := json.Marshal(map[string]string{"echo": in["say"]})
		_ = msg.Respond(out)
	})
	if err != nil {
		t.Fatalf("subscribe error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var resp map[string]string
	if err := client.RequestJSON(ctx, "test.echo", map[string]string{"say": "hi"}, &resp); err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp["echo"] != "hi" {
		t.Errorf("expected echo hi, got %v", resp)
	}

	err = client.RequestJSON(ctx, "test.nobody", map[string]string{}, nil)
	if !errors.Is(err, nats.ErrNoResponders) {
		t.Errorf("expected no responders, got %v", err)
	}
}

type memLog struct {
	mu   sync.Mutex
	msgs []swarm.Message
}

func (l *memLog) SaveMessage(_ context.Context, msg swarm.Message) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.msgs = append(l.msgs, msg)
	return nil
}

func TestMessenger(t *testing.T) {
	_, client := newTestBus(t)
	log := &memLog{}
	m := NewMessenger(client, log)

	inbox := make(chan swarm.Message, 1)
	broadcast := make(chan swarm.Message, 1)
	_, _ = client.Subscribe(TopicAgentInbox("coder"), func(msg *nats.Msg) {
		var sm swarm.Message
		_ = json.Unmarshal(msg.Data, &sm)
		inbox <- sm
	})
	_, _ = client.Subscribe(TopicSwarmBroadcast("s1"), func(msg *nats.Msg) {
		var sm swarm.Message
		_ = json.Unmarshal(msg.Data, &sm)
		broadcast <- sm
	})
	client.Flush()

	ctx := context.Background()
	if err := m.SendToAgent(ctx, "coder", swarm.Message{Type: "task_assignment", From: "coordinator"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := m.Broadcast(ctx, "s1", swarm.Message{Type: "vote_request"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	select {
	case got := <-inbox:
		if got.To != "coder" || got.ID == "" || got.Type != "task_assignment" {
			t.Errorf("unexpected inbox message %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for inbox message")
	}
	select {
	case got := <-broadcast:
		if got.SwarmID != "s1" {
			t.Errorf("expected swarm s1, got %q", got.SwarmID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for broadcast")
	}

	log.mu.Lock()
	n := len(log.msgs)
	log.mu.Unlock()
	if n != 2 {
		t.Errorf("expected 2 logged messages, got %d", n)
	}

	if err := m.SendToAgent(ctx, "", swarm.Message{}); !errors.Is(err, swarm.ErrInvalidInput) {
		t.Errorf("expected invalid input, got %v", err)
	}
}

func TestMessengerClosedConnection(t *testing.T) {
	_, client := newTestBus(t)
	m := NewMessenger(client, nil)
	client.Close()

	if err := m.SendToAgent(context.Background(), "coder", swarm.Message{Type: "ping"}); err == nil {
		t.Fatal("expected error on closed connection")
	}
}

func TestEventPublisherAndStream(t *testing.T) {
	_, client := newTestBus(t)
	if err := client.EnsureEventStream(time.Hour); err != nil {
		t.Fatalf("ensure stream: %v", err)
	}
	// second call updates in place
	if err := client.EnsureEventStream(2 * time.Hour); err != nil {
		t.Fatalf("update stream: %v", err)
	}

	received := make(chan events.Event, 1)
	_, _ = client.Subscribe(TopicEventsSwarm("s1"), func(msg *nats.Msg) {
		var e events.Event
		_ = json.Unmarshal(msg.Data, &e)
		received <- e
	})
	client.Flush()

	pub := NewEventPublisher(client, "s1")
	pub.Emit(events.New(events.TaskAssigned, "t1", map[string]any{"agent": "coder"}))
	client.Flush()

	select {
	case e := <-received:
		if e.Type != events.TaskAssigned || e.SwarmID != "s1" || e.Subject != "t1" {
			t.Errorf("unexpected event %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
	}

	retained, err := client.RecentEvents(TopicEventsSwarm("s1"), 10)
	if err != nil {
		t.Fatalf("recent events: %v", err)
	}
	if len(retained) != 1 {
		t.Errorf("expected 1 retained event, got %d", len(retained))
	}
}

func TestTopicNames(t *testing.T) {
	if got := TopicAgentInbox("g1"); got != "agent.g1.inbox" {
		t.Errorf("expected agent.g1.inbox, got %s", got)
	}
	if got := TopicIPC("g1"); got != "host.ipc.g1" {
		t.Errorf("expected host.ipc.g1, got %s", got)
	}
	if got := TopicEvents("s1", "task_assigned"); got != "events.s1.task_assigned" {
		t.Errorf("expected events.s1.task_assigned, got %s", got)
	}
}
