// Package ipc serves agent requests on host.ipc.<agent> over NATS
// request/reply.
package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mtzanidakis/hive/internal/consensus"
	"github.com/mtzanidakis/hive/internal/coordination"
	"github.com/mtzanidakis/hive/internal/natsbus"
	"github.com/mtzanidakis/hive/internal/swarm"
	"github.com/nats-io/nats.go"
)

// Command is the request envelope agents send.
type Command struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Response is the reply envelope. Code carries the error taxonomy kind.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// Command types.
const (
	CmdAcquire        = "acquire"
	CmdRelease        = "release"
	CmdAssign         = "assign"
	CmdComplete       = "complete"
	CmdCancel         = "cancel"
	CmdReportConflict = "report_conflict"
	CmdPropose        = "propose"
	CmdVote           = "vote"
	CmdRecommend      = "recommend"
	CmdWorkload       = "workload"
	CmdSend           = "send"
)

// AgentTypes resolves the declared type of an agent.
type AgentTypes interface {
	AgentType(agentID string) string
}

type Deps struct {
	Manager *coordination.Manager
	Engine  *consensus.Engine
	Types   AgentTypes
}

type Server struct {
	client  *natsbus.Client
	manager *coordination.Manager
	engine  *consensus.Engine
	types   AgentTypes
	timeout time.Duration

	mu     sync.Mutex
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a server. timeout bounds each request handler; it must exceed
// the resource acquisition timeout.
func New(client *natsbus.Client, deps Deps, timeout time.Duration) *Server {
	if timeout <= 0 {
		timeout = time.Minute
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		client:  client,
		manager: deps.Manager,
		engine:  deps.Engine,
		types:   deps.Types,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start subscribes to every agent's IPC topic.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return nil
	}
	sub, err := s.client.Subscribe(natsbus.TopicIPCAll, s.handle)
	if err != nil {
		return fmt.Errorf("subscribe ipc: %w", err)
	}
	s.sub = sub
	return nil
}

// Stop unsubscribes, cancels in-flight handlers and waits for them.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.sub != nil {
		_ = s.sub.Unsubscribe()
		s.sub = nil
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

// handle runs each command on its own goroutine so a blocking acquire does
// not hold up the subscription.
func (s *Server) handle(msg *nats.Msg) {
	agentID := strings.TrimPrefix(msg.Subject, "host.ipc.")

	var cmd Command
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Warn("invalid IPC command", "agent", agentID, "error", err)
		respond(msg, Response{Error: "invalid command", Code: "invalid_input"})
		return
	}

	slog.Debug("IPC command received", "type", cmd.Type, "agent", agentID)

	s.wg.Go(func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()

		data, err := s.dispatch(ctx, agentID, cmd)
		if err != nil {
			slog.Info("IPC command failed", "type", cmd.Type, "agent", agentID, "error", err)
			respond(msg, Response{Error: err.Error(), Code: swarm.Code(err)})
			return
		}
		respond(msg, Response{OK: true, Data: data})
	})
}

func respond(msg *nats.Msg, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal IPC response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("failed to respond to IPC", "error", err)
	}
}

func decode(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return swarm.InvalidInput("decode payload", "payload is required")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return swarm.InvalidInput("decode payload", "%v", err)
	}
	return nil
}
