// Package events defines the coordination event variants and the sinks that
// receive them.
package events

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type Type string

const (
	// coordination manager
	Initialized       Type = "initialized"
	Shutdown          Type = "shutdown"
	TaskAssigned      Type = "task_assigned"
	TaskCancelled     Type = "task_cancelled"
	TaskCompleted     Type = "task_completed"
	TaskReady         Type = "task_ready"
	ResourceAcquired  Type = "resource_acquired"
	ResourceReleased  Type = "resource_released"
	ResourceTimeout   Type = "resource_timeout"
	StaleLockDetected Type = "stale_lock_detected"
	DeadlockDetected  Type = "deadlock_detected"
	MessageSent       Type = "message_sent"
	MaintenanceRun    Type = "maintenance_completed"

	// conflict resolver
	ConflictReported Type = "conflict_reported"
	ConflictResolved Type = "conflict_resolved"
	ConflictsCleaned Type = "conflicts_cleaned"

	// work stealing
	WorkloadUpdated Type = "workload_updated"
	StealProposed   Type = "steal_proposed"

	// consensus engine
	ProposalCreated   Type = "proposal_created"
	VoteSubmitted     Type = "vote_submitted"
	ConsensusAchieved Type = "consensus_achieved"
	ConsensusRejected Type = "consensus_rejected"
	TaskActionApplied Type = "task_action_applied"
	MetricsUpdated    Type = "metrics_updated"

	// circuit breakers
	BreakerStateChanged Type = "breaker_state_changed"
)

type Event struct {
	Type      Type           `json:"type"`
	SwarmID   string         `json:"swarm_id,omitempty"`
	Subject   string         `json:"subject,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// New stamps an event with the current time.
func New(typ Type, subject string, data map[string]any) Event {
	return Event{Type: typ, Subject: subject, Data: data, Timestamp: time.Now()}
}

// Sink receives events. Emit must not block the caller for long.
type Sink interface {
	Emit(Event)
}

type SinkFunc func(Event)

func (f SinkFunc) Emit(e Event) { f(e) }

// Nop discards every event.
var Nop Sink = SinkFunc(func(Event) {})

// Emitter fans events out to a dynamic set of subscribers. Each subscriber
// gets a buffered channel; when it is full the event is dropped for that
// subscriber and counted.
type Emitter struct {
	mu      sync.RWMutex
	sinks   []Sink
	subs    map[chan Event]struct{}
	dropped atomic.Uint64
}

func NewEmitter(sinks ...Sink) *Emitter {
	return &Emitter{
		sinks: sinks,
		subs:  make(map[chan Event]struct{}),
	}
}

// Subscribe returns a channel receiving every event and a cancel func that
// closes it.
func (e *Emitter) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Event, buffer)
	e.mu.Lock()
	e.subs[ch] = struct{}{}
	e.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, ch)
			e.mu.Unlock()
			close(ch)
		})
	}
}

func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	e.mu.RLock()
	sinks := e.sinks
	for ch := range e.subs {
		select {
		case ch <- ev:
		default:
			e.dropped.Add(1)
		}
	}
	e.mu.RUnlock()

	for _, s := range sinks {
		s.Emit(ev)
	}
}

// Dropped returns how many subscriber deliveries were dropped.
func (e *Emitter) Dropped() uint64 {
	return e.dropped.Load()
}

// Logger returns a sink that logs every event at debug level.
func Logger(l *slog.Logger) Sink {
	if l == nil {
		l = slog.Default()
	}
	return SinkFunc(func(ev Event) {
		l.Debug("event", "type", ev.Type, "subject", ev.Subject, "swarm", ev.SwarmID)
	})
}
