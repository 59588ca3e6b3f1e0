package natsbus

import "fmt"

// Topic patterns for NATS pub/sub communication.

func TopicAgentInbox(agentID string) string {
	return fmt.Sprintf("agent.%s.inbox", agentID)
}

func TopicIPC(agentID string) string {
	return fmt.Sprintf("host.ipc.%s", agentID)
}

func TopicSwarmBroadcast(swarmID string) string {
	return fmt.Sprintf("swarm.%s.broadcast", swarmID)
}

func TopicEvents(swarmID, eventType string) string {
	return fmt.Sprintf("events.%s.%s", swarmID, eventType)
}

func TopicEventsSwarm(swarmID string) string {
	return fmt.Sprintf("events.%s.*", swarmID)
}

const (
	TopicIPCAll    = "host.ipc.*"
	TopicEventsAll = "events.>"
)

// EventStream is the JetStream stream that retains published events.
const EventStream = "HIVE_EVENTS"
