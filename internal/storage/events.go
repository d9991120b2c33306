package storage

import "time"

// EventWriter persists decision events.
// Write() must NEVER block the caller.
type EventWriter interface {
	Write(event *DecisionEvent)
	Close()
}

// DecisionEvent records the outcome of one mediated tool invocation.
type DecisionEvent struct {
	EventID     string
	Timestamp   time.Time
	AuditID     string // empty unless forwarded
	Version     string
	ToolName    string
	ConsumerID  string
	Username    string
	Role        string
	Outcome     string // "forwarded", "denied", "auth_error"
	Code        string
	Allow       bool
	Reason      string
	PolicyError bool
	LatencyMs   float32
}
