// Package event defines the tagged message types exchanged between job
// workers, the control server, and the supervisor's event bus.
package event

// Status is the lifecycle state of a single mirror.
type Status string

const (
	StatusNone        Status = "none"
	StatusPreSyncing  Status = "pre-syncing"
	StatusSyncing     Status = "syncing"
	StatusSuccess     Status = "success"
	StatusFail        Status = "fail"
	StatusPaused      Status = "paused"
	StatusUnknown     Status = "unknown"
)

// Event is the tagged union of messages a worker or the control server may
// place on the supervisor's event bus.
type Event interface {
	isEvent()
}

// Update reports a status transition for a mirror, carrying a snapshot of
// its job context at the time of the transition.
type Update struct {
	Mirror string
	Status Status
	Ctx    map[string]string
}

func (Update) isEvent() {}

// ConfigAck is emitted by a worker once it has drained a "terminate" request
// issued as part of a soft reload; Reason is always "QUIT".
type ConfigAck struct {
	Mirror string
	Reason string
}

func (ConfigAck) isEvent() {}

// Cmd is produced only by the control server, forwarding an operator request
// onto the bus. Reply must receive exactly one string before the control
// server's connection handler returns.
type Cmd struct {
	Op     string
	Target string
	Kwargs map[string]any
	Reply  chan string
}

func (Cmd) isEvent() {}

// WorkerCmd is the inbound message a worker's control channel accepts.
type WorkerCmd int

const (
	// WorkerCmdTerminate requests a graceful worker shutdown; the worker
	// acks with a ConfigAck{Reason: "QUIT"} once drained.
	WorkerCmdTerminate WorkerCmd = iota
)
