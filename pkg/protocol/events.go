package protocol

// Event names pushed to websocket subscribers.
const (
	EventSessionState = "session.state"
	EventSessionError = "session.error"
	EventShutdown     = "shutdown"
)

// Session states as they appear on the wire.
const (
	StateIdle       = "idle"
	StateStarting   = "starting"
	StateDetecting  = "detecting"
	StateAutomating = "automating"
	StateReady      = "ready"
	StateStopping   = "stopping"
	StateError      = "error"
)
