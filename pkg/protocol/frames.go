// Package protocol defines the wire format of the kvmbroker HTTP and websocket API.
// It is importable by remote-display gateways that drive the broker's hooks.
package protocol

// Protocol version, reported by /healthz and the doctor command.
const ProtocolVersion = 1

// Frame types
const (
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// ResponseFrame wraps every JSON response of the HTTP API.
type ResponseFrame struct {
	Type    string      `json:"type"`              // always "res"
	OK      bool        `json:"ok"`                // true if success
	Payload interface{} `json:"payload,omitempty"` // response data (when ok=true)
	Error   *ErrorShape `json:"error,omitempty"`   // error info (when ok=false)
}

// ErrorShape describes an API error.
type ErrorShape struct {
	Code         string      `json:"code"`
	Message      string      `json:"message"`
	Details      interface{} `json:"details,omitempty"`
	Retryable    bool        `json:"retryable,omitempty"`
	RetryAfterMs int         `json:"retryAfterMs,omitempty"`
}

// EventFrame is pushed from the broker to websocket subscribers.
type EventFrame struct {
	Type    string      `json:"type"`              // always "event"
	Event   string      `json:"event"`             // event name
	Display string      `json:"display,omitempty"` // display the event belongs to
	Payload interface{} `json:"payload,omitempty"` // event data
	Seq     int64       `json:"seq,omitempty"`     // per-display ordering sequence number
}

// NewOKResponse creates a success response frame.
func NewOKResponse(payload interface{}) *ResponseFrame {
	return &ResponseFrame{
		Type:    FrameTypeResponse,
		OK:      true,
		Payload: payload,
	}
}

// NewErrorResponse creates an error response frame.
func NewErrorResponse(code, message string) *ResponseFrame {
	return &ResponseFrame{
		Type: FrameTypeResponse,
		OK:   false,
		Error: &ErrorShape{
			Code:    code,
			Message: message,
		},
	}
}

// NewEvent creates an event frame for a display.
func NewEvent(event, display string, payload interface{}) *EventFrame {
	return &EventFrame{
		Type:    FrameTypeEvent,
		Event:   event,
		Display: display,
		Payload: payload,
	}
}
