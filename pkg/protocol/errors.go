package protocol

// API error codes returned in ResponseFrame.Error.Code.
const (
	ErrInvalidRequest     = "INVALID_REQUEST"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrNotFound           = "NOT_FOUND"
	ErrResourceExhausted  = "RESOURCE_EXHAUSTED"
	ErrFailedPrecondition = "FAILED_PRECONDITION"
	ErrUnavailable        = "UNAVAILABLE"
	ErrInternal           = "INTERNAL"
)

// Reason codes reported by the diagnostics surface when a session is in Error.
const (
	// Context provider
	ReasonUnprovisioned = "UNPROVISIONED"
	ReasonContextFailed = "CONTEXT_FAILED"

	// Vendor detection
	ReasonDetectionTimeout     = "DETECTION_TIMEOUT"
	ReasonDetectionBadResponse = "BAD_RESPONSE"
	ReasonDetectionUnreachable = "UNREACHABLE"
	ReasonUnknownVendor        = "UNKNOWN_VENDOR"

	// Browser automation
	ReasonNavigationFailed = "NAVIGATION_FAILED"
	ReasonFieldsNotReady   = "FIELDS_NOT_READY"
	ReasonConditionTimeout = "CONDITION_TIMEOUT"

	// Browser / display processes
	ReasonLaunchFailed  = "LAUNCH_FAILED"
	ReasonProcessExited = "PROCESS_EXITED"
	ReasonDisplayFailed = "DISPLAY_FAILED"

	ReasonInternal = "INTERNAL"
)

// Error categories, matching the broker's error taxonomy.
const (
	CategoryContext    = "context"
	CategoryDetection  = "detection"
	CategoryAutomation = "automation"
	CategoryProcess    = "process"
	CategoryInternal   = "internal"
)
