package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/kvmbroker/internal/automation"
	"github.com/nextlevelbuilder/kvmbroker/internal/detect"
	"github.com/nextlevelbuilder/kvmbroker/internal/target"
	"github.com/nextlevelbuilder/kvmbroker/pkg/protocol"
)

// Failure is the classified last error of a session. Message is safe to
// show to viewers: it never carries raw vendor payloads or credentials.
type Failure struct {
	Category string `json:"category"`
	Code     string `json:"code"`
	Message  string `json:"message"`
}

// Classify maps an error from any stage of an epoch to its category,
// reason code and a human string.
func Classify(err error) Failure {
	var (
		ctxErr  *target.ContextError
		detErr  *detect.Error
		autoErr *automation.Error
		procErr *automation.ProcessError
	)

	switch {
	case errors.As(err, &ctxErr):
		if errors.Is(err, target.ErrUnprovisioned) {
			return Failure{protocol.CategoryContext, protocol.ReasonUnprovisioned,
				fmt.Sprintf("No console target is configured for display %s.", ctxErr.Display)}
		}
		return Failure{protocol.CategoryContext, protocol.ReasonContextFailed,
			"The console target for this display could not be loaded. Check the broker configuration."}

	case errors.As(err, &detErr):
		return classifyDetection(detErr)

	case errors.As(err, &autoErr):
		return classifyAutomation(autoErr)

	case errors.As(err, &procErr):
		switch procErr.Kind {
		case automation.ProcessLaunchFailed:
			return Failure{protocol.CategoryProcess, protocol.ReasonLaunchFailed,
				"The console browser could not be started on this host."}
		case automation.ProcessDisplayFailed:
			return Failure{protocol.CategoryProcess, protocol.ReasonDisplayFailed,
				"The virtual display is not available."}
		default:
			return Failure{protocol.CategoryProcess, protocol.ReasonProcessExited,
				"The console browser exited unexpectedly. Reconnect to start a new session."}
		}

	case errors.Is(err, context.DeadlineExceeded):
		return Failure{protocol.CategoryInternal, protocol.ReasonInternal,
			"The console session did not start in time."}
	}

	slog.Warn("unclassified session error", "error", err)
	return Failure{protocol.CategoryInternal, protocol.ReasonInternal,
		"Something went wrong starting the console session."}
}

func classifyDetection(e *detect.Error) Failure {
	switch e.Kind {
	case detect.KindTimeout:
		return Failure{protocol.CategoryDetection, protocol.ReasonDetectionTimeout,
			"The management controller did not answer the vendor probe in time."}
	case detect.KindBadResponse:
		msg := "The management controller returned an unexpected response to the vendor probe."
		if e.Status != 0 {
			msg = fmt.Sprintf("The management controller answered the vendor probe with HTTP %d.", e.Status)
		}
		return Failure{protocol.CategoryDetection, protocol.ReasonDetectionBadResponse, msg}
	case detect.KindUnreachable:
		msg := "The management controller could not be reached."
		if isTLSError(e.Err) {
			msg = "The management controller's TLS certificate was not trusted. Configure a CA bundle or opt into insecure TLS for this target."
		}
		return Failure{protocol.CategoryDetection, protocol.ReasonDetectionUnreachable, msg}
	default:
		return Failure{protocol.CategoryDetection, protocol.ReasonUnknownVendor,
			"The management controller's vendor is not supported."}
	}
}

func classifyAutomation(e *automation.Error) Failure {
	switch e.Kind {
	case automation.KindNavigationFailed:
		return Failure{protocol.CategoryAutomation, protocol.ReasonNavigationFailed,
			"The vendor web console did not load."}
	case automation.KindFieldsNotReady:
		return Failure{protocol.CategoryAutomation, protocol.ReasonFieldsNotReady,
			"The vendor login form never became usable."}
	default:
		if e.Step < 0 {
			return Failure{protocol.CategoryAutomation, protocol.ReasonConditionTimeout,
				"The console was not displayed in time."}
		}
		return Failure{protocol.CategoryAutomation, protocol.ReasonConditionTimeout,
			"The vendor web console did not reach the expected page. The credentials may be wrong."}
	}
}

func isTLSError(err error) bool {
	if err == nil {
		return false
	}
	return containsAny(strings.ToLower(err.Error()), "x509", "certificate", "tls:")
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
