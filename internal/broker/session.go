package broker

import (
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/kvmbroker/internal/automation"
	"github.com/nextlevelbuilder/kvmbroker/internal/display"
	"github.com/nextlevelbuilder/kvmbroker/internal/target"
	"github.com/nextlevelbuilder/kvmbroker/internal/vendor"
	"github.com/nextlevelbuilder/kvmbroker/pkg/protocol"
)

// State is a session lifecycle state.
type State string

const (
	StateIdle       State = protocol.StateIdle
	StateStarting   State = protocol.StateStarting
	StateDetecting  State = protocol.StateDetecting
	StateAutomating State = protocol.StateAutomating
	StateReady      State = protocol.StateReady
	StateStopping   State = protocol.StateStopping
	StateError      State = protocol.StateError
)

// session is the mutable aggregate of one display. Only the manager's loop
// goroutine touches it.
type session struct {
	id      uuid.UUID
	epoch   uint64
	state   State
	viewers int

	target  *target.ConsoleTarget
	profile *vendor.Profile
	handle  *automation.Handle
	display display.Display
	diag    io.Closer

	lastErr *Failure

	startedAt time.Time
	readyAt   time.Time
	updatedAt time.Time
}

// reset drops everything the epoch owned. The viewer count belongs to the
// gateway and survives. The state is left for the caller's transition so
// the move out of Stopping is recorded.
func (s *session) reset() {
	*s = session{viewers: s.viewers, epoch: s.epoch, state: s.state, updatedAt: time.Now().UTC()}
}

// Status is a credential-free snapshot of a display's session.
type Status struct {
	Display   string     `json:"display"`
	State     State      `json:"state"`
	Viewers   int        `json:"viewers"`
	Epoch     uint64     `json:"epoch"`
	SessionID string     `json:"session_id,omitempty"`
	Vendor    string     `json:"vendor,omitempty"`
	Access    string     `json:"access,omitempty"`
	Error     *Failure   `json:"error,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	ReadyAt   *time.Time `json:"ready_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (s *session) snapshot(displayID string) Status {
	st := Status{
		Display:   displayID,
		State:     s.state,
		Viewers:   s.viewers,
		Epoch:     s.epoch,
		UpdatedAt: s.updatedAt,
	}
	if s.id != uuid.Nil {
		st.SessionID = s.id.String()
	}
	if s.profile != nil {
		st.Vendor = s.profile.Key
	}
	if s.target != nil {
		st.Access = string(s.target.Access)
	}
	if s.lastErr != nil {
		f := *s.lastErr
		st.Error = &f
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		st.StartedAt = &t
	}
	if !s.readyAt.IsZero() {
		t := s.readyAt
		st.ReadyAt = &t
	}
	return st
}
