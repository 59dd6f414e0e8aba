// Package session implements the per-connection state machine: a Session
// admits at most one Execution at a time, and an Execution moves through
// a one-way state machine from submission to termination.
package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/execgw/gateway/internal/classifier"
	"github.com/execgw/gateway/internal/outbound"
)

// State is a Session's lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateExecuting  State = "executing"
	StateCompleting State = "completing"
	StateClosed     State = "closed"
)

// ExecState is an Execution's lifecycle state.
type ExecState string

const (
	ExecQueued     ExecState = "queued"
	ExecRunning    ExecState = "running"
	ExecCompleting ExecState = "completing"
	ExecKilling    ExecState = "killing"
	ExecTerminated ExecState = "terminated"
)

// Execution represents a single invocation of a child command within a
// session.
type Execution struct {
	ExecutionID  string
	SessionID    string
	Command      string
	EnvOverrides map[string]string
	Cwd          string

	StartedAt time.Time
	EndedAt   *time.Time

	ExitCode *int
	Signal   string

	Category   classifier.Category
	Complexity classifier.Complexity

	ExecutionTimeout time.Duration
	StallTimeout     time.Duration

	Pgid int

	BytesOut     int64
	BytesErr     int64
	LastOutputAt time.Time

	CancelReason string
	TimeoutHit   bool

	mu    sync.Mutex
	state ExecState
}

// NewExecution creates a freshly queued Execution.
func NewExecution(sessionID, command string, envOverrides map[string]string, cwd string) *Execution {
	return &Execution{
		ExecutionID:  uuid.NewString(),
		SessionID:    sessionID,
		Command:      command,
		EnvOverrides: envOverrides,
		Cwd:          cwd,
		StartedAt:    time.Now(),
		state:        ExecQueued,
	}
}

// State returns the Execution's current state.
func (e *Execution) State() ExecState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// transitions enumerates the allowed one-way state edges. Entry to Killing
// is idempotent (Killing -> Killing is allowed); all other edges are
// exactly once.
var transitions = map[ExecState]map[ExecState]bool{
	ExecQueued: {
		ExecRunning:    true,
		ExecTerminated: true, // hook-refused / spawn-failed
	},
	ExecRunning: {
		ExecCompleting: true,
		ExecKilling:    true,
	},
	ExecCompleting: {
		ExecTerminated: true,
		ExecKilling:    true,
	},
	ExecKilling: {
		ExecKilling:    true, // idempotent re-entry
		ExecTerminated: true,
	},
}

// Transition moves the Execution to next, returning an error if the edge
// is not in the transitions table. Once Terminated, every further
// transition is rejected, including Terminated -> Terminated.
func (e *Execution) Transition(next ExecState) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == ExecTerminated {
		return fmt.Errorf("execution %s: already terminated, cannot transition to %s", e.ExecutionID, next)
	}
	if !transitions[e.state][next] {
		return fmt.Errorf("execution %s: invalid transition %s -> %s", e.ExecutionID, e.state, next)
	}
	e.state = next
	if next == ExecTerminated {
		now := time.Now()
		e.EndedAt = &now
	}
	return nil
}

// Ended reports whether the Execution has reached its terminal state. Once
// true, no further output chunks may be emitted for this execution.
func (e *Execution) Ended() bool {
	return e.State() == ExecTerminated
}

// LastOutput returns the timestamp of the most recent output chunk, used
// by the Stream Pump's stall watchdog.
func (e *Execution) LastOutput() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.LastOutputAt
}

// RecordOutput updates byte counters and the last-output timestamp; called
// by the Stream Pump on every chunk.
func (e *Execution) RecordOutput(stream string, n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch stream {
	case "stdout":
		e.BytesOut += int64(n)
	case "stderr":
		e.BytesErr += int64(n)
	}
	e.LastOutputAt = time.Now()
}

// Session represents a single connected client. At most one Execution may
// be active at a time.
type Session struct {
	SessionID string
	CreatedAt time.Time
	Outbound  *outbound.Queue

	mu            sync.Mutex
	state         State
	execution     *Execution
	lastExecution string
	lastActivity  time.Time
	inboundCursor uint64
}

// NewSession creates an Idle session with an outbound notification queue
// capped at maxBacklogBytes.
func NewSession(sessionID string, maxBacklogBytes int) *Session {
	now := time.Now()
	return &Session{
		SessionID:    sessionID,
		CreatedAt:    now,
		Outbound:     outbound.New(maxBacklogBytes),
		state:        StateIdle,
		lastActivity: now,
	}
}

// ErrBusy is returned by BeginExecution when the session already has an
// in-flight execution: submitting execute while the session is not Idle
// yields a Busy error.
var ErrBusy = fmt.Errorf("session busy: execution already in flight")

// Cancel-path sentinels, returned by the execution controller and mapped
// by the RPC handler onto the NotFound and AlreadyTerminated codes.
var (
	ErrExecutionNotFound = fmt.Errorf("no such execution")
	ErrAlreadyTerminated = fmt.Errorf("execution already terminated")
)

// State returns the Session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Touch records inbound traffic, resetting the idle timer, and advances the
// monotonic inbound request counter.
func (s *Session) Touch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActivity = time.Now()
	s.inboundCursor++
	return s.inboundCursor
}

// IdleSince reports how long the session has seen no inbound traffic.
func (s *Session) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActivity)
}

// BeginExecution admits a new Execution if the session is Idle, enforcing
// at most one Execution per Session. Returns ErrBusy otherwise.
func (s *Session) BeginExecution(exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateIdle {
		return ErrBusy
	}
	s.state = StateExecuting
	s.execution = exec
	return nil
}

// CurrentExecution returns the session's in-flight execution, or nil if
// Idle.
func (s *Session) CurrentExecution() *Execution {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execution
}

// BeginCompleting transitions the session from Executing to Completing,
// once the child's output has reached EOF and the Supervisor is running
// post-hooks.
func (s *Session) BeginCompleting() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateExecuting {
		s.state = StateCompleting
	}
}

// EndExecution clears the session's current execution and returns it to
// Idle, ready to accept the next command. The terminated execution's ID is
// retained so a late cancel can be answered with AlreadyTerminated instead
// of NotFound.
func (s *Session) EndExecution() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.execution != nil {
		s.lastExecution = s.execution.ExecutionID
	}
	s.execution = nil
	s.state = StateIdle
}

// LastExecutionID returns the ID of the most recently terminated execution,
// or "" if none has run yet.
func (s *Session) LastExecutionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastExecution
}

// Close marks the session Closed and closes its outbound queue. Idempotent.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.Outbound.Close()
}
