package session

import (
	"testing"
	"time"
)

func TestExecution_TransitionHappyPath(t *testing.T) {
	e := NewExecution("s1", "echo hi", nil, "")
	if e.State() != ExecQueued {
		t.Fatalf("expected Queued, got %s", e.State())
	}
	if err := e.Transition(ExecRunning); err != nil {
		t.Fatalf("Queued->Running: %v", err)
	}
	if err := e.Transition(ExecCompleting); err != nil {
		t.Fatalf("Running->Completing: %v", err)
	}
	if err := e.Transition(ExecTerminated); err != nil {
		t.Fatalf("Completing->Terminated: %v", err)
	}
	if !e.Ended() {
		t.Fatal("expected Ended() true after Terminated")
	}
	if e.EndedAt == nil {
		t.Fatal("expected EndedAt set")
	}
}

func TestExecution_KillingIdempotent(t *testing.T) {
	e := NewExecution("s1", "sleep 1000", nil, "")
	_ = e.Transition(ExecRunning)
	if err := e.Transition(ExecKilling); err != nil {
		t.Fatalf("Running->Killing: %v", err)
	}
	if err := e.Transition(ExecKilling); err != nil {
		t.Fatalf("expected idempotent re-entry to Killing, got %v", err)
	}
	if err := e.Transition(ExecTerminated); err != nil {
		t.Fatalf("Killing->Terminated: %v", err)
	}
}

func TestExecution_NoTransitionAfterTerminated(t *testing.T) {
	e := NewExecution("s1", "echo hi", nil, "")
	_ = e.Transition(ExecRunning)
	_ = e.Transition(ExecCompleting)
	_ = e.Transition(ExecTerminated)

	if err := e.Transition(ExecRunning); err == nil {
		t.Fatal("expected error transitioning out of Terminated")
	}
}

func TestExecution_InvalidTransitionRejected(t *testing.T) {
	e := NewExecution("s1", "echo hi", nil, "")
	if err := e.Transition(ExecCompleting); err == nil {
		t.Fatal("expected error jumping Queued->Completing")
	}
}

func TestExecution_RecordOutput(t *testing.T) {
	e := NewExecution("s1", "echo hi", nil, "")
	e.RecordOutput("stdout", 10)
	e.RecordOutput("stderr", 3)
	if e.BytesOut != 10 || e.BytesErr != 3 {
		t.Fatalf("got bytes_out=%d bytes_err=%d", e.BytesOut, e.BytesErr)
	}
	if e.LastOutputAt.IsZero() {
		t.Fatal("expected LastOutputAt to be set")
	}
}

func TestSession_OneExecutionAtATime(t *testing.T) {
	s := NewSession("sess1", 1<<20)
	e1 := NewExecution(s.SessionID, "cmd1", nil, "")

	if err := s.BeginExecution(e1); err != nil {
		t.Fatalf("BeginExecution: %v", err)
	}
	if s.State() != StateExecuting {
		t.Fatalf("expected Executing, got %s", s.State())
	}

	e2 := NewExecution(s.SessionID, "cmd2", nil, "")
	if err := s.BeginExecution(e2); err != ErrBusy {
		t.Fatalf("expected ErrBusy, got %v", err)
	}

	s.EndExecution()
	if s.State() != StateIdle {
		t.Fatalf("expected Idle after EndExecution, got %s", s.State())
	}

	if err := s.BeginExecution(e2); err != nil {
		t.Fatalf("expected second execution to be admitted after Idle, got %v", err)
	}
}

func TestSession_Touch(t *testing.T) {
	s := NewSession("sess1", 1<<20)
	first := s.Touch()
	second := s.Touch()
	if second != first+1 {
		t.Fatalf("expected monotonic cursor, got %d then %d", first, second)
	}
}

func TestManager_CapacityExceeded(t *testing.T) {
	m := NewManager(1, time.Hour, 1<<20)
	if _, err := m.Create("a"); err != nil {
		t.Fatalf("Create a: %v", err)
	}
	if _, err := m.Create("b"); err != ErrCapacityExceeded {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
}

func TestManager_RemoveFreesCapacity(t *testing.T) {
	m := NewManager(1, time.Hour, 1<<20)
	_, _ = m.Create("a")
	m.Remove("a")
	if m.Count() != 0 {
		t.Fatalf("expected 0 sessions after remove, got %d", m.Count())
	}
	if _, err := m.Create("b"); err != nil {
		t.Fatalf("expected capacity freed, got %v", err)
	}
}

func TestManager_IdleExpired(t *testing.T) {
	m := NewManager(10, time.Millisecond, 1<<20)
	s, _ := m.Create("a")
	time.Sleep(5 * time.Millisecond)

	expired := m.IdleExpired()
	if len(expired) != 1 || expired[0] != "a" {
		t.Fatalf("expected [a] expired, got %v", expired)
	}

	// An executing session is never idle-expired, even if old.
	s.BeginExecution(NewExecution("a", "sleep 100", nil, ""))
	expired = m.IdleExpired()
	if len(expired) != 0 {
		t.Fatalf("expected no expired sessions while executing, got %v", expired)
	}
}

func TestManager_All(t *testing.T) {
	m := NewManager(10, time.Hour, 1<<20)
	_, _ = m.Create("a")
	_, _ = m.Create("b")
	if len(m.All()) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(m.All()))
	}
}
