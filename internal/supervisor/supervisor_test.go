package supervisor

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/execgw/gateway/internal/history"
	"github.com/execgw/gateway/internal/hooks"
	"github.com/execgw/gateway/internal/resource"
	"github.com/execgw/gateway/internal/rpc"
	"github.com/execgw/gateway/internal/session"
)

func newTestController() *Controller {
	return New(resource.NewMonitor(), history.NoopStore{}, hooks.NewDispatcher(nil))
}

func newTestSession(t *testing.T) *session.Session {
	t.Helper()
	sess := session.NewSession("test-session", 1<<20)
	t.Cleanup(sess.Close)
	return sess
}

// drainUntilCompleted pops the session's outbound queue until the terminal
// "completed" notification arrives, returning all output chunks seen and
// the completed payload.
func drainUntilCompleted(t *testing.T, sess *session.Session, timeout time.Duration) ([]session.OutputChunk, rpc.CompletedParams) {
	t.Helper()

	var chunks []session.OutputChunk
	done := make(chan rpc.CompletedParams, 1)
	go func() {
		for {
			msg, ok := sess.Outbound.Pop()
			if !ok {
				return
			}
			switch v := msg.Value.(type) {
			case session.OutputChunk:
				chunks = append(chunks, v)
			case rpc.Notification:
				if v.Method == "completed" {
					done <- v.Params.(rpc.CompletedParams)
					return
				}
			}
		}
	}()

	select {
	case completed := <-done:
		return chunks, completed
	case <-time.After(timeout):
		t.Fatalf("no completed notification within %s", timeout)
		return nil, rpc.CompletedParams{}
	}
}

func TestExecuteEchoCompletes(t *testing.T) {
	c := newTestController()
	sess := newTestSession(t)

	exec, err := c.Execute(sess, rpc.ExecuteParams{Command: "echo gateway test"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	chunks, completed := drainUntilCompleted(t, sess, 10*time.Second)

	if completed.ExecutionID != exec.ExecutionID {
		t.Errorf("completed for %q, expected %q", completed.ExecutionID, exec.ExecutionID)
	}
	if completed.ExitCode == nil || *completed.ExitCode != 0 {
		t.Errorf("expected exit code 0, got %v", completed.ExitCode)
	}
	if completed.Category != "general" || completed.Complexity != "trivial" {
		t.Errorf("expected general/trivial, got %s/%s", completed.Category, completed.Complexity)
	}
	if completed.TimeoutHit {
		t.Error("unexpected timeout_hit")
	}

	var all strings.Builder
	for _, ch := range chunks {
		if ch.Stream == session.Stdout {
			all.Write(ch.Payload)
		}
	}
	if got := all.String(); got != "gateway test\n" {
		t.Errorf("unexpected stdout %q", got)
	}

	if sess.State() != session.StateIdle {
		t.Errorf("session should be Idle after completion, got %s", sess.State())
	}
}

func TestExecuteSequenceNumbersAreContiguous(t *testing.T) {
	c := newTestController()
	sess := newTestSession(t)

	if _, err := c.Execute(sess, rpc.ExecuteParams{Command: "seq 1 50"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	chunks, _ := drainUntilCompleted(t, sess, 10*time.Second)

	var next uint64
	for _, ch := range chunks {
		if ch.Stream != session.Stdout {
			continue
		}
		if ch.Sequence != next {
			t.Fatalf("expected sequence %d, got %d", next, ch.Sequence)
		}
		next++
	}
	if next == 0 {
		t.Fatal("no stdout chunks seen")
	}
}

func TestSecondExecuteIsBusy(t *testing.T) {
	c := newTestController()
	sess := newTestSession(t)

	exec, err := c.Execute(sess, rpc.ExecuteParams{Command: "sleep 5"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	if _, err := c.Execute(sess, rpc.ExecuteParams{Command: "echo again"}); err != session.ErrBusy {
		t.Errorf("expected ErrBusy, got %v", err)
	}

	if err := c.Cancel(sess, exec.ExecutionID, "test"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	_, _ = drainUntilCompleted(t, sess, 10*time.Second)
}

func TestCancelTerminatesAndReportsReason(t *testing.T) {
	c := newTestController()
	sess := newTestSession(t)

	exec, err := c.Execute(sess, rpc.ExecuteParams{Command: "sleep 30"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if err := c.Cancel(sess, exec.ExecutionID, "user"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	start := time.Now()
	_, completed := drainUntilCompleted(t, sess, 16*time.Second)
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("cancel took too long to complete: %s", elapsed)
	}

	if completed.CancelReason != "user" {
		t.Errorf("expected cancel_reason=user, got %q", completed.CancelReason)
	}
	if completed.TimeoutHit {
		t.Error("client cancel must not set timeout_hit")
	}
}

func TestCancelAfterTerminationReturnsAlreadyTerminated(t *testing.T) {
	c := newTestController()
	sess := newTestSession(t)

	exec, err := c.Execute(sess, rpc.ExecuteParams{Command: "true"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	_, _ = drainUntilCompleted(t, sess, 10*time.Second)

	if err := c.Cancel(sess, exec.ExecutionID, "late"); err != session.ErrAlreadyTerminated {
		t.Errorf("expected ErrAlreadyTerminated, got %v", err)
	}
	if err := c.Cancel(sess, "no-such-id", "late"); err != session.ErrExecutionNotFound {
		t.Errorf("expected ErrExecutionNotFound, got %v", err)
	}
}

func TestTimeoutOverrideKillsExecution(t *testing.T) {
	c := newTestController()
	sess := newTestSession(t)

	override := 1
	_, err := c.Execute(sess, rpc.ExecuteParams{Command: "sleep 60", TimeoutOverride: &override})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}

	start := time.Now()
	_, completed := drainUntilCompleted(t, sess, 16*time.Second)

	if !completed.TimeoutHit {
		t.Error("expected timeout_hit=true")
	}
	// 1s budget + 5s SIGTERM grace is the worst case for a cooperative child.
	if elapsed := time.Since(start); elapsed > 8*time.Second {
		t.Errorf("timeout kill took too long: %s", elapsed)
	}
}

func TestSpawnFailureReportsSyntheticExit(t *testing.T) {
	c := newTestController()
	sess := newTestSession(t)

	exec, err := c.Execute(sess, rpc.ExecuteParams{Command: "echo hi", Cwd: "/nonexistent-gateway-dir"})
	if err != nil {
		t.Fatalf("Execute should not fail the RPC on spawn error, got %v", err)
	}

	_, completed := drainUntilCompleted(t, sess, 5*time.Second)
	if completed.ExitCode == nil || *completed.ExitCode != -1 {
		t.Errorf("expected synthetic exit code -1, got %v", completed.ExitCode)
	}
	if completed.Error == "" {
		t.Error("expected an error message in completed")
	}
	if exec.State() != session.ExecTerminated {
		t.Errorf("execution should be terminated, got %s", exec.State())
	}
	if sess.State() != session.StateIdle {
		t.Errorf("session should return to Idle, got %s", sess.State())
	}
}

func TestShutdownCancelsInflight(t *testing.T) {
	c := newTestController()
	sess := newTestSession(t)

	if _, err := c.Execute(sess, rpc.ExecuteParams{Command: "sleep 30"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	go func() {
		// Let the run loop get going before tearing it down.
		time.Sleep(100 * time.Millisecond)
		ctx, cancel := context.WithTimeout(context.Background(), 12*time.Second)
		defer cancel()
		_ = c.Shutdown(ctx)
	}()

	_, completed := drainUntilCompleted(t, sess, 16*time.Second)
	if completed.CancelReason == "" {
		t.Error("expected a cancel reason on shutdown")
	}
}

func TestTailBufferKeepsOnlyRecentBytes(t *testing.T) {
	tb := newTailBuffer(8)
	_, _ = tb.Write([]byte("0123456789abcdef"))
	if got := tb.String(); got != "89abcdef" {
		t.Errorf("expected tail %q, got %q", "89abcdef", got)
	}
	_, _ = tb.Write([]byte("XY"))
	if got := tb.String(); got != "abcdefXY" {
		t.Errorf("expected tail %q, got %q", "abcdefXY", got)
	}
}
