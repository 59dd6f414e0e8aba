// Package supervisor is the execution controller: the single place that
// wires the task classifier, the timeout estimator, the hook dispatcher,
// the process manager, and the stream pump together around one command's
// life, from submission to the terminal "completed" notification.
//
// One Controller method owns the whole linear sequence of side-effecting
// steps for an execution — pre-hooks, spawn, pump, watchdogs, post-hooks,
// history — so terminal bookkeeping lives in exactly one place regardless
// of whether the child exited on its own, stalled, timed out, or was
// cancelled by the client.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/execgw/gateway/internal/estimator"
	"github.com/execgw/gateway/internal/history"
	"github.com/execgw/gateway/internal/hooks"
	"github.com/execgw/gateway/internal/procmanager"
	"github.com/execgw/gateway/internal/redact"
	"github.com/execgw/gateway/internal/resource"
	"github.com/execgw/gateway/internal/rpc"
	"github.com/execgw/gateway/internal/session"
	"github.com/execgw/gateway/internal/streampump"
)

// finalOutputCap bounds how much trailing stdout is retained in memory per
// execution for the built-in summarize post-hook.
const finalOutputCap = 8 * 1024

// progressInterval is the cadence of "progress" notifications while a
// child is running.
const progressInterval = 1 * time.Second


// Controller drives one command's execution end to end. A single
// Controller instance is shared by every session.
type Controller struct {
	monitor    *resource.Monitor
	history    history.Store
	dispatcher *hooks.Dispatcher

	// MaxStall, when set, caps the estimator's stall timeout. Wired from
	// the stream-timeout configuration knob.
	MaxStall time.Duration

	// ReapTimeout, when set, overrides how long a killed process group may
	// take to reap before it is declared leaked. Wired from the
	// cleanup-timeout configuration knob.
	ReapTimeout time.Duration

	mu      sync.Mutex
	running map[string]*inflight // execution_id -> process handle
	wg      sync.WaitGroup
}

type inflight struct {
	proc   *procmanager.Process
	cancel context.CancelFunc
}

// New builds a Controller. store may be history.NoopStore{} when no
// backend is configured.
func New(monitor *resource.Monitor, store history.Store, dispatcher *hooks.Dispatcher) *Controller {
	return &Controller{
		monitor:    monitor,
		history:    store,
		dispatcher: dispatcher,
		running:    make(map[string]*inflight),
	}
}

// Execute runs params.Command within sess, admitting it as sess's single
// in-flight Execution. It returns as soon as the child has been spawned
// (or refused); the rest of the lifecycle runs in the background and is
// reported through sess's outbound notification queue. A spawn failure is
// not an RPC error: the execution is admitted, terminated immediately with
// a synthetic exit code of -1, and reported via "completed".
func (c *Controller) Execute(sess *session.Session, params rpc.ExecuteParams) (*session.Execution, error) {
	load := c.monitor.Load()
	est := estimator.Compute(params.Command, c.history, load)
	if params.TimeoutOverride != nil && *params.TimeoutOverride > 0 {
		est.ExecutionTimeout = time.Duration(*params.TimeoutOverride) * time.Second
	}
	if c.MaxStall > 0 && est.StallTimeout > c.MaxStall {
		est.StallTimeout = c.MaxStall
	}

	ctx := context.Background()
	mutation, err := c.dispatcher.RunPre(ctx, params.Command)
	if err != nil {
		return nil, err
	}

	env := mergeEnv(params.Env, mutation.EnvAdditions)
	exec := session.NewExecution(sess.SessionID, mutation.Command, env, params.Cwd)
	exec.Category = est.Category
	exec.Complexity = est.Complexity
	exec.ExecutionTimeout = est.ExecutionTimeout
	exec.StallTimeout = est.StallTimeout

	if err := sess.BeginExecution(exec); err != nil {
		return nil, err
	}

	proc, err := procmanager.Start(procmanager.Spec{
		Command: exec.Command,
		Cwd:     exec.Cwd,
		Env:     mergedProcEnv(env),
	})
	if err != nil {
		c.failSpawn(sess, exec, err)
		return exec, nil
	}
	exec.Pgid = proc.Pgid
	if c.ReapTimeout > 0 {
		proc.ReapTimeout = c.ReapTimeout
	}

	if err := exec.Transition(session.ExecRunning); err != nil {
		_ = proc.Terminate(context.Background())
		sess.EndExecution()
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.running[exec.ExecutionID] = &inflight{proc: proc, cancel: cancel}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.run(runCtx, sess, exec, proc)
	}()

	return exec, nil
}

// failSpawn terminates an admitted execution whose child never started:
// synthetic exit code -1, error message forwarded via "completed".
func (c *Controller) failSpawn(sess *session.Session, exec *session.Execution, spawnErr error) {
	log.Printf("supervisor: spawn failed for execution %s: %v", exec.ExecutionID, spawnErr)

	_ = exec.Transition(session.ExecTerminated)
	code := -1
	exec.ExitCode = &code

	rpc.PublishCompleted(sess, rpc.CompletedParams{
		ExecutionID: exec.ExecutionID,
		ExitCode:    exec.ExitCode,
		DurationMs:  time.Since(exec.StartedAt).Milliseconds(),
		Category:    string(exec.Category),
		Complexity:  string(exec.Complexity),
		Error:       fmt.Sprintf("spawn failed: %v", spawnErr),
	})
	sess.EndExecution()
}

// run owns an execution once its child has been spawned: pumping output,
// watching for the execution and stall timeouts, waiting for exit, and
// finally running post-hooks and recording history before returning the
// session to Idle.
func (c *Controller) run(ctx context.Context, sess *session.Session, exec *session.Execution, proc *procmanager.Process) {
	defer func() {
		c.mu.Lock()
		delete(c.running, exec.ExecutionID)
		c.mu.Unlock()
	}()

	tail := newTailBuffer(finalOutputCap)
	teedStdout := io.TeeReader(proc.Stdout, tail)

	redactor := redact.New(exec.EnvOverrides)
	pump := streampump.New(exec, sess.Outbound, redactor)
	pumpDone := pump.Run(ctx, teedStdout, proc.Stderr)

	stalled := streampump.WatchStall(ctx, exec, exec.StallTimeout)

	execTimer := time.NewTimer(exec.ExecutionTimeout)
	defer execTimer.Stop()

	progress := time.NewTicker(progressInterval)
	defer progress.Stop()

	waitCh := make(chan struct{})
	go func() {
		proc.Wait()
		close(waitCh)
	}()

	var cancelReason string
wait:
	for {
		select {
		case <-waitCh:
			break wait
		case <-progress.C:
			rpc.PublishProgress(sess, rpc.ProgressParams{
				ExecutionID: exec.ExecutionID,
				BytesOut:    exec.BytesOut,
				BytesErr:    exec.BytesErr,
				ElapsedMs:   time.Since(exec.StartedAt).Milliseconds(),
			})
		case <-execTimer.C:
			cancelReason = "execution-watchdog"
			exec.TimeoutHit = true
			c.kill(exec, proc, cancelReason)
			<-waitCh
			break wait
		case <-stalled:
			cancelReason = "stall-watchdog"
			exec.TimeoutHit = true
			c.kill(exec, proc, cancelReason)
			<-waitCh
			break wait
		case <-ctx.Done():
			cancelReason = "client-cancel"
			c.kill(exec, proc, cancelReason)
			<-waitCh
			break wait
		}
	}

	<-pumpDone

	exitCode, signal, _ := proc.Wait()
	exec.ExitCode = exitCode
	exec.Signal = signal
	if cancelReason != "" && exec.CancelReason == "" {
		exec.CancelReason = cancelReason
	}

	_ = exec.Transition(session.ExecCompleting)
	sess.BeginCompleting()

	duration := time.Since(exec.StartedAt)
	c.dispatcher.RunPost(context.Background(), hooks.ExecutionInfo{
		ExecutionID: exec.ExecutionID,
		Command:     exec.Command,
		ExitCode:    exec.ExitCode,
		Signal:      exec.Signal,
		BytesOut:    exec.BytesOut,
		BytesErr:    exec.BytesErr,
		Duration:    duration,
		FinalOutput: redactor.Redact(tail.String()),
	})

	fingerprint := estimator.Fingerprint(exec.Category, exec.Complexity, exec.Command)
	c.history.Record(fingerprint, string(exec.Category), duration, exec.TimeoutHit)

	_ = exec.Transition(session.ExecTerminated)

	rpc.PublishCompleted(sess, rpc.CompletedParams{
		ExecutionID:  exec.ExecutionID,
		ExitCode:     exec.ExitCode,
		Signal:       exec.Signal,
		DurationMs:   duration.Milliseconds(),
		Category:     string(exec.Category),
		Complexity:   string(exec.Complexity),
		TimeoutHit:   exec.TimeoutHit,
		CancelReason: exec.CancelReason,
		BytesOut:     exec.BytesOut,
		BytesErr:     exec.BytesErr,
	})

	sess.EndExecution()
}

// kill escalates an execution to Killing and asks the process manager to
// terminate its entire process group. The execution-watchdog,
// stall-watchdog, and client-cancel paths can all race to call this;
// the Killing->Killing idempotent transition absorbs the race, so every
// caller still proceeds to Terminate.
func (c *Controller) kill(exec *session.Execution, proc *procmanager.Process, reason string) {
	if err := exec.Transition(session.ExecKilling); err != nil {
		return
	}
	if exec.CancelReason == "" {
		exec.CancelReason = reason
	}
	ctx, cancel := context.WithTimeout(context.Background(), proc.Grace+proc.ReapTimeout+time.Second)
	defer cancel()
	if err := proc.Terminate(ctx); err != nil {
		log.Printf("supervisor: terminate execution %s: %v", exec.ExecutionID, err)
	}
}

// Cancel asks the in-flight execution executionID on sess to stop.
// Cancelling the execution's context drives the same kill path as the
// execution and stall watchdogs, through run's ctx.Done() branch.
// Idempotent while the execution is still winding down; once it has
// terminated, ErrAlreadyTerminated is returned.
func (c *Controller) Cancel(sess *session.Session, executionID, reason string) error {
	exec := sess.CurrentExecution()
	if exec == nil || exec.ExecutionID != executionID {
		if executionID != "" && executionID == sess.LastExecutionID() {
			return session.ErrAlreadyTerminated
		}
		return session.ErrExecutionNotFound
	}
	if exec.Ended() {
		return session.ErrAlreadyTerminated
	}

	c.mu.Lock()
	inf, ok := c.running[executionID]
	c.mu.Unlock()
	if !ok {
		return session.ErrAlreadyTerminated
	}

	exec.CancelReason = reason
	inf.cancel()
	return nil
}

// Shutdown cancels every in-flight execution and waits for their
// supervision loops to finish emitting "completed", or for ctx to expire.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	for _, inf := range c.running {
		inf.cancel()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func mergeEnv(clientEnv, hookEnv map[string]string) map[string]string {
	merged := make(map[string]string, len(clientEnv)+len(hookEnv))
	for k, v := range clientEnv {
		merged[k] = v
	}
	for k, v := range hookEnv {
		merged[k] = v // hook additions apply last, in declaration order
	}
	return merged
}

// mergedProcEnv builds the child's full environment: the gateway process's
// own environment (so things like PATH resolve normally) overlaid with
// this execution's merged overrides, last writer wins.
func mergedProcEnv(overrides map[string]string) []string {
	base := os.Environ()
	if len(overrides) == 0 {
		return base
	}

	merged := make(map[string]string, len(base)+len(overrides))
	for _, kv := range base {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range overrides {
		merged[k] = v
	}

	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}
