package hooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/execgw/gateway/internal/procmanager"
)

const summarizeSystemPrompt = "You are a concise technical summarizer. Summarize the following command execution output in 2-4 sentences. Focus on: what command ran, what the outcome was, and any errors or warnings worth a human's attention."

// SummarizeModel is the Anthropic model identifier used by the built-in
// "summarize" post-hook. Overridable for tests.
var SummarizeModel = "claude-3-5-haiku-latest"

// Dispatcher runs an ordered set of hook Specs around an execution.
type Dispatcher struct {
	pre  []Spec
	post []Spec
}

// NewDispatcher partitions specs into their pre/post phases, preserving the
// declaration order within each phase.
func NewDispatcher(specs []Spec) *Dispatcher {
	d := &Dispatcher{}
	for _, s := range specs {
		switch s.Phase {
		case Pre:
			d.pre = append(d.pre, s)
		case Post:
			d.post = append(d.post, s)
		}
	}
	return d
}

// Mutation accumulates the effect of the pre-execution hook chain: extra
// environment variables to merge into the child's env (last writer wins,
// in declaration order) and command wrappers applied in declaration order
// (each wrapper wraps the previous result, so the last hook ends up
// outermost).
type Mutation struct {
	EnvAdditions map[string]string
	Command      string
}

// RunPre runs every pre-phase hook whose trigger matches command, in
// declaration order. A required hook that fails aborts the chain and
// returns a *RefusedError; a non-required hook that fails is logged and
// skipped.
func (d *Dispatcher) RunPre(ctx context.Context, command string) (Mutation, error) {
	m := Mutation{EnvAdditions: map[string]string{}, Command: command}

	for _, spec := range d.pre {
		if !spec.Matches(m.Command) {
			continue
		}

		envOut, cmdOut, err := d.runMutating(ctx, spec, m.Command)
		if err != nil {
			if spec.Required {
				return m, &RefusedError{HookName: spec.Name, Reason: err.Error()}
			}
			log.Printf("hooks: pre-hook %q failed (non-required, continuing): %v", spec.Name, err)
			continue
		}

		for k, v := range envOut {
			m.EnvAdditions[k] = v
		}
		if cmdOut != "" {
			m.Command = cmdOut
		}
	}

	return m, nil
}

// RunPost runs every post-phase hook whose trigger matches info.Command, in
// declaration order. Failures are never fatal post-execution: a required
// post-hook failure is logged at a higher severity but does not change the
// already-terminal execution state.
func (d *Dispatcher) RunPost(ctx context.Context, info ExecutionInfo) {
	for _, spec := range d.post {
		if !spec.Matches(info.Command) {
			continue
		}

		var err error
		if spec.Builtin == "summarize" {
			err = runSummarize(ctx, spec, info)
		} else {
			err = d.runExternalPost(ctx, spec, info)
		}

		if err != nil {
			if spec.Required {
				log.Printf("hooks: required post-hook %q failed: %v", spec.Name, err)
			} else {
				log.Printf("hooks: post-hook %q failed (non-required): %v", spec.Name, err)
			}
		}
	}
}

// runMutating executes an external pre-hook and parses its stdout as a tiny
// "KEY=VALUE" env-addition protocol, one pair per line; a line of the form
// "COMMAND=<wrapped command>" replaces the command passed to the next hook.
// Pre hooks only honor CommandTemplate — Builtin is reserved for Post.
// LoadSpecs accepts a Pre hook that sets only Builtin; such a hook fails
// here at run time.
func (d *Dispatcher) runMutating(ctx context.Context, spec Spec, command string) (map[string]string, string, error) {
	if spec.CommandTemplate == "" {
		return nil, "", fmt.Errorf("pre-hook %q has no command_template", spec.Name)
	}

	hctx, cancel := ctxWithDeadline(ctx, spec.Timeout)
	defer cancel()

	proc, err := procmanager.Start(procmanager.Spec{
		Command: spec.CommandTemplate,
		Env:     append(os.Environ(), "HOOK_COMMAND="+command),
	})
	if err != nil {
		return nil, "", fmt.Errorf("start: %w", err)
	}

	var out bytes.Buffer
	done := make(chan struct{})
	go func() {
		_, _ = out.ReadFrom(proc.Stdout)
		close(done)
	}()
	go func() { _, _ = io.Copy(io.Discard, proc.Stderr) }()

	select {
	case <-done:
	case <-hctx.Done():
		_ = proc.Terminate(context.Background())
		return nil, "", fmt.Errorf("timed out after %s", spec.Timeout)
	}

	exitCode, signal, waitErr := proc.Wait()
	if waitErr != nil {
		return nil, "", waitErr
	}
	if signal != "" {
		return nil, "", fmt.Errorf("hook killed by signal %s", signal)
	}
	if exitCode == nil || *exitCode != 0 {
		return nil, "", fmt.Errorf("hook exited %v", exitCode)
	}

	return parseMutationOutput(out.String())
}

// runExternalPost runs an external command-template post-hook, bounded by
// its timeout, discarding its output beyond logging failures.
func (d *Dispatcher) runExternalPost(ctx context.Context, spec Spec, info ExecutionInfo) error {
	if spec.CommandTemplate == "" {
		return fmt.Errorf("post-hook %q has no command_template or builtin", spec.Name)
	}

	hctx, cancel := ctxWithDeadline(ctx, spec.Timeout)
	defer cancel()

	env := append(os.Environ(),
		fmt.Sprintf("EXECUTION_ID=%s", info.ExecutionID),
		fmt.Sprintf("EXECUTION_DURATION_MS=%d", info.Duration.Milliseconds()),
	)

	proc, err := procmanager.Start(procmanager.Spec{Command: spec.CommandTemplate, Env: env})
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}

	done := make(chan struct{})
	go func() {
		_, _ = io.Copy(io.Discard, proc.Stdout)
		close(done)
	}()
	go func() { _, _ = io.Copy(io.Discard, proc.Stderr) }()

	select {
	case <-done:
	case <-hctx.Done():
		_ = proc.Terminate(context.Background())
		return fmt.Errorf("timed out after %s", spec.Timeout)
	}

	_, signal, waitErr := proc.Wait()
	if waitErr != nil {
		return waitErr
	}
	if signal != "" {
		return fmt.Errorf("hook killed by signal %s", signal)
	}
	return nil
}

// runSummarize is the built-in post-hook: it asks the Anthropic Messages
// API for a short natural-language receipt of the execution's final output
// and logs it.
func runSummarize(ctx context.Context, spec Spec, info ExecutionInfo) error {
	if info.FinalOutput == "" {
		return nil
	}

	hctx, cancel := ctxWithDeadline(ctx, spec.Timeout)
	defer cancel()

	client := anthropic.NewClient()

	msg, err := client.Messages.New(hctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(SummarizeModel),
		MaxTokens: 200,
		System: []anthropic.TextBlockParam{
			{Text: summarizeSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(info.FinalOutput)),
		},
	})
	if err != nil {
		return fmt.Errorf("anthropic messages: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" {
			log.Printf("hooks: summary for execution %s: %s", info.ExecutionID, block.Text)
			return nil
		}
	}

	return fmt.Errorf("no text block in summarize response")
}
