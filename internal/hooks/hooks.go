// Package hooks implements the pre/post execution hook dispatcher: an
// ordered list of named, bounded side-effecting callbacks that may mutate a
// command's environment or wrapper before it runs, and record metrics or a
// completion receipt after it finishes. Hook specs are read once at
// start-up and never mutated afterward.
package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"time"
)

// Phase identifies when a hook runs relative to the child command.
type Phase string

const (
	Pre  Phase = "pre"
	Post Phase = "post"
)

// DefaultTimeout is applied to any Spec that does not set one.
const DefaultTimeout = 10 * time.Second

// rawSpec is the on-disk JSON shape of a single hook definition.
type rawSpec struct {
	Phase           Phase  `json:"phase"`
	Name            string `json:"name"`
	TriggerPattern  string `json:"trigger_pattern"` // regexp matched against the command; empty = always
	CommandTemplate string `json:"command_template,omitempty"`
	Builtin         string `json:"builtin,omitempty"` // e.g. "summarize"; mutually exclusive with CommandTemplate
	TimeoutSeconds  int    `json:"timeout_seconds,omitempty"`
	Required        bool   `json:"required,omitempty"`
}

// Spec is a single, read-only hook definition. No mutation after load.
type Spec struct {
	Phase           Phase
	Name            string
	Trigger         *regexp.Regexp
	CommandTemplate string
	Builtin         string
	Timeout         time.Duration
	Required        bool
}

// Matches reports whether this hook's trigger predicate matches command.
// A hook with no trigger pattern always matches.
func (s Spec) Matches(command string) bool {
	if s.Trigger == nil {
		return true
	}
	return s.Trigger.MatchString(command)
}

// LoadSpecs reads an ordered list of hook definitions from a JSON file. An
// empty path is valid and yields no hooks (the Hook Dispatcher is optional).
func LoadSpecs(path string) ([]Spec, error) {
	if path == "" {
		return nil, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read hooks config %s: %w", path, err)
	}

	var raws []rawSpec
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("parse hooks config %s: %w", path, err)
	}

	specs := make([]Spec, 0, len(raws))
	for _, r := range raws {
		if r.Phase != Pre && r.Phase != Post {
			return nil, fmt.Errorf("hook %q: invalid phase %q", r.Name, r.Phase)
		}
		if r.Name == "" {
			return nil, fmt.Errorf("hook spec missing name")
		}
		if r.CommandTemplate == "" && r.Builtin == "" {
			return nil, fmt.Errorf("hook %q: must set either command_template or builtin", r.Name)
		}

		var trigger *regexp.Regexp
		if r.TriggerPattern != "" {
			trigger, err = regexp.Compile(r.TriggerPattern)
			if err != nil {
				return nil, fmt.Errorf("hook %q: invalid trigger_pattern: %w", r.Name, err)
			}
		}

		timeout := DefaultTimeout
		if r.TimeoutSeconds > 0 {
			timeout = time.Duration(r.TimeoutSeconds) * time.Second
		}

		specs = append(specs, Spec{
			Phase:           r.Phase,
			Name:            r.Name,
			Trigger:         trigger,
			CommandTemplate: r.CommandTemplate,
			Builtin:         r.Builtin,
			Timeout:         timeout,
			Required:        r.Required,
		})
	}

	return specs, nil
}

// RefusedError is returned by RunPre when a pre-hook marked Required fails
// or times out, aborting the execution before it starts. Post-hook
// failures, required or not, are only logged.
type RefusedError struct {
	HookName string
	Reason   string
}

func (e *RefusedError) Error() string {
	return fmt.Sprintf("hook %q refused execution: %s", e.HookName, e.Reason)
}

// ExecutionInfo is the read-only view of a completed execution handed to
// post-hooks (including the built-in summarize hook).
type ExecutionInfo struct {
	ExecutionID string
	Command     string
	ExitCode    *int
	Signal      string
	BytesOut    int64
	BytesErr    int64
	Duration    time.Duration
	FinalOutput string // tail of stdout, used for summarization
}

// ctxWithDeadline is a small helper kept for readability at call sites.
func ctxWithDeadline(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, d)
}
