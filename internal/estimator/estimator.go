// Package estimator combines the task classifier's output, the history
// store's percentiles, and the resource monitor's load multiplier into an
// (execution_timeout, stall_timeout) pair for a command. Compute is a pure
// function over its inputs and always returns a valid pair.
package estimator

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/execgw/gateway/internal/classifier"
	"github.com/execgw/gateway/internal/history"
	"github.com/execgw/gateway/internal/resource"
)

// Final clamp applied to every execution timeout.
const (
	MinTimeout = 10 * time.Second
	MaxTimeout = 1800 * time.Second
)

// Stall floors. LLM CLIs legitimately go quiet for long stretches while
// generating; plain shell commands do not.
const (
	ClaudeStallFloor = 30 * time.Second
	ShellStallFloor  = 5 * time.Second
)

// Estimate is the (execution_timeout, stall_timeout) pair returned for a
// command.
type Estimate struct {
	ExecutionTimeout time.Duration
	StallTimeout     time.Duration
	Category         classifier.Category
	Complexity       classifier.Complexity
	Fingerprint      string
}

// baseBudget is one default timeout table entry: {execution, stall}.
type baseBudget struct {
	execution time.Duration
	stall     time.Duration
}

var defaultTable = map[classifier.Category]map[classifier.Complexity]baseBudget{
	classifier.Calculation: {
		classifier.Trivial: {15 * time.Second, 5 * time.Second},
		classifier.Low:     {20 * time.Second, 5 * time.Second},
		classifier.Medium:  {30 * time.Second, 5 * time.Second},
		classifier.High:    {45 * time.Second, 5 * time.Second},
		classifier.Extreme: {60 * time.Second, 5 * time.Second},
	},
	classifier.Code: {
		classifier.Trivial: {30 * time.Second, 10 * time.Second},
		classifier.Low:     {60 * time.Second, 15 * time.Second},
		classifier.Medium:  {120 * time.Second, 30 * time.Second},
		classifier.High:    {300 * time.Second, 60 * time.Second},
		classifier.Extreme: {600 * time.Second, 60 * time.Second},
	},
	classifier.Data: {
		classifier.Trivial: {30 * time.Second, 10 * time.Second},
		classifier.Low:     {60 * time.Second, 15 * time.Second},
		classifier.Medium:  {120 * time.Second, 30 * time.Second},
		classifier.High:    {300 * time.Second, 60 * time.Second},
		classifier.Extreme: {600 * time.Second, 60 * time.Second},
	},
	classifier.File: {
		classifier.Trivial: {20 * time.Second, 5 * time.Second},
		classifier.Low:     {40 * time.Second, 10 * time.Second},
		classifier.Medium:  {90 * time.Second, 15 * time.Second},
		classifier.High:    {180 * time.Second, 30 * time.Second},
		classifier.Extreme: {300 * time.Second, 45 * time.Second},
	},
	classifier.General: {
		classifier.Trivial: {15 * time.Second, 5 * time.Second},
		classifier.Low:     {30 * time.Second, 10 * time.Second},
		classifier.Medium:  {60 * time.Second, 15 * time.Second},
		classifier.High:    {180 * time.Second, 30 * time.Second},
		classifier.Extreme: {900 * time.Second, 60 * time.Second},
	},
}

// Fingerprint computes the stable key used to look up and record history
// for "the same kind of task": a hash of (category, complexity,
// normalized command).
func Fingerprint(category classifier.Category, complexity classifier.Complexity, command string) string {
	return fmt.Sprintf("%s:%s:%x", category, complexity, classifier.NameHash(command))
}

// isClaudeClass reports whether command looks like it invokes an
// interactive LLM CLI, for choosing the stall floor.
func isClaudeClass(command string) bool {
	lower := strings.ToLower(command)
	return strings.Contains(lower, "claude") || strings.Contains(lower, "anthropic") || strings.Contains(lower, "gpt")
}

// Compute classifies command, consults store for historical percentiles,
// and applies load's multiplier to produce a clamped (execution, stall)
// timeout pair. With three or more historical samples, the p90 stretched
// by half takes over from the base table when it is larger.
func Compute(command string, store history.Store, load resource.Load) Estimate {
	result := classifier.Classify(command)
	category, complexity := result.Category, result.Complexity
	if category == classifier.Unknown {
		category, complexity = classifier.General, classifier.Medium
	}

	fingerprint := Fingerprint(category, complexity, command)

	base, ok := defaultTable[category][complexity]
	if !ok {
		base = defaultTable[classifier.General][classifier.Medium]
	}

	execTimeout := base.execution
	if rec, found := store.Get(fingerprint); found && rec.N >= 3 {
		scaled := time.Duration(math.Ceil(1.5*rec.P90.Seconds())) * time.Second
		if scaled > execTimeout {
			execTimeout = scaled
		}
	}

	multiplier := load.Multiplier()
	execTimeout = time.Duration(float64(execTimeout) * multiplier)

	stallFloor := ShellStallFloor
	if isClaudeClass(command) {
		stallFloor = ClaudeStallFloor
	}
	stallTimeout := execTimeout / 10
	if stallTimeout < stallFloor {
		stallTimeout = stallFloor
	}

	if execTimeout < MinTimeout {
		execTimeout = MinTimeout
	}
	if execTimeout > MaxTimeout {
		execTimeout = MaxTimeout
	}

	return Estimate{
		ExecutionTimeout: execTimeout,
		StallTimeout:     stallTimeout,
		Category:         category,
		Complexity:       complexity,
		Fingerprint:      fingerprint,
	}
}
