package provision

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"appstore/pkg/logging"
)

// Outcome is the result of applying one provisioning step.
type Outcome string

const (
	// Applied means the step changed the host.
	Applied Outcome = "applied"
	// Satisfied means the host was already in the declared state.
	Satisfied Outcome = "already-satisfied"
	// Failed means the step could not reach the declared state.
	Failed Outcome = "failed"
)

// Step describes one idempotent action and how it ended.
type Step struct {
	Kind     string // "package", "repository", "dir", "file", "unit", ...
	Target   string
	Outcome  Outcome
	Err      error
	Duration time.Duration
}

// Recorder receives step outcomes. Primitives report to a Recorder so a run
// can be summarised and exported without each package knowing about metrics.
type Recorder interface {
	Record(step Step)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(step Step)

// Record implements Recorder.
func (f RecorderFunc) Record(step Step) { f(step) }

// Discard is a Recorder that drops every step.
var Discard Recorder = RecorderFunc(func(Step) {})

// Journal accumulates the steps of a single provisioning run in order.
type Journal struct {
	mu      sync.Mutex
	runID   string
	app     string
	started time.Time
	steps   []Step
	sinks   []Recorder
}

// NewJournal starts a journal for app with a fresh run id. Additional
// sinks (metrics) receive every recorded step.
func NewJournal(app string, sinks ...Recorder) *Journal {
	return &Journal{
		runID:   uuid.NewString(),
		app:     app,
		started: time.Now(),
		sinks:   sinks,
	}
}

// RunID returns the unique id of this run.
func (j *Journal) RunID() string { return j.runID }

// App returns the application the journal belongs to.
func (j *Journal) App() string { return j.app }

// Record implements Recorder.
func (j *Journal) Record(step Step) {
	j.mu.Lock()
	j.steps = append(j.steps, step)
	sinks := j.sinks
	j.mu.Unlock()

	switch step.Outcome {
	case Failed:
		logging.Debug("Engine", "step %s %s failed: %v", step.Kind, step.Target, step.Err)
	default:
		logging.Debug("Engine", "step %s %s: %s", step.Kind, step.Target, step.Outcome)
	}
	for _, s := range sinks {
		s.Record(step)
	}
}

// Steps returns a copy of the recorded steps.
func (j *Journal) Steps() []Step {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Step(nil), j.steps...)
}

// Summary counts steps per outcome.
func (j *Journal) Summary() map[Outcome]int {
	counts := map[Outcome]int{}
	for _, s := range j.Steps() {
		counts[s.Outcome]++
	}
	return counts
}

// String renders a one-line summary for the end of a run.
func (j *Journal) String() string {
	c := j.Summary()
	return fmt.Sprintf("run %s: %d applied, %d already satisfied, %d failed in %s",
		j.runID, c[Applied], c[Satisfied], c[Failed], time.Since(j.started).Round(time.Millisecond))
}

// Track times fn and records its outcome. fn reports whether it changed
// anything; an error always records Failed.
func Track(rec Recorder, kind, target string, fn func() (changed bool, err error)) error {
	if rec == nil {
		rec = Discard
	}
	start := time.Now()
	changed, err := fn()
	step := Step{Kind: kind, Target: target, Duration: time.Since(start), Err: err}
	switch {
	case err != nil:
		step.Outcome = Failed
	case changed:
		step.Outcome = Applied
	default:
		step.Outcome = Satisfied
	}
	rec.Record(step)
	return err
}
