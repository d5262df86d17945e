package model

import (
	"fmt"
	"time"
)

// DeliberationInput is one piece of information consulted before deciding.
type DeliberationInput struct {
	ID        string    `json:"id" yaml:"id"`
	Text      string    `json:"text" yaml:"text"`
	Source    string    `json:"source,omitempty" yaml:"source,omitempty"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// DeliberationStep is one reasoning step over the inputs.
type DeliberationStep struct {
	Step       int        `json:"step" yaml:"step"`
	Thought    string     `json:"thought" yaml:"thought"`
	InputsUsed []string   `json:"inputsUsed,omitempty" yaml:"inputs_used,omitempty"`
	Timestamp  *time.Time `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	DurationMS *int64     `json:"durationMs,omitempty" yaml:"duration_ms,omitempty"`
	Type       string     `json:"type,omitempty" yaml:"type,omitempty"`
	Conclusion bool       `json:"conclusion,omitempty" yaml:"conclusion,omitempty"`
}

// Deliberation is the recorded reasoning trace of one decision: ordered
// inputs plus ordered steps that reference them.
type Deliberation struct {
	Inputs []DeliberationInput `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	Steps  []DeliberationStep  `json:"steps,omitempty" yaml:"steps,omitempty"`

	// TotalDurationMS spans first to last input timestamp; zero when
	// fewer than two inputs exist.
	TotalDurationMS int64 `json:"totalDurationMs,omitempty" yaml:"total_duration_ms,omitempty"`
}

// Validate checks that every input id referenced from a step exists in the
// trace's input list.
func (d *Deliberation) Validate() error {
	known := make(map[string]bool, len(d.Inputs))
	for _, in := range d.Inputs {
		known[in.ID] = true
	}
	for _, st := range d.Steps {
		for _, id := range st.InputsUsed {
			if !known[id] {
				return fmt.Errorf("model: deliberation step %d references unknown input %q", st.Step, id)
			}
		}
	}
	return nil
}

// ComputeTotalDuration sets TotalDurationMS from the span between the first
// and last input timestamps. No-op with fewer than two inputs.
func (d *Deliberation) ComputeTotalDuration() {
	if len(d.Inputs) < 2 {
		return
	}
	first := d.Inputs[0].Timestamp
	last := d.Inputs[len(d.Inputs)-1].Timestamp
	d.TotalDurationMS = last.Sub(first).Milliseconds()
}

// AppendThought adds a step numbered after the current last step.
func (d *Deliberation) AppendThought(thought string) {
	next := 1
	if n := len(d.Steps); n > 0 {
		next = d.Steps[n-1].Step + 1
	}
	now := time.Now().UTC()
	d.Steps = append(d.Steps, DeliberationStep{
		Step:      next,
		Thought:   thought,
		Timestamp: &now,
	})
}
