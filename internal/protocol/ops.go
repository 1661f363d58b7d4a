package protocol

import (
	"fmt"
	"sort"
)

// KindLight is the only operation kind the relay folds into room state.
const KindLight = "light"

// Operation is a declarative state change for one target.
type Operation struct {
	Kind      string   `json:"kind"`
	Target    string   `json:"target"`
	On        bool     `json:"on"`
	Intensity *float64 `json:"intensity,omitempty"`
}

// Light builds an on/off operation with an explicit intensity.
func Light(target string, on bool, intensity float64) Operation {
	return Operation{Kind: KindLight, Target: target, On: on, Intensity: &intensity}
}

// Off builds an operation that turns target off.
func Off(target string) Operation {
	return Operation{Kind: KindLight, Target: target}
}

// Normalize returns the canonical form of op and whether it should be
// applied at all. Unknown kinds and empty targets are rejected; intensity
// is clamped to [0,1] and defaults to 1 for an "on" without one.
func (op Operation) Normalize() (Operation, bool) {
	if op.Kind == "" {
		op.Kind = KindLight
	}
	if op.Kind != KindLight || op.Target == "" {
		return Operation{}, false
	}
	if !op.On {
		op.Intensity = nil
		return op, true
	}
	v := 1.0
	if op.Intensity != nil {
		v = clamp(*op.Intensity)
	}
	op.Intensity = &v
	return op, true
}

// Level is the intensity of an operation, 0 when unset.
func (op Operation) Level() float64 {
	if op.Intensity == nil {
		return 0
	}
	return *op.Intensity
}

func (op Operation) String() string {
	if !op.On {
		return fmt.Sprintf("%s:off", op.Target)
	}
	return fmt.Sprintf("%s:on@%.3f", op.Target, op.Level())
}

func clamp(v float64) float64 {
	if v != v || v < 0 { // NaN or negative
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// LightState is the folded state of a single target.
type LightState struct {
	On        bool    `json:"on"`
	Intensity float64 `json:"intensity"`
}

// State maps target ids to their current state. Targets that are off are
// absent.
type State map[string]LightState

// Apply folds a normalized operation into the table. Last write wins.
func (s State) Apply(op Operation) {
	if !op.On {
		delete(s, op.Target)
		return
	}
	s[op.Target] = LightState{On: true, Intensity: op.Level()}
}

// StateToOps flattens a state table into "on" operations sorted by
// target, the form a snapshot is delivered in.
func StateToOps(s State) []Operation {
	targets := make([]string, 0, len(s))
	for target := range s {
		targets = append(targets, target)
	}
	sort.Strings(targets)

	ops := make([]Operation, 0, len(targets))
	for _, target := range targets {
		ls := s[target]
		ops = append(ops, Light(target, true, ls.Intensity))
	}
	return ops
}

// MappingEntry associates one control on the input surface with a target.
type MappingEntry struct {
	Key         string   `json:"key"`
	Type        string   `json:"type"`
	Channel     int      `json:"channel"`
	Code        int      `json:"code"`
	Target      string   `json:"target"`
	Sensitivity *float64 `json:"sensitivity,omitempty"`
}

// CanonicalKey is the "type:channel:code" join key for control events.
func (e MappingEntry) CanonicalKey() string {
	return fmt.Sprintf("%s:%d:%d", e.Type, e.Channel, e.Code)
}

// WithKeys returns a copy of entries where every missing key has been
// filled from its triple.
func WithKeys(entries []MappingEntry) []MappingEntry {
	out := make([]MappingEntry, len(entries))
	for i, e := range entries {
		if e.Key == "" {
			e.Key = e.CanonicalKey()
		}
		out[i] = e
	}
	return out
}
