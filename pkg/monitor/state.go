package monitor

import (
	"encoding"
	"encoding/json"
	"fmt"
	"strings"
)

// State is the normalized status of a host or service.
type State uint8

const (
	StateUp State = iota
	StateOk
	StatePending
	StateInformation
	StateUnknown
	StateWarning
	StateAverage
	StateCritical
	StateHigh
	StateDisaster
	StateUnreachable
	StateDown
)

// Severity returns the rank of s in the worst-status order.
// UP, OK and PENDING share the lowest rank.
func (s State) Severity() int {
	switch s {
	case StateUp, StateOk, StatePending:
		return 0
	default:
		return int(s) - int(StatePending)
	}
}

// Worse reports whether s is more severe than other.
func (s State) Worse(other State) bool {
	return s.Severity() > other.Severity()
}

// IsProblem reports whether s is anything but UP, OK or PENDING.
func (s State) IsProblem() bool {
	return s.Severity() > 0
}

// String implements the fmt.Stringer interface.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}

	return fmt.Sprintf("State(%d)", uint8(s))
}

// MarshalText implements the encoding.TextMarshaler interface.
func (s State) MarshalText() ([]byte, error) {
	if name, ok := stateNames[s]; ok {
		return []byte(name), nil
	}

	return nil, BadState{s}
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (s *State) UnmarshalText(text []byte) error {
	state, err := ParseState(string(text))
	if err != nil {
		return err
	}

	*s = state
	return nil
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}

	return s.UnmarshalText([]byte(name))
}

// ParseState returns the State named by name, case-insensitively.
func ParseState(name string) (State, error) {
	if s, ok := statesByName[strings.ToUpper(strings.TrimSpace(name))]; ok {
		return s, nil
	}

	return 0, BadState{name}
}

// Worst returns the most severe of the given states or StateUp if there are none.
func Worst(states ...State) State {
	worst := StateUp
	for _, s := range states {
		if s.Worse(worst) {
			worst = s
		}
	}

	return worst
}

// BadState complains about an unknown state name or value.
type BadState struct {
	State interface{}
}

// Error implements the error interface.
func (bs BadState) Error() string {
	return fmt.Sprintf("bad state: %#v", bs.State)
}

var stateNames = map[State]string{
	StateUp:          "UP",
	StateOk:          "OK",
	StatePending:     "PENDING",
	StateInformation: "INFORMATION",
	StateUnknown:     "UNKNOWN",
	StateWarning:     "WARNING",
	StateAverage:     "AVERAGE",
	StateCritical:    "CRITICAL",
	StateHigh:        "HIGH",
	StateDisaster:    "DISASTER",
	StateUnreachable: "UNREACHABLE",
	StateDown:        "DOWN",
}

var statesByName = func() map[string]State {
	m := make(map[string]State, len(stateNames)+1)
	for s, name := range stateNames {
		m[name] = s
	}

	// Check_MK and friends abbreviate.
	m["UNREACH"] = StateUnreachable
	m["CRIT"] = StateCritical
	m["WARN"] = StateWarning
	m["UNKN"] = StateUnknown
	m["PEND"] = StatePending

	return m
}()

// Assert interface compliance.
var (
	_ error                    = BadState{}
	_ fmt.Stringer             = State(0)
	_ encoding.TextMarshaler   = State(0)
	_ encoding.TextUnmarshaler = (*State)(nil)
	_ json.Unmarshaler         = (*State)(nil)
)
