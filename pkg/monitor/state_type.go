package monitor

import (
	"encoding"
	"fmt"
	"strings"
)

// StateType specifies a state's hardness.
type StateType uint8

const (
	Hard StateType = iota
	Soft
)

// String implements the fmt.Stringer interface.
func (st StateType) String() string {
	if v, ok := stateTypes[st]; ok {
		return v
	}

	return fmt.Sprintf("StateType(%d)", uint8(st))
}

// MarshalText implements the encoding.TextMarshaler interface.
func (st StateType) MarshalText() ([]byte, error) {
	if v, ok := stateTypes[st]; ok {
		return []byte(v), nil
	}

	return nil, BadStateType{st}
}

// UnmarshalText implements the encoding.TextUnmarshaler interface.
func (st *StateType) UnmarshalText(text []byte) error {
	switch strings.ToLower(string(text)) {
	case "hard", "1":
		*st = Hard
	case "soft", "0":
		*st = Soft
	default:
		return BadStateType{string(text)}
	}

	return nil
}

// BadStateType complains about a syntactically, but not semantically valid StateType.
type BadStateType struct {
	Type interface{}
}

// Error implements the error interface.
func (bst BadStateType) Error() string {
	return fmt.Sprintf("bad state type: %#v", bst.Type)
}

// stateTypes maps all valid StateType values to their display representation.
var stateTypes = map[StateType]string{
	Hard: "hard",
	Soft: "soft",
}

// Assert interface compliance.
var (
	_ error                    = BadStateType{}
	_ encoding.TextMarshaler   = StateType(0)
	_ encoding.TextUnmarshaler = (*StateType)(nil)
)
