package adapter

import (
	"encoding/json"
	"github.com/pkg/errors"
	"strconv"
	"strings"
)

// Number decodes JSON numbers which some backends send as strings, booleans or null.
// Fractions are truncated.
type Number int64

// UnmarshalJSON implements the json.Unmarshaler interface.
func (n *Number) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)

	switch s {
	case "", "null", "false":
		*n = 0
		return nil
	case "true":
		*n = 1
		return nil
	}

	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		*n = Number(i)
		return nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return errors.Errorf("bad number %s", data)
	}

	*n = Number(f)
	return nil
}

// Int returns n as int.
func (n Number) Int() int {
	return int(n)
}

// String returns n in decimal.
func (n Number) String() string {
	return strconv.FormatInt(int64(n), 10)
}

// Assert interface compliance.
var (
	_ json.Unmarshaler = (*Number)(nil)
)
