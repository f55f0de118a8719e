package monitor

import (
	"github.com/pkg/errors"
)

// Result is returned from every network call and from status retrieval.
type Result struct {
	// Result is the parsed body or an opaque value.
	Result interface{} `json:"result,omitempty"`
	// Error is empty when the call succeeded.
	Error string `json:"error,omitempty"`
	// StatusCode is the HTTP status code or 0 for non-HTTP transports.
	StatusCode int `json:"status_code"`
}

// Failed reports whether r carries an error.
func (r Result) Failed() bool {
	return r.Error != ""
}

// Err returns nil if r succeeded, otherwise a ResultError.
func (r Result) Err() error {
	if !r.Failed() {
		return nil
	}

	return ResultError{Message: r.Error, Code: r.StatusCode}
}

// Body returns Result as string if it is one.
func (r Result) Body() string {
	s, _ := r.Result.(string)

	return s
}

// ResultError is the error form of a failed Result.
type ResultError struct {
	Message string
	Code    int
}

// Error implements the error interface.
func (re ResultError) Error() string {
	return re.Message
}

// StatusCode implements the StatusCoder interface.
func (re ResultError) StatusCode() int {
	return re.Code
}

// StatusCoder is implemented by errors which know the status code of the failed call.
type StatusCoder interface {
	StatusCode() int
}

// ErrorResult converts err into a Result.
// The status code is taken from the first StatusCoder in err's chain.
func ErrorResult(err error) Result {
	if err == nil {
		return Result{}
	}

	r := Result{Error: err.Error()}

	var sc StatusCoder
	if errors.As(err, &sc) {
		r.StatusCode = sc.StatusCode()
	}

	return r
}
