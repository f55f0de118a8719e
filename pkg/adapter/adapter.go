// Package adapter defines the contract every monitoring backend implements
// and the plumbing shared by all implementations.
package adapter

import (
	"context"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/pkg/errors"
)

// Adapter translates the state of one monitoring backend into monitor entities
// and issues control commands back to it.
type Adapter interface {
	// Name returns the configured server name.
	Name() string
	// Type returns the registry name of the backend type.
	Type() string
	Settings() Settings
	Capabilities() Capabilities

	// InitializeTransport logs in if needed and prepares the session.
	InitializeTransport(ctx context.Context) error
	// ResetTransport discards the session, forcing a new login on the next refresh.
	ResetTransport()
	// NeedsAuthentication reports whether the next refresh has to authenticate first.
	NeedsAuthentication() bool

	// GetStatus fetches all hosts and services not in UP or OK state.
	// A *PartialError is returned along with usable hosts if the backend reported a non-fatal problem.
	GetStatus(ctx context.Context) (monitor.Hosts, error)
	// GetHost resolves the address to connect to the given host.
	GetHost(ctx context.Context, host string) monitor.Result
	// GetStartEnd returns the default downtime window for host, or "n/a" twice.
	GetStartEnd(ctx context.Context, host string) (string, string)

	SetRecheck(ctx context.Context, target Target) error
	SetAcknowledge(ctx context.Context, req AcknowledgeRequest) error
	SetDowntime(ctx context.Context, req DowntimeRequest) error
	SetSubmitCheckResult(ctx context.Context, req CheckResultRequest) error

	// MonitorURL returns the web page of the target to be opened by a browser.
	MonitorURL(target Target) string

	// Hook is called once per idle tick of the poller for periodic chores.
	Hook(ctx context.Context)
}

// ErrAuthentication is wrapped by errors caused by rejected credentials or expired sessions.
var ErrAuthentication = errors.New("authentication failed")

// ErrUnsupported is returned by actions a backend can't perform.
var ErrUnsupported = errors.New("action not supported by this backend")

// ErrNotFound is returned if a host or service is unknown to the backend.
var ErrNotFound = errors.New("not found")

// PartialError reports a non-fatal backend problem.
// Hosts returned along with it are valid.
type PartialError struct {
	Message string
}

// Error implements the error interface.
func (pe *PartialError) Error() string {
	return pe.Message
}

// IsPartial reports whether err is a *PartialError.
func IsPartial(err error) bool {
	var pe *PartialError

	return errors.As(err, &pe)
}

// Assert interface compliance.
var (
	_ error = (*PartialError)(nil)
)
