package adapter

import (
	"context"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/session"
	"github.com/icinga/icinga-go-library/backoff"
	"github.com/icinga/icinga-go-library/retry"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"net"
	"net/http"
	"strings"
	"time"
)

// How GetHost resolves the address of a host.
const (
	ConnectByHost = "host"
	ConnectByDNS  = "dns"
	ConnectByIP   = "ip"
)

// LoginTimeout bounds the retries of a single login attempt.
const LoginTimeout = 20 * time.Second

// Deps carries the process-wide collaborators an adapter needs.
type Deps struct {
	Logger *zap.SugaredLogger
	// ConnectBy is one of ConnectByHost, ConnectByDNS or ConnectByIP.
	ConnectBy string
	// FilterAcknowledged lets backends drop acknowledged problems server-side.
	FilterAcknowledged bool
	// Now defaults to time.Now.
	Now func() time.Time
	// Resolver defaults to net.DefaultResolver.
	Resolver *net.Resolver
}

// Base implements the parts of Adapter common to most backends.
// Backends embed it and override what differs.
type Base struct {
	settings     Settings
	capabilities Capabilities
	deps         Deps
	logger       *zap.SugaredLogger
	session      *session.Session

	refreshAuthentication atomic.Bool
}

// NewBase creates the session for settings.
func NewBase(settings Settings, capabilities Capabilities, deps Deps) (*Base, error) {
	if err := settings.Validate(); err != nil {
		return nil, err
	}

	if deps.Logger == nil {
		deps.Logger = zap.NewNop().Sugar()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Resolver == nil {
		deps.Resolver = net.DefaultResolver
	}

	logger := deps.Logger.With(zap.String("server", settings.Name))

	s, err := session.New(settings.SessionOptions(), logger)
	if err != nil {
		return nil, errors.Wrapf(err, "server %q: can't create session", settings.Name)
	}

	b := &Base{
		settings:     settings,
		capabilities: capabilities,
		deps:         deps,
		logger:       logger,
		session:      s,
	}

	// Without a stored password there is nothing to log in with yet,
	// so the first refresh has to authenticate.
	if !settings.SavePassword && !settings.UseAutologin {
		b.refreshAuthentication.Store(true)
	}

	return b, nil
}

// Name returns the configured server name.
func (b *Base) Name() string {
	return b.settings.Name
}

// Type returns the configured backend type.
func (b *Base) Type() string {
	return b.settings.Type
}

// Settings returns the server configuration.
func (b *Base) Settings() Settings {
	return b.settings
}

// Capabilities returns what the backend supports.
func (b *Base) Capabilities() Capabilities {
	return b.capabilities
}

// Logger returns the server's logger.
func (b *Base) Logger() *zap.SugaredLogger {
	return b.logger
}

// Session returns the server's HTTP session.
func (b *Base) Session() *session.Session {
	return b.session
}

// Now returns the current time of the configured clock.
func (b *Base) Now() time.Time {
	return b.deps.Now()
}

// FilterAcknowledged reports whether acknowledged problems may be dropped server-side.
func (b *Base) FilterAcknowledged() bool {
	return b.deps.FilterAcknowledged
}

// ConnectBy returns how GetHost resolves addresses.
func (b *Base) ConnectBy() string {
	return b.deps.ConnectBy
}

// Fetch is a shorthand for Session().Fetch.
func (b *Base) Fetch(ctx context.Context, req session.Request) monitor.Result {
	return b.session.Fetch(ctx, req)
}

// InitializeTransport does nothing as the session is ready after construction.
func (b *Base) InitializeTransport(context.Context) error {
	b.refreshAuthentication.Store(false)

	return nil
}

// ResetTransport discards cookies and connections.
func (b *Base) ResetTransport() {
	if err := b.session.Reset(); err != nil {
		b.logger.Errorf("%+v", errors.Wrap(err, "can't reset session"))
	}

	b.refreshAuthentication.Store(true)
}

// NeedsAuthentication reports whether the next refresh has to authenticate first.
func (b *Base) NeedsAuthentication() bool {
	return b.refreshAuthentication.Load()
}

// SetNeedsAuthentication raises or clears the re-authentication flag.
func (b *Base) SetNeedsAuthentication(v bool) {
	b.refreshAuthentication.Store(v)
}

// CheckAuth raises the re-authentication flag and returns an ErrAuthentication
// if r failed with 401 or 403.
func (b *Base) CheckAuth(r monitor.Result) error {
	if r.StatusCode == http.StatusUnauthorized || r.StatusCode == http.StatusForbidden {
		b.refreshAuthentication.Store(true)

		return errors.Wrapf(ErrAuthentication, "%s", r.Error)
	}

	return r.Err()
}

// AuthFailed raises the re-authentication flag and returns an ErrAuthentication with the given message.
func (b *Base) AuthFailed(format string, args ...interface{}) error {
	b.refreshAuthentication.Store(true)

	return errors.Wrapf(ErrAuthentication, format, args...)
}

// Login runs login with retries on transient errors.
// Rejected credentials are not retried.
func (b *Base) Login(ctx context.Context, login func(context.Context) error) error {
	err := retry.WithBackoff(
		ctx,
		login,
		func(err error) bool {
			return !errors.Is(err, ErrAuthentication) && retry.Retryable(err)
		},
		backoff.NewExponentialWithJitter(200*time.Millisecond, 2*time.Second),
		retry.Settings{
			Timeout: LoginTimeout,
			OnRetryableError: func(_ time.Duration, attempt uint64, err, lastErr error) {
				if lastErr == nil || err.Error() != lastErr.Error() {
					b.logger.Debugw("Can't log in. Retrying", zap.Error(err), zap.Uint64("attempt", attempt))
				}
			},
		},
	)
	if err != nil {
		b.refreshAuthentication.Store(true)

		return err
	}

	b.refreshAuthentication.Store(false)

	return nil
}

// GetHost resolves the address of host according to the connect-by setting.
func (b *Base) GetHost(ctx context.Context, host string) monitor.Result {
	return b.ResolveHost(ctx, host, "")
}

// ResolveHost is GetHost for backends that already know the host's address.
func (b *Base) ResolveHost(ctx context.Context, host, address string) monitor.Result {
	if address == "" {
		address = host
	}

	switch b.deps.ConnectBy {
	case ConnectByIP:
		if net.ParseIP(address) != nil {
			return monitor.Result{Result: address}
		}

		addrs, err := b.deps.Resolver.LookupHost(ctx, address)
		if err == nil && len(addrs) == 0 {
			err = ErrNotFound
		}
		if err != nil {
			return monitor.ErrorResult(errors.Wrapf(err, "can't resolve %q", address))
		}

		return monitor.Result{Result: addrs[0]}
	case ConnectByDNS:
		if net.ParseIP(address) == nil {
			return monitor.Result{Result: address}
		}

		names, err := b.deps.Resolver.LookupAddr(ctx, address)
		if err == nil && len(names) == 0 {
			err = ErrNotFound
		}
		if err != nil {
			return monitor.ErrorResult(errors.Wrapf(err, "can't reverse resolve %q", address))
		}

		return monitor.Result{Result: strings.TrimSuffix(names[0], ".")}
	default:
		return monitor.Result{Result: host}
	}
}

// GetStartEnd returns now and now plus two hours.
func (b *Base) GetStartEnd(context.Context, string) (string, string) {
	now := b.Now()

	return now.Format(TimeLayout), now.Add(2 * time.Hour).Format(TimeLayout)
}

// SetRecheck is not supported by default.
func (b *Base) SetRecheck(context.Context, Target) error {
	return ErrUnsupported
}

// SetAcknowledge is not supported by default.
func (b *Base) SetAcknowledge(context.Context, AcknowledgeRequest) error {
	return ErrUnsupported
}

// SetDowntime is not supported by default.
func (b *Base) SetDowntime(context.Context, DowntimeRequest) error {
	return ErrUnsupported
}

// SetSubmitCheckResult is not supported by default.
func (b *Base) SetSubmitCheckResult(context.Context, CheckResultRequest) error {
	return ErrUnsupported
}

// MonitorURL returns the monitor's base URL.
func (b *Base) MonitorURL(Target) string {
	return b.settings.BaseURL()
}

// Hook does nothing by default.
func (b *Base) Hook(context.Context) {}
