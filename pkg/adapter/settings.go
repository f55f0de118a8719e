package adapter

import (
	"github.com/HenriWahl/Nagstamon-sub003/pkg/session"
	"github.com/creasty/defaults"
	"github.com/pkg/errors"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Settings configures one monitor server.
type Settings struct {
	Enabled       bool   `yaml:"enabled" default:"true"`
	Type          string `yaml:"type" default:"Nagios"`
	Name          string `yaml:"name"`
	MonitorURL    string `yaml:"monitor_url"`
	MonitorCGIURL string `yaml:"monitor_cgi_url"`

	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	SavePassword bool   `yaml:"save_password" default:"true"`
	// Authentication is one of basic, digest or none.
	Authentication string `yaml:"authentication" default:"basic"`
	// Timeout bounds every request, 10 seconds unless configured.
	Timeout Seconds `yaml:"timeout"`

	UseAutologin bool   `yaml:"use_autologin"`
	AutologinKey string `yaml:"autologin_key"`

	UseProxy       bool   `yaml:"use_proxy"`
	UseProxyFromOS bool   `yaml:"use_proxy_from_os"`
	ProxyAddress   string `yaml:"proxy_address"`
	ProxyUsername  string `yaml:"proxy_username"`
	ProxyPassword  string `yaml:"proxy_password"`

	IgnoreCert       bool   `yaml:"ignore_cert"`
	CustomCertCAFile string `yaml:"custom_cert_ca_file"`

	UseDisplayNameHost        bool `yaml:"use_display_name_host"`
	UseDisplayNameService     bool `yaml:"use_display_name_service"`
	UseDescriptionNameService bool `yaml:"use_description_name_service"`

	// HostFilter and ServiceFilter are op5 list view queries.
	HostFilter    string `yaml:"host_filter" default:"state !=0"`
	ServiceFilter string `yaml:"service_filter" default:"state !=0 or host.state != 0"`

	// CanChangeOnly and HashtagFilter narrow Opsview's status query.
	CanChangeOnly bool   `yaml:"can_change_only"`
	HashtagFilter string `yaml:"hashtag_filter"`

	CheckMKViewHosts    string `yaml:"check_mk_view_hosts" default:"hostproblems"`
	CheckMKViewServices string `yaml:"check_mk_view_services" default:"svcproblems"`
	ForceAuthuser       bool   `yaml:"force_authuser"`
	NoCookieAuth        bool   `yaml:"no_cookie_auth"`
}

// DefaultTimeout is the request timeout of servers which don't configure one.
const DefaultTimeout = 10 * time.Second

// SetDefaults implements the defaults.Setter interface.
func (s *Settings) SetDefaults() {
	if s.Timeout == 0 {
		s.Timeout = Seconds(DefaultTimeout)
	}
}

// UnmarshalYAML implements the yaml.InterfaceUnmarshaler interface.
// Defaults are set per server because servers are decoded into a list.
func (s *Settings) UnmarshalYAML(unmarshal func(interface{}) error) error {
	if err := defaults.Set(s); err != nil {
		return errors.Wrap(err, "can't set server defaults")
	}

	// Prevent recursion.
	type self Settings
	if err := unmarshal((*self)(s)); err != nil {
		return errors.Wrapf(err, "can't unmarshal YAML into %T", s)
	}

	return nil
}

// Validate checks constraints in the supplied server configuration and returns an error if they are violated.
func (s *Settings) Validate() error {
	if s.Name == "" {
		return errors.New("server name missing")
	}

	if s.Type == "" {
		return errors.Errorf("server %q: type missing", s.Name)
	}

	for _, raw := range []string{s.MonitorURL, s.MonitorCGIURL} {
		if raw == "" {
			continue
		}

		if _, err := url.Parse(raw); err != nil {
			return errors.Wrapf(err, "server %q: invalid URL", s.Name)
		}
	}

	switch s.Authentication {
	case "", session.AuthBasic, session.AuthDigest, session.AuthNone:
	default:
		return errors.Errorf("server %q: unknown authentication %q", s.Name, s.Authentication)
	}

	if s.Timeout < 0 {
		return errors.Errorf("server %q: timeout must not be negative", s.Name)
	}

	return nil
}

// SessionOptions derives the HTTP session configuration.
func (s Settings) SessionOptions() session.Options {
	return session.Options{
		Username:       s.Username,
		Password:       s.Password,
		Authentication: s.Authentication,
		IgnoreCert:     s.IgnoreCert,
		CAFile:         s.CustomCertCAFile,
		UseProxy:       s.UseProxy,
		UseProxyFromOS: s.UseProxyFromOS,
		ProxyAddress:   s.ProxyAddress,
		ProxyUsername:  s.ProxyUsername,
		ProxyPassword:  s.ProxyPassword,
		Timeout:        s.Timeout.Duration(),
	}
}

// BaseURL returns MonitorURL without trailing slashes.
func (s Settings) BaseURL() string {
	return strings.TrimRight(s.MonitorURL, "/")
}

// CGIURL returns MonitorCGIURL without trailing slashes, falling back to MonitorURL.
func (s Settings) CGIURL() string {
	if s.MonitorCGIURL == "" {
		return s.BaseURL()
	}

	return strings.TrimRight(s.MonitorCGIURL, "/")
}

// Seconds is a duration configured either as whole seconds or as a duration string like "1m30s".
type Seconds time.Duration

// Duration returns s as time.Duration.
func (s Seconds) Duration() time.Duration {
	return time.Duration(s)
}

// UnmarshalYAML implements the yaml.InterfaceUnmarshaler interface.
func (s *Seconds) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var n int64
	if err := unmarshal(&n); err == nil {
		*s = Seconds(time.Duration(n) * time.Second)
		return nil
	}

	var str string
	if err := unmarshal(&str); err != nil {
		return errors.Wrap(err, "timeout must be seconds or a duration")
	}

	if n, err := strconv.ParseInt(strings.TrimSpace(str), 10, 64); err == nil {
		*s = Seconds(time.Duration(n) * time.Second)
		return nil
	}

	d, err := time.ParseDuration(str)
	if err != nil {
		return errors.Wrapf(err, "can't parse timeout %q", str)
	}

	*s = Seconds(d)

	return nil
}
