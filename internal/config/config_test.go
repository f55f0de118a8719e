package config

import (
	"github.com/HenriWahl/Nagstamon-sub003/pkg/actions"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/obfuscate"
	"github.com/creasty/defaults"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const yamlConfig = `
logging:
  options:
    engine: debug

general:
  update_interval_seconds: 30

filters:
  filter_acknowledged_hosts_services: true
  re_host_enabled: true
  re_host_pattern: ^web

notifications:
  notify_if_warning: false

actions:
  defaults_acknowledge_sticky: true

servers:
  - name: nagios
    monitor_url: https://nagios.example.com/nagios
    username: nagiosadmin
    password: secret
  - name: icinga
    type: Icinga2API
    enabled: false
    save_password: false
`

func writeYAML(t *testing.T, content string) string {
	t.Helper()

	name := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(name, []byte(content), 0o600))

	return name
}

func TestFromYAMLFile(t *testing.T) {
	c, err := FromYAMLFile(writeYAML(t, yamlConfig), map[string]string{})
	require.NoError(t, err)

	require.Equal(t, zapcore.DebugLevel, c.Logging.Options["engine"])
	require.Equal(t, 20*time.Second, c.Logging.Interval)
	require.Equal(t, "localhost:8934", c.API.Listen)
	require.Equal(t, 30*time.Second, c.General.Interval())
	require.Equal(t, adapter.ConnectByHost, c.General.ConnectBy())
	require.Equal(t, 5*time.Second, c.General.RecheckAllSettle)

	require.True(t, c.Filters.FilterAcknowledgedHostsServices)
	require.Equal(t, "^web", c.Filters.ReHostPattern)

	require.True(t, c.Notifications.Enabled)
	require.True(t, c.Notifications.NotifyIfCritical)
	require.False(t, c.Notifications.NotifyIfWarning)

	expectedDefaults := actions.Defaults{}
	require.NoError(t, defaults.Set(&expectedDefaults))
	expectedDefaults.AcknowledgeSticky = true
	require.Equal(t, expectedDefaults, c.Actions)

	require.Len(t, c.Servers, 2)

	nagios := c.Servers[0]
	require.True(t, nagios.Enabled, "default")
	require.Equal(t, "Nagios", nagios.Type, "default")
	require.True(t, nagios.SavePassword, "default")
	require.Equal(t, 10*time.Second, nagios.Timeout.Duration(), "default")
	require.Equal(t, "secret", nagios.Password)

	icinga := c.Servers[1]
	require.False(t, icinga.Enabled)
	require.Equal(t, "Icinga2API", icinga.Type)
	require.False(t, icinga.SavePassword)

	ec := c.Engine()
	require.Equal(t, 30*time.Second, ec.Interval)
	require.Equal(t, c.Servers, ec.Servers)
}

func TestFromYAMLFile_Env(t *testing.T) {
	c, err := FromYAMLFile(writeYAML(t, yamlConfig), map[string]string{
		"NAGSTAMON_API_LISTEN":                      "[::]:8934",
		"NAGSTAMON_GENERAL_UPDATE_INTERVAL_SECONDS": "0",
		"NAGSTAMON_LOGGING_DEBUG_MODE":              "true",
	})
	require.NoError(t, err)

	require.Equal(t, "[::]:8934", c.API.Listen)
	require.Equal(t, time.Second, c.General.Interval(), "clamped")
	require.True(t, c.Logging.DebugMode)
}

func TestFromYAMLFile_Timeout(t *testing.T) {
	subtests := []struct {
		name   string
		input  string
		output time.Duration
	}{
		{"seconds", "timeout: 10", 10 * time.Second},
		{"quoted-seconds", `timeout: "25"`, 25 * time.Second},
		{"duration", "timeout: 1m30s", 90 * time.Second},
		{"default", "enabled: true", adapter.DefaultTimeout},
	}

	for _, st := range subtests {
		t.Run(st.name, func(t *testing.T) {
			c, err := FromYAMLFile(writeYAML(t, "servers:\n  - name: a\n    type: Nagios\n    "+st.input), map[string]string{})
			require.NoError(t, err)
			require.Equal(t, st.output, c.Servers[0].Timeout.Duration())
			require.Equal(t, st.output, c.Servers[0].SessionOptions().Timeout)
		})
	}

	_, err := FromYAMLFile(writeYAML(t, "servers:\n  - name: a\n    timeout: soon"), map[string]string{})
	require.Error(t, err)
}

func TestFromYAMLFile_ObfuscatedPassword(t *testing.T) {
	obfuscated, err := obfuscate.Obfuscate("s3cr3t", obfuscate.Rounds)
	require.NoError(t, err)

	c, err := FromYAMLFile(writeYAML(t, `
servers:
  - name: thruk
    type: Thruk
    password: "obfuscated:`+obfuscated+`"
`), map[string]string{})
	require.NoError(t, err)
	require.Equal(t, "s3cr3t", c.Servers[0].Password)

	_, err = FromYAMLFile(writeYAML(t, `
servers:
  - name: thruk
    password: "obfuscated:not base64"
`), map[string]string{})
	require.Error(t, err)
}

func TestFromYAMLFile_Errors(t *testing.T) {
	subtests := []struct {
		name  string
		input string
	}{
		{"unknown-field", "unknown: unknown"},
		{"unknown-server-field", "servers:\n  - name: nagios\n    colour: red"},
		{"server-without-name", "servers:\n  - type: Nagios"},
		{"bad-authentication", "servers:\n  - name: nagios\n    authentication: kerberos"},
		{"bad-pattern", "filters:\n  re_host_enabled: true\n  re_host_pattern: \"[\""},
		{"bad-logging-output", "logging:\n  output: syslog"},
		{"bad-concurrency", "general:\n  recheck_all_concurrency: 0"},
	}

	for _, st := range subtests {
		t.Run(st.name, func(t *testing.T) {
			_, err := FromYAMLFile(writeYAML(t, st.input), map[string]string{})
			require.Error(t, err)
		})
	}

	_, err := FromYAMLFile(filepath.Join(t.TempDir(), "missing.yml"), nil)
	require.Error(t, err)
}

func TestGeneral_ConnectBy(t *testing.T) {
	subtests := []struct {
		name   string
		input  General
		output string
	}{
		{"host", General{ConnectByHost: true}, adapter.ConnectByHost},
		{"dns", General{ConnectByHost: true, ConnectByDNS: true}, adapter.ConnectByDNS},
		{"ip", General{ConnectByIP: true}, adapter.ConnectByIP},
		{"none", General{}, adapter.ConnectByHost},
	}

	for _, st := range subtests {
		t.Run(st.name, func(t *testing.T) {
			require.Equal(t, st.output, st.input.ConnectBy())
		})
	}
}
