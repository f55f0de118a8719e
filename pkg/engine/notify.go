package engine

import "github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"

// Notifications decides which worst new states reach Hooks.OnWorstStatusChanged.
type Notifications struct {
	Enabled             bool `yaml:"notification" default:"true"`
	NotifyIfInformation bool `yaml:"notify_if_information" default:"true"`
	NotifyIfUnknown     bool `yaml:"notify_if_unknown" default:"true"`
	NotifyIfWarning     bool `yaml:"notify_if_warning" default:"true"`
	NotifyIfAverage     bool `yaml:"notify_if_average" default:"true"`
	NotifyIfCritical    bool `yaml:"notify_if_critical" default:"true"`
	NotifyIfHigh        bool `yaml:"notify_if_high" default:"true"`
	NotifyIfDisaster    bool `yaml:"notify_if_disaster" default:"true"`
	NotifyIfUnreachable bool `yaml:"notify_if_unreachable" default:"true"`
	NotifyIfDown        bool `yaml:"notify_if_down" default:"true"`
}

// Wants reports whether a transition to s is to be notified.
// UP is never notified.
func (n Notifications) Wants(s monitor.State) bool {
	if !n.Enabled {
		return false
	}

	switch s {
	case monitor.StateInformation:
		return n.NotifyIfInformation
	case monitor.StateUnknown:
		return n.NotifyIfUnknown
	case monitor.StateWarning:
		return n.NotifyIfWarning
	case monitor.StateAverage:
		return n.NotifyIfAverage
	case monitor.StateCritical:
		return n.NotifyIfCritical
	case monitor.StateHigh:
		return n.NotifyIfHigh
	case monitor.StateDisaster:
		return n.NotifyIfDisaster
	case monitor.StateUnreachable:
		return n.NotifyIfUnreachable
	case monitor.StateDown:
		return n.NotifyIfDown
	default:
		return false
	}
}
