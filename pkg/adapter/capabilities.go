package adapter

import (
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
)

// Action names a user-initiated operation.
type Action string

const (
	ActionRecheck           Action = "Recheck"
	ActionAcknowledge       Action = "Acknowledge"
	ActionSubmitCheckResult Action = "Submit check result"
	ActionDowntime          Action = "Downtime"
	ActionMonitor           Action = "Monitor"
)

// AllActions lists every action in menu order.
var AllActions = []Action{ActionMonitor, ActionRecheck, ActionAcknowledge, ActionSubmitCheckResult, ActionDowntime}

// Flag identifies one boolean entity flag.
type Flag uint8

const (
	FlagAcknowledged Flag = iota
	FlagScheduledDowntime
	FlagFlapping
	FlagPassiveonly
	FlagNotificationsDisabled
)

// Set sets the flag on e.
func (f Flag) Set(e *monitor.Entity) {
	switch f {
	case FlagAcknowledged:
		e.Acknowledged = true
	case FlagScheduledDowntime:
		e.ScheduledDowntime = true
	case FlagFlapping:
		e.Flapping = true
	case FlagPassiveonly:
		e.Passiveonly = true
	case FlagNotificationsDisabled:
		e.NotificationsDisabled = true
	}
}

// NagiosStatusIcons maps the icon file names of classic CGIs to flags.
var NagiosStatusIcons = map[string]Flag{
	"ack.gif":         FlagAcknowledged,
	"downtime.gif":    FlagScheduledDowntime,
	"flapping.gif":    FlagFlapping,
	"passiveonly.gif": FlagPassiveonly,
	"ndisabled.gif":   FlagNotificationsDisabled,
}

// Capabilities describes what a backend supports.
type Capabilities struct {
	Actions []Action `json:"actions"`
	// DisabledControls names configuration options without meaning for the backend.
	DisabledControls []string `json:"disabled_controls,omitempty"`
	// StatusIcons maps icon file names found in HTML to flags.
	StatusIcons map[string]Flag `json:"-"`
}

// Supports reports whether a is among the supported actions.
func (c Capabilities) Supports(a Action) bool {
	for _, s := range c.Actions {
		if s == a {
			return true
		}
	}

	return false
}

// ApplyIcons sets the flags of all known icons on e.
func (c Capabilities) ApplyIcons(e *monitor.Entity, icons []string) {
	for _, icon := range icons {
		if f, ok := c.StatusIcons[icon]; ok {
			f.Set(e)
		}
	}
}
