package actions

import (
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/pkg/errors"
)

// Defaults prefill action requests.
type Defaults struct {
	AcknowledgeSticky           bool   `yaml:"defaults_acknowledge_sticky"`
	AcknowledgeSendNotification bool   `yaml:"defaults_acknowledge_send_notification"`
	AcknowledgePersistent       bool   `yaml:"defaults_acknowledge_persistent_comment"`
	AcknowledgeAllServices      bool   `yaml:"defaults_acknowledge_all_services"`
	AcknowledgeComment          string `yaml:"defaults_acknowledge_comment" default:"acknowledged"`

	DowntimeComment string `yaml:"defaults_downtime_comment" default:"scheduled downtime"`
	DowntimeFixed   bool   `yaml:"defaults_downtime_type_fixed" default:"true"`
	DowntimeHours   int    `yaml:"defaults_downtime_duration_hours" default:"2"`
	DowntimeMinutes int    `yaml:"defaults_downtime_duration_minutes"`

	SubmitCheckResultComment string `yaml:"defaults_submit_check_result_comment" default:"check result submitted"`
}

// Validate checks constraints in the supplied defaults and returns an error if they are violated.
func (d *Defaults) Validate() error {
	if d.DowntimeHours < 0 || d.DowntimeMinutes < 0 {
		return errors.New("default downtime duration must not be negative")
	}

	return nil
}

// AcknowledgeRequest returns a request prefilled with the defaults.
func (d Defaults) AcknowledgeRequest() adapter.AcknowledgeRequest {
	return adapter.AcknowledgeRequest{
		Comment:                d.AcknowledgeComment,
		Sticky:                 d.AcknowledgeSticky,
		Notify:                 d.AcknowledgeSendNotification,
		Persistent:             d.AcknowledgePersistent,
		AcknowledgeAllServices: d.AcknowledgeAllServices,
	}
}

// DowntimeRequest returns a request prefilled with the defaults.
func (d Defaults) DowntimeRequest() adapter.DowntimeRequest {
	return adapter.DowntimeRequest{
		Comment: d.DowntimeComment,
		Fixed:   d.DowntimeFixed,
		Hours:   d.DowntimeHours,
		Minutes: d.DowntimeMinutes,
	}
}

// CheckResultRequest returns a request prefilled with the defaults.
func (d Defaults) CheckResultRequest() adapter.CheckResultRequest {
	return adapter.CheckResultRequest{
		Comment: d.SubmitCheckResultComment,
		State:   monitor.StateOk,
	}
}
