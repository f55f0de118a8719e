package monitor

import (
	"sort"
)

// Entity holds the fields hosts and services have in common.
type Entity struct {
	// Name is the display name, unique within its scope.
	Name string `json:"name"`
	// RealName is the backend-native identifier used for control commands.
	RealName string `json:"real_name"`
	Server   string `json:"server"`
	Site     string `json:"site,omitempty"`

	Status            State     `json:"status"`
	StatusType        StateType `json:"status_type"`
	StatusInformation string    `json:"status_information"`

	LastCheck string `json:"last_check"`
	Duration  string `json:"duration"`
	Attempt   string `json:"attempt"`

	Passiveonly           bool `json:"passiveonly"`
	NotificationsDisabled bool `json:"notifications_disabled"`
	Flapping              bool `json:"flapping"`
	Acknowledged          bool `json:"acknowledged"`
	ScheduledDowntime     bool `json:"scheduled_downtime"`

	// Visible is maintained by the filter stage.
	Visible bool `json:"visible"`

	// ID is an opaque backend handle such as a host id, trigger id, event id or UUID.
	ID string `json:"id,omitempty"`
}

// CommandName returns RealName or, if it is empty, Name.
func (e *Entity) CommandName() string {
	if e.RealName != "" {
		return e.RealName
	}

	return e.Name
}

// IsSoft reports whether the entity is in a soft state.
func (e *Entity) IsSoft() bool {
	return e.StatusType == Soft
}

// Host is a monitored machine as reported by a backend.
type Host struct {
	Entity
	Address  string              `json:"address,omitempty"`
	Services map[string]*Service `json:"services"`
}

// NewHost returns an UP host without services.
func NewHost(name, server string) *Host {
	return &Host{
		Entity: Entity{
			Name:     name,
			RealName: name,
			Server:   server,
			Status:   StateUp,
			Visible:  true,
		},
		Services: map[string]*Service{},
	}
}

// SortedServices returns the host's services ordered by name.
func (h *Host) SortedServices() []*Service {
	services := make([]*Service, 0, len(h.Services))
	for _, s := range h.Services {
		services = append(services, s)
	}

	sort.Slice(services, func(i, j int) bool {
		return services[i].Name < services[j].Name
	})

	return services
}

// Service is a monitored check attached to a host.
type Service struct {
	Entity
	// Host is the owning Host's name.
	Host string `json:"host"`
}

// NewService returns an OK service of host.
func NewService(host, name, server string) *Service {
	return &Service{
		Entity: Entity{
			Name:     name,
			RealName: name,
			Server:   server,
			Status:   StateOk,
			Visible:  true,
		},
		Host: host,
	}
}

// Hosts maps host names to hosts of one server.
type Hosts map[string]*Host

// Ensure returns the named host and creates an UP placeholder if it does not exist.
func (hs Hosts) Ensure(name, server string) *Host {
	if h, ok := hs[name]; ok {
		return h
	}

	h := NewHost(name, server)
	hs[name] = h

	return h
}

// AddHost stores h under its name, replacing any placeholder but keeping the services already attached to it.
func (hs Hosts) AddHost(h *Host) {
	if h.Services == nil {
		h.Services = map[string]*Service{}
	}

	if old, ok := hs[h.Name]; ok {
		for name, s := range old.Services {
			if _, ok := h.Services[name]; !ok {
				h.Services[name] = s
			}
		}
	}

	hs[h.Name] = h
}

// AddService attaches s to its host, creating an UP placeholder host if needed.
func (hs Hosts) AddService(s *Service) {
	h := hs.Ensure(s.Host, s.Server)
	if s.Site != "" && h.Site == "" {
		h.Site = s.Site
	}

	h.Services[s.Name] = s
}

// Names returns the host names in ascending order.
func (hs Hosts) Names() []string {
	names := make([]string, 0, len(hs))
	for name := range hs {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// ServiceCount returns the number of services of all hosts.
func (hs Hosts) ServiceCount() int {
	var n int
	for _, h := range hs {
		n += len(h.Services)
	}

	return n
}
