// Package changes detects notification-worthy transitions between two consecutive refreshes of a server.
package changes

import (
	"github.com/HenriWahl/Nagstamon-sub003/pkg/filter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"sort"
	"sync"
)

// Entry identifies one displayed entity in one state. Service is empty for hosts.
type Entry struct {
	Host    string        `json:"host"`
	Service string        `json:"service,omitempty"`
	Status  monitor.State `json:"status"`
}

func (e Entry) less(other Entry) bool {
	if e.Host != other.Host {
		return e.Host < other.Host
	}

	if e.Service != other.Service {
		return e.Service < other.Service
	}

	return e.Status < other.Status
}

// List is a sorted list of entries.
type List []Entry

// NewList returns the sorted copy of entries.
func NewList(entries ...Entry) List {
	l := make(List, len(entries))
	copy(l, entries)

	sort.Slice(l, func(i, j int) bool {
		return l[i].less(l[j])
	})

	return l
}

// Canonical returns the sorted list of everything in d.
func Canonical(d filter.Displayed) List {
	var entries []Entry

	for state, hosts := range d.Hosts {
		for _, h := range hosts {
			entries = append(entries, Entry{Host: h.Name, Status: state})
		}
	}

	for state, services := range d.Services {
		for _, s := range services {
			entries = append(entries, Entry{Host: s.Host, Service: s.Name, Status: state})
		}
	}

	return NewList(entries...)
}

// Equal reports whether l and other contain the same entries.
func (l List) Equal(other List) bool {
	if len(l) != len(other) {
		return false
	}

	for i := range l {
		if l[i] != other[i] {
			return false
		}
	}

	return true
}

// Added returns the entries of l missing in previous.
func (l List) Added(previous List) List {
	seen := make(map[Entry]struct{}, len(previous))
	for _, e := range previous {
		seen[e] = struct{}{}
	}

	var added List
	for _, e := range l {
		if _, ok := seen[e]; !ok {
			added = append(added, e)
		}
	}

	return added
}

// WorstNew returns the most severe state among the entries that next adds to previous.
// It returns UP if nothing changed or if entries were only removed.
func WorstNew(previous, next List) monitor.State {
	if next.Equal(previous) {
		return monitor.StateUp
	}

	added := next.Added(previous)
	if len(next) < len(previous) && len(added) == 0 {
		return monitor.StateUp
	}

	worst := monitor.StateUp
	for _, e := range added {
		if e.Status.Worse(worst) {
			worst = e.Status
		}
	}

	return worst
}

// Detector remembers the list of the previous refresh of one server.
type Detector struct {
	mu       sync.Mutex
	previous List
	latest   chan monitor.State
}

// NewDetector creates a Detector with an empty previous list.
func NewDetector() *Detector {
	return &Detector{latest: make(chan monitor.State, 1)}
}

// Update replaces the remembered list with next and returns the worst new state.
// The result is also published to Latest, replacing any unconsumed value.
func (d *Detector) Update(next List) monitor.State {
	d.mu.Lock()
	worst := WorstNew(d.previous, next)
	d.previous = next
	d.mu.Unlock()

	for {
		select {
		case d.latest <- worst:
			return worst
		default:
		}

		select {
		case <-d.latest:
		default:
		}
	}
}

// Previous returns the remembered list.
func (d *Detector) Previous() List {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.previous
}

// Latest yields the most recent result of Update that has not been consumed yet.
func (d *Detector) Latest() <-chan monitor.State {
	return d.latest
}
