// Package registry maps backend type names to adapter constructors.
package registry

import (
	"fmt"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter/centreon"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter/icinga"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter/icinga2"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter/icingadbweb"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter/librenms"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter/livestatus"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter/monitos"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter/multisite"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter/nagios"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter/op5"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter/opsview"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter/snagview"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter/thruk"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter/zabbix"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter/zenoss"
	"github.com/pkg/errors"
	"sort"
)

// Constructor creates an adapter for one configured server.
type Constructor func(settings adapter.Settings, deps adapter.Deps) (adapter.Adapter, error)

// UnknownTypeError is returned for server types without a constructor.
type UnknownTypeError struct {
	Type string
}

// Error implements the error interface.
func (ute UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown server type %q", ute.Type)
}

// Registry is a name to constructor map.
type Registry struct {
	constructors map[string]Constructor
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{constructors: map[string]Constructor{}}
}

// Default returns a registry of all built-in backends.
func Default() *Registry {
	r := New()
	r.Register(nagios.Type, nagios.New)
	r.Register(icinga.Type, icinga.New)
	r.Register(icinga2.Type, icinga2.New)
	r.Register(icingadbweb.Type, icingadbweb.New)
	r.Register(centreon.Type, centreon.New)
	r.Register(multisite.Type, multisite.New)
	r.Register(thruk.Type, thruk.New)
	r.Register(livestatus.Type, livestatus.New)
	r.Register(zabbix.Type, zabbix.New)
	r.Register(zenoss.Type, zenoss.New)
	r.Register(op5.Type, op5.New)
	r.Register(librenms.Type, librenms.New)
	r.Register(snagview.Type, snagview.New)
	r.Register(monitos.Type, monitos.New)
	r.Register(opsview.Type, opsview.New)

	return r
}

// Register adds or replaces the constructor of a type.
func (r *Registry) Register(typ string, c Constructor) {
	r.constructors[typ] = c
}

// Types returns the registered type names in alphabetical order.
func (r *Registry) Types() []string {
	types := make([]string, 0, len(r.constructors))
	for typ := range r.constructors {
		types = append(types, typ)
	}

	sort.Strings(types)

	return types
}

// Create constructs the adapter for settings.Type.
func (r *Registry) Create(settings adapter.Settings, deps adapter.Deps) (adapter.Adapter, error) {
	c, ok := r.constructors[settings.Type]
	if !ok {
		return nil, UnknownTypeError{Type: settings.Type}
	}

	a, err := c(settings, deps)
	if err != nil {
		return nil, errors.Wrapf(err, "can't create %s server %q", settings.Type, settings.Name)
	}

	return a, nil
}
