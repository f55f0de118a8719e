// Package api serves the status of all monitor servers and accepts actions over HTTP.
package api

import (
	"encoding/json"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/actions"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/engine"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/filter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/logging"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"net/http"
	"time"
)

// Config defines the HTTP listener.
type Config struct {
	Listen string `yaml:"listen" env:"LISTEN" default:"localhost:8934"`
}

// Validate checks constraints in the supplied API configuration and returns an error if they are violated.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return errors.New("api listen address missing")
	}

	return nil
}

// Engine is the server set the API reports on.
type Engine interface {
	actions.Engine
	Disabled() []engine.Disabled
	WorstStatus() monitor.State
	StatusCount() filter.Counts
}

// Status is the response of GET /v1/status.
type Status struct {
	WorstStatus monitor.State      `json:"worst_status"`
	Counts      filter.Counts      `json:"counts"`
	Servers     []*engine.Snapshot `json:"servers"`
	Disabled    []engine.Disabled  `json:"disabled"`
}

// Target addresses a host or service of a server.
type Target struct {
	Server  string `json:"server"`
	Host    string `json:"host"`
	Service string `json:"service,omitempty"`
}

// Target returns the addressed host or service.
func (t Target) Target() adapter.Target {
	return adapter.Target{Host: t.Host, Service: t.Service}
}

type acknowledgeBody struct {
	Server string `json:"server"`
	adapter.AcknowledgeRequest
}

type downtimeBody struct {
	Server string `json:"server"`
	adapter.DowntimeRequest
}

type checkResultBody struct {
	Server string `json:"server"`
	adapter.CheckResultRequest
}

type api struct {
	engine     Engine
	dispatcher *actions.Dispatcher
	logger     *logging.Logger
}

// NewHandler returns the router of all endpoints. metrics is served at /metrics if not nil.
func NewHandler(e Engine, d *actions.Dispatcher, metrics http.Handler, logger *logging.Logger) http.Handler {
	a := &api{engine: e, dispatcher: d, logger: logger}

	r := mux.NewRouter().StrictSlash(true)
	r.Use(a.logRequests)

	if metrics != nil {
		r.Handle("/metrics", metrics).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/status", a.status).Methods(http.MethodGet)
	v1.HandleFunc("/servers/{name}", a.server).Methods(http.MethodGet)
	v1.HandleFunc("/servers/{name}/refresh", a.refresh).Methods(http.MethodPost)
	v1.HandleFunc("/recheck", a.recheck).Methods(http.MethodPost)
	v1.HandleFunc("/recheck-all", a.recheckAll).Methods(http.MethodPost)
	v1.HandleFunc("/recheck-all", a.recheckAllStatus).Methods(http.MethodGet)
	v1.HandleFunc("/acknowledge", a.acknowledge).Methods(http.MethodPost)
	v1.HandleFunc("/downtime", a.downtime).Methods(http.MethodPost)
	v1.HandleFunc("/submit-check-result", a.submitCheckResult).Methods(http.MethodPost)
	v1.HandleFunc("/tasks/{id}", a.task).Methods(http.MethodGet)

	return r
}

func (a *api) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		a.logger.Debugw("Served request", zap.String("method", r.Method), zap.String("path", r.URL.Path),
			zap.Duration("took", time.Since(start)))
	})
}

func (a *api) status(w http.ResponseWriter, _ *http.Request) {
	status := Status{
		WorstStatus: a.engine.WorstStatus(),
		Counts:      a.engine.StatusCount(),
		Servers:     make([]*engine.Snapshot, 0, len(a.engine.Servers())),
		Disabled:    a.engine.Disabled(),
	}

	for _, s := range a.engine.Servers() {
		status.Servers = append(status.Servers, s.Snapshot())
	}

	writeJSON(w, http.StatusOK, status)
}

func (a *api) server(w http.ResponseWriter, r *http.Request) {
	s, ok := a.engine.Server(mux.Vars(r)["name"])
	if !ok {
		http.Error(w, "No such server", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, s.Snapshot())
}

func (a *api) refresh(w http.ResponseWriter, r *http.Request) {
	s, ok := a.engine.Server(mux.Vars(r)["name"])
	if !ok {
		http.Error(w, "No such server", http.StatusNotFound)
		return
	}

	s.Refresh()
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) recheck(w http.ResponseWriter, r *http.Request) {
	var body Target
	if !decode(w, r, &body) {
		return
	}

	task, err := a.dispatcher.Recheck(body.Server, body.Target())
	a.writeTask(w, task, err)
}

func (a *api) acknowledge(w http.ResponseWriter, r *http.Request) {
	body := acknowledgeBody{AcknowledgeRequest: a.dispatcher.Defaults().AcknowledgeRequest()}
	if !decode(w, r, &body) {
		return
	}

	task, err := a.dispatcher.Acknowledge(body.Server, body.AcknowledgeRequest)
	a.writeTask(w, task, err)
}

func (a *api) downtime(w http.ResponseWriter, r *http.Request) {
	body := downtimeBody{DowntimeRequest: a.dispatcher.Defaults().DowntimeRequest()}
	if !decode(w, r, &body) {
		return
	}

	task, err := a.dispatcher.Downtime(body.Server, body.DowntimeRequest)
	a.writeTask(w, task, err)
}

func (a *api) submitCheckResult(w http.ResponseWriter, r *http.Request) {
	body := checkResultBody{CheckResultRequest: a.dispatcher.Defaults().CheckResultRequest()}
	if !decode(w, r, &body) {
		return
	}

	task, err := a.dispatcher.SubmitCheckResult(body.Server, body.CheckResultRequest)
	a.writeTask(w, task, err)
}

func (a *api) recheckAll(w http.ResponseWriter, _ *http.Request) {
	status, err := a.dispatcher.RecheckAll()
	if errors.Is(err, actions.ErrRecheckAllRunning) {
		writeJSON(w, http.StatusConflict, status)
		return
	}

	writeJSON(w, http.StatusAccepted, status)
}

func (a *api) recheckAllStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.dispatcher.RecheckAllStatus())
}

func (a *api) task(w http.ResponseWriter, r *http.Request) {
	task, ok := a.dispatcher.Task(mux.Vars(r)["id"])
	if !ok {
		http.Error(w, "No such task", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, task.Status())
}

func (a *api) writeTask(w http.ResponseWriter, task *actions.Task, err error) {
	switch {
	case errors.Is(err, actions.ErrUnknownServer):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, adapter.ErrUnsupported):
		http.Error(w, err.Error(), http.StatusNotImplemented)
	case err != nil:
		a.logger.Errorf("%+v", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	default:
		writeJSON(w, http.StatusAccepted, task.Status())
	}
}

// decode reads the JSON body of r into v. It answers the request itself and returns false on failure.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil {
		http.Error(w, errors.Wrap(err, "can't decode request").Error(), http.StatusBadRequest)
		return false
	}

	if t, ok := v.(interface{ Target() adapter.Target }); ok && t.Target().Host == "" {
		http.Error(w, "host missing", http.StatusBadRequest)
		return false
	}

	return true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	_ = enc.Encode(v)
}
