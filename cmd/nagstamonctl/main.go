package main

import (
	"bufio"
	"fmt"
	"github.com/HenriWahl/Nagstamon-sub003/internal"
	"github.com/HenriWahl/Nagstamon-sub003/internal/config"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/actions"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/api"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/obfuscate"
	"github.com/jessevdk/go-flags"
	"github.com/pkg/errors"
	"github.com/vbauerster/mpb/v6"
	"github.com/vbauerster/mpb/v6/decor"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"
)

// Options are the flags common to all commands.
type Options struct {
	Version bool   `long:"version" description:"print version and exit"`
	API     string `short:"a" long:"api" env:"NAGSTAMON_API" description:"URL of the nagstamond API" default:"http://localhost:8934"`
}

var opts Options

// target are the flags of commands addressing a host or service.
type target struct {
	Server  string `short:"s" long:"server" description:"server name" required:"true"`
	Host    string `short:"H" long:"host" description:"host name" required:"true"`
	Service string `short:"S" long:"service" description:"service name, the host itself if empty"`
}

// problemStates are the columns of the problem counts.
var problemStates = []monitor.State{
	monitor.StateDown, monitor.StateUnreachable, monitor.StateDisaster, monitor.StateCritical, monitor.StateHigh,
	monitor.StateAverage, monitor.StateWarning, monitor.StateInformation, monitor.StateUnknown,
}

type statusCommand struct{}

func (statusCommand) Execute([]string) error {
	var status struct {
		WorstStatus monitor.State `json:"worst_status"`
		Servers     []struct {
			Name        string        `json:"name"`
			Type        string        `json:"type"`
			State       string        `json:"state"`
			Error       string        `json:"error"`
			WorstStatus monitor.State `json:"worst_status"`
			Displayed   struct {
				Counts map[string]int `json:"counts"`
			} `json:"displayed"`
		} `json:"servers"`
		Disabled []struct {
			Name   string `json:"name"`
			Reason string `json:"reason"`
		} `json:"disabled"`
	}

	if err := newClient(opts.API).do(http.MethodGet, "/v1/status", nil, &status); err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "SERVER\tTYPE\tSTATE\tWORST\tPROBLEMS\tERROR")

	for _, s := range status.Servers {
		var problems []string
		for _, state := range problemStates {
			if n := s.Displayed.Counts[strings.ToLower(state.String())]; n > 0 {
				problems = append(problems, fmt.Sprintf("%s:%d", state, n))
			}
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			s.Name, s.Type, s.State, s.WorstStatus, strings.Join(problems, " "), s.Error)
	}

	for _, d := range status.Disabled {
		_, _ = fmt.Fprintf(w, "%s\t\tdisabled\t\t\t%s\n", d.Name, d.Reason)
	}

	if err := w.Flush(); err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("Worst status:", status.WorstStatus)

	return nil
}

type refreshCommand struct {
	Args struct {
		Server string `positional-arg-name:"server"`
	} `positional-args:"true" required:"true"`
}

func (c *refreshCommand) Execute([]string) error {
	return newClient(opts.API).do(http.MethodPost, "/v1/servers/"+url.PathEscape(c.Args.Server)+"/refresh", nil, nil, http.StatusAccepted)
}

type recheckCommand struct {
	target
}

func (c *recheckCommand) Execute([]string) error {
	return submit("/v1/recheck", api.Target{Server: c.Server, Host: c.Host, Service: c.Service})
}

type acknowledgeCommand struct {
	target
	Comment     string   `short:"m" long:"comment" description:"comment, the configured default if empty"`
	Sticky      bool     `long:"sticky" description:"keep the acknowledgement until the problem is solved"`
	Notify      bool     `long:"notify" description:"send notifications"`
	Persistent  bool     `long:"persistent" description:"keep the comment"`
	AllServices bool     `long:"all-services" description:"acknowledge all services of the host, too"`
	Services    []string `long:"with-service" description:"services to acknowledge along with the host"`
	Expire      string   `long:"expire" description:"expire time (YYYY-MM-DD HH:MM)"`
}

func (c *acknowledgeCommand) Execute([]string) error {
	req := map[string]interface{}{
		"server":                   c.Server,
		"host":                     c.Host,
		"service":                  c.Service,
		"sticky":                   c.Sticky,
		"notify":                   c.Notify,
		"persistent":               c.Persistent,
		"acknowledge_all_services": c.AllServices || len(c.Services) > 0,
	}
	if c.Comment != "" {
		req["comment"] = c.Comment
	}
	if len(c.Services) > 0 {
		req["all_services"] = c.Services
	}
	if c.Expire != "" {
		expire, err := adapter.ParseTime(c.Expire)
		if err != nil {
			return err
		}

		req["expire_time"] = expire.Unix()
	}

	return submit("/v1/acknowledge", req)
}

type downtimeCommand struct {
	target
	Comment  string `short:"m" long:"comment" description:"comment, the configured default if empty"`
	Flexible bool   `long:"flexible" description:"schedule a flexible downtime"`
	Start    string `long:"start" description:"start time (YYYY-MM-DD HH:MM), the server's default if empty"`
	End      string `long:"end" description:"end time (YYYY-MM-DD HH:MM), the server's default if empty"`
	Duration string `long:"duration" description:"duration of a flexible downtime, e.g. 2h30m"`
}

func (c *downtimeCommand) Execute([]string) error {
	req := map[string]interface{}{
		"server":     c.Server,
		"host":       c.Host,
		"service":    c.Service,
		"fixed":      !c.Flexible,
		"start_time": c.Start,
		"end_time":   c.End,
	}
	if c.Comment != "" {
		req["comment"] = c.Comment
	}
	if c.Duration != "" {
		d, err := time.ParseDuration(c.Duration)
		if err != nil {
			return errors.Wrap(err, "can't parse duration")
		}

		req["hours"] = int(d / time.Hour)
		req["minutes"] = int(d % time.Hour / time.Minute)
	}

	return submit("/v1/downtime", req)
}

type submitCommand struct {
	target
	State           string `long:"state" description:"state to submit" default:"OK"`
	Comment         string `short:"m" long:"comment" description:"comment, the configured default if empty"`
	CheckOutput     string `short:"o" long:"output" description:"check output"`
	PerformanceData string `short:"p" long:"perfdata" description:"performance data"`
}

func (c *submitCommand) Execute([]string) error {
	state, err := monitor.ParseState(c.State)
	if err != nil {
		return err
	}

	req := map[string]interface{}{
		"server":           c.Server,
		"host":             c.Host,
		"service":          c.Service,
		"state":            state,
		"check_output":     c.CheckOutput,
		"performance_data": c.PerformanceData,
	}
	if c.Comment != "" {
		req["comment"] = c.Comment
	}

	return submit("/v1/submit-check-result", req)
}

type recheckAllCommand struct {
	Interval time.Duration `long:"poll" description:"progress poll interval" default:"250ms"`
}

func (c *recheckAllCommand) Execute([]string) error {
	cl := newClient(opts.API)

	var status actions.RecheckAllStatus
	if err := cl.do(http.MethodPost, "/v1/recheck-all", nil, &status, http.StatusAccepted, http.StatusConflict); err != nil {
		return err
	}
	if !status.Running {
		return nil
	}

	progress := mpb.New()
	bar := progress.AddBar(
		0,
		mpb.BarFillerClearOnComplete(),
		mpb.PrependDecorators(
			decor.Name("recheck all", decor.WC{W: len("recheck all") + 1, C: decor.DidentRight}),
			decor.CountersNoUnit("%d / %d", decor.WC{W: 12}),
		),
		mpb.AppendDecorators(decor.Percentage(decor.WC{W: 5})),
	)

	for {
		bar.SetTotal(status.Spawned, false)
		bar.SetCurrent(status.Finished)

		if !status.Running {
			break
		}

		time.Sleep(c.Interval)

		if err := cl.do(http.MethodGet, "/v1/recheck-all", nil, &status); err != nil {
			bar.Abort(false)
			progress.Wait()

			return err
		}
	}

	if status.Finished == 0 {
		bar.Abort(true)
	} else {
		bar.SetTotal(status.Finished, true)
	}

	progress.Wait()

	fmt.Printf("Rechecked %d hosts and services, %d failed\n", status.Finished, status.Failed)

	return nil
}

type obfuscateCommand struct {
	Args struct {
		Password string `positional-arg-name:"password" description:"password, read from stdin if empty"`
	} `positional-args:"true"`
}

func (c *obfuscateCommand) Execute([]string) error {
	password := c.Args.Password
	if password == "" {
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			return errors.Wrap(err, "can't read password")
		}

		password = strings.TrimRight(line, "\r\n")
	}

	obfuscated, err := obfuscate.Obfuscate(password, obfuscate.Rounds)
	if err != nil {
		return err
	}

	fmt.Println(config.ObfuscatedPrefix + obfuscated)

	return nil
}

// submit posts an action and prints the id of its task.
func submit(path string, req interface{}) error {
	var task actions.TaskStatus
	if err := newClient(opts.API).do(http.MethodPost, path, req, &task, http.StatusAccepted); err != nil {
		return err
	}

	fmt.Printf("%s %s: %s\n", task.Action, task.ID, task.State)

	return nil
}

func main() {
	parser := flags.NewParser(&opts, flags.Default)
	parser.SubcommandsOptional = true

	for _, c := range []struct {
		name, short string
		data        interface{}
	}{
		{"status", "Show the status of all servers", &statusCommand{}},
		{"refresh", "Refresh the status of a server now", &refreshCommand{}},
		{"recheck", "Recheck a host or service", &recheckCommand{}},
		{"recheck-all", "Recheck all hosts and services", &recheckAllCommand{}},
		{"acknowledge", "Acknowledge a problem", &acknowledgeCommand{}},
		{"downtime", "Schedule a downtime", &downtimeCommand{}},
		{"submit", "Submit a passive check result", &submitCommand{}},
		{"obfuscate", "Obfuscate a password for the config file", &obfuscateCommand{}},
	} {
		if _, err := parser.AddCommand(c.name, c.short, c.short, c.data); err != nil {
			panic(err)
		}
	}

	if _, err := parser.Parse(); err != nil {
		var fe *flags.Error
		if errors.As(err, &fe) && fe.Type == flags.ErrHelp {
			os.Exit(0)
		}

		os.Exit(1)
	}

	if opts.Version {
		internal.PrintVersion("nagstamonctl")
		return
	}

	if parser.Active == nil {
		parser.WriteHelp(os.Stderr)
		os.Exit(2)
	}
}
