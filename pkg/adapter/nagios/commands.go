package nagios

import (
	"context"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/adapter"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/monitor"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/scrape"
	"github.com/HenriWahl/Nagstamon-sub003/pkg/session"
	"github.com/pkg/errors"
	"golang.org/x/net/html"
	"net/http"
	"net/url"
	"strconv"
)

// cmd.cgi command types.
const (
	cmdScheduleHostCheck         = "96"
	cmdScheduleSvcCheck          = "7"
	cmdAcknowledgeHostProblem    = "33"
	cmdAcknowledgeSvcProblem     = "34"
	cmdScheduleHostDowntime      = "55"
	cmdScheduleSvcDowntime       = "56"
	cmdProcessHostCheckResult    = "87"
	cmdProcessServiceCheckResult = "30"
)

// CGITimeLayout is the date format of cmd.cgi forms with the default date_format=us.
const CGITimeLayout = "01-02-2006 15:04:05"

// Commands sends control commands through the classic cmd.cgi.
// Nagios, Icinga 1.x and Thruk share this interface.
type Commands struct {
	Base *adapter.Base
	// CGIURL is the base URL cmd.cgi lives under.
	CGIURL string
	// Header is sent with every command, e.g. a Referer some CGIs insist on.
	Header http.Header
}

func (c Commands) cmdURL() string {
	return c.CGIURL + "/cmd.cgi"
}

func (c Commands) post(ctx context.Context, form adapter.Form) error {
	req := form.Post(c.cmdURL())
	req.Header = c.Header

	r := c.Base.Fetch(ctx, req)
	if err := c.Base.CheckAuth(r); err != nil {
		return errors.Wrap(err, "can't send command")
	}

	return nil
}

// form fetches the command form for cmdTyp and host to learn the server-side defaults.
func (c Commands) form(ctx context.Context, cmdTyp, host string) (*html.Node, error) {
	r := c.Base.Fetch(ctx, session.Request{
		URL:      c.cmdURL() + "?" + url.Values{"cmd_typ": {cmdTyp}, "host": {host}}.Encode(),
		Giveback: session.HTML,
		Header:   c.Header,
	})
	if err := c.Base.CheckAuth(r); err != nil {
		return nil, errors.Wrap(err, "can't fetch command form")
	}

	return r.Result.(*html.Node), nil
}

// Recheck forces an immediate check of the target.
func (c Commands) Recheck(ctx context.Context, t adapter.Target) error {
	// The start time is taken from the server to use its timezone.
	doc, err := c.form(ctx, cmdScheduleHostCheck, t.Host)
	if err != nil {
		return err
	}

	startTime := scrape.InputValue(doc, "start_time")
	if startTime == "" {
		startTime = c.Base.Now().Format(CGITimeLayout)
	}

	cmdTyp := cmdScheduleHostCheck
	if t.IsService() {
		cmdTyp = cmdScheduleSvcCheck
	}

	return c.post(ctx, adapter.Form{}.
		Add("cmd_typ", cmdTyp).
		Add("cmd_mod", "2").
		Add("host", t.Host).
		Add("service", t.Service).
		Add("start_time", startTime).
		Add("force_check", "on").
		Add("btnSubmit", "Commit"))
}

// Acknowledge acknowledges the target and, if requested, all captured services of its host.
func (c Commands) Acknowledge(ctx context.Context, req adapter.AcknowledgeRequest) error {
	for _, t := range req.Targets() {
		form := adapter.Form{}
		if t.IsService() {
			form = form.Add("cmd_typ", cmdAcknowledgeSvcProblem).
				Add("cmd_mod", "2").
				Add("host", t.Host).
				Add("service", t.Service)
		} else {
			form = form.Add("cmd_typ", cmdAcknowledgeHostProblem).
				Add("cmd_mod", "2").
				Add("host", t.Host)
		}

		// Nagios takes send_notification as set if it is present at all, hence AddIf.
		form = form.Add("com_author", req.Author).
			Add("com_data", req.Comment).
			Add("btnSubmit", "Commit").
			AddIf(req.Notify, "send_notification").
			AddIf(req.Persistent, "persistent").
			AddIf(req.Sticky, "sticky_ack")

		if err := c.post(ctx, form); err != nil {
			return errors.Wrapf(err, "can't acknowledge %s", describe(t))
		}
	}

	return nil
}

// Downtime schedules a downtime for the target.
func (c Commands) Downtime(ctx context.Context, req adapter.DowntimeRequest) error {
	startTime, endTime := req.StartTime, req.EndTime
	if startTime == "" || endTime == "" {
		start, end, err := req.Window(c.Base.Now())
		if err != nil {
			return err
		}

		startTime, endTime = start.Format(CGITimeLayout), end.Format(CGITimeLayout)
	}

	cmdTyp := cmdScheduleHostDowntime
	if req.Service != "" {
		cmdTyp = cmdScheduleSvcDowntime
	}

	fixed := "0"
	if req.Fixed {
		fixed = "1"
	}

	// Icinga insists on this exact order.
	return c.post(ctx, adapter.Form{}.
		Add("cmd_typ", cmdTyp).
		Add("cmd_mod", "2").
		Add("trigger", "0").
		Add("childoptions", "0").
		Add("host", req.Host).
		Add("service", req.Service).
		Add("com_author", req.Author).
		Add("com_data", req.Comment).
		Add("fixed", fixed).
		Add("start_time", startTime).
		Add("end_time", endTime).
		Add("hours", strconv.Itoa(req.Hours)).
		Add("minutes", strconv.Itoa(req.Minutes)).
		Add("btnSubmit", "Commit"))
}

// SubmitCheckResult submits a passive check result for the target.
func (c Commands) SubmitCheckResult(ctx context.Context, req adapter.CheckResultRequest) error {
	form := adapter.Form{}
	if req.Service != "" {
		form = form.Add("cmd_typ", cmdProcessServiceCheckResult).
			Add("cmd_mod", "2").
			Add("host", req.Host).
			Add("service", req.Service)
	} else {
		form = form.Add("cmd_typ", cmdProcessHostCheckResult).
			Add("cmd_mod", "2").
			Add("host", req.Host)
	}

	return c.post(ctx, form.
		Add("plugin_state", strconv.Itoa(adapter.NagiosStateCode(req.State))).
		Add("plugin_output", req.CheckOutput).
		Add("performance_data", req.PerformanceData).
		Add("btnSubmit", "Commit"))
}

// StartEnd reads the default downtime window from the downtime form.
func (c Commands) StartEnd(ctx context.Context, host string) (string, string) {
	doc, err := c.form(ctx, cmdScheduleHostDowntime, host)
	if err != nil {
		c.Base.Logger().Errorf("%+v", err)

		return "n/a", "n/a"
	}

	start, end := scrape.InputValue(doc, "start_time"), scrape.InputValue(doc, "end_time")
	if start == "" || end == "" {
		return "n/a", "n/a"
	}

	return start, end
}

// ExtinfoURL returns the detail page of the target.
func (c Commands) ExtinfoURL(t adapter.Target) string {
	v := url.Values{"type": {"1"}, "host": {t.Host}}
	if t.IsService() {
		v = url.Values{"type": {"2"}, "host": {t.Host}, "service": {t.Service}}
	}

	return c.CGIURL + "/extinfo.cgi?" + v.Encode()
}

func describe(t adapter.Target) string {
	if t.IsService() {
		return strconv.Quote(t.Service) + " on " + strconv.Quote(t.Host)
	}

	return strconv.Quote(t.Host)
}

// stateOrSkip parses a state column, reporting unknown values.
func stateOrSkip(s string) (monitor.State, error) {
	state, err := monitor.ParseState(s)
	if err != nil {
		return 0, errors.Wrap(err, "skipping row")
	}

	return state, nil
}
