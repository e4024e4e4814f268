package web

import (
	"fmt"
	"html/template"
	"io"
	"time"

	"github.com/sweeney/irrigation-controller/internal/status"
)

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"uptime": func(d time.Duration) string {
		d = d.Truncate(time.Second)
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		m := int(d.Minutes()) % 60
		s := int(d.Seconds()) % 60
		if days > 0 {
			return fmt.Sprintf("%dd %dh %dm %ds", days, h, m, s)
		}
		if h > 0 {
			return fmt.Sprintf("%dh %dm %ds", h, m, s)
		}
		if m > 0 {
			return fmt.Sprintf("%dm %ds", m, s)
		}
		return fmt.Sprintf("%ds", s)
	},
	"seconds": func(d time.Duration) string {
		return fmt.Sprintf("%.1fs", d.Seconds())
	},
	"stateOrUnknown": func(s string) string {
		if s == "" {
			return "UNKNOWN"
		}
		return s
	},
}).Parse(indexHTML))

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="5">
<title>Irrigation Controller</title>
<style>
body { font-family: monospace; max-width: 600px; margin: 2em auto; padding: 0 1em; }
h1 { font-size: 1.4em; }
table { border-collapse: collapse; width: 100%; margin: 1em 0; }
td, th { text-align: left; padding: 4px 8px; border-bottom: 1px solid #ddd; }
th { width: 40%; }
.running { color: green; font-weight: bold; }
.idle { color: #888; }
.fault { color: red; font-weight: bold; }
.connected { color: green; }
.disconnected { color: red; }
</style>
</head>
<body>
<h1>Irrigation Controller</h1>
{{if .Fault}}<p class="fault">FAULT: {{.Fault}}</p>{{end}}

<h2>Cycle</h2>
<table>
<tr><th>State</th><td id="state" class="{{if eq (stateOrUnknown (printf "%s" .Cycle.State)) "IDLE"}}idle{{else}}running{{end}}">{{stateOrUnknown (printf "%s" .Cycle.State)}}</td></tr>
{{with .Cycle.Schedule}}<tr><th>Schedule</th><td id="schedule">{{.Name}}</td></tr>
<tr><th>Area</th><td>{{.Area}}</td></tr>
<tr><th>Fertilizer</th><td>{{.Fertilizer1}} / {{.Fertilizer2}} / {{.Fertilizer3}}</td></tr>
<tr><th>Water</th><td>{{.WaterAmount}}</td></tr>{{end}}
{{if .Cycle.Mixer}}<tr><th>Mixer</th><td>{{.Cycle.Mixer}}</td></tr>{{end}}
{{if .Cycle.Schedule}}<tr><th>Phase remaining</th><td>{{seconds .Cycle.Remaining}}</td></tr>
<tr><th>Estimate</th><td>{{seconds .Cycle.Estimate}}</td></tr>{{end}}
<tr><th>Queued</th><td>{{.Cycle.QueueLen}}</td></tr>
<tr><th>Last completed</th><td id="last-completed">{{if .Cycle.LastCompleted}}{{.Cycle.LastCompleted}}{{else}}none{{end}}</td></tr>
</table>

<h2>Connectivity</h2>
<table>
<tr><th>MQTT</th><td class="{{if .MQTTConnected}}connected{{else}}disconnected{{end}}">{{if .MQTTConnected}}connected{{else}}disconnected{{end}}</td></tr>
<tr><th>Broker</th><td>{{.Config.Broker}}</td></tr>
<tr><th>Schedule feed</th><td>{{.Config.ScheduleFeed}}</td></tr>
<tr><th>Management feed</th><td>{{.Config.ManagementFeed}}</td></tr>
{{if .Network}}<tr><th>Network</th><td>{{.Network.Status}} ({{.Network.Type}}{{if .Network.SSID}}, {{.Network.SSID}}{{end}})</td></tr>
<tr><th>IP</th><td>{{.Network.IP}}</td></tr>{{end}}
</table>

<h2>Counts</h2>
<table>
<tr><th>Cycles started</th><td>{{.Cycle.Counts.Started}}</td></tr>
<tr><th>Cycles completed</th><td>{{.Cycle.Counts.Completed}}</td></tr>
<tr><th>Schedules rejected</th><td>{{.Cycle.Counts.Rejected}}</td></tr>
<tr><th>Fetch errors</th><td>{{.Cycle.Counts.FetchErrors}}</td></tr>
</table>

<h2>System</h2>
<table>
<tr><th>Uptime</th><td>{{uptime .Uptime}}</td></tr>
<tr><th>Started</th><td>{{.StartTime.UTC.Format "2006-01-02T15:04:05Z"}}</td></tr>
<tr><th>Poll</th><td>{{.Config.PollMs}}ms</td></tr>
<tr><th>Heartbeat</th><td>{{if eq .Config.HeartbeatMs 0}}disabled{{else}}{{.Config.HeartbeatMs}}ms{{end}}</td></tr>
<tr><th>Relays</th><td>{{.Config.RelayBackend}}</td></tr>
<tr><th>HTTP</th><td>{{.Config.HTTPAddr}}</td></tr>
</table>

<p><a href="/index.json">JSON</a> | <a href="/history.json">History</a> | <a href="/metrics">Metrics</a></p>
</body>
</html>
`

func renderHTML(w io.Writer, snap status.Snapshot) error {
	// Snapshot has Uptime() method but template needs a Duration field.
	data := struct {
		status.Snapshot
		Uptime time.Duration
	}{
		Snapshot: snap,
		Uptime:   snap.Uptime(),
	}
	return indexTmpl.Execute(w, data)
}
