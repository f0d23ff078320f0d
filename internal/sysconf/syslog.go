package sysconf

import (
	"bytes"
	"text/template"

	"github.com/canonical/maas-sub025/internal/model"
)

// SyslogConfig is the input of the rack rsyslog configuration
type SyslogConfig struct {
	Port int
	// PromtailPort is zero when logs are not forwarded to promtail
	PromtailPort int
	Forwarders   []model.SyslogForwarder
}

var syslogTemplate = template.Must(template.New("syslog").Parse(`# Generated by rackd. Local changes will be overwritten.
global(workDirectory="/var/lib/maas/rsyslog")
module(load="imtcp")
input(type="imtcp" port="{{.Port}}")
module(load="imudp")
input(type="imudp" port="{{.Port}}")
$template MAASenhanced,"%timegenerated% %fromhost% %hostname% %syslogtag%%msg:::sp-if-no-1st-sp%%msg:::drop-last-lf%\n"
{{- range .Forwarders}}
*.* action(type="omfwd" target="{{.IP}}" port="{{$.Port}}" protocol="tcp" name="{{.Name}}" queue.type="LinkedList" queue.filename="{{.Name}}" queue.saveOnShutdown="on" action.resumeRetryCount="-1")
{{- end}}
{{- if .PromtailPort}}
*.* action(type="omfwd" protocol="tcp" target="localhost" port="{{.PromtailPort}}" Template="RSYSLOG_SyslogProtocol23Format" TCP_Framing="octet-counted" KeepAlive="on")
{{- end}}
& stop
`))

// RenderSyslog renders the rack rsyslog configuration. The rack keeps no
// logs of its own and forwards everything it receives to the regions.
func RenderSyslog(cfg SyslogConfig) ([]byte, error) {
	var buf bytes.Buffer
	if err := syslogTemplate.Execute(&buf, cfg); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteSyslog renders and writes the rsyslog configuration
func WriteSyslog(path string, cfg SyslogConfig) (bool, error) {
	data, err := RenderSyslog(cfg)
	if err != nil {
		return false, err
	}
	return WriteFile(path, data, 0o644)
}
