package sysconf

import (
	"bytes"
	"net/netip"
	"text/template"
)

var chronyTemplate = template.Must(template.New("chrony").Parse(`# Generated by rackd. Local changes will be overwritten.
{{- range .Servers}}
server {{.}} iburst
{{- end}}
{{- range .Pools}}
pool {{.}} iburst
{{- end}}
{{- range .Peers}}
peer {{.}}
{{- end}}
driftfile /var/lib/chrony/chrony.drift
makestep 1.0 3
rtcsync
`))

// RenderChrony renders a chrony configuration. References that are IP
// addresses become servers; host names become pools.
func RenderChrony(references, peers []string) ([]byte, error) {
	data := struct {
		Servers, Pools, Peers []string
	}{Peers: peers}
	for _, ref := range references {
		if _, err := netip.ParseAddr(ref); err == nil {
			data.Servers = append(data.Servers, ref)
		} else {
			data.Pools = append(data.Pools, ref)
		}
	}

	var buf bytes.Buffer
	if err := chronyTemplate.Execute(&buf, data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteChrony renders and writes the chrony configuration
func WriteChrony(path string, references, peers []string) (bool, error) {
	data, err := RenderChrony(references, peers)
	if err != nil {
		return false, err
	}
	return WriteFile(path, data, 0o644)
}
