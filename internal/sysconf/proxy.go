package sysconf

import (
	"bytes"
	"text/template"
)

// ProxyConfig is the input of the rack proxy configuration
type ProxyConfig struct {
	Port          int
	AllowedCIDRs  []string
	PeerProxies   []PeerProxy
	PreferV4Proxy bool
}

// PeerProxy is an upstream proxy on a region controller
type PeerProxy struct {
	Host string
	Port int
}

var proxyTemplate = template.Must(template.New("proxy").Parse(`# Generated by rackd. Local changes will be overwritten.
{{- range .AllowedCIDRs}}
acl localnet src {{.}}
{{- end}}
acl SSL_ports port 443
acl Safe_ports port 80
acl Safe_ports port 21
acl Safe_ports port 443
acl CONNECT method CONNECT
http_access deny !Safe_ports
http_access deny CONNECT !SSL_ports
http_access allow localnet
http_access allow localhost
http_access deny all
http_port {{.Port}}
{{- range .PeerProxies}}
cache_peer {{.Host}} parent {{.Port}} 0 no-query default
{{- end}}
{{- if .PeerProxies}}
never_direct allow all
{{- end}}
{{- if .PreferV4Proxy}}
dns_v4_first on
{{- end}}
`))

// RenderProxy renders the rack proxy configuration
func RenderProxy(cfg ProxyConfig) ([]byte, error) {
	var buf bytes.Buffer
	err := proxyTemplate.Execute(&buf, cfg)
	return buf.Bytes(), err
}

// WriteProxy renders and writes the proxy configuration
func WriteProxy(path string, cfg ProxyConfig) (bool, error) {
	data, err := RenderProxy(cfg)
	if err != nil {
		return false, err
	}
	return WriteFile(path, data, 0o644)
}
