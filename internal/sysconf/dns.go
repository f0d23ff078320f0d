package sysconf

import (
	"bytes"
	"text/template"
)

var bindOptionsTemplate = template.Must(template.New("options").Parse(`# Generated by rackd. Local changes will be overwritten.
{{- if .Forwarders}}
forwarders {
{{- range .Forwarders}}
    {{.}};
{{- end}}
};
{{- end}}
dnssec-validation no;
empty-zones-enable no;
allow-query { any; };
allow-recursion { trusted; };
allow-query-cache { trusted; };
`))

var bindACLTemplate = template.Must(template.New("acl").Parse(`# Generated by rackd. Local changes will be overwritten.
acl "trusted" {
{{- range .}}
    {{.}};
{{- end}}
    localnets;
    localhost;
};
`))

// RenderBindOptions renders the options included by named.conf. The rack
// forwards to the regions and leaves DNSSEC validation to them.
func RenderBindOptions(forwarders []string) ([]byte, error) {
	var buf bytes.Buffer
	err := bindOptionsTemplate.Execute(&buf, struct{ Forwarders []string }{forwarders})
	return buf.Bytes(), err
}

// RenderBindACL renders the trusted networks ACL. The rack serves no zones.
func RenderBindACL(trusted []string) ([]byte, error) {
	var buf bytes.Buffer
	err := bindACLTemplate.Execute(&buf, trusted)
	return buf.Bytes(), err
}

// WriteBind writes both bind files and reports whether either changed
func WriteBind(optionsPath, aclPath string, forwarders, trusted []string) (bool, error) {
	options, err := RenderBindOptions(forwarders)
	if err != nil {
		return false, err
	}
	acl, err := RenderBindACL(trusted)
	if err != nil {
		return false, err
	}
	optionsChanged, err := WriteFile(optionsPath, options, 0o644)
	if err != nil {
		return false, err
	}
	aclChanged, err := WriteFile(aclPath, acl, 0o644)
	if err != nil {
		return false, err
	}
	return optionsChanged || aclChanged, nil
}
