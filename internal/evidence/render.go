package evidence

import (
	"bytes"
	"fmt"
	"text/template"
)

var certificateTemplate = template.Must(template.New("certificate").Parse(
	`DATA SANITIZATION CERTIFICATE
=============================

Certificate ID:   {{.CertificateID}}
Issued (UTC):     {{.TimestampUTC}}
Operator:         {{.Operator}}
{{- if .Label}}
Label:            {{.Label}}
{{- end}}

DEVICE
  Serial number:  {{.DeviceInfo.SerialNumber}}
  Model:          {{.DeviceInfo.Model}}
  Type:           {{.DeviceInfo.Type}}
  Capacity:       {{.DeviceInfo.Capacity}}

SANITIZATION
  NIST SP 800-88: {{.NISTProfile}}
  Method:         {{.EraseMethod}}
  Result:         {{.PostWipeStatus}}

LOG
{{- range .Logs}}
  {{.}}
{{- end}}

Issued by DropDrive {{.ToolVersion}}. The JSON document with the same
certificate ID is the authoritative record.
`))

// Render produces the human-readable certificate.
func Render(doc Certificate) ([]byte, error) {
	var buf bytes.Buffer
	if err := certificateTemplate.Execute(&buf, doc); err != nil {
		return nil, fmt.Errorf("failed to render certificate %s: %w", doc.CertificateID, err)
	}
	return buf.Bytes(), nil
}
