package evidence

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"dropdrive/internal/wipeerr"
)

var requiredFields = []string{
	"certificate_id",
	"timestamp_utc",
	"operator",
	"device_info",
	"erase_method",
	"nist_profile",
	"post_wipe_status",
	"logs",
	"tool_version",
}

var validProfiles = map[string]bool{
	"Clear":   true,
	"Purge":   true,
	"Destroy": true,
}

// VerifyDocument checks a certificate file for structural validity and
// returns the parsed certificate. All problems are reported together.
func VerifyDocument(path string) (Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Certificate{}, wipeerr.Wrap(wipeerr.KindEvidence, err, "read certificate")
	}
	return VerifyBytes(data)
}

// VerifyBytes is VerifyDocument for an in-memory document.
func VerifyBytes(data []byte) (Certificate, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return Certificate{}, wipeerr.Wrap(wipeerr.KindEvidence, err, "certificate is not valid JSON")
	}

	var problems []string
	for _, f := range requiredFields {
		v, ok := raw[f]
		if !ok || string(v) == "null" || string(v) == `""` {
			problems = append(problems, "missing field "+f)
		}
	}

	var doc Certificate
	if err := json.Unmarshal(data, &doc); err != nil {
		return Certificate{}, wipeerr.Wrap(wipeerr.KindEvidence, err, "certificate has invalid field types")
	}

	if doc.CertificateID != "" {
		if _, err := uuid.Parse(doc.CertificateID); err != nil {
			problems = append(problems, fmt.Sprintf("certificate_id %q is not a UUID", doc.CertificateID))
		}
	}
	if doc.TimestampUTC != "" {
		ts, err := time.Parse(time.RFC3339, doc.TimestampUTC)
		switch {
		case err != nil:
			problems = append(problems, fmt.Sprintf("timestamp_utc %q is not ISO-8601", doc.TimestampUTC))
		case !strings.HasSuffix(doc.TimestampUTC, "Z") || ts.Location() != time.UTC:
			problems = append(problems, fmt.Sprintf("timestamp_utc %q is not in UTC", doc.TimestampUTC))
		}
	}
	if doc.NISTProfile != "" && !validProfiles[doc.NISTProfile] {
		problems = append(problems, fmt.Sprintf("nist_profile %q is not Clear, Purge or Destroy", doc.NISTProfile))
	}
	if doc.PostWipeStatus != "" && doc.PostWipeStatus != "success" {
		problems = append(problems, fmt.Sprintf("post_wipe_status %q does not certify a completed wipe", doc.PostWipeStatus))
	}

	if len(problems) > 0 {
		return doc, wipeerr.Newf(wipeerr.KindEvidence, "certificate verification failed: %s", strings.Join(problems, "; "))
	}
	return doc, nil
}
