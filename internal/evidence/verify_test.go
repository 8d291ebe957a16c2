package evidence

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDoc() map[string]interface{} {
	return map[string]interface{}{
		"certificate_id":   "7d444840-9dc0-11d1-b245-5ffdce74fad2",
		"timestamp_utc":    "2026-03-14T09:26:53Z",
		"operator":         "auditor",
		"device_info":      map[string]interface{}{"serial_number": "S1", "model": "M", "type": "nvme", "capacity": "512.1 GB"},
		"erase_method":     "nvmeSanitize",
		"nist_profile":     "Purge",
		"post_wipe_status": "success",
		"logs":             []string{},
		"tool_version":     "2.1.0",
	}
}

func TestVerifyBytes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		mutate  func(map[string]interface{})
		wantErr string
	}{
		{name: "valid"},
		{name: "missing operator", mutate: func(d map[string]interface{}) { delete(d, "operator") }, wantErr: "missing field operator"},
		{name: "empty tool version", mutate: func(d map[string]interface{}) { d["tool_version"] = "" }, wantErr: "missing field tool_version"},
		{name: "bad id", mutate: func(d map[string]interface{}) { d["certificate_id"] = "cert-1" }, wantErr: "not a UUID"},
		{name: "local time", mutate: func(d map[string]interface{}) { d["timestamp_utc"] = "2026-03-14T12:26:53+03:00" }, wantErr: "not in UTC"},
		{name: "not a timestamp", mutate: func(d map[string]interface{}) { d["timestamp_utc"] = "yesterday" }, wantErr: "not ISO-8601"},
		{name: "profile", mutate: func(d map[string]interface{}) { d["nist_profile"] = "Shred" }, wantErr: "nist_profile"},
		{name: "status", mutate: func(d map[string]interface{}) { d["post_wipe_status"] = "simulated" }, wantErr: "post_wipe_status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := validDoc()
			if tt.mutate != nil {
				tt.mutate(d)
			}
			data, err := json.Marshal(d)
			require.NoError(t, err)

			doc, err := VerifyBytes(data)
			if tt.wantErr == "" {
				require.NoError(t, err)
				assert.Equal(t, "Purge", doc.NISTProfile)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestVerifyReportsAllProblems(t *testing.T) {
	t.Parallel()
	_, err := VerifyBytes([]byte(`{"nist_profile":"Erase"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing field certificate_id")
	assert.Contains(t, err.Error(), "missing field logs")
	assert.Contains(t, err.Error(), "nist_profile")
}

func TestVerifyRejectsGarbage(t *testing.T) {
	t.Parallel()
	_, err := VerifyBytes([]byte("%PDF-1.7"))
	assert.Error(t, err)
}
