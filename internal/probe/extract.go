// Package probe pulls the most recently probed network name out of a Kismet
// device record.
package probe

import (
	"strings"
	"unicode/utf8"

	"github.com/goccy/go-json"
)

type deviceRecord struct {
	Dot11 *dot11Device `json:"dot11.device"`
}

type dot11Device struct {
	LastProbed *probedSSID `json:"dot11.device.last_probed_ssid_record"`
}

type probedSSID struct {
	SSID *string `json:"dot11.probedssid.ssid"`
}

// ExtractProbedName returns the last probed SSID. Missing keys at any level,
// undecodable blobs and empty names all yield ("", false).
func ExtractProbedName(metadata []byte) (string, bool) {
	if len(metadata) == 0 {
		return "", false
	}
	if !utf8.Valid(metadata) {
		metadata = []byte(strings.ToValidUTF8(string(metadata), ""))
	}

	var rec deviceRecord
	if err := json.Unmarshal(metadata, &rec); err != nil {
		return "", false
	}
	if rec.Dot11 == nil || rec.Dot11.LastProbed == nil || rec.Dot11.LastProbed.SSID == nil {
		return "", false
	}
	name := *rec.Dot11.LastProbed.SSID
	if name == "" {
		return "", false
	}
	return name, true
}
