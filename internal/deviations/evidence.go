package deviations

import (
	"encoding/json"
	"strings"

	"github.com/agingos/agingos-go-rewrite/internal/models"
	"github.com/agingos/agingos-go-rewrite/internal/storage"
)

// Evidence is stored as a JSON array of event ids. Under TEST monitor mode the
// cell becomes an object carrying the tag next to the ids:
//
//	{"_monitor_mode": "TEST", "event_ids": [...]}
//
// so the UI can suppress alerts from rules still under test.
type taggedEvidence struct {
	MonitorMode string   `json:"_monitor_mode"`
	EventIDs    []string `json:"event_ids"`
}

func encodeEvidence(ids []string, monitorMode string) string {
	if ids == nil {
		ids = []string{}
	}
	if monitorMode == models.ModeTest {
		return storage.JSONText(taggedEvidence{MonitorMode: monitorMode, EventIDs: ids}, "{}")
	}
	return storage.JSONText(ids, "[]")
}

func decodeEvidence(raw string) (ids []string, monitorMode string) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var doc taggedEvidence
		if err := json.Unmarshal([]byte(trimmed), &doc); err == nil {
			ids = doc.EventIDs
			monitorMode = doc.MonitorMode
		}
	} else {
		storage.FromJSONText(trimmed, &ids)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, monitorMode
}
