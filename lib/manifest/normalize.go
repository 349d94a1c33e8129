// Copyright 2026 The Exthost Authors
// SPDX-License-Identifier: Apache-2.0

package manifest

import "encoding/json"

// legacyFields maps field spellings from earlier manifest schema
// revisions to their current names. Older extensions declared the
// backend entrypoint as "backend_assembly" (and briefly "backend"),
// and the UI entry as "main". Normalization happens once at load time
// so nothing past this file ever branches on manifest vintage.
var legacyFields = map[string]string{
	"backend_assembly": "entrypoint",
	"backend":          "entrypoint",
	"display_name":     "name",
}

// normalize rewrites legacy field names in a decoded manifest object
// to the current schema. The current spelling always wins when both
// are present, so re-saving a migrated manifest is a no-op.
func normalize(raw map[string]json.RawMessage) {
	for legacy, current := range legacyFields {
		value, ok := raw[legacy]
		if !ok {
			continue
		}
		delete(raw, legacy)
		if _, exists := raw[current]; !exists {
			raw[current] = value
		}
	}

	// The UI descriptor's legacy "main" key predates the entry /
	// dev_server split.
	uiRaw, ok := raw["ui"]
	if !ok {
		return
	}
	var ui map[string]json.RawMessage
	if err := json.Unmarshal(uiRaw, &ui); err != nil {
		return
	}
	if value, exists := ui["main"]; exists {
		delete(ui, "main")
		if _, current := ui["entry"]; !current {
			ui["entry"] = value
		}
		if merged, err := json.Marshal(ui); err == nil {
			raw["ui"] = merged
		}
	}
}
