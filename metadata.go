package hmd

import "encoding/json"

// encodeMetadata serializes a memory's free-form metadata map for storage.
// Callers never see serialization errors: an unmarshalable map is a bug in
// the orchestrator's validation, not a persistence-layer concern.
func encodeMetadata(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMetadata(s string) map[string]string {
	if s == "" {
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}
