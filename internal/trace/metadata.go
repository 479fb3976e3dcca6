package trace

import (
	"encoding/json"
	"strings"
)

// encodeMetadata serializes a metadata map for storage. Empty maps are
// stored as empty strings so the column stays NULL-ish and cheap to scan.
func encodeMetadata(metadata map[string]any) string {
	if len(metadata) == 0 {
		return ""
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return ""
	}
	return string(encoded)
}

// DecodeMetadataMap decodes a JSON metadata string into a generic map.
// Returns nil for empty input or JSON parse errors.
func DecodeMetadataMap(raw string) map[string]any {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	decoded := make(map[string]any)
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil
	}
	return decoded
}

func encodeSteps(steps []Step) string {
	if len(steps) == 0 {
		return ""
	}
	encoded, err := json.Marshal(steps)
	if err != nil {
		return ""
	}
	return string(encoded)
}

func decodeSteps(raw string) []Step {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var decoded []Step
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		return nil
	}
	return decoded
}
