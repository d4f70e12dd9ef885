package normalize

import (
	"encoding/json"
	"fmt"

	"labpipeline/internal/model"
)

// JSON decodes a payload that is already canonical. Field rules are left to
// the validator at the gateway.
func JSON(raw string) (*model.CanonicalLabResult, error) {
	var rec model.CanonicalLabResult
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode canonical json: %w", err)
	}
	return &rec, nil
}
