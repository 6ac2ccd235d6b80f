// Package mapping ensures the indicator index declares the detection
// metadata fields before a scan begins.
package mapping

import (
	"context"
	"fmt"

	"github.com/threatscan/scanner/internal/backend"
)

// properties is the mapping fragment this migration is idempotent over:
// threat.detection.timestamp as a date, threat.detection.matches as a
// 64-bit integer.
var properties = map[string]interface{}{
	"threat": map[string]interface{}{
		"properties": map[string]interface{}{
			"detection": map[string]interface{}{
				"properties": map[string]interface{}{
					"timestamp": map[string]interface{}{"type": "date", "format": "epoch_millis"},
					"matches":   map[string]interface{}{"type": "long"},
				},
			},
		},
	},
}

// Migrate applies the detection-field mapping to every index in
// threatIndex. Failure here is fatal for the scan: later stages assume
// the detection fields are mapped correctly.
func Migrate(ctx context.Context, b backend.Backend, threatIndex []string) error {
	for _, index := range threatIndex {
		if err := b.PutMapping(ctx, index, properties); err != nil {
			return fmt.Errorf("migrate mapping for index %q: %w", index, err)
		}
	}
	return nil
}
