package vault

import "errors"

// ErrMissingRecords is returned when a bundle carries no records list.
var ErrMissingRecords = errors.New("bundle has no records")

// Bundle is the structured payload a data holder submits for a transfer.
type Bundle struct {
	Records  []map[string]any `cbor:"records" json:"records"`
	Metadata map[string]any   `cbor:"metadata,omitempty" json:"metadata,omitempty"`
}

// Validate checks that the required fields are present. An empty
// records list is valid; a missing one is not.
func (b Bundle) Validate() error {
	if b.Records == nil {
		return ErrMissingRecords
	}

	return nil
}
