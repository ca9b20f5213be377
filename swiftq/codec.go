package swiftq

import (
	"encoding/json"
	"fmt"
)

// EncodeData marshals an opaque payload into the document form stored
// in the job/queue/data column. A nil value encodes to nil (no row
// value), matching Job.Data's nullability.
func EncodeData(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode data: %w", err)
	}
	return b, nil
}

// DecodeData unmarshals a stored document into v. A nil/empty input
// leaves v untouched.
func DecodeData(raw []byte, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode data: %w", err)
	}
	return nil
}
