package postgres

import (
	"encoding/json"
	"fmt"

	"swiftq/swiftq"
)

// encodeSendOptions/decodeSendOptions persist a schedule's default
// send options as the schedule table's jsonb options column.
func encodeSendOptions(opts swiftq.SendOptions) ([]byte, error) {
	b, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("encode schedule options: %w", err)
	}
	return b, nil
}

func decodeSendOptions(raw []byte) (swiftq.SendOptions, error) {
	var opts swiftq.SendOptions
	if err := json.Unmarshal(raw, &opts); err != nil {
		return opts, fmt.Errorf("decode schedule options: %w", err)
	}
	return opts, nil
}
