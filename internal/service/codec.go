package service

import (
	"encoding/json"
)

// JSONCodec marshals the plain Go messages of BudgetService. It replaces
// Connect's built-in "json" codec, which only handles protobuf messages.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) Marshal(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (JSONCodec) Unmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
