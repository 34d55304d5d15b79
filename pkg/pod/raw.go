package pod

import (
	"fmt"

	toml "github.com/pelletier/go-toml/v2"
)

var requiredRawKeys = []string{"address", "time_zone"}

// RawState flattens the state into the key/value blob hosts persist.
// Values are the TOML representation: strings, int64, float64, bool,
// time.Time, nested maps and slices.
func (s State) RawState() (map[string]interface{}, error) {
	data, err := toml.Marshal(s)
	if err != nil {
		return nil, err
	}
	var ret map[string]interface{}
	if err := toml.Unmarshal(data, &ret); err != nil {
		return nil, err
	}
	return ret, nil
}

// NewStateFromRaw fails when the blob lacks a required key or holds values of the wrong type
func NewStateFromRaw(raw map[string]interface{}) (*State, error) {
	for _, key := range requiredRawKeys {
		if _, ok := raw[key]; !ok {
			return nil, fmt.Errorf("raw state is missing %q", key)
		}
	}
	data, err := toml.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid raw state: %w", err)
	}
	var ret State
	if err := toml.Unmarshal(data, &ret); err != nil {
		return nil, fmt.Errorf("invalid raw state: %w", err)
	}
	return &ret, nil
}
