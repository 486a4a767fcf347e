package model

import (
	"encoding/json"
	"time"
)

// Duration is a time.Duration persisted as integer milliseconds.
type Duration time.Duration

// MarshalJSON writes the duration as milliseconds.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).Milliseconds())
}

// UnmarshalJSON accepts integer milliseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return err
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

// D converts to a time.Duration.
func (d Duration) D() time.Duration {
	return time.Duration(d)
}
