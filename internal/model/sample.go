// internal/model/sample.go
package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Sentinel states reported by meters that are offline or not yet initialised.
const (
	StateUnavailable = "unavailable"
	StateUnknown     = "unknown"
)

// Reading is a raw counter value as delivered by the host. It decodes from either a JSON
// number or a JSON string so sentinel states survive transport.
type Reading string

// UnmarshalJSON accepts numbers, strings and null.
func (r *Reading) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if bytes.Equal(b, []byte("null")) {
		*r = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*r = Reading(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("reading must be a number or string: %w", err)
	}
	*r = Reading(n.String())
	return nil
}

// IsSentinel reports whether the reading carries no usable value.
func (r Reading) IsSentinel() bool {
	s := strings.ToLower(strings.TrimSpace(string(r)))
	return s == "" || s == StateUnavailable || s == StateUnknown
}

// Decimal parses the reading. Sentinels and non-numeric text return an error.
func (r Reading) Decimal() (decimal.Decimal, error) {
	if r.IsSentinel() {
		return decimal.Zero, fmt.Errorf("reading is %q", string(r))
	}
	return decimal.NewFromString(strings.TrimSpace(string(r)))
}

// Sample is one observation of a cumulative meter counter in kWh.
type Sample struct {
	// Value is the new counter reading.
	Value Reading `json:"value"`
	// Previous is the host's last reading for the counter, if it tracks one.
	Previous *Reading `json:"previous,omitempty"`
	// Timestamp is when the host observed the reading.
	Timestamp time.Time `json:"timestamp"`
}

// NewSample builds a sample from decimal readings.
func NewSample(value decimal.Decimal, previous *decimal.Decimal, at time.Time) Sample {
	s := Sample{Value: Reading(value.String()), Timestamp: at}
	if previous != nil {
		p := Reading(previous.String())
		s.Previous = &p
	}
	return s
}
