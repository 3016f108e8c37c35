// Package tokenizer counts text units (approximate tokens) for billing and
// quota prechecks. Exact counts come from the tiktoken BPE; when the encoding
// cannot be loaded the counter degrades to a deterministic character
// estimate, which is sufficient for pre-authorization purposes.
package tokenizer

import (
	"github.com/pkoukk/tiktoken-go"
)

const (
	encodingName = "cl100k_base"
	charsPerUnit = 4
)

// Counter implements domain.UnitCounter.
type Counter struct {
	encoding *tiktoken.Tiktoken
}

// NewCounter creates a unit counter. The tiktoken encoding is loaded once; a
// load failure is not an error, the counter just falls back to the estimate.
func NewCounter() *Counter {
	encoding, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return &Counter{encoding: nil}
	}
	return &Counter{encoding: encoding}
}

// CountUnits returns the unit count for a text.
func (c *Counter) CountUnits(text string) int {
	if text == "" {
		return 0
	}

	if c.encoding != nil {
		return len(c.encoding.Encode(text, nil, nil))
	}

	return estimate(text)
}

// estimate is the rough fallback: one unit per four characters, rounded up.
func estimate(text string) int {
	units := (len(text) + charsPerUnit - 1) / charsPerUnit
	if units < 1 {
		units = 1
	}
	return units
}
