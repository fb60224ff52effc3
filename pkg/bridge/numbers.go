// Copyright 2024-2026 Aiku AI

package bridge

import (
	"errors"
	"fmt"

	"github.com/nyaruka/phonenumbers"
)

// ErrInvalidNumber is returned when a phone number cannot be parsed or is
// not valid. This is a validation failure: it is rejected before any state
// change and never enters the retry path.
var ErrInvalidNumber = errors.New("invalid phone number")

// NormalizeNumber parses a raw phone number and returns it in international
// E.164 format. Numbers without a country code are interpreted in the given
// default region.
func NormalizeNumber(raw, defaultRegion string) (string, error) {
	parsed, err := phonenumbers.Parse(raw, defaultRegion)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidNumber, raw, err)
	}
	if !phonenumbers.IsValidNumber(parsed) {
		return "", fmt.Errorf("%w: %q", ErrInvalidNumber, raw)
	}
	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}
