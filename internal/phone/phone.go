package phone

import (
	"errors"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is assumed for numbers stored without a country code.
const DefaultRegion = "US"

var (
	ErrMissing = errors.New("missing phone number")
	ErrInvalid = errors.New("invalid phone number")
)

// Normalize returns the E.164 form of raw.
func Normalize(raw string) (string, error) {
	num := strings.TrimSpace(raw)
	if num == "" {
		return "", ErrMissing
	}

	parsed, err := phonenumbers.Parse(num, DefaultRegion)
	if err != nil || !phonenumbers.IsValidNumber(parsed) {
		return "", ErrInvalid
	}

	return phonenumbers.Format(parsed, phonenumbers.E164), nil
}

func Valid(raw string) bool {
	_, err := Normalize(raw)
	return err == nil
}

// Mask keeps the last four digits for logging.
func Mask(num string) string {
	if len(num) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(num)-4) + num[len(num)-4:]
}
