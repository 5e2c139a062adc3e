package appointment

import (
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is used for numbers written without a country code.
const DefaultRegion = "PK"

// NormalizePhone converts a loosely formatted phone number into E.164.
// Numbers without a leading + are read in the given region.
func NormalizePhone(raw, region string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", &ValidationError{Field: "phone_number", Reason: "is required"}
	}
	if region == "" {
		region = DefaultRegion
	}

	num, err := phonenumbers.Parse(s, region)
	if err != nil {
		return "", &ValidationError{Field: "phone_number", Reason: "is not a phone number"}
	}
	if !phonenumbers.IsPossibleNumber(num) {
		return "", &ValidationError{Field: "phone_number", Reason: "has an impossible length for its country"}
	}

	return phonenumbers.Format(num, phonenumbers.E164), nil
}
