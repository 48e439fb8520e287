package utils

import (
	"errors"
	"strings"

	"github.com/ttacon/libphonenumber"
)

// CountryCode is the default dialing region for subscriber numbers.
var CountryCode = "KE"

// ErrInvalidMsisdn is returned for numbers that do not parse to a valid
// mobile subscriber in the default region.
var ErrInvalidMsisdn = errors.New("invalid mobile number")

// NormalizeMSISDN canonicalizes a raw phone input to the digits-only
// international form the payment providers expect (e.g. 2547XXXXXXXX).
// Local forms ("0712 345 678", "712345678") and international forms
// ("+254712345678", "254712345678") of the same subscriber all normalize
// to the same string; landlines and foreign numbers are rejected.
func NormalizeMSISDN(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", ErrInvalidMsisdn
	}

	parsed, err := libphonenumber.Parse(trimmed, CountryCode)
	if err != nil {
		return "", ErrInvalidMsisdn
	}
	if !libphonenumber.IsValidNumber(parsed) {
		return "", ErrInvalidMsisdn
	}
	if int(parsed.GetCountryCode()) != libphonenumber.GetCountryCodeForRegion(CountryCode) {
		return "", ErrInvalidMsisdn
	}

	switch libphonenumber.GetNumberType(parsed) {
	case libphonenumber.MOBILE, libphonenumber.FIXED_LINE_OR_MOBILE:
	default:
		return "", ErrInvalidMsisdn
	}

	e164 := libphonenumber.Format(parsed, libphonenumber.E164)
	return strings.TrimPrefix(e164, "+"), nil
}

// MaskMSISDN hides all but the last three digits for log lines.
func MaskMSISDN(msisdn string) string {
	if len(msisdn) <= 3 {
		return msisdn
	}
	return strings.Repeat("*", len(msisdn)-3) + msisdn[len(msisdn)-3:]
}
