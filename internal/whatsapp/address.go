package whatsapp

import "strings"

const (
	// DefaultCountryCode is prepended to local numbers that lack one.
	DefaultCountryCode = "62"
	// UserSuffix marks an individual-account messaging address.
	UserSuffix = "@c.us"
)

// NormalizeAddress converts a locally formatted phone number into a messaging
// address, e.g. "081234567890" -> "6281234567890@c.us". Input that is not purely
// numeric is assumed to be an address already and is returned unchanged.
func NormalizeAddress(phone, countryCode string) string {
	if !isDigits(phone) {
		return phone
	}
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	n := phone
	if !strings.HasPrefix(n, countryCode) {
		n = countryCode + strings.TrimLeft(n, "0")
	}
	return n + UserSuffix
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
