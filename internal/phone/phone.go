// Package phone normalises Nigerian phone numbers used as login usernames.
package phone

import (
	"regexp"
	"strings"
)

var nonDigits = regexp.MustCompile(`\D+`)

// NormalizeLocal converts input to the local 11-digit form (0XXXXXXXXXX):
// non-digits are stripped, a leading 234 country code is dropped, a leading
// zero is ensured and anything beyond 11 digits is cut off.
func NormalizeLocal(input string) string {
	digits := nonDigits.ReplaceAllString(strings.TrimSpace(input), "")
	if digits == "" {
		return ""
	}
	digits = strings.TrimPrefix(digits, "234")
	if !strings.HasPrefix(digits, "0") {
		digits = "0" + digits
	}
	if len(digits) > 11 {
		digits = digits[:11]
	}
	return digits
}

// IsLocal reports whether s is already in normalised local form.
func IsLocal(s string) bool {
	return len(s) == 11 && s[0] == '0' && !nonDigits.MatchString(s)
}
