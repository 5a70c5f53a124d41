// Package registry implements validation for the business registry's data
// formats: enterprise and establishment number checksums, the registry's
// date and timestamp encodings, and extract metadata. Functions here never
// log; they return structured errors for callers to act on.
package registry

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	enterpriseNumberRe    = regexp.MustCompile(`^\d{4}\.\d{3}\.\d{3}$`)
	establishmentNumberRe = regexp.MustCompile(`^\d\.\d{3}\.\d{3}\.\d{3}$`)
	digitsRe              = regexp.MustCompile(`^\d{10}$`)
)

// ValidEnterpriseNumber reports whether s is a well-formed enterprise
// number ("0200.065.765") with a correct check digit pair. It never
// returns an error: malformed input is simply invalid.
func ValidEnterpriseNumber(s string) bool {
	if !enterpriseNumberRe.MatchString(s) {
		return false
	}
	return checkDigitsValid(strings.ReplaceAll(s, ".", ""))
}

// ValidEstablishmentNumber reports whether s is a well-formed establishment
// number ("2.123.456.789") with a correct check digit pair.
func ValidEstablishmentNumber(s string) bool {
	if !establishmentNumberRe.MatchString(s) {
		return false
	}
	return checkDigitsValid(strings.ReplaceAll(s, ".", ""))
}

// checkDigitsValid verifies the registry checksum over ten digits: the last
// two digits must equal 97 minus the first eight digits modulo 97.
func checkDigitsValid(digits string) bool {
	base, err := strconv.ParseInt(digits[:8], 10, 64)
	if err != nil {
		return false
	}
	check, err := strconv.ParseInt(digits[8:], 10, 64)
	if err != nil {
		return false
	}
	return check == 97-base%97
}

// FormatEnterpriseNumber formats ten raw digits as an enterprise number
// ("0200065765" -> "0200.065.765"). It panics if the input is not exactly
// ten digits: formatting is only ever called on values already known to be
// numeric identifiers, so a wrong digit count is a programming error.
func FormatEnterpriseNumber(digits string) string {
	mustTenDigits(digits)
	return digits[:4] + "." + digits[4:7] + "." + digits[7:]
}

// FormatEstablishmentNumber formats ten raw digits as an establishment
// number ("2123456789" -> "2.123.456.789"). Panics on a wrong digit count.
func FormatEstablishmentNumber(digits string) string {
	mustTenDigits(digits)
	return digits[:1] + "." + digits[1:4] + "." + digits[4:7] + "." + digits[7:]
}

func mustTenDigits(digits string) {
	if !digitsRe.MatchString(digits) {
		panic(fmt.Sprintf("registry: expected ten digits, got %q", digits))
	}
}
