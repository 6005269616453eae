// Package phone validates and normalizes mobile-money phone numbers.
//
// Normalized numbers are E.164 digits without the leading '+', the form
// Daraja expects in PartyA and PhoneNumber.
package phone

import (
	"regexp"
	"strings"

	"github.com/nyaruka/phonenumbers"
)

// DefaultRegion is used when a caller passes an empty region.
const DefaultRegion = "KE"

// Patterns are the accepted mobile-money number formats per region.
var Patterns = map[string]*regexp.Regexp{
	"KE": regexp.MustCompile(`^((00|\+)?(254))?(7|1)[0-9]{8}$`),
	"TZ": regexp.MustCompile(`^((00|\+)?(255))?[67][0-9]{8}$`),
	"UG": regexp.MustCompile(`^((00|\+)?(256))?[7][0-9]{8}$`),
	"MZ": regexp.MustCompile(`^((00|\+)?(258))?8[45][0-9]{7}$`),
	"PK": regexp.MustCompile(`^((00|\+)?(92))?3[0-9]{9}$`),
}

// CountryPrefixes maps regions to their international dialing prefix.
var CountryPrefixes = map[string]string{
	"KE": "254",
	"TZ": "255",
	"UG": "256",
	"RW": "250",
	"MW": "265",
	"MZ": "258",
	"PK": "92",
}

var separators = strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")

// IsValid reports whether phone is an acceptable number for region. Spaces,
// dashes and a single national trunk '0' are ignored. Regions without a
// pattern accept any input; Normalize still formats them.
func IsValid(phone, region string) bool {
	pattern, ok := Patterns[regionOrDefault(region)]
	if !ok {
		return true
	}
	cleaned := separators.Replace(strings.TrimSpace(phone))
	if cleaned == "" {
		return false
	}
	if strings.HasPrefix(cleaned, "0") && !strings.HasPrefix(cleaned, "00") {
		cleaned = cleaned[1:]
	}
	return pattern.MatchString(cleaned)
}

// Normalize converts phone into E.164 digits for region, without '+'.
func Normalize(phone, region string) string {
	region = regionOrDefault(region)
	cleaned := keepDialable(phone)
	if cleaned == "" {
		return ""
	}

	if num, err := phonenumbers.Parse(cleaned, region); err == nil && phonenumbers.IsValidNumber(num) {
		return strings.TrimPrefix(phonenumbers.Format(num, phonenumbers.E164), "+")
	}

	international := strings.HasPrefix(cleaned, "+") || strings.HasPrefix(cleaned, "00")
	digits := strings.TrimPrefix(strings.TrimPrefix(cleaned, "+"), "00")
	prefix, ok := CountryPrefixes[region]
	switch {
	case !ok, international, strings.HasPrefix(digits, prefix):
		return digits
	case strings.HasPrefix(digits, "0"):
		return prefix + digits[1:]
	default:
		return prefix + digits
	}
}

// Mask hides all but the last four digits, for logs.
func Mask(phone string) string {
	if len(phone) <= 4 {
		return phone
	}
	return strings.Repeat("*", len(phone)-4) + phone[len(phone)-4:]
}

func keepDialable(phone string) string {
	var b strings.Builder
	for i, r := range strings.TrimSpace(phone) {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func regionOrDefault(region string) string {
	if region == "" {
		return DefaultRegion
	}
	return strings.ToUpper(region)
}
