package domain

import (
	"fmt"
	"log/slog"
	"regexp"
	"strings"
)

// e164Pattern matches E.164 phone numbers: + followed by 7-15 digits.
var e164Pattern = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)

// cnMobilePattern matches Chinese mobile numbers: 11 digits starting 13-19.
var cnMobilePattern = regexp.MustCompile(`^1[3-9]\d{9}$`)

// auMobilePattern matches Australian mobile numbers: 9 digits starting 4
// (national trunk 0 already stripped).
var auMobilePattern = regexp.MustCompile(`^4\d{8}$`)

// PhoneNumber is a value object representing a phone number in E.164 format.
// Always valid in memory — use NewPhoneNumber or NormalizePhone to construct.
type PhoneNumber struct {
	value string
}

// NewPhoneNumber creates a PhoneNumber from a raw string, validating E.164 format.
// E.164 requires: '+' prefix, 7-15 digits, no leading zero after country code.
func NewPhoneNumber(raw string) (PhoneNumber, error) {
	if raw == "" {
		return PhoneNumber{}, fmt.Errorf("phone number cannot be empty: %w", ErrInvalidPhoneNumber)
	}
	if !e164Pattern.MatchString(raw) {
		return PhoneNumber{}, fmt.Errorf("phone number %q is not valid E.164: %w", raw, ErrInvalidPhoneNumber)
	}
	return PhoneNumber{value: raw}, nil
}

// MustPhoneNumber creates a PhoneNumber, panicking on invalid input. Use only in tests.
func MustPhoneNumber(raw string) PhoneNumber {
	p, err := NewPhoneNumber(raw)
	if err != nil {
		panic(err)
	}
	return p
}

func (p PhoneNumber) String() string { return p.value }
func (p PhoneNumber) IsZero() bool   { return p.value == "" }

// Mask returns the masked rendering of the number ("***" + last four).
// Use this anywhere a number could reach logs or audit rows.
func (p PhoneNumber) Mask() string {
	return MaskPhone(p.value)
}

// LogValue implements slog.LogValuer so a PhoneNumber logged by accident
// comes out masked, never in full.
func (p PhoneNumber) LogValue() slog.Value {
	return slog.StringValue(p.Mask())
}

// NormalizePhone converts raw user input to E.164. Formatting characters
// (spaces, dashes, parentheses) are stripped. Input already carrying a
// '+' prefix is validated as-is. Bare national numbers are interpreted
// under defaultCountry, a dial prefix such as "+86"; China and Australia
// get their national mobile rules, any other prefix is prepended and the
// result validated as generic E.164.
//
// Normalization is idempotent: normalizing an already normalized number
// returns it unchanged.
func NormalizePhone(raw string, defaultCountry string) (PhoneNumber, error) {
	filtered := stripFormatting(raw)
	if filtered == "" {
		return PhoneNumber{}, fmt.Errorf("phone number cannot be empty: %w", ErrInvalidPhoneNumber)
	}

	if strings.HasPrefix(filtered, "+") {
		return NewPhoneNumber(filtered)
	}

	switch strings.TrimPrefix(defaultCountry, "+") {
	case "86":
		if !cnMobilePattern.MatchString(filtered) {
			return PhoneNumber{}, fmt.Errorf("number %q is not a valid Chinese mobile: %w", filtered, ErrInvalidPhoneNumber)
		}
		return PhoneNumber{value: "+86" + filtered}, nil
	case "61":
		national := strings.TrimPrefix(filtered, "0")
		if !auMobilePattern.MatchString(national) {
			return PhoneNumber{}, fmt.Errorf("number %q is not a valid Australian mobile: %w", filtered, ErrInvalidPhoneNumber)
		}
		return PhoneNumber{value: "+61" + national}, nil
	case "":
		return PhoneNumber{}, fmt.Errorf("number %q has no country code and no default country given: %w", filtered, ErrInvalidPhoneNumber)
	default:
		return NewPhoneNumber("+" + strings.TrimPrefix(defaultCountry, "+") + filtered)
	}
}

// stripFormatting removes everything except digits and '+'.
func stripFormatting(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		if (r >= '0' && r <= '9') || r == '+' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ExtractCountry splits an E.164 number into its dial prefix and local
// part. Known prefixes are matched longest-first; +1 and +7 only match
// at their national lengths (11 and 12 digits respectively), any other
// pattern falls back to a generic two-digit prefix.
func ExtractCountry(p PhoneNumber) (country string, local string) {
	digits := strings.TrimPrefix(p.value, "+")
	switch {
	case strings.HasPrefix(digits, "1") && len(digits) == 11:
		return "+1", digits[1:]
	case strings.HasPrefix(digits, "7") && len(digits) == 12:
		return "+7", digits[1:]
	case strings.HasPrefix(digits, "44"):
		return "+44", digits[2:]
	case strings.HasPrefix(digits, "61"):
		return "+61", digits[2:]
	case strings.HasPrefix(digits, "86"):
		return "+86", digits[2:]
	default:
		return "+" + digits[:2], digits[2:]
	}
}

// MaskPhone renders a number safe for logs and audit rows: "***" plus
// the last four characters, or all asterisks when the value is that
// short.
func MaskPhone(raw string) string {
	if len(raw) <= 4 {
		return strings.Repeat("*", len(raw))
	}
	return "***" + raw[len(raw)-4:]
}

// Ensure PhoneNumber never logs in full.
var _ slog.LogValuer = PhoneNumber{}
