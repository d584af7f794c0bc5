// Package security holds the master password policy applied when a vault is
// created.
package security

import (
	"fmt"
	"unicode"
	"unicode/utf8"
)

// Master password length limits, in characters
const (
	MinPasswordLength = 8
	MaxPasswordLength = 128
)

// PasswordStrength represents the strength level of a password.
type PasswordStrength int

const (
	PasswordWeak PasswordStrength = iota
	PasswordFair
	PasswordGood
	PasswordStrong
)

// String returns a human-readable representation of the password strength.
func (s PasswordStrength) String() string {
	switch s {
	case PasswordWeak:
		return "Weak"
	case PasswordFair:
		return "Fair"
	case PasswordGood:
		return "Good"
	case PasswordStrong:
		return "Strong"
	default:
		return "Unknown"
	}
}

// PasswordCheck is the outcome of CheckMasterPassword.
type PasswordCheck struct {
	Valid    bool             // Whether the password meets the hard limits
	Strength PasswordStrength // Estimated strength
	Warnings []string         // Suggestions for improvement, or the reason it is invalid
}

// CheckMasterPassword applies the length limits and estimates strength.
// Length is the primary factor per NIST SP 800-63B; character classes only
// add advisory warnings.
func CheckMasterPassword(password []byte) *PasswordCheck {
	length := utf8.RuneCount(password)
	result := &PasswordCheck{Valid: true}

	// Hard requirements
	if length < MinPasswordLength {
		result.Valid = false
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Password must be at least %d characters", MinPasswordLength))
		return result
	}
	if length > MaxPasswordLength {
		result.Valid = false
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("Password must be at most %d characters", MaxPasswordLength))
		return result
	}

	classes := characterClasses(password)
	if classes < 2 {
		result.Warnings = append(result.Warnings,
			"Consider using a mix of uppercase, lowercase, numbers, and symbols")
	}
	if length < 12 {
		result.Warnings = append(result.Warnings,
			"Longer passwords (12+ characters) are more secure")
	}

	switch {
	case length >= 20 || (classes >= 3 && length >= 16):
		result.Strength = PasswordStrong
	case length >= 14 || (classes >= 2 && length >= 12):
		result.Strength = PasswordGood
	default:
		result.Strength = PasswordFair
	}
	return result
}

// characterClasses counts how many of upper, lower, digit and other
// characters occur in password.
func characterClasses(password []byte) int {
	var upper, lower, digit, other bool
	for len(password) > 0 {
		r, size := utf8.DecodeRune(password)
		password = password[size:]
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case !unicode.IsSpace(r):
			other = true
		}
	}

	n := 0
	for _, present := range []bool{upper, lower, digit, other} {
		if present {
			n++
		}
	}
	return n
}
