package security

import (
	"fmt"
	"unicode"

	zxcvbn "github.com/nbutton23/zxcvbn-go"
)

const (
	defaultMinPasswordLength = 8
	defaultMinZxcvbnScore    = 2
)

// PasswordValidationError represents a single password policy violation.
type PasswordValidationError struct {
	Code    string
	Message string
}

func (e *PasswordValidationError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// PasswordRule validates a password according to a specific policy rule.
type PasswordRule func(password string) error

// PasswordPolicy applies a sequence of rules and returns the first violation.
type PasswordPolicy struct {
	rules []PasswordRule
}

// NewPasswordPolicy constructs a policy from rules.
func NewPasswordPolicy(rules ...PasswordRule) *PasswordPolicy {
	return &PasswordPolicy{rules: append([]PasswordRule(nil), rules...)}
}

// DefaultPasswordPolicy requires 8 characters with upper, lower and digit and
// rejects guessable values.
func DefaultPasswordPolicy() *PasswordPolicy {
	return NewPasswordPolicy(
		MinLengthRule(defaultMinPasswordLength),
		RequireRuneClassRule("uppercase", "password must include an uppercase letter", unicode.IsUpper),
		RequireRuneClassRule("lowercase", "password must include a lowercase letter", unicode.IsLower),
		RequireRuneClassRule("digit", "password must include a digit", unicode.IsDigit),
		StrengthRule(defaultMinZxcvbnScore),
	)
}

// Validate runs all rules.
func (p *PasswordPolicy) Validate(password string) error {
	if p == nil {
		return fmt.Errorf("password policy not configured")
	}
	for _, rule := range p.rules {
		if err := rule(password); err != nil {
			return err
		}
	}
	return nil
}

// MinLengthRule ensures the password has at least min characters.
func MinLengthRule(min int) PasswordRule {
	return func(password string) error {
		if len([]rune(password)) < min {
			return &PasswordValidationError{
				Code:    "min_length",
				Message: fmt.Sprintf("password must be at least %d characters long", min),
			}
		}
		return nil
	}
}

// RequireRuneClassRule ensures at least one rune satisfies class.
func RequireRuneClassRule(code, message string, class func(rune) bool) PasswordRule {
	return func(password string) error {
		for _, r := range password {
			if class(r) {
				return nil
			}
		}
		return &PasswordValidationError{Code: code, Message: message}
	}
}

// StrengthRule enforces a minimum zxcvbn score.
func StrengthRule(minScore int, userInputs ...string) PasswordRule {
	if minScore > 4 {
		minScore = 4
	}
	return func(password string) error {
		if minScore <= 0 {
			return nil
		}
		if zxcvbn.PasswordStrength(password, userInputs).Score >= minScore {
			return nil
		}
		return &PasswordValidationError{
			Code:    "weak_password",
			Message: "password is too weak; choose a more complex value",
		}
	}
}
