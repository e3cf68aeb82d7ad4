// Package credential holds the password policy and password hashing.
package credential

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"unicode"

	"golang.org/x/crypto/bcrypt"

	dErrors "unigate/pkg/domain-errors"
)

// Violation names one failed password rule.
type Violation string

const (
	ViolationMinLength Violation = "min_length"
	ViolationUppercase Violation = "uppercase"
	ViolationLowercase Violation = "lowercase"
	ViolationDigit     Violation = "digit"
	ViolationSymbol    Violation = "symbol"
	ViolationMaxLength Violation = "max_length"
)

const (
	MinLength = 8
	// MaxBytes is the longest input bcrypt accepts.
	MaxBytes = 72
	// MinCost is the lowest bcrypt cost the service accepts.
	MinCost     = 10
	DefaultCost = 12

	Symbols = "!@#$%^&*()-_=+[]{};:'\",.<>/?\\|`~"
)

// ValidatePassword returns every rule raw breaks, in a stable order.
// An empty result means the password is acceptable.
func ValidatePassword(raw string) []Violation {
	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range raw {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		case strings.ContainsRune(Symbols, r):
			hasSymbol = true
		}
	}

	var violations []Violation
	if len([]rune(raw)) < MinLength {
		violations = append(violations, ViolationMinLength)
	}
	if !hasUpper {
		violations = append(violations, ViolationUppercase)
	}
	if !hasLower {
		violations = append(violations, ViolationLowercase)
	}
	if !hasDigit {
		violations = append(violations, ViolationDigit)
	}
	if !hasSymbol {
		violations = append(violations, ViolationSymbol)
	}
	if len(raw) > MaxBytes {
		violations = append(violations, ViolationMaxLength)
	}
	return violations
}

// CheckPolicy wraps ValidatePassword as a CodePolicy error listing every violation.
func CheckPolicy(raw string) error {
	violations := ValidatePassword(raw)
	if len(violations) == 0 {
		return nil
	}
	names := make([]string, len(violations))
	for i, v := range violations {
		names[i] = string(v)
	}
	return dErrors.WithViolations("password does not meet complexity requirements", names)
}

// Hasher hashes and verifies passwords with bcrypt at a fixed cost.
type Hasher struct {
	cost int
}

func NewHasher(cost int) (*Hasher, error) {
	if cost < MinCost || cost > bcrypt.MaxCost {
		return nil, fmt.Errorf("bcrypt cost %d outside [%d, %d]", cost, MinCost, bcrypt.MaxCost)
	}
	return &Hasher{cost: cost}, nil
}

func (h *Hasher) Hash(raw string) (string, error) {
	if raw == "" {
		return "", dErrors.New(dErrors.CodeInvalidInput, "password cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(raw), h.cost)
	if err != nil {
		if errors.Is(err, bcrypt.ErrPasswordTooLong) {
			return "", dErrors.New(dErrors.CodeInvalidInput, "password is too long")
		}
		return "", fmt.Errorf("could not hash password: %w", err)
	}
	return string(hashed), nil
}

// Verify reports whether raw matches hash. bcrypt compares in constant time.
func (h *Hasher) Verify(raw, hash string) (bool, error) {
	if hash == "" {
		return false, nil
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(raw))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, fmt.Errorf("could not verify password: %w", err)
}

const (
	temporaryLength = 14
	upperAlphabet   = "ABCDEFGHJKLMNPQRSTUVWXYZ"
	lowerAlphabet   = "abcdefghijkmnpqrstuvwxyz"
	digitAlphabet   = "23456789"
	symbolAlphabet  = "!@#$%&*?"
)

// GenerateTemporary returns a random password that satisfies the policy:
// one character from each class, the rest from all classes, then shuffled.
func GenerateTemporary() (string, error) {
	all := upperAlphabet + lowerAlphabet + digitAlphabet + symbolAlphabet
	classes := []string{upperAlphabet, lowerAlphabet, digitAlphabet, symbolAlphabet}

	out := make([]byte, 0, temporaryLength)
	for _, class := range classes {
		c, err := pick(class)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}
	for len(out) < temporaryLength {
		c, err := pick(all)
		if err != nil {
			return "", err
		}
		out = append(out, c)
	}

	for i := len(out) - 1; i > 0; i-- {
		j, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", err
		}
		out[i], out[j.Int64()] = out[j.Int64()], out[i]
	}
	return string(out), nil
}

func pick(alphabet string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
	if err != nil {
		return 0, fmt.Errorf("could not generate password: %w", err)
	}
	return alphabet[n.Int64()], nil
}
