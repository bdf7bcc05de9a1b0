package password

import (
	"errors"
	"fmt"
	"unicode"

	passwordvalidator "github.com/wagslane/go-password-validator"
	"golang.org/x/crypto/bcrypt"
)

const (
	// MinLength is the shortest password accepted by Policy.
	MinLength = 8
	// DefaultMinEntropy is the entropy floor in bits used when none is configured.
	DefaultMinEntropy = 40
)

var (
	ErrTooShort   = fmt.Errorf("password must be at least %d characters", MinLength)
	ErrNoLower    = errors.New("password must contain a lowercase letter")
	ErrNoUpper    = errors.New("password must contain an uppercase letter")
	ErrNoDigit    = errors.New("password must contain a digit")
	ErrLowEntropy = errors.New("password is too easy to guess")
)

// Hasher wraps bcrypt with a configurable cost.
type Hasher struct {
	cost int
}

// NewHasher returns a Hasher. Out-of-range costs fall back to bcrypt.DefaultCost.
func NewHasher(cost int) *Hasher {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Hasher{cost: cost}
}

// Hash returns a salted bcrypt hash of plaintext.
func (h *Hasher) Hash(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), h.cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether plaintext matches hash. A mismatch or a malformed
// hash is simply false.
func (h *Hasher) Verify(plaintext, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// Policy checks password strength before hashing.
type Policy struct {
	minEntropy float64
}

func NewPolicy(minEntropy float64) *Policy {
	if minEntropy <= 0 {
		minEntropy = DefaultMinEntropy
	}
	return &Policy{minEntropy: minEntropy}
}

// Check returns the first rule the password breaks, or nil.
func (p *Policy) Check(pw string) error {
	if len([]rune(pw)) < MinLength {
		return ErrTooShort
	}
	var lower, upper, digit bool
	for _, r := range pw {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !lower {
		return ErrNoLower
	}
	if !upper {
		return ErrNoUpper
	}
	if !digit {
		return ErrNoDigit
	}
	if err := passwordvalidator.Validate(pw, p.minEntropy); err != nil {
		return fmt.Errorf("%w: %v", ErrLowEntropy, err)
	}
	return nil
}
