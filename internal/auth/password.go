package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// defaultCost is the bcrypt work factor used in production.
// Tune it so one hash takes roughly 200–300ms on the target hardware.
const defaultCost = 12

// MaxPasswordBytes is bcrypt's input limit. Longer inputs are rejected
// instead of silently truncated.
const MaxPasswordBytes = 72

// ErrPasswordMismatch is returned by Verify when the password is wrong.
var ErrPasswordMismatch = errors.New("auth: invalid password")

// PasswordService provides bcrypt hashing and verification.
//
// It is a struct so tests can inject cost 4 and stay fast.
type PasswordService struct {
	cost int

	// dummy is a valid hash used by VerifyUnknown so logins for unknown
	// users take as long as logins with a wrong password.
	dummy []byte
}

// NewPasswordService creates a PasswordService with the default cost (12).
func NewPasswordService() *PasswordService {
	return newPasswordServiceWithCost(defaultCost)
}

func newPasswordServiceWithCost(cost int) *PasswordService {
	dummy, err := bcrypt.GenerateFromPassword([]byte("qaplanet-timing-equaliser"), cost)
	if err != nil {
		// Only reachable with an out-of-range cost, which is a programming error.
		panic(fmt.Sprintf("auth: building dummy hash: %v", err))
	}
	return &PasswordService{cost: cost, dummy: dummy}
}

// NewPasswordServiceForTest creates a PasswordService with a custom cost.
// Use bcrypt.MinCost (4) in tests in other packages.
//
// Do NOT use in production.
func NewPasswordServiceForTest(cost int) *PasswordService {
	return newPasswordServiceWithCost(cost)
}

// Hash hashes the plaintext password with bcrypt. The returned string embeds
// the salt and cost and is stored as-is.
func (p *PasswordService) Hash(plaintext string) (string, error) {
	if len(plaintext) > MaxPasswordBytes {
		return "", fmt.Errorf("auth: password must be %d bytes or fewer", MaxPasswordBytes)
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(plaintext), p.cost)
	if err != nil {
		return "", fmt.Errorf("auth: hashing password: %w", err)
	}

	return string(hashed), nil
}

// Verify returns nil if plaintext matches hash and ErrPasswordMismatch if it
// does not. The comparison is constant time.
func (p *PasswordService) Verify(hash, plaintext string) error {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	if err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return ErrPasswordMismatch
		}
		return fmt.Errorf("auth: comparing password hash: %w", err)
	}
	return nil
}

// VerifyUnknown burns the same bcrypt work as Verify and always fails.
// Call it when the login identifier does not exist.
func (p *PasswordService) VerifyUnknown(plaintext string) error {
	_ = bcrypt.CompareHashAndPassword(p.dummy, []byte(plaintext))
	return ErrPasswordMismatch
}
