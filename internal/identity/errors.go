package identity

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrValidation           = errors.New("validation failed")
	ErrConflict             = errors.New("user exists")
	ErrUserNotFound         = errors.New("user not found")
	ErrInvalidCredentials   = errors.New("wrong password")
	ErrVerificationRequired = errors.New("email not verified")
	ErrAlreadyVerified      = errors.New("email already verified")
	ErrInvalidCode          = errors.New("invalid code")
	ErrCodeExpired          = errors.New("code expired")
	ErrTooManyRequests      = errors.New("too many requests")
)

// RetryAfterError 表示请求被冷却期拒绝，Wait 为剩余等待时间。
type RetryAfterError struct {
	Wait time.Duration
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("%s, retry after %s", ErrTooManyRequests, e.Wait.Round(time.Second))
}

func (e *RetryAfterError) Unwrap() error {
	return ErrTooManyRequests
}

func validation(msg string) error {
	return fmt.Errorf("%w: %s", ErrValidation, msg)
}
