package core

import (
	"errors"
	"regexp"
)

var (
	ErrValidation     = errors.New("validation failed")
	ErrThreadNotFound = errors.New("thread not found")
)

// ValidationError is a malformed request. It matches ErrValidation with errors.Is.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }
func (e *ValidationError) Unwrap() error { return ErrValidation }

func invalid(msg string) error {
	return &ValidationError{Message: msg}
}

var tokenPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidToken reports whether id is a well-formed client identifier
// (user or thread id): 1-64 characters of letters, digits, '-' or '_'.
func ValidToken(id string) bool {
	return tokenPattern.MatchString(id)
}

func validateUserID(userID string) error {
	if userID == "" {
		return invalid("user_id is required")
	}
	if !ValidToken(userID) {
		return invalid("user_id is malformed")
	}
	return nil
}
