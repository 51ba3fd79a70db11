package service

import (
	"errors"
	"fmt"

	"request-portal/internal/repository"
	"request-portal/internal/workflow"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrInvalidTransition covers role, state and precondition violations.
	ErrInvalidTransition = workflow.ErrInvalidTransition
	ErrValidation        = errors.New("validation failed")
	// ErrConflict is returned when a write kept losing to concurrent writers
	// or a unique value is already taken.
	ErrConflict     = errors.New("conflict")
	ErrUnauthorized = errors.New("invalid email or password")
)

// fromRepo maps repository sentinels onto service sentinels, keeping the cause.
func fromRepo(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, repository.ErrDuplicate), errors.Is(err, repository.ErrVersionConflict):
		return fmt.Errorf("%w: %w", ErrConflict, err)
	}
	return err
}

func validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
