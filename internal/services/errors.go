// Package services defines the business logic for event ingestion, command
// registration, and string-rule management. This file centralizes common
// service-level error values so that they can be consistently returned by
// service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and
// translation into user-facing messages or HTTP status codes should be
// performed at the handler layer.
package services

import "errors"

var (
	// ErrDuplicateCommand is returned when installing a command whose
	// (prefix, name) pair is already taken by an active command.
	ErrDuplicateCommand = errors.New("command prefix/name already active")

	// ErrCommandNotFound indicates the referenced command does not exist.
	ErrCommandNotFound = errors.New("command not found")

	// ErrEntityNotFound indicates the referenced chat venue is not
	// registered.
	ErrEntityNotFound = errors.New("entity not found")

	// ErrNotInstalled is returned when uninstalling or toggling a command
	// that was never installed into the entity.
	ErrNotInstalled = errors.New("command not installed in entity")

	// ErrAlreadyInstalled is returned when installing a command into an
	// entity that already has it.
	ErrAlreadyInstalled = errors.New("command already installed in entity")

	// ErrRuleNotFound indicates the referenced string match rule does not
	// exist.
	ErrRuleNotFound = errors.New("rule not found")

	// ErrInvalidRule is returned when a rule payload fails validation
	// (empty pattern, unknown match type, uncompilable regex).
	ErrInvalidRule = errors.New("invalid rule definition")

	// ErrInvalidCommand is returned when a command payload fails
	// validation (unknown sigil, empty name, unknown backend type).
	ErrInvalidCommand = errors.New("invalid command definition")

	// ErrInvalidEvent is returned when an ingested envelope is missing
	// required fields.
	ErrInvalidEvent = errors.New("invalid event envelope")

	// ErrBatchTooLarge is returned when a batch exceeds the configured
	// maximum number of envelopes.
	ErrBatchTooLarge = errors.New("batch exceeds maximum size")
)
