package errors

import "errors"

var (
	ErrNotFound     = errors.New("not found")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalid      = errors.New("invalid")
	ErrConflict     = errors.New("conflict")

	ErrSourceUnreadable    = errors.New("source unreadable")
	ErrMalformedRow        = errors.New("malformed row")
	ErrDuplicateKeyInBatch = errors.New("duplicate key in batch")
	ErrChunkWriteFailed    = errors.New("chunk write failed")
	ErrRunAlreadyActive    = errors.New("run already active")
)
