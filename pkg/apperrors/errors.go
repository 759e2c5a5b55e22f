package apperrors

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrInvalidEndpoint = errors.New("invalid instance endpoint")
	ErrAlreadyQueued   = errors.New("analysis already queued for this failure")
	ErrInstanceError   = errors.New("instance requires explicit reconnect")
)
