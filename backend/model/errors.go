package model

import "errors"

var (
	ErrAuth       = errors.New("authentication failed")
	ErrValidation = errors.New("invalid request")
	ErrNotFound   = errors.New("not found")
	ErrStorage    = errors.New("storage failure")
	ErrIndex      = errors.New("chunk index out of range")
)

const (
	CodeAuth       = "auth"
	CodeValidation = "validation"
	CodeNotFound   = "not_found"
	CodeStorage    = "storage"
	CodeIndex      = "index"
	CodeInternal   = "internal"
)

// ErrorCode maps an error to the code reported in outbound error events.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAuth):
		return CodeAuth
	case errors.Is(err, ErrValidation):
		return CodeValidation
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrIndex):
		return CodeIndex
	case errors.Is(err, ErrStorage):
		return CodeStorage
	default:
		return CodeInternal
	}
}
