package store

import "errors"

var (
	ErrNotFound           = errors.New("record not found")
	ErrEntryNotFound      = errors.New("queue entry not found")
	ErrDeadLetterNotFound = errors.New("dead letter not found")
	ErrInvalidOperation   = errors.New("invalid queue operation")
)
