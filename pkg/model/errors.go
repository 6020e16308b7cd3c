package model

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a document is not found
	ErrNotFound = errors.New("document not found")
	// ErrInvalidPrimaryKey is returned when a write carries an unusable primary key
	ErrInvalidPrimaryKey = errors.New("invalid primary key")
	// ErrInvalidDocument is returned when a write carries an unusable document
	ErrInvalidDocument = errors.New("invalid document")
	// ErrUnknownMatcher is returned when a context references an unregistered matcher
	ErrUnknownMatcher = errors.New("unknown matcher")
	// ErrClosed is returned by operations on a closed database
	ErrClosed = errors.New("database closed")
	// ErrDestroyed is returned by operations on a destroyed context
	ErrDestroyed = errors.New("context destroyed")
	// ErrIndexNotReady is returned when a caller gives up waiting for a reindex
	ErrIndexNotReady = errors.New("index not ready")
	// ErrCanceled is returned when the operation is canceled by the client
	ErrCanceled = errors.New("operation canceled")
)

// WrapError converts context.Canceled and context.DeadlineExceeded to ErrCanceled.
func WrapError(err error) error {
	if err == nil {
		return nil
	}
	if IsCanceled(err) {
		return ErrCanceled
	}
	return err
}

// IsCanceled returns true if the error is due to context cancellation or deadline exceeded.
func IsCanceled(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, ErrCanceled)
}
