package db

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/mongo"
)

var (
	ErrNotFound         = errors.New("document not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrTransient        = errors.New("store temporarily unavailable")
	ErrConflict         = errors.New("conflicting write")
	ErrInvalidDocument  = errors.New("invalid document")
)

// mongo server error codes that mean the caller is not (yet) allowed in
const (
	codeUnauthorized         = 13
	codeAuthenticationFailed = 18
)

// Classify maps driver errors onto the package taxonomy. Errors that are
// already classified, and context errors, pass through unchanged.
func Classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrPermissionDenied),
		errors.Is(err, ErrTransient), errors.Is(err, ErrConflict),
		errors.Is(err, ErrInvalidDocument):
		return err
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, mongo.ErrNoDocuments):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case mongo.IsDuplicateKeyError(err):
		return fmt.Errorf("%w: %v", ErrConflict, err)
	case mongo.IsTimeout(err), mongo.IsNetworkError(err),
		errors.Is(err, mongo.ErrClientDisconnected):
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}

	var se mongo.ServerError
	if errors.As(err, &se) {
		if se.HasErrorCode(codeUnauthorized) || se.HasErrorCode(codeAuthenticationFailed) {
			return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
		}
		if se.HasErrorLabel("TransientTransactionError") || se.HasErrorLabel("RetryableWriteError") {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
	}
	return err
}

// IsRetryable reports whether a write that failed with err may be reissued.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	return errors.Is(Classify(err), ErrTransient)
}
