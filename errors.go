package ledger

import (
	"errors"
	"fmt"
	"strings"
)

type (
	// ConcurrencyConflictError is returned when an append's expected version
	// does not match the stream's tail. Missed holds the messages appended
	// since the expected version when the backend can return them cheaply
	ConcurrencyConflictError struct {
		Stream   string
		Missed   []*Message
		Expected ExpectedVersion
		Actual   int64
	}

	// ConfigurationError reports a registration or wiring mistake. It is
	// never retried
	ConfigurationError struct {
		Reason string
	}

	// NotFoundError is returned when loading an aggregate that has never
	// been stored
	NotFoundError struct {
		Category string
		ID       string
	}

	// InvalidStreamError is returned when an append targets something that
	// is not a single stream
	InvalidStreamError struct {
		Stream string
	}

	// CommitError is returned when a commit fails after some streams were
	// already durably appended. Appended lists those streams
	CommitError struct {
		Err      error
		Appended []string
	}
)

var (
	// ErrConcurrencyConflict matches every *ConcurrencyConflictError
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrConfiguration matches every *ConfigurationError
	ErrConfiguration = errors.New("configuration error")

	// ErrNotFound matches every *NotFoundError
	ErrNotFound = errors.New("not found")

	// ErrInvalidStream matches every *InvalidStreamError
	ErrInvalidStream = errors.New("invalid stream")

	// ErrNoMessages is returned when appending an empty batch
	ErrNoMessages = errors.New("no messages to append")

	// ErrMalformedTypeTag is returned when a TypeTag can't be parsed
	ErrMalformedTypeTag = errors.New("malformed type tag")

	// ErrMalformedSequenceID is returned when a SequenceID can't be parsed
	ErrMalformedSequenceID = errors.New("malformed sequence id")

	// ErrUnitOfWorkState is returned when a UnitOfWork operation is invoked
	// in a state that doesn't permit it
	ErrUnitOfWorkState = errors.New("unit of work in wrong state")

	// ErrNestedUnitOfWork is returned by Begin when the context already
	// carries an active UnitOfWork
	ErrNestedUnitOfWork = errors.New("unit of work already active")

	// ErrNoUnitOfWork is returned when an operation requires a UnitOfWork in
	// the context and none is present
	ErrNoUnitOfWork = errors.New("no active unit of work")

	// ErrMaxRetriesExceeded is returned by an Executor that exhausted its
	// retries on concurrency conflicts
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrUnexpectedLuaResult indicates a Redis script returned a shape the
	// caller did not expect
	ErrUnexpectedLuaResult = errors.New("unexpected result from Lua script")

	// ErrPendingMessages is returned when an operation requires an
	// aggregate without uncommitted messages
	ErrPendingMessages = errors.New("aggregate has uncommitted messages")

	// ErrClosed is returned by components used after Close
	ErrClosed = errors.New("closed")
)

func (e *ConcurrencyConflictError) Error() string {
	return fmt.Sprintf(
		"%s on stream %q: expected %s, actual %d",
		ErrConcurrencyConflict, e.Stream, e.Expected, e.Actual,
	)
}

func (e *ConcurrencyConflictError) Is(target error) bool {
	return target == ErrConcurrencyConflict
}

func (e *ConfigurationError) Error() string {
	return ErrConfiguration.Error() + ": " + e.Reason
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

func configErrorf(format string, args ...any) error {
	return &ConfigurationError{Reason: fmt.Sprintf(format, args...)}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s: %s %q", ErrNotFound, e.Category, e.ID)
}

func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

func (e *InvalidStreamError) Error() string {
	return fmt.Sprintf("%s: %q", ErrInvalidStream, e.Stream)
}

func (e *InvalidStreamError) Is(target error) bool {
	return target == ErrInvalidStream
}

func (e *CommitError) Error() string {
	if len(e.Appended) == 0 {
		return "commit failed: " + e.Err.Error()
	}
	return fmt.Sprintf(
		"commit failed after appending to %s: %s",
		strings.Join(e.Appended, ", "), e.Err,
	)
}

func (e *CommitError) Unwrap() error {
	return e.Err
}

func asConflict(err error) (*ConcurrencyConflictError, bool) {
	var cc *ConcurrencyConflictError
	ok := errors.As(err, &cc)
	return cc, ok
}
