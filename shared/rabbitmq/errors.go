package rabbitmq

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when no live channel is available
	ErrNotConnected = errors.New("rabbitmq: not connected")
	// ErrClientClosed is returned after Close has been called
	ErrClientClosed = errors.New("rabbitmq: client closed")
	// ErrInvalidQueueConfig is returned for queue configs that cannot be declared
	ErrInvalidQueueConfig = errors.New("rabbitmq: invalid queue configuration")
	// ErrTopologyPending is returned for a registered queue whose broker topology
	// has not been declared yet
	ErrTopologyPending = errors.New("rabbitmq: queue topology not declared")
	// ErrHandlerTimeout is recorded when a handler does not settle within the policy timeout
	ErrHandlerTimeout = errors.New("rabbitmq: handler timed out")
	// ErrHandlerPanic is recorded when a handler panics
	ErrHandlerPanic = errors.New("rabbitmq: handler panicked")
)

// ConnectionError is returned when the broker cannot be reached
type ConnectionError struct {
	Op       string
	URL      string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("rabbitmq connection error: %s to %s failed after %d attempts: %v", e.Op, e.URL, e.Attempts, e.Err)
	}
	return fmt.Sprintf("rabbitmq connection error: %s to %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// UnregisteredQueueError is returned when publishing to or consuming from an unknown queue
type UnregisteredQueueError struct {
	Queue string
}

func (e *UnregisteredQueueError) Error() string {
	return fmt.Sprintf("rabbitmq: queue %s not registered", e.Queue)
}

// PublishError is a transient transport failure during publish
type PublishError struct {
	Queue      string
	Exchange   string
	RoutingKey string
	Err        error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("rabbitmq publish error: queue %s (%s/%s): %v", e.Queue, e.Exchange, e.RoutingKey, e.Err)
}

func (e *PublishError) Unwrap() error {
	return e.Err
}

// HandlerError wraps a failure returned (or raised) by a consumer handler
type HandlerError struct {
	Queue      string
	MessageID  string
	RetryCount int
	Err        error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("rabbitmq handler error: queue %s message %s (retry %d): %v", e.Queue, e.MessageID, e.RetryCount, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}

// MalformedMessageError marks a message that can never be processed
type MalformedMessageError struct {
	Queue string
	Err   error
}

func (e *MalformedMessageError) Error() string {
	if e.Queue == "" {
		return fmt.Sprintf("rabbitmq: malformed message: %v", e.Err)
	}
	return fmt.Sprintf("rabbitmq: malformed message on queue %s: %v", e.Queue, e.Err)
}

func (e *MalformedMessageError) Unwrap() error {
	return e.Err
}

// Malformed lets a handler report that its payload cannot be processed.
// The engine dead-letters such messages without retrying them.
func Malformed(err error) error {
	return &MalformedMessageError{Err: err}
}

// IsRetryable reports whether the caller may retry the failed operation
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var unregistered *UnregisteredQueueError
	switch {
	case errors.As(err, &unregistered):
		return false
	case errors.Is(err, ErrInvalidQueueConfig):
		return false
	case errors.Is(err, ErrClientClosed):
		return false
	}

	var malformed *MalformedMessageError
	if errors.As(err, &malformed) {
		return false
	}

	var connErr *ConnectionError
	if errors.As(err, &connErr) {
		return true
	}

	var pubErr *PublishError
	if errors.As(err, &pubErr) {
		return true
	}

	return errors.Is(err, ErrNotConnected) || errors.Is(err, ErrTopologyPending)
}
