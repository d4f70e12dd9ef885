// Package failure classifies pipeline errors so callers can decide between
// rejecting, retrying, dead-lettering or merely logging.
package failure

import (
	"errors"
	"fmt"
)

// Class is the handling category of an error.
type Class int

const (
	// Unknown errors are treated like Transient ones: the message is left for redelivery.
	Unknown Class = iota
	// Validation is a malformed or incomplete record rejected at the boundary.
	Validation
	// Transient covers object store, queue and database connectivity.
	Transient
	// Permanent payload problems that will not improve on retry.
	Permanent
	// BestEffort side effects whose failure never blocks the commit or ack.
	BestEffort
)

func (c Class) String() string {
	switch c {
	case Validation:
		return "validation"
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case BestEffort:
		return "best_effort"
	default:
		return "unknown"
	}
}

// Error wraps an error with its class and the step that produced it.
type Error struct {
	Class Class
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func wrap(class Class, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Op: op, Err: err}
}

func NewTransient(op string, err error) error  { return wrap(Transient, op, err) }
func NewPermanent(op string, err error) error  { return wrap(Permanent, op, err) }
func NewBestEffort(op string, err error) error { return wrap(BestEffort, op, err) }

// Classifier is implemented by error types that know their own class.
type Classifier interface {
	FailureClass() Class
}

// ClassOf returns the outermost class found in err's chain.
func ClassOf(err error) Class {
	if err == nil {
		return Unknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	var c Classifier
	if errors.As(err, &c) {
		return c.FailureClass()
	}
	return Unknown
}

func IsPermanent(err error) bool {
	switch ClassOf(err) {
	case Permanent, Validation:
		return true
	}
	return false
}
