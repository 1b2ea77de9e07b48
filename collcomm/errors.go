package collcomm

import (
	"errors"
	"fmt"
)

// Every error in this package is fatal to the whole group.
var (
	// ErrAllocation indicates that a worker could not obtain
	// memory for a buffer.
	ErrAllocation = errors.New("allocation failure")

	// ErrPrecondition indicates that a run was started with
	// parameters it cannot honor.
	ErrPrecondition = errors.New("precondition violation")

	// ErrContractViolation indicates that workers did not
	// call the same collectives with matching arguments.
	ErrContractViolation = errors.New("collective contract violation")

	// ErrClosed is returned by collectives on a closed
	// channel.
	ErrClosed = errors.New("channel closed")
)

// An ErrorClass identifies which kind of failure caused a
// group abort, so that every rank can match it with
// errors.Is.
type ErrorClass uint8

const (
	ClassUnknown ErrorClass = iota
	ClassAllocation
	ClassPrecondition
	ClassContract
)

// ClassOf returns the class of err.
func ClassOf(err error) ErrorClass {
	switch {
	case errors.Is(err, ErrAllocation):
		return ClassAllocation
	case errors.Is(err, ErrPrecondition):
		return ClassPrecondition
	case errors.Is(err, ErrContractViolation):
		return ClassContract
	default:
		return ClassUnknown
	}
}

func (c ErrorClass) String() string {
	switch c {
	case ClassAllocation:
		return "allocation"
	case ClassPrecondition:
		return "precondition"
	case ClassContract:
		return "contract"
	default:
		return "unknown"
	}
}

func (c ErrorClass) sentinel() error {
	switch c {
	case ClassAllocation:
		return ErrAllocation
	case ClassPrecondition:
		return ErrPrecondition
	case ClassContract:
		return ErrContractViolation
	default:
		return nil
	}
}

// An AbortError is the group abort signal.
//
// Once any rank aborts, every collective on every rank
// returns an AbortError naming the rank that gave up and
// why.
type AbortError struct {
	// Rank is the rank that initiated the abort.
	Rank int

	// Class is the kind of failure on the initiating rank.
	Class ErrorClass

	// Reason is the initiating rank's error message.
	Reason string

	// cause is only set on the initiating rank.
	cause error
}

func (a *AbortError) Error() string {
	return fmt.Sprintf("group aborted by rank %d (%s): %s", a.Rank, a.Class, a.Reason)
}

// Unwrap exposes the original error (on the initiating
// rank) and the sentinel for the abort's class.
func (a *AbortError) Unwrap() []error {
	var res []error
	if a.cause != nil {
		res = append(res, a.cause)
	}
	if s := a.Class.sentinel(); s != nil {
		res = append(res, s)
	}
	return res
}
