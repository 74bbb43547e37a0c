package domain

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrDisabled signals the global kill switch is active.
	ErrDisabled = errors.New("ai gateway disabled")
	// ErrResourceExhausted signals no concurrency slot is available.
	ErrResourceExhausted = errors.New("no concurrency slot available")
	// ErrServiceUnavailable signals the circuit breaker is open.
	ErrServiceUnavailable = errors.New("provider circuit open")
	// ErrBudgetExceeded signals a daily or weekly usage limit was reached.
	ErrBudgetExceeded = errors.New("usage budget exceeded")
	// ErrProvider signals a provider call failure.
	ErrProvider = errors.New("provider call failed")
	// ErrTimeout signals the provider call exceeded its deadline.
	ErrTimeout = errors.New("provider call timed out")
	// ErrUnknownTier signals a tier with no configured policy.
	// Raised at startup validation, never per call.
	ErrUnknownTier = errors.New("unknown tier")
)

// DisabledError wraps ErrDisabled with the operator-supplied reason, if any.
type DisabledError struct {
	Reason string
}

func (e *DisabledError) Error() string {
	if e.Reason == "" {
		return ErrDisabled.Error()
	}
	return fmt.Sprintf("%s: %s", ErrDisabled.Error(), e.Reason)
}

func (e *DisabledError) Unwrap() error { return ErrDisabled }

// ExhaustedError wraps ErrResourceExhausted with the scope that was full.
type ExhaustedError struct {
	Scope      Scope
	RetryAfter time.Duration
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: scope %s is full", ErrResourceExhausted.Error(), e.Scope)
}

func (e *ExhaustedError) Unwrap() error { return ErrResourceExhausted }

// BreakerOpenError wraps ErrServiceUnavailable with the rejecting scope.
type BreakerOpenError struct {
	Scope      Scope
	RetryAfter time.Duration
}

func (e *BreakerOpenError) Error() string {
	return fmt.Sprintf("%s: scope %s", ErrServiceUnavailable.Error(), e.Scope)
}

func (e *BreakerOpenError) Unwrap() error { return ErrServiceUnavailable }

// BudgetError wraps ErrBudgetExceeded with the window that would overflow.
type BudgetError struct {
	Scope  Scope
	Period Period
	Used   int64
	Limit  int64
}

func (e *BudgetError) Error() string {
	return fmt.Sprintf("%s: %s %s window at %d/%d",
		ErrBudgetExceeded.Error(), e.Scope, e.Period, e.Used, e.Limit)
}

func (e *BudgetError) Unwrap() error { return ErrBudgetExceeded }
