// Package errpolicy decides what happens to errors raised by backend calls:
// either they are logged and replaced by the caller's default, or they are
// passed up and abort the remaining work.
package errpolicy

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
)

const (
	NameSwallow = "swallow"
	NameRethrow = "rethrow"
)

// Policy handles an error produced by the operation op. A nil return means
// the caller continues with its default value.
type Policy interface {
	Handle(op string, err error) error
}

type swallow struct {
	logger *zap.Logger
}

// Swallow logs errors and lets the caller continue.
func Swallow(logger *zap.Logger) Policy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &swallow{logger: logger}
}

func (p *swallow) Handle(op string, err error) error {
	if err == nil {
		return nil
	}
	p.logger.Warn("operation failed", zap.String("operation", op), zap.Error(err))
	return nil
}

type rethrow struct{}

// Rethrow returns every error to the caller, wrapped with the operation name.
func Rethrow() Policy {
	return rethrow{}
}

func (rethrow) Handle(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// New selects a policy by name. An empty name selects swallow.
func New(name string, logger *zap.Logger) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", NameSwallow:
		return Swallow(logger), nil
	case NameRethrow:
		return Rethrow(), nil
	default:
		return nil, fmt.Errorf("unknown error policy %q", name)
	}
}

// Process runs fn and routes its error through p.
func Process(p Policy, op string, fn func() error) error {
	return p.Handle(op, fn())
}

// ProcessValue runs fn and routes its error through p. When the error is
// swallowed, fallback is returned in place of fn's value.
func ProcessValue[T any](p Policy, op string, fn func() (T, error), fallback T) (T, error) {
	v, err := fn()
	if err == nil {
		return v, nil
	}
	if herr := p.Handle(op, err); herr != nil {
		return fallback, herr
	}
	return fallback, nil
}

// Succeeded runs fn through p and reports whether it completed without error.
// The returned error is non-nil only when p rethrows.
func Succeeded(p Policy, op string, fn func() error) (bool, error) {
	err := fn()
	if err == nil {
		return true, nil
	}
	return false, p.Handle(op, err)
}
