package muxplugin

import (
	"errors"
	"fmt"
)

// Standard error variables.  The typed errors below unwrap to one of these
// so callers can use errors.Is without caring about the concrete type.
var (
	// Setup errors
	ErrRunning            = errors.New("registry is running")
	ErrNotRunning         = errors.New("registry is not running")
	ErrAlreadyFrozen      = errors.New("middleware pipeline already frozen")
	ErrInvalidPriority    = errors.New("invalid middleware priority")
	ErrInvalidRelative    = errors.New("invalid relative position")
	ErrInvalidPhase       = errors.New("invalid middleware phase")
	ErrInvalidHandler     = errors.New("invalid handler signature")
	ErrInvalidConfig      = errors.New("invalid configuration")
	ErrRegistrationFailed = errors.New("plugin registration failed")

	// Lookup errors
	ErrNotFound              = errors.New("not found")
	ErrCycle                 = errors.New("context cycle detected")
	ErrDuplicateRegistration = errors.New("plugin already registered")
	ErrTypeMismatch          = errors.New("context value has unexpected type")
)

// ConfigurationError is returned for mistakes that must abort startup:
// bad priorities, bad relative positions, and any attempt to change
// plugins or middleware after the registry started serving.
type ConfigurationError struct {
	Component string
	Operation string
	Err       error
	Detail    string
}

func (e *ConfigurationError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s.%s: %s: %v", e.Component, e.Operation, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s.%s: %v", e.Component, e.Operation, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErr(component, operation string, err error, format string, args ...interface{}) error {
	return &ConfigurationError{
		Component: component,
		Operation: operation,
		Err:       err,
		Detail:    fmt.Sprintf(format, args...),
	}
}

// DuplicateRegistrationError is recoverable: it carries the registration
// that already exists so that a caller which registers a shared plugin
// a second time can simply use Existing.
type DuplicateRegistrationError struct {
	Name     string
	Existing *Registration
}

func (e *DuplicateRegistrationError) Error() string {
	return fmt.Sprintf("plugin %q is already registered", e.Name)
}

func (e *DuplicateRegistrationError) Unwrap() error { return ErrDuplicateRegistration }

// NotFoundError reports a missing context key or an unknown plugin.
type NotFoundError struct {
	Kind string // "key", "plugin", "registration", "route", "context"
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// CycleError means a context's ancestor chain loops back on itself.
// That is always a programming error.
type CycleError struct {
	Key   string
	Depth int
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("looking up %q: ancestor chain revisits a context after %d hops", e.Key, e.Depth)
}

func (e *CycleError) Unwrap() error { return ErrCycle }

// wrap follows the "component.method: action failed: cause" pattern.
func wrap(err error, component, method, action string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s.%s: %s failed: %w", component, method, action, err)
}

// IsConfiguration reports whether err is a setup-time configuration error.
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCycle reports whether err is (or wraps) a CycleError.
func IsCycle(err error) bool {
	return errors.Is(err, ErrCycle)
}

// AsDuplicate extracts the existing registration from a duplicate
// registration error.
func AsDuplicate(err error) (*Registration, bool) {
	var de *DuplicateRegistrationError
	if errors.As(err, &de) {
		return de.Existing, true
	}
	return nil, false
}

// IsDuplicate reports whether err is (or wraps) a DuplicateRegistrationError.
func IsDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateRegistration)
}
