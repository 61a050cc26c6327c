package model

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateNotification is returned when a notification for the same
	// instance, level and channel was already claimed
	ErrDuplicateNotification = errors.New("notification already recorded")

	// ErrDuplicateInstance is returned when an activity already has an SLA instance
	ErrDuplicateInstance = errors.New("activity already has an SLA instance")

	// ErrDuplicateDefinition is returned when a definition code is reused within an org
	ErrDuplicateDefinition = errors.New("definition code already in use")

	// ErrInvalidTransition is returned when a status change is not allowed
	ErrInvalidTransition = errors.New("invalid status transition")
)

// NotFoundError is returned when a referenced definition, instance or activity does not exist
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// ConfigurationError is returned for malformed business hours or escalation ladders
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransientStoreError wraps a persistence failure that may succeed on retry
type TransientStoreError struct {
	Op  string
	Err error
}

func (e *TransientStoreError) Error() string {
	return fmt.Sprintf("store %s failed: %v", e.Op, e.Err)
}

func (e *TransientStoreError) Unwrap() error {
	return e.Err
}

// NotificationDeliveryError is returned when a notification channel fails to send
type NotificationDeliveryError struct {
	Channel NotificationChannel
	Err     error
}

func (e *NotificationDeliveryError) Error() string {
	return fmt.Sprintf("%s delivery failed: %v", e.Channel, e.Err)
}

func (e *NotificationDeliveryError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is or wraps a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsTransient reports whether err is or wraps a TransientStoreError
func IsTransient(err error) bool {
	var ts *TransientStoreError
	return errors.As(err, &ts)
}

// IsConfiguration reports whether err is or wraps a ConfigurationError
func IsConfiguration(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}
