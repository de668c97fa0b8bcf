package device

import "errors"

// Domain errors for the device package, checked with errors.Is().
var (
	// ErrDeviceNotFound is returned when a device id does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrRuleNotFound is returned when a rule slot has no state.
	ErrRuleNotFound = errors.New("device: rule not found")

	// ErrStoreStopped is returned for operator mutations after Stop().
	ErrStoreStopped = errors.New("device: store stopped")
)
