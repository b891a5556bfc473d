package types

import (
	"fmt"
	"sort"
	"strings"
)

// ValidationError reports malformed input. It is returned synchronously and
// nothing is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown config key, recipient, threshold or alert.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// InvalidStateError reports a transition the alert state machine forbids.
type InvalidStateError struct {
	ID    string
	State string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("alert %q is already %s", e.ID, e.State)
}

// DeliveryError wraps a transport failure for one recipient.
type DeliveryError struct {
	Channel ChannelType
	Address string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver via %s to %s: %v", e.Channel, e.Address, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// PartialCollectionFailure lists the metrics whose sampling failed in one
// tick. The remaining metrics were still sampled.
type PartialCollectionFailure struct {
	Failures map[string]error
}

func (e *PartialCollectionFailure) Error() string {
	names := make([]string, 0, len(e.Failures))
	for m := range e.Failures {
		names = append(names, m)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, m := range names {
		parts = append(parts, fmt.Sprintf("%s: %v", m, e.Failures[m]))
	}
	return fmt.Sprintf("collection failed for %d metric(s): %s", len(names), strings.Join(parts, "; "))
}
