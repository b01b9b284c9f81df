// Package provider defines the interface for email delivery backends and
// the failure classification shared by all of them.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/shineum/mail-gateway/internal/email"
)

// Envelope carries the SMTP envelope of an assembled message.
type Envelope struct {
	MessageID string
	From      string
	To        []string
}

// Provider is the interface that email delivery backends must implement.
// Deliver makes exactly one delivery attempt and never retries.
type Provider interface {
	// Deliver hands raw to the backend. Failures are returned as *DeliveryError.
	Deliver(ctx context.Context, env Envelope, raw []byte) error

	// Name returns the human-readable name of this provider.
	Name() string
}

// FailureKind classifies why a delivery attempt failed.
type FailureKind string

const (
	FailureAuth      FailureKind = "auth"
	FailureConnect   FailureKind = "connect"
	FailureRecipient FailureKind = "recipient"
	FailureSender    FailureKind = "sender"
	FailureData      FailureKind = "data"
	FailureProtocol  FailureKind = "protocol"
	FailureUnknown   FailureKind = "unknown"
	FailureAssembly  FailureKind = "assembly"
)

var failureDetails = map[FailureKind]string{
	FailureAuth:      "Authentication failed. Check your username and password.",
	FailureConnect:   "Failed to connect to the SMTP server.",
	FailureRecipient: "Recipient address rejected by the server.",
	FailureSender:    "Sender address rejected by the server.",
	FailureData:      "The SMTP server refused to accept the message data.",
	FailureProtocol:  "An SMTP error occurred",
	FailureUnknown:   "An unexpected error occurred",
	FailureAssembly:  "Message assembly failed",
}

// Detail returns the human readable prefix for k.
func (k FailureKind) Detail() string {
	if d, ok := failureDetails[k]; ok {
		return d
	}
	return failureDetails[FailureUnknown]
}

// DeliveryError is a classified delivery failure.
type DeliveryError struct {
	Kind FailureKind
	Err  error
}

// Fail wraps err as a DeliveryError of the given kind.
func Fail(kind FailureKind, err error) *DeliveryError {
	return &DeliveryError{Kind: kind, Err: err}
}

func (e *DeliveryError) Error() string {
	if e.Err == nil {
		return e.Kind.Detail()
	}
	return fmt.Sprintf("%s: %v", e.Kind.Detail(), e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// Is maps failure kinds onto the shared error taxonomy.
func (e *DeliveryError) Is(target error) bool {
	switch target {
	case email.ErrAuthenticationFailed:
		return e.Kind == FailureAuth
	case email.ErrTransportUnavailable:
		return e.Kind == FailureConnect
	case email.ErrRejected:
		return e.Kind == FailureRecipient || e.Kind == FailureSender || e.Kind == FailureData
	case email.ErrAssembly:
		return e.Kind == FailureAssembly
	}
	return false
}

// Classify returns the failure kind and detail text for err. Unclassified
// errors are reported as FailureUnknown.
func Classify(err error) (FailureKind, string) {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Kind, de.Error()
	}
	if errors.Is(err, email.ErrAssembly) {
		return FailureAssembly, fmt.Sprintf("%s: %v", FailureAssembly.Detail(), err)
	}
	return FailureUnknown, fmt.Sprintf("%s: %v", FailureUnknown.Detail(), err)
}
