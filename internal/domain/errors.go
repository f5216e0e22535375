package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for simple conditions without extra context.
var (
	ErrProductNotFound     = errors.New("product not found")
	ErrTransactionNotFound = errors.New("transaction not found")
	ErrRouterNotFound      = errors.New("router not found")
	ErrTenantNotFound      = errors.New("tenant not found")
	ErrAdminNotFound       = errors.New("admin user not found")
	ErrAPIKeyNotFound      = errors.New("api key not found")

	// ErrGatewayUnavailable means the processor could not be reached at all;
	// no charge occurred, so the request is safe to retry.
	ErrGatewayUnavailable = errors.New("payment gateway unavailable")
)

// ValidationError rejects a malformed request before any reservation is made.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// AuthReason classifies why a bearer credential was rejected.
type AuthReason string

const (
	AuthInvalid AuthReason = "invalid"
	AuthExpired AuthReason = "expired"
	AuthRevoked AuthReason = "revoked"
)

// AuthError rejects a bearer credential before any orchestration step runs.
type AuthError struct {
	Reason AuthReason
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("credential rejected: %s", e.Reason)
}

// ForbiddenError rejects a valid credential whose scope lacks a capability.
type ForbiddenError struct {
	Capability Capability
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("scope does not grant %q", e.Capability)
}

// PaymentDeclinedError is terminal: the processor definitively refused the
// charge, no money moved, no compensation is needed.
type PaymentDeclinedError struct {
	TransactionID string
	Reason        string
}

func (e *PaymentDeclinedError) Error() string {
	return fmt.Sprintf("payment declined: %s", e.Reason)
}

// PaymentPendingError means the charge outcome is ambiguous and queued for
// reconciliation. The caller must poll the transaction, not resubmit.
type PaymentPendingError struct {
	TransactionID string
}

func (e *PaymentPendingError) Error() string {
	return fmt.Sprintf("payment pending verification for transaction %s", e.TransactionID)
}

// ProvisioningFailedError means the charge was refunded because the credential
// could not be created on the device.
type ProvisioningFailedError struct {
	TransactionID string
	Reason        string
}

func (e *ProvisioningFailedError) Error() string {
	return fmt.Sprintf("provisioning failed, charge refunded: %s", e.Reason)
}

// CompensationFailedError is critical: a charge exists with no credential and
// the refund could not be completed. Requires manual administrative review.
type CompensationFailedError struct {
	TransactionID string
	Reason        string
}

func (e *CompensationFailedError) Error() string {
	return fmt.Sprintf("compensation failed for transaction %s: %s", e.TransactionID, e.Reason)
}

// InFlightError reports a duplicate request whose original is still running
// and did not reach a terminal state within the wait window.
type InFlightError struct {
	TransactionID string
}

func (e *InFlightError) Error() string {
	return fmt.Sprintf("purchase already in flight: transaction %s", e.TransactionID)
}

// TransitionError is returned when a saga state transition is not allowed.
type TransitionError struct {
	Event   Event
	Current State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("event %q is not valid from state %q", e.Event, e.Current)
}
