package models

import (
	"context"
	"errors"
	"net/http"
)

// ErrorClass groups errors by how the core propagates them.
type ErrorClass string

const (
	ClassValidation ErrorClass = "validation"
	ClassSecurity   ErrorClass = "security"
	ClassResource   ErrorClass = "resource"
	ClassCrypto     ErrorClass = "crypto"
	ClassDelivery   ErrorClass = "delivery"
	ClassInternal   ErrorClass = "internal"
)

// Validation errors are returned before any side effect.
var (
	ErrWorkspaceMismatch = errors.New("workspace mismatch")
	ErrInvalidRecipient  = errors.New("invalid recipient")
	ErrInvalidMessage    = errors.New("invalid message")
	ErrInvalidContext    = errors.New("invalid workspace context")
	ErrPermissionDenied  = errors.New("permission denied")
	ErrAccessDenied      = errors.New("workspace access denied")
	ErrUnknownWorkspace  = errors.New("unknown workspace")
	ErrWorkspaceExists   = errors.New("workspace already active")
	ErrMessageNotFound   = errors.New("message not found")
	ErrInvalidConfig     = errors.New("invalid tenant configuration")
)

// ErrSecurityRejected is deliberately generic; threat details stay in the audit log.
var ErrSecurityRejected = errors.New("message rejected by security policy")

// Resource errors tell the caller to retry later.
var (
	ErrQueueFull         = errors.New("queue full")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrConnectionLimit   = errors.New("workspace connection limit reached")
	ErrShuttingDown      = errors.New("messaging core shutting down")
)

// Cryptographic errors fail closed.
var (
	ErrDecrypt                 = errors.New("decryption failed")
	ErrCrossWorkspaceKeyDenied = errors.New("cross-workspace key denied")
	ErrUnknownMethod           = errors.New("unknown encryption method")
	ErrKeyNotFound             = errors.New("encryption key not found")
)

// Delivery errors are absorbed into delivery reports.
var (
	ErrConnectionGone = errors.New("connection gone")
	ErrSendBufferFull = errors.New("connection send buffer full")
)

var classes = []struct {
	err   error
	class ErrorClass
	code  string
}{
	{ErrWorkspaceMismatch, ClassValidation, "workspace_mismatch"},
	{ErrInvalidRecipient, ClassValidation, "invalid_recipient"},
	{ErrInvalidMessage, ClassValidation, "invalid_message"},
	{ErrInvalidContext, ClassValidation, "invalid_context"},
	{ErrPermissionDenied, ClassValidation, "permission_denied"},
	{ErrAccessDenied, ClassValidation, "access_denied"},
	{ErrUnknownWorkspace, ClassValidation, "unknown_workspace"},
	{ErrWorkspaceExists, ClassValidation, "workspace_exists"},
	{ErrMessageNotFound, ClassValidation, "message_not_found"},
	{ErrInvalidConfig, ClassValidation, "invalid_config"},
	{ErrSecurityRejected, ClassSecurity, "security_rejected"},
	{ErrQueueFull, ClassResource, "queue_full"},
	{ErrRateLimitExceeded, ClassResource, "rate_limit_exceeded"},
	{ErrConnectionLimit, ClassResource, "connection_limit"},
	{ErrShuttingDown, ClassResource, "shutting_down"},
	{ErrDecrypt, ClassCrypto, "decrypt_error"},
	{ErrCrossWorkspaceKeyDenied, ClassCrypto, "cross_workspace_key_denied"},
	{ErrUnknownMethod, ClassCrypto, "unknown_method"},
	{ErrKeyNotFound, ClassCrypto, "key_not_found"},
	{ErrConnectionGone, ClassDelivery, "connection_gone"},
	{ErrSendBufferFull, ClassDelivery, "send_buffer_full"},
	{context.Canceled, ClassResource, "canceled"},
	{context.DeadlineExceeded, ClassResource, "deadline_exceeded"},
}

// Classify returns the class and wire code of err.
func Classify(err error) (ErrorClass, string) {
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c.class, c.code
		}
	}
	return ClassInternal, "internal_error"
}

// Code returns the stable wire code for err.
func Code(err error) string {
	_, code := Classify(err)
	return code
}

// PublicMessage returns the text safe to send back to a caller.
func PublicMessage(err error) string {
	class, _ := Classify(err)
	switch class {
	case ClassSecurity:
		return ErrSecurityRejected.Error()
	case ClassCrypto:
		return "message could not be processed"
	case ClassInternal:
		return "internal error"
	}
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c.err.Error()
		}
	}
	return err.Error()
}

// HTTPStatus maps err to an HTTP status code.
func HTTPStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnknownWorkspace), errors.Is(err, ErrMessageNotFound), errors.Is(err, ErrKeyNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrWorkspaceExists):
		return http.StatusConflict
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrAccessDenied), errors.Is(err, ErrCrossWorkspaceKeyDenied):
		return http.StatusForbidden
	case errors.Is(err, ErrRateLimitExceeded), errors.Is(err, ErrQueueFull):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrSecurityRejected):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	class, _ := Classify(err)
	switch class {
	case ClassValidation, ClassCrypto:
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
