// Package gateway implements the request orchestrator (C8) and admin
// surface (C9): the HTTP-facing pieces that tie the account pool, token
// manager, upstream client, request builder, and stream translator
// together into the Claude-compatible /v1/messages endpoint.
package gateway

import (
	"errors"
	"net/http"

	"github.com/kiro-gateway/kirogate/internal/kiroclient"
)

// ErrorCategory tags a failure for the orchestrator's retry/failover policy.
type ErrorCategory string

const (
	CategoryClientRequest ErrorCategory = "client_request"
	CategoryAuthChallenge ErrorCategory = "auth_challenge"
	CategoryFatalAccount  ErrorCategory = "fatal_account"
	CategoryTransient     ErrorCategory = "transient"
	CategoryInternal      ErrorCategory = "internal_invariant"
	CategoryPoolExhausted ErrorCategory = "pool_exhausted"
)

// gatewayError is the single error shape C8 switches on: a bare
// status+message pair generalized to carry an explicit category tag so the
// orchestrator never has to re-derive retry policy from an HTTP status at
// the call site.
type gatewayError struct {
	Category   ErrorCategory
	HTTPStatus int
	Message    string
	Retryable  bool
}

func (e *gatewayError) Error() string { return e.Message }

func newClientRequestError(status int, msg string) *gatewayError {
	return &gatewayError{Category: CategoryClientRequest, HTTPStatus: status, Message: msg}
}

func newInternalError(msg string) *gatewayError {
	return &gatewayError{Category: CategoryInternal, HTTPStatus: http.StatusInternalServerError, Message: msg, Retryable: true}
}

func newTransientError(msg string) *gatewayError {
	return &gatewayError{Category: CategoryTransient, HTTPStatus: http.StatusServiceUnavailable, Message: msg, Retryable: true}
}

func newPoolExhaustedError() *gatewayError {
	return &gatewayError{Category: CategoryPoolExhausted, HTTPStatus: http.StatusInternalServerError, Message: "no eligible account remains"}
}

// gatewayErrorFromUpstream converts a kiroclient.Error (or a bare transport
// error) into the orchestrator's category tag.
func gatewayErrorFromUpstream(err error, status int) *gatewayError {
	var kErr *kiroclient.Error
	if errors.As(err, &kErr) {
		switch kErr.Class {
		case kiroclient.ClassClientRequest:
			return newClientRequestError(http.StatusBadRequest, kErr.Message)
		case kiroclient.ClassAuthChallenge:
			return &gatewayError{Category: CategoryAuthChallenge, HTTPStatus: http.StatusUnauthorized, Message: kErr.Message, Retryable: true}
		case kiroclient.ClassFatalAccount:
			st := status
			if st == 0 {
				st = http.StatusForbidden
			}
			return &gatewayError{Category: CategoryFatalAccount, HTTPStatus: st, Message: kErr.Message}
		default:
			return newTransientError(kErr.Message)
		}
	}
	return newTransientError(err.Error())
}

// claudeErrorType derives the Claude-native error "type" string from an
// HTTP status.
func claudeErrorType(status int) string {
	switch {
	case status == http.StatusUnauthorized:
		return "authentication_error"
	case status == http.StatusForbidden:
		return "permission_error"
	case status == http.StatusTooManyRequests:
		return "rate_limit_error"
	case status >= 500:
		return "server_error"
	default:
		return "invalid_request_error"
	}
}
