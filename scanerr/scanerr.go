// Package scanerr holds the stable error codes shared by the scan endpoint and
// the device-side replay queue. It has no dependencies so both sides can import it.
package scanerr

import (
	"errors"
	"fmt"
	"net/http"
)

const (
	CodeCardNotFound         = "CARD_NOT_FOUND"
	CodeCardInactive         = "CARD_INACTIVE"
	CodeCardAlreadyTriggered = "CARD_ALREADY_TRIGGERED"
	CodeTenantMismatch       = "TENANT_MISMATCH"
	CodeInvalidTransition    = "INVALID_TRANSITION"
	CodeRoleNotAllowed       = "ROLE_NOT_ALLOWED"
	CodeLoopTypeIncompatible = "LOOP_TYPE_INCOMPATIBLE"
	CodeMethodNotAllowed     = "METHOD_NOT_ALLOWED"
	CodeLinkedOrderRequired  = "LINKED_ORDER_REQUIRED"
	CodeInvalidOrderType     = "INVALID_ORDER_TYPE"
	CodeValidationError      = "VALIDATION_ERROR"

	// infrastructure, always retryable
	CodeDedupUnavailable = "DEDUP_UNAVAILABLE"
	CodeScanInProgress   = "SCAN_IN_PROGRESS"
	CodeInternalError    = "INTERNAL_ERROR"
)

var httpStatusByCode = map[string]int{
	CodeCardNotFound:         http.StatusNotFound,
	CodeCardInactive:         http.StatusConflict,
	CodeCardAlreadyTriggered: http.StatusConflict,
	CodeTenantMismatch:       http.StatusForbidden,
	CodeInvalidTransition:    http.StatusConflict,
	CodeRoleNotAllowed:       http.StatusForbidden,
	CodeLoopTypeIncompatible: http.StatusUnprocessableEntity,
	CodeMethodNotAllowed:     http.StatusUnprocessableEntity,
	CodeLinkedOrderRequired:  http.StatusUnprocessableEntity,
	CodeInvalidOrderType:     http.StatusUnprocessableEntity,
	CodeValidationError:      http.StatusBadRequest,
	CodeDedupUnavailable:     http.StatusServiceUnavailable,
	CodeScanInProgress:       http.StatusConflict,
	CodeInternalError:        http.StatusInternalServerError,
}

var nonRetryable = map[string]bool{
	CodeCardNotFound:         true,
	CodeCardInactive:         true,
	CodeCardAlreadyTriggered: true,
	CodeTenantMismatch:       true,
	CodeInvalidTransition:    true,
	CodeRoleNotAllowed:       true,
	CodeLoopTypeIncompatible: true,
	CodeMethodNotAllowed:     true,
	CodeLinkedOrderRequired:  true,
	CodeInvalidOrderType:     true,
	CodeValidationError:      true,
}

// Error is the wire error object `{code, message}` returned by the scan endpoint.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HTTPStatus is the status the HTTP layer answers with for this code.
func (e *Error) HTTPStatus() int {
	return HTTPStatus(e.Code)
}

func (e *Error) Retryable() bool {
	return IsRetryable(e.Code)
}

func New(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

func Newf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether a client may resend the same scan. Unknown codes are retryable.
func IsRetryable(code string) bool {
	return !nonRetryable[code]
}

func HTTPStatus(code string) int {
	if s, ok := httpStatusByCode[code]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// As extracts a *Error from err's chain.
func As(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// CodeOf returns the code carried by err, or "" when err is not a scan error.
func CodeOf(err error) string {
	if se, ok := As(err); ok {
		return se.Code
	}
	return ""
}
