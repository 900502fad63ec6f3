// Package errutil defines the error taxonomy shared by the hub, the store
// and the client session, expressed as oops error codes.
package errutil

import (
	"fmt"

	"github.com/samber/oops"
)

// Validation codes. Rejected before any persistence attempt and never retryable.
const (
	CodeValidation     = "VALIDATION_FAILED"
	CodeChannelInvalid = "CHANNEL_ID_INVALID"
	CodeMessageEmpty   = "MESSAGE_EMPTY"
	CodeMessageTooLong = "MESSAGE_TOO_LONG"
	CodeSenderMissing  = "SENDER_MISSING"
	CodeNotAMember     = "NOT_A_MEMBER"
	CodeFrameInvalid   = "FRAME_INVALID"
)

// Transient codes. The operation may be retried.
const (
	CodeStoreUnavailable = "STORE_UNAVAILABLE"
	CodeRateLimited      = "RATE_LIMITED"
	CodeHubBusy          = "HUB_BUSY"
	CodeAckTimeout       = "ACK_TIMEOUT"
)

var validationCodes = map[string]bool{
	CodeValidation:     true,
	CodeChannelInvalid: true,
	CodeMessageEmpty:   true,
	CodeMessageTooLong: true,
	CodeSenderMissing:  true,
	CodeNotAMember:     true,
	CodeFrameInvalid:   true,
}

var retryableCodes = map[string]bool{
	CodeStoreUnavailable: true,
	CodeRateLimited:      true,
	CodeHubBusy:          true,
	CodeAckTimeout:       true,
}

// Validation returns a validation error carrying the given code.
func Validation(code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

// Transient returns a retryable error carrying the given code.
func Transient(code, format string, args ...any) error {
	return oops.Code(code).Errorf(format, args...)
}

// StoreUnavailable wraps a storage-layer failure. Returns nil if err is nil.
func StoreUnavailable(operation string, err error) error {
	return oops.Code(CodeStoreUnavailable).With("operation", operation).Wrap(err)
}

// Code returns the oops code attached to err, or "" when there is none.
func Code(err error) string {
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return ""
	}
	if code, ok := any(oopsErr.Code()).(string); ok {
		return code
	}
	return fmt.Sprint(oopsErr.Code())
}

// IsValidation reports whether err belongs to the validation family.
func IsValidation(err error) bool {
	return validationCodes[Code(err)]
}

// IsStoreUnavailable reports whether err is a transient persistence failure.
func IsStoreUnavailable(err error) bool {
	return Code(err) == CodeStoreUnavailable
}

// IsRetryable reports whether the failed operation is safe to retry.
func IsRetryable(err error) bool {
	return retryableCodes[Code(err)]
}

// Public returns the code and a message suitable for sending to a client.
// Store failures are reduced to a generic message so backend details stay
// in the server log.
func Public(err error) (code, message string) {
	code = Code(err)
	switch {
	case code == "":
		return CodeValidation, "request could not be processed"
	case code == CodeStoreUnavailable:
		return code, "message store unavailable, try again"
	}
	if oopsErr, ok := oops.AsOops(err); ok {
		return code, oopsErr.Error()
	}
	return code, err.Error()
}
