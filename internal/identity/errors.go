package identity

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Code is a stable, provider-independent auth error category
type Code string

const (
	CodeInvalidCredentials    Code = "InvalidCredentials"
	CodeUserAlreadyExists     Code = "UserAlreadyExists"
	CodeEmailNotConfirmed     Code = "EmailNotConfirmed"
	CodeWeakPassword          Code = "WeakPassword"
	CodeUserNotFound          Code = "UserNotFound"
	CodeRateLimited           Code = "RateLimited"
	CodeNetworkError          Code = "NetworkError"
	CodeVerificationRequired  Code = "VerificationRequired"
	CodeVerificationFailed    Code = "VerificationFailed"
	CodeInvalidOrExpiredToken Code = "InvalidOrExpiredToken"
	CodeSessionMissing        Code = "SessionMissing"
	CodeInvalidEmail          Code = "InvalidEmail"
	CodeInvalidInput          Code = "InvalidInput"
	CodeUnknown               Code = "Unknown"
)

var messages = map[Code]string{
	CodeInvalidCredentials:    "Invalid email or password.",
	CodeUserAlreadyExists:     "An account with this email already exists.",
	CodeEmailNotConfirmed:     "Please verify your email address before signing in.",
	CodeWeakPassword:          "Password should be at least 6 characters long.",
	CodeUserNotFound:          "No account found with this email address.",
	CodeRateLimited:           "Too many attempts. Please wait a moment and try again.",
	CodeNetworkError:          "Network error. Please check your connection and try again.",
	CodeVerificationRequired:  "Please verify your email address to continue.",
	CodeVerificationFailed:    "Email verification failed. Please try again or request a new verification link.",
	CodeInvalidOrExpiredToken: "The verification link is invalid or has expired. Please request a new one.",
	CodeSessionMissing:        "Your session has ended. Please sign in again.",
	CodeInvalidEmail:          "Please enter a valid email address",
	CodeInvalidInput:          "Please fill in all fields",
	CodeUnknown:               "Something went wrong. Please try again.",
}

// Message returns the user-facing message for a code
func Message(code Code) string {
	if m, ok := messages[code]; ok {
		return m
	}
	return messages[CodeUnknown]
}

// Error is the normalized auth error surfaced to callers.
// Message is safe to display; Err is kept for logs only.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// newError creates an Error with the default message for code
func newError(code Code, cause error) *Error {
	return &Error{Code: code, Message: Message(code), Err: cause}
}

// CodeOf returns the normalized code of err, or CodeUnknown
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}

// ProviderError is a failure reported by the remote provider
type ProviderError struct {
	Status  int
	Code    string
	Message string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("provider error (status %d, %s): %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("provider error (status %d): %s", e.Status, e.Message)
}

// ErrBackendUnavailable wraps failures of the resilience layer and transport
var ErrBackendUnavailable = errors.New("identity backend unavailable")

// ErrThrottled is returned when the local rate limiter rejects a request
var ErrThrottled = errors.New("request throttled")

// providerCodes maps provider error codes to normalized codes
var providerCodes = map[string]Code{
	"invalid_credentials":               CodeInvalidCredentials,
	"invalid_grant":                     CodeInvalidCredentials,
	"user_already_exists":               CodeUserAlreadyExists,
	"email_exists":                      CodeUserAlreadyExists,
	"email_not_confirmed":               CodeEmailNotConfirmed,
	"weak_password":                     CodeWeakPassword,
	"user_not_found":                    CodeUserNotFound,
	"over_request_rate_limit":           CodeRateLimited,
	"over_email_send_rate_limit":        CodeRateLimited,
	"over_sms_send_rate_limit":          CodeRateLimited,
	"email_address_invalid":             CodeInvalidEmail,
	"validation_failed":                 CodeInvalidInput,
	"provider_email_needs_verification": CodeVerificationRequired,
	"reauthentication_needed":           CodeVerificationRequired,
	"otp_expired":                       CodeInvalidOrExpiredToken,
	"otp_disabled":                      CodeInvalidOrExpiredToken,
	"flow_state_expired":                CodeInvalidOrExpiredToken,
	"flow_state_not_found":              CodeInvalidOrExpiredToken,
	"bad_code_verifier":                 CodeInvalidOrExpiredToken,
	"bad_jwt":                           CodeInvalidOrExpiredToken,
	"refresh_token_not_found":           CodeInvalidOrExpiredToken,
	"refresh_token_already_used":        CodeInvalidOrExpiredToken,
	"session_not_found":                 CodeSessionMissing,
	"session_expired":                   CodeSessionMissing,
	"no_authorization":                  CodeSessionMissing,
}

// providerMessages maps lowercase message fragments to normalized codes,
// for providers that only report a message
var providerMessages = []struct {
	fragment string
	code     Code
}{
	{"invalid login credentials", CodeInvalidCredentials},
	{"user already registered", CodeUserAlreadyExists},
	{"email not confirmed", CodeEmailNotConfirmed},
	{"password should be at least", CodeWeakPassword},
	{"user not found", CodeUserNotFound},
	{"rate limit", CodeRateLimited},
	{"token has expired or is invalid", CodeInvalidOrExpiredToken},
	{"invalid refresh token", CodeInvalidOrExpiredToken},
	{"email link is invalid or has expired", CodeInvalidOrExpiredToken},
	{"auth session missing", CodeSessionMissing},
	{"unable to validate email address", CodeInvalidEmail},
}

// Normalize translates any error from a Backend into an *Error.
// It is the only place provider errors are interpreted.
func Normalize(err error) *Error {
	if err == nil {
		return nil
	}

	var already *Error
	if errors.As(err, &already) {
		return already
	}

	if errors.Is(err, ErrThrottled) {
		return newError(CodeRateLimited, err)
	}

	var pe *ProviderError
	if errors.As(err, &pe) {
		return newError(classifyProviderError(pe), err)
	}

	if errors.Is(err, ErrBackendUnavailable) || errors.Is(err, context.DeadlineExceeded) {
		return newError(CodeNetworkError, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return newError(CodeNetworkError, err)
	}

	return newError(CodeUnknown, err)
}

func classifyProviderError(pe *ProviderError) Code {
	if code, ok := providerCodes[pe.Code]; ok {
		return code
	}

	msg := strings.ToLower(pe.Message)
	for _, m := range providerMessages {
		if strings.Contains(msg, m.fragment) {
			return m.code
		}
	}

	switch {
	case pe.Status == http.StatusTooManyRequests:
		return CodeRateLimited
	case pe.Status >= 500:
		return CodeNetworkError
	case pe.Status == http.StatusUnauthorized:
		return CodeSessionMissing
	}
	return CodeUnknown
}
