package biz

import (
	"fmt"
	"strconv"

	"github.com/go-kratos/kratos/v2/errors"
)

// Error reasons surfaced by the pool and the dispatcher.
const (
	ReasonNoAvailableAccounts     = "NO_AVAILABLE_ACCOUNTS"
	ReasonCredentialRefreshFailed = "CREDENTIAL_REFRESH_FAILED"
	ReasonStorage                 = "STORAGE_ERROR"
	ReasonAccountNotFound         = "ACCOUNT_NOT_FOUND"
	ReasonRetryExhausted          = "RETRY_EXHAUSTED"
	ReasonPromptTooLong           = "PROMPT_TOO_LONG"
	ReasonUpstream                = "UPSTREAM_ERROR"
	ReasonAccountExists           = "ACCOUNT_EXISTS"
	ReasonInvalidAccount          = "INVALID_ACCOUNT"
)

// ErrInvalidGrant is returned by TokenRefresher implementations when the
// refresh token was revoked or expired.
var ErrInvalidGrant = errors.Unauthorized(ReasonCredentialRefreshFailed, "refresh token is no longer valid (invalid_grant)").
	WithMetadata(map[string]string{"invalid_grant": "true"})

// ErrAccountNotFound is returned when an account id is unknown.
func ErrAccountNotFound(id string) *errors.Error {
	return errors.NotFound(ReasonAccountNotFound, fmt.Sprintf("account %s not found", id)).
		WithMetadata(map[string]string{"account_id": id})
}

// ErrAccountExists is returned when an account with the same email is stored.
func ErrAccountExists(email string) *errors.Error {
	return errors.Conflict(ReasonAccountExists, fmt.Sprintf("account %s already exists", email))
}

// ErrInvalidAccount rejects malformed account input.
func ErrInvalidAccount(msg string) *errors.Error {
	return errors.BadRequest(ReasonInvalidAccount, msg)
}

// ErrNoAvailableAccounts reports pool exhaustion with an aggregated summary
// of why each account was skipped.
func ErrNoAvailableAccounts(summary string) *errors.Error {
	msg := "no available accounts"
	if summary != "" {
		msg += ": " + summary
	}
	return errors.ServiceUnavailable(ReasonNoAvailableAccounts, msg)
}

// ErrCredentialRefreshFailed wraps a refresh failure for accountID.
func ErrCredentialRefreshFailed(accountID string, cause error) *errors.Error {
	md := map[string]string{"account_id": accountID}
	msg := fmt.Sprintf("credential refresh failed for account %s", accountID)
	if IsInvalidGrant(cause) {
		md["invalid_grant"] = "true"
		msg += ": the refresh token was revoked, re-authorize this account"
	}
	return errors.Unauthorized(ReasonCredentialRefreshFailed, msg).WithMetadata(md).WithCause(cause)
}

// ErrStorage wraps a persistence failure. Callers log it and continue with
// the in-memory state.
func ErrStorage(op string, cause error) *errors.Error {
	return errors.InternalServer(ReasonStorage, fmt.Sprintf("storage %s failed", op)).WithCause(cause)
}

// IsNoAvailableAccounts reports whether err is pool exhaustion.
func IsNoAvailableAccounts(err error) bool {
	return errors.Reason(err) == ReasonNoAvailableAccounts
}

// IsCredentialRefreshFailed reports whether err is a refresh failure.
func IsCredentialRefreshFailed(err error) bool {
	return errors.Reason(err) == ReasonCredentialRefreshFailed
}

// IsInvalidGrant reports whether err carries the invalid_grant marker.
func IsInvalidGrant(err error) bool {
	if err == nil {
		return false
	}
	e := errors.FromError(err)
	return e.Reason == ReasonCredentialRefreshFailed && e.Metadata["invalid_grant"] == "true"
}

// IsStorage reports whether err is a persistence failure.
func IsStorage(err error) bool {
	return errors.Reason(err) == ReasonStorage
}

// IsAccountNotFound reports whether err is an unknown account id.
func IsAccountNotFound(err error) bool {
	return errors.Reason(err) == ReasonAccountNotFound
}

// IsRetryExhausted reports whether err is the dispatcher's exhaustion error.
func IsRetryExhausted(err error) bool {
	return errors.Reason(err) == ReasonRetryExhausted
}

// errorTypeForStatus maps an upstream status to the Claude style error type.
func errorTypeForStatus(status int) string {
	switch status {
	case 400:
		return "invalid_request_error"
	case 401:
		return "authentication_error"
	case 403:
		return "permission_error"
	case 429:
		return "rate_limit_error"
	case 529:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// ErrRetryExhausted is returned after every attempt failed. A final 403 is
// reported as 503 so clients retry instead of assuming their key is bad.
func ErrRetryExhausted(attempts, lastStatus int, lastError string) *errors.Error {
	code := lastStatus
	if code == 403 || code < 400 || code > 599 {
		code = 503
	}
	msg := fmt.Sprintf("All %d attempts failed. Last status: %d. Error: %s", attempts, lastStatus, lastError)
	return errors.New(code, ReasonRetryExhausted, msg).WithMetadata(map[string]string{
		"id":          "err_retry_exhausted",
		"attempts":    strconv.Itoa(attempts),
		"last_status": strconv.Itoa(lastStatus),
		"error_type":  errorTypeForStatus(lastStatus),
	})
}

// ErrUpstream is a non-retryable upstream failure passed through to the client.
func ErrUpstream(status int, body string) *errors.Error {
	code := status
	if code < 400 || code > 599 {
		code = 502
	}
	return errors.New(code, ReasonUpstream, truncate(body, 2048)).WithMetadata(map[string]string{
		"error_type": errorTypeForStatus(status),
	})
}

// ErrPromptTooLong tells the client to shorten the conversation.
func ErrPromptTooLong(body string) *errors.Error {
	return errors.BadRequest(ReasonPromptTooLong,
		"the prompt exceeds the model context window; shorten the conversation or start a new one").
		WithMetadata(map[string]string{
			"error_type": "invalid_request_error",
			"upstream":   truncate(body, 512),
		})
}
