package core

import "errors"

var (
	// ErrNotAuthorized means no credential is on file for the user; they
	// must go through the Slack connect flow (again).
	ErrNotAuthorized = errors.New("not_authorized")

	// ErrRenewalFailed means Slack rejected a token refresh. The stale
	// token must not be used after this.
	ErrRenewalFailed = errors.New("renewal_failed")

	// ErrSendFailed is a provider error during message delivery.
	ErrSendFailed = errors.New("send_failed")

	ErrInvalidInput = errors.New("invalid_input")
	ErrNotFound     = errors.New("not_found")
)
