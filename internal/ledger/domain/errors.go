package domain

import "errors"

var (
	ErrUnauthenticated       = errors.New("unauthenticated")
	ErrInvalidAccount        = errors.New("invalid_account")
	ErrInvalidArtifact       = errors.New("invalid_artifact")
	ErrInvalidSession        = errors.New("invalid_session")
	ErrInvalidCredits        = errors.New("invalid_credits")
	ErrInsufficientCredits   = errors.New("insufficient_credits")
	ErrArtifactNotFound      = errors.New("artifact_not_found")
	ErrReconciliationAccount = errors.New("reconciliation_account_mismatch")
	ErrInvalidPageToken      = errors.New("invalid_page_token")
)
