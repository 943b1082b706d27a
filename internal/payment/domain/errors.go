package domain

import "errors"

var (
	ErrInvalidConfig          = errors.New("invalid_config")
	ErrProviderUnavailable    = errors.New("payment_provider_error")
	ErrSessionNotFound        = errors.New("session_not_found")
	ErrCustomerNotFound       = errors.New("customer_not_found")
	ErrPaymentNotCompleted    = errors.New("payment_not_completed")
	ErrInvalidSessionMetadata = errors.New("invalid_session_metadata")
	ErrInvalidSession         = errors.New("invalid_session")
	ErrInvalidSignature       = errors.New("invalid_signature")
	ErrInvalidPayload         = errors.New("invalid_payload")
	ErrInvalidEvent           = errors.New("invalid_event")
	ErrEventIgnored           = errors.New("event_ignored")
	ErrEventAlreadyProcessed  = errors.New("event_already_processed")
)

var ErrProviderNotFound = errors.New("provider_not_found")
