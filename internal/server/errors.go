package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/canvasbanana/internal/catalog"
	checkoutdomain "github.com/smallbiznis/canvasbanana/internal/checkout/domain"
	"github.com/smallbiznis/canvasbanana/internal/identity"
	ledgerdomain "github.com/smallbiznis/canvasbanana/internal/ledger/domain"
	paymentdomain "github.com/smallbiznis/canvasbanana/internal/payment/domain"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

const (
	errTypeUnauthenticated        = "unauthenticated"
	errTypeInsufficientCredits    = "insufficient_credits"
	errTypeNotFound               = "not_found"
	errTypeValidation             = "validation_error"
	errTypeInvalidSessionMetadata = "invalid_session_metadata"
	errTypePaymentNotCompleted    = "payment_not_completed"
	errTypePaymentProvider        = "payment_provider_error"
	errTypeRateLimited            = "rate_limited"
	errTypeInternal               = "internal_error"
)

var (
	ErrUnauthorized   = errors.New("unauthorized")
	ErrNotFound       = errors.New("not_found")
	ErrInvalidRequest = errors.New("invalid_request")
	ErrRateLimited    = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

// mapError turns domain sentinels into the response envelope. Unknown errors
// become a fixed internal error message.
func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    errTypeInternal,
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    errTypeValidation,
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if field, ok := validationField(err); ok {
		return http.StatusBadRequest, errorPayload{
			Type:    errTypeValidation,
			Message: "validation error",
			Errors: []ValidationError{{
				Field:   field,
				Code:    err.Error(),
				Message: validationMessage(err),
			}},
		}
	}

	switch {
	case isUnauthenticated(err):
		return http.StatusUnauthorized, errorPayload{
			Type:    errTypeUnauthenticated,
			Message: "sign in required",
		}
	case errors.Is(err, ledgerdomain.ErrInsufficientCredits):
		return http.StatusPaymentRequired, errorPayload{
			Type:    errTypeInsufficientCredits,
			Message: "insufficient credits",
		}
	case errors.Is(err, ErrNotFound),
		errors.Is(err, ledgerdomain.ErrArtifactNotFound),
		errors.Is(err, paymentdomain.ErrSessionNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    errTypeNotFound,
			Message: "not found",
		}
	case errors.Is(err, paymentdomain.ErrInvalidSessionMetadata),
		errors.Is(err, ledgerdomain.ErrReconciliationAccount):
		return http.StatusUnprocessableEntity, errorPayload{
			Type:    errTypeInvalidSessionMetadata,
			Message: "checkout session cannot be credited to this account",
		}
	case errors.Is(err, paymentdomain.ErrPaymentNotCompleted):
		return http.StatusConflict, errorPayload{
			Type:    errTypePaymentNotCompleted,
			Message: "payment not completed",
		}
	case errors.Is(err, paymentdomain.ErrProviderUnavailable),
		errors.Is(err, paymentdomain.ErrInvalidConfig):
		return http.StatusBadGateway, errorPayload{
			Type:    errTypePaymentProvider,
			Message: "payment provider unavailable, try again",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    errTypeRateLimited,
			Message: "too many requests",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    errTypeInternal,
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger: the envelope type plus the
// sentinel code when the error is a known one.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status == http.StatusInternalServerError {
		return payload.Type, errTypeInternal
	}
	if vErr := asValidationErrors(err); vErr != nil && len(vErr.Errors) > 0 {
		return payload.Type, vErr.Errors[0].Code
	}
	return payload.Type, err.Error()
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isUnauthenticated(err error) bool {
	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, ledgerdomain.ErrUnauthenticated),
		errors.Is(err, identity.ErrMissingToken),
		errors.Is(err, identity.ErrInvalidToken),
		errors.Is(err, identity.ErrNotVerifying):
		return true
	default:
		return false
	}
}

func validationField(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "request", true
	case errors.Is(err, catalog.ErrInvalidPackage),
		errors.Is(err, ledgerdomain.ErrInvalidCredits):
		return "credit_amount", true
	case errors.Is(err, checkoutdomain.ErrMissingContact):
		return "email", true
	case errors.Is(err, checkoutdomain.ErrInvalidReturnURL):
		return "origin", true
	case errors.Is(err, ledgerdomain.ErrInvalidArtifact):
		return "artifact_id", true
	case errors.Is(err, ledgerdomain.ErrInvalidSession),
		errors.Is(err, paymentdomain.ErrInvalidSession):
		return "session_id", true
	case errors.Is(err, ledgerdomain.ErrInvalidPageToken):
		return "page_token", true
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		return "signature", true
	case errors.Is(err, paymentdomain.ErrInvalidPayload),
		errors.Is(err, paymentdomain.ErrInvalidEvent):
		return "payload", true
	default:
		return "", false
	}
}

func validationMessage(err error) string {
	switch {
	case errors.Is(err, catalog.ErrInvalidPackage):
		return "credit amount is not an offered package"
	case errors.Is(err, checkoutdomain.ErrMissingContact):
		return "an email address is required to purchase"
	case errors.Is(err, paymentdomain.ErrInvalidSignature):
		return "invalid signature"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid request"
	default:
		return "invalid value"
	}
}
