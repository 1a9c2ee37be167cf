package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	billingdomain "github.com/smallbiznis/bookline/internal/billing/domain"
	paymentdomain "github.com/smallbiznis/bookline/internal/payment/domain"
	reconciledomain "github.com/smallbiznis/bookline/internal/reconcile/domain"
	referencedomain "github.com/smallbiznis/bookline/internal/reference/domain"
	refsyncdomain "github.com/smallbiznis/bookline/internal/refsync/domain"
	royaltydomain "github.com/smallbiznis/bookline/internal/royalty/domain"
	pkgdb "github.com/smallbiznis/bookline/pkg/db"
	"gorm.io/gorm"
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

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
)

// validationErrs are reported as 400 with the sentinel text as the code.
var validationErrs = []error{
	ErrInvalidRequest,
	errInvalidID,
	referencedomain.ErrInvalidEntityType,
	referencedomain.ErrInvalidOperation,
	referencedomain.ErrInvalidPayload,
	referencedomain.ErrInvalidEntityUUID,
	referencedomain.ErrInvalidVersion,
	refsyncdomain.ErrInvalidMode,
	refsyncdomain.ErrInvalidSubscriber,
	refsyncdomain.ErrInvalidEndpoint,
	refsyncdomain.ErrTransportDisabled,
	reconciledomain.ErrInvalidPair,
	billingdomain.ErrInvalidInvoice,
	billingdomain.ErrInvalidLineItems,
	billingdomain.ErrInvalidQuantity,
	billingdomain.ErrInvalidCurrency,
	billingdomain.ErrCurrencyMismatch,
	billingdomain.ErrUnknownUser,
	billingdomain.ErrUnknownBook,
	billingdomain.ErrBookNotPriced,
	billingdomain.ErrInvalidPlan,
	billingdomain.ErrPlanInactive,
	billingdomain.ErrInvalidCycle,
	billingdomain.ErrUnknownDiscount,
	billingdomain.ErrDiscountNotApplicable,
	billingdomain.ErrInvalidProvider,
	paymentdomain.ErrInvalidProvider,
	paymentdomain.ErrInvalidPayload,
	paymentdomain.ErrInvalidCallback,
	paymentdomain.ErrInvalidResolution,
	paymentdomain.ErrInvalidAnomalyStatus,
	royaltydomain.ErrInvalidPeriod,
	royaltydomain.ErrInvalidStatus,
	royaltydomain.ErrInvalidRate,
}

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

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	if code, ok := validationErrorCode(err); ok {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: err.Error(),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, paymentdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, refsyncdomain.ErrStaleVersion),
		errors.Is(err, billingdomain.ErrInvalidState):
		// both carry the current version or status the caller needs to resync
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, pkgdb.ErrVersionConflict),
		errors.Is(err, refsyncdomain.ErrSubscriberInactive),
		errors.Is(err, refsyncdomain.ErrSubscriberNotPolling),
		errors.Is(err, paymentdomain.ErrAnomalyAlreadyResolved):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, paymentdomain.ErrGatewayUnavailable),
		errors.Is(err, reconciledomain.ErrSourceUnavailable):
		return http.StatusBadGateway, errorPayload{
			Type:    "upstream_unavailable",
			Message: "upstream unavailable",
		}
	case errors.Is(err, ErrServiceUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

// classifyErrorForLog feeds the request logger the same type the client sees.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status == http.StatusBadRequest && len(payload.Errors) > 0 {
		return payload.Type, payload.Errors[0].Code
	}
	return payload.Type, http.StatusText(status)
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func validationErrorCode(err error) (string, bool) {
	for _, target := range validationErrs {
		if errors.Is(err, target) {
			return target.Error(), true
		}
	}
	return "", false
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, referencedomain.ErrReferenceNotFound),
		errors.Is(err, refsyncdomain.ErrSubscriberNotFound),
		errors.Is(err, refsyncdomain.ErrEventNotFound),
		errors.Is(err, billingdomain.ErrInvoiceNotFound),
		errors.Is(err, billingdomain.ErrPlanNotFound),
		errors.Is(err, billingdomain.ErrSubscriptionNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotFound),
		errors.Is(err, paymentdomain.ErrProviderNotConfigured),
		errors.Is(err, paymentdomain.ErrAnomalyNotFound),
		errors.Is(err, royaltydomain.ErrRoyaltyNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func conflictMessage(err error) string {
	for _, target := range []error{
		refsyncdomain.ErrSubscriberInactive,
		refsyncdomain.ErrSubscriberNotPolling,
		paymentdomain.ErrAnomalyAlreadyResolved,
	} {
		if errors.Is(err, target) {
			return target.Error()
		}
	}
	return "conflict"
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}
