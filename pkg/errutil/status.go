package errutil

import "net/http"

// CoreStatus is the transport-agnostic error code carried by BaseError.
type CoreStatus string

const (
	StatusBadRequest          CoreStatus = "BAD_REQUEST"
	StatusValidationFailed    CoreStatus = "VALIDATION_FAILED"
	StatusUnauthorized        CoreStatus = "UNAUTHORIZED"
	StatusForbidden           CoreStatus = "FORBIDDEN"
	StatusNotFound            CoreStatus = "NOT_FOUND"
	StatusConflict            CoreStatus = "CONFLICT"
	StatusUnprocessableEntity CoreStatus = "UNPROCESSABLE_ENTITY"
	StatusTooManyRequests     CoreStatus = "TOO_MANY_REQUESTS"
	StatusTimeout             CoreStatus = "TIMEOUT"
	StatusInternal            CoreStatus = "INTERNAL"
	StatusNotImplemented      CoreStatus = "NOT_IMPLEMENTED"
	StatusBadGateway          CoreStatus = "BAD_GATEWAY"
	StatusServiceUnavailable  CoreStatus = "SERVICE_UNAVAILABLE"
	StatusUnknown             CoreStatus = "UNKNOWN"

	// Money-path statuses. StateInvalid is an illegal state-machine
	// transition, BalanceInvariant a broken accounting assertion that
	// aborts the transaction and quarantines the event.
	StatusStateInvalid     CoreStatus = "STATE_INVALID"
	StatusBalanceInvariant CoreStatus = "BALANCE_INVARIANT"
	StatusSignatureInvalid CoreStatus = "SIGNATURE_INVALID"

	// Payment-provider outcomes. Transient errors are retryable up to
	// the dispatch attempt limit, terminal errors are not.
	StatusProviderTransient CoreStatus = "PROVIDER_TRANSIENT"
	StatusProviderTerminal  CoreStatus = "PROVIDER_TERMINAL"
)

// HTTPStatus maps the CoreStatus to its closest HTTP status code.
func (s CoreStatus) HTTPStatus() int {
	switch s {
	case StatusBadRequest, StatusValidationFailed:
		return http.StatusBadRequest
	case StatusUnauthorized, StatusSignatureInvalid:
		return http.StatusUnauthorized
	case StatusForbidden:
		return http.StatusForbidden
	case StatusNotFound:
		return http.StatusNotFound
	case StatusConflict, StatusStateInvalid:
		return http.StatusConflict
	case StatusUnprocessableEntity:
		return http.StatusUnprocessableEntity
	case StatusTooManyRequests:
		return http.StatusTooManyRequests
	case StatusTimeout:
		return http.StatusGatewayTimeout
	case StatusNotImplemented:
		return http.StatusNotImplemented
	case StatusBadGateway, StatusProviderTransient:
		return http.StatusBadGateway
	case StatusServiceUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a caller may usefully retry the failed call.
func (s CoreStatus) Retryable() bool {
	switch s {
	case StatusTimeout, StatusProviderTransient, StatusServiceUnavailable, StatusTooManyRequests:
		return true
	default:
		return false
	}
}
