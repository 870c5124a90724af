package rest

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/meridianfi/referral-engine/internal/domain"
	"github.com/meridianfi/referral-engine/internal/logger"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// Client errors (4xx)
	errCodeBadRequest          ErrorCode = "bad_request"
	errCodeNotFound            ErrorCode = "not_found"
	errCodeValidationFailed    ErrorCode = "validation_failed"
	errCodeDuplicatedOperation ErrorCode = "duplicated_operation"
	errCodeInsufficientBalance ErrorCode = "insufficient_balance"
	errCodeInvalidSignature    ErrorCode = "invalid_signature"
	errCodeCycleDetected       ErrorCode = "cycle_detected"
	errCodeAlreadyBound        ErrorCode = "already_bound"
	errCodeInvalidTransaction  ErrorCode = "invalid_transaction"

	// Server errors (5xx)
	errCodeInternalError ErrorCode = "internal_error"
)

// errorResponse represents a standardized error response
type errorResponse struct {
	Error errorDetail `json:"error"`
}

// errorDetail contains error information
type errorDetail struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Details string    `json:"details,omitempty"`
}

// respondWithError sends a standardized error response
func respondWithError(c *gin.Context, statusCode int, code ErrorCode, message string, details ...string) {
	response := errorResponse{
		Error: errorDetail{
			Code:    code,
			Message: message,
		},
	}

	if len(details) > 0 {
		response.Error.Details = details[0]
	}

	c.JSON(statusCode, response)
}

// respondBadRequest sends a 400 Bad Request response
func respondBadRequest(c *gin.Context, message string, details ...string) {
	respondWithError(c, http.StatusBadRequest, errCodeBadRequest, message, details...)
}

// respondValidationError sends a 400 Bad Request with validation error
func respondValidationError(c *gin.Context, details string) {
	respondWithError(c, http.StatusBadRequest, errCodeValidationFailed, "Validation failed", details)
}

// respondInternalError sends a 500 Internal Server Error response and logs the error
func respondInternalError(c *gin.Context, err error, message string, fields ...zap.Field) {
	logger.Error(err, fields...)
	respondWithError(c, http.StatusInternalServerError, errCodeInternalError, message)
}

// respondDomainError maps a service error to its HTTP shape
func respondDomainError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		respondWithError(c, http.StatusNotFound, errCodeNotFound, "Resource not found")
	case errors.Is(err, domain.ErrDuplicatedOperation):
		respondWithError(c, http.StatusConflict, errCodeDuplicatedOperation, "Operation already recorded", err.Error())
	case errors.Is(err, domain.ErrInsufficientBalance):
		respondWithError(c, http.StatusUnprocessableEntity, errCodeInsufficientBalance, "Insufficient balance")
	case errors.Is(err, domain.ErrInvalidSignature):
		respondWithError(c, http.StatusUnauthorized, errCodeInvalidSignature, "Invalid signature")
	case errors.Is(err, domain.ErrCycleDetected):
		respondWithError(c, http.StatusUnprocessableEntity, errCodeCycleDetected, "Referral would create a cycle")
	case errors.Is(err, domain.ErrAlreadyHasSuperior):
		respondWithError(c, http.StatusConflict, errCodeAlreadyBound, "Referrer already bound")
	case errors.Is(err, domain.ErrInvalidTransaction):
		respondWithError(c, http.StatusBadRequest, errCodeInvalidTransaction, "Invalid transaction", err.Error())
	default:
		respondInternalError(c, err, "Request failed")
	}
}
