package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// AppError is the error every request path resolves to before a response
// reaches an origin. Detail is kept for logs and is never put on the wire.
type AppError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Detail     string `json:"-"`
	RPCCode    int    `json:"-"`
	StatusCode int    `json:"-"`
}

func (e *AppError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Standardized error kinds
const (
	ErrCodeMethodNotSupported = "METHOD_NOT_SUPPORTED"
	ErrCodeInvalidRequest     = "INVALID_REQUEST"
	ErrCodeInvalidParams      = "INVALID_PARAMS"
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeUnauthorized       = "UNAUTHORIZED"
	ErrCodeUserRejected       = "USER_REJECTED_REQUEST"
	ErrCodeUnrecognizedChain  = "UNRECOGNIZED_CHAIN"
	ErrCodeInternal           = "INTERNAL"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeLocked             = "LOCKED"
)

// Wire codes (EIP-1193 provider errors and JSON-RPC 2.0)
const (
	RPCUserRejected       = 4001
	RPCUnauthorized       = 4100
	RPCMethodNotSupported = 4200
	RPCUnrecognizedChain  = 4902
	RPCInvalidInput       = -32000
	RPCRateLimited        = -32005
	RPCInvalidRequest     = -32600
	RPCInvalidParams      = -32602
	RPCInternal           = -32603
)

var defaultMessages = map[string]string{
	ErrCodeMethodNotSupported: "The requested method is not supported",
	ErrCodeInvalidRequest:     "Invalid request",
	ErrCodeInvalidParams:      "Invalid method parameter(s)",
	ErrCodeInvalidInput:       "Invalid input",
	ErrCodeUnauthorized:       "The requested method and/or account has not been authorized by the user",
	ErrCodeUserRejected:       "User rejected the request",
	ErrCodeUnrecognizedChain:  "Unrecognized chain",
	ErrCodeInternal:           "Internal error",
	ErrCodeRateLimited:        "Too many requests",
	ErrCodeLocked:             "Wallet is locked",
}

var rpcCodes = map[string]int{
	ErrCodeMethodNotSupported: RPCMethodNotSupported,
	ErrCodeInvalidRequest:     RPCInvalidRequest,
	ErrCodeInvalidParams:      RPCInvalidParams,
	ErrCodeInvalidInput:       RPCInvalidInput,
	ErrCodeUnauthorized:       RPCUnauthorized,
	ErrCodeUserRejected:       RPCUserRejected,
	ErrCodeUnrecognizedChain:  RPCUnrecognizedChain,
	ErrCodeInternal:           RPCInternal,
	ErrCodeRateLimited:        RPCRateLimited,
	ErrCodeLocked:             RPCUnauthorized,
}

var statusCodes = map[string]int{
	ErrCodeMethodNotSupported: http.StatusNotImplemented,
	ErrCodeInvalidRequest:     http.StatusBadRequest,
	ErrCodeInvalidParams:      http.StatusBadRequest,
	ErrCodeInvalidInput:       http.StatusBadRequest,
	ErrCodeUnauthorized:       http.StatusUnauthorized,
	ErrCodeUserRejected:       http.StatusForbidden,
	ErrCodeUnrecognizedChain:  http.StatusNotFound,
	ErrCodeInternal:           http.StatusInternalServerError,
	ErrCodeRateLimited:        http.StatusTooManyRequests,
	ErrCodeLocked:             http.StatusLocked,
}

// Predefined errors
var (
	ErrMethodNotSupported = New(ErrCodeMethodNotSupported, "")
	ErrUnauthorized       = New(ErrCodeUnauthorized, "")
	ErrUserRejected       = New(ErrCodeUserRejected, "")
	ErrInternal           = New(ErrCodeInternal, "")
	ErrInvalidInput       = New(ErrCodeInvalidInput, "")
	ErrRateLimited        = New(ErrCodeRateLimited, "")
	ErrLocked             = New(ErrCodeLocked, "")
	ErrNoAccount          = New(ErrCodeInvalidRequest, "Wallet not initialized. Please create or import a wallet.")
)

// New creates an AppError of the given kind. An empty message selects the
// kind's default message.
func New(code, message string) *AppError {
	if message == "" {
		message = defaultMessages[code]
	}
	return &AppError{
		Code:       code,
		Message:    message,
		RPCCode:    rpcCodeFor(code),
		StatusCode: statusCodeFor(code),
	}
}

// NewWithDetail creates an AppError carrying an internal detail string
func NewWithDetail(code, message, detail string) *AppError {
	err := New(code, message)
	err.Detail = detail
	return err
}

// InvalidParams creates a parameter validation error with a developer-facing reason
func InvalidParams(reason string) *AppError {
	if reason == "" {
		return New(ErrCodeInvalidParams, "")
	}
	return New(ErrCodeInvalidParams, reason)
}

// UnrecognizedChain creates the error returned when a chain id is unknown
func UnrecognizedChain(chainID string) *AppError {
	return New(ErrCodeUnrecognizedChain,
		fmt.Sprintf("Unrecognized chain ID %s. Try adding the chain using wallet_addEthereumChain first.", chainID))
}

// Unauthorized is returned when an origin lacks a grant or the wallet is locked
func Unauthorized() *AppError {
	return New(ErrCodeUnauthorized, "")
}

// UserRejected is returned when the user declines or abandons a request
func UserRejected() *AppError {
	return New(ErrCodeUserRejected, "")
}

// NoAccount is returned for non-connect methods before any account exists
func NoAccount() *AppError {
	return New(ErrCodeInvalidRequest, "Wallet not initialized. Please create or import a wallet.")
}

// InvalidAddress is returned when a request names an address other than the current account's
func InvalidAddress() *AppError {
	return New(ErrCodeInvalidParams, "Invalid address")
}

// IsAppError checks if an error is an AppError
func IsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// Is reports whether err is an AppError of the given kind
func Is(err error, code string) bool {
	appErr, ok := IsAppError(err)
	return ok && appErr.Code == code
}

// WireError is the error object serialized to origins
type WireError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// ToWire converts any error into its wire form. Errors that are not
// AppErrors collapse into INTERNAL so chain or storage failures are not
// exposed verbatim.
func ToWire(err error) *WireError {
	if err == nil {
		return nil
	}
	appErr, ok := IsAppError(err)
	if !ok {
		appErr = ErrInternal
	}
	return &WireError{Code: appErr.RPCCode, Message: appErr.Message}
}

func rpcCodeFor(code string) int {
	if c, ok := rpcCodes[code]; ok {
		return c
	}
	return RPCInternal
}

func statusCodeFor(code string) int {
	if c, ok := statusCodes[code]; ok {
		return c
	}
	return http.StatusInternalServerError
}
