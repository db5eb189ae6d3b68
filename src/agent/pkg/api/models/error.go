package models

// Error kinds returned in ErrorResponse.Error
const (
	ErrKindValidation = "validation_error"
	ErrKindMapping    = "mapping_error"
	ErrKindNotFound   = "not_found"
)

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error   string      `json:"error"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
	Code    int         `json:"code"`
}

// NewErrorResponse creates a new error response. kind is one of the
// ErrKind constants.
func NewErrorResponse(code int, kind string, message string, details interface{}) *ErrorResponse {
	return &ErrorResponse{
		Error:   kind,
		Message: message,
		Details: details,
		Code:    code,
	}
}
