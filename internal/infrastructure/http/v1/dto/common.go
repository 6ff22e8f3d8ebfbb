// Package dto provides Data Transfer Objects for API requests/responses.
package dto

// --- List Response ---

// ListResponse wraps list results with offset pagination.
type ListResponse struct {
	Items  any `json:"items"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}

// --- Error Response ---

// ErrorResponse mirrors the body rendered by middleware.ErrorHandler.
type ErrorResponse struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// --- Success Response ---

// SuccessResponse for operations without data.
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
