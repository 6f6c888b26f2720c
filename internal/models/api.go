// Package models defines the JSON envelope returned by the HTTP API.
package models

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
	// APIStatusDropped indicates an inbound message was accepted but discarded.
	APIStatusDropped APIStatus = "dropped"
)

// APIResponse is the standard envelope for API replies.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}

// Dropped creates a response for messages discarded by the rate limiter.
func Dropped(message string) APIResponse {
	return APIResponse{Status: string(APIStatusDropped), Message: message}
}
