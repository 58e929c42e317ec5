package asm

import (
	"errors"
	"fmt"
)

// Error code the management API uses for missing resources.
const codeResourceNotFound = "ResourceNotFound"

// Error is a failure response from the management API. Code and Message
// come from the XML error body; StatusCode from the HTTP response.
type Error struct {
	StatusCode int    `xml:"-"`
	Code       string `xml:"Code"`
	Message    string `xml:"Message"`
}

func (e *Error) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("management API error: HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("management API error: %s: %s (HTTP %d)", e.Code, e.Message, e.StatusCode)
}

// IsNotFound reports whether err means the queried resource does not exist.
// Absence is an expected convergence signal and must stay distinguishable
// from every other provider failure.
func IsNotFound(err error) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.StatusCode == 404 || apiErr.Code == codeResourceNotFound
}
