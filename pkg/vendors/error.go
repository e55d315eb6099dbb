package vendor

import "fmt"

// APIError represents a non-2xx response from a vendor endpoint.
type APIError struct {
	Vendor     string
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s api error (status %d): %s", e.Vendor, e.StatusCode, e.Message)
}

// IsDuplicate reports whether the vendor rejected the call because it already
// holds a transaction with the same reference. The vendor honored the
// idempotency key; the purchase must be treated as already submitted, not failed.
func (e *APIError) IsDuplicate() bool {
	return e.StatusCode == 409
}

// Retryable reports whether the HTTP status indicates a transient fault.
// 4xx validation rejections are permanent; 5xx and 429 are worth retrying.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == 429
}
