package drive

import (
	"errors"
	"fmt"

	"github.com/imroc/req/v3"
)

var (
	ErrNoServerURL = errors.New("drive: server url missing")
)

const (
	CodeInvalidRequest = "E_INVALID_REQUEST" // bad or invalid request
	CodeRateLimited    = "E_RATE_LIMITED"    // rate limit exceeded
	CodeInternalError  = "E_INTERNAL_ERROR"  // internal server error
	CodeAccessDenied   = "E_ACCESS_DENIED"   // access denied
	CodeNotFound       = "E_NOT_FOUND"       // resource not found
	CodeConflict       = "E_CONFLICT"        // conflicting remote state
	CodeAuthInvalid    = "E_AUTH_INVALID"    // credentials invalid or expired
	CodeUnknownError   = "E_UNKNOWN_ERR"     // unknown error
)

// APIError represents a structured error response from the remote API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: %s - %s", e.Code, e.Message)
}

// IsTransient reports whether err is worth retrying. Rate limiting and
// server/transport failures are transient; auth, not-found and conflict
// responses are terminal.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case CodeRateLimited, CodeInternalError, CodeUnknownError:
			return true
		default:
			return false
		}
	}
	// No structured response means the transport itself failed.
	return true
}

// handleAPIError folds the request error and the API error body into one error.
func handleAPIError(resp *req.Response, requestErr error, operation string) error {
	if requestErr != nil {
		return fmt.Errorf("http request error: %s %w", operation, requestErr)
	}

	if resp.IsErrorState() {
		if apiErr, ok := resp.ErrorResult().(*APIError); ok {
			return fmt.Errorf("%s: %w", operation, apiErr)
		}
		return &APIError{Code: CodeUnknownError, Message: fmt.Sprintf("%s: http %d", operation, resp.StatusCode)}
	}

	return nil
}
