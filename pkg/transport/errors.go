package transport

import (
	"fmt"
	"net/http"

	"github.com/eyepop-ai/eyepop-sdk-go/pkg/model"
)

// StatusError is a non-2xx API response. It unwraps to the taxonomy error
// for its status code.
type StatusError struct {
	Method string
	Route  string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %s: %d %s", e.Method, e.Route, e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("%s %s: %d %s: %s", e.Method, e.Route, e.Code, http.StatusText(e.Code), e.Body)
}

func (e *StatusError) Unwrap() error {
	return classify(e.Code)
}

func classify(code int) error {
	switch code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return model.ErrAuth
	case http.StatusNotFound, http.StatusGone:
		return model.ErrNotFound
	default:
		return model.ErrConnection
	}
}

func statusClass(code int) string {
	if code == 0 {
		return "error"
	}
	return fmt.Sprintf("%dxx", code/100)
}
