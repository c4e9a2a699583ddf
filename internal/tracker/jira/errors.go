package jira

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// apiError is Jira's error body: a list of general messages plus
// field-level errors.
type apiError struct {
	StatusCode    int               `json:"-"`
	ErrorMessages []string          `json:"errorMessages"`
	Errors        map[string]string `json:"errors"`
	raw           string
}

func parseError(status int, payload []byte) *apiError {
	apiErr := &apiError{StatusCode: status}
	if err := json.Unmarshal(payload, apiErr); err != nil {
		apiErr.raw = strings.TrimSpace(string(payload))
	}
	return apiErr
}

func (e *apiError) retryable() bool {
	return e.StatusCode >= 500 || e.StatusCode == http.StatusTooManyRequests
}

// message joins the tracker's own messages without rewording them. Field
// errors are ordered by field name.
func (e *apiError) message() string {
	parts := append([]string(nil), e.ErrorMessages...)
	fields := make([]string, 0, len(e.Errors))
	for field := range e.Errors {
		fields = append(fields, field)
	}
	sort.Strings(fields)
	for _, field := range fields {
		parts = append(parts, field+": "+e.Errors[field])
	}
	if len(parts) == 0 {
		if e.raw != "" {
			return e.raw
		}
		return http.StatusText(e.StatusCode)
	}
	return strings.Join(parts, "; ")
}

func (e *apiError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.message())
}
