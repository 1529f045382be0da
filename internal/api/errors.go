package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

var ErrRateLimited = errors.New("too many requests, please wait a moment")

// APIError ответ бэкенда со статусом 4xx/5xx
type APIError struct {
	StatusCode int
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("CarePro API error: status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("CarePro API error: status %d", e.StatusCode)
}

func newAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}

	var payload struct {
		Message string `json:"message"`
		Title   string `json:"title"`
		Error   string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil {
		for _, m := range []string{payload.Message, payload.Error, payload.Title} {
			if m != "" {
				apiErr.Message = m
				break
			}
		}
	}
	if apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
		if len(apiErr.Message) > 200 {
			apiErr.Message = apiErr.Message[:200]
		}
	}
	return apiErr
}

// IsStatus сообщает, что err - APIError с указанным статусом
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

func IsNotFound(err error) bool {
	return IsStatus(err, http.StatusNotFound)
}

func IsUnauthorized(err error) bool {
	return IsStatus(err, http.StatusUnauthorized)
}
