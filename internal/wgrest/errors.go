package wgrest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// APIError — ответ control plane со статусом вне 2xx.
// 4xx — постоянный отказ (не ретраим, сущность пропускается),
// 5xx — временный (ретраим с backoff).
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("wgrest: HTTP %d: %s", e.StatusCode, e.Message)
}

// Is поддерживает errors.Is по коду статуса; ErrServer матчит любой 5xx.
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	if t.StatusCode == 500 && e.StatusCode >= 500 && e.StatusCode < 600 {
		return true
	}
	return e.StatusCode == t.StatusCode
}

var (
	ErrBadRequest   = &APIError{StatusCode: 400, Message: "bad request"}
	ErrUnauthorized = &APIError{StatusCode: 401, Message: "unauthorized"}
	ErrNotFound     = &APIError{StatusCode: 404, Message: "not found"}
	ErrConflict     = &APIError{StatusCode: 409, Message: "conflict"}
	ErrServer       = &APIError{StatusCode: 500, Message: "server error"}
)

// IsPermanent — отказ уровня 4xx: повторять бессмысленно.
func IsPermanent(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode >= 400 && apiErr.StatusCode < 500
}

// IsTransient — сетевые ошибки и 5xx: следующий проход может пройти.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return true
}

// maxErrorBody ограничивает чтение тела ошибки.
const maxErrorBody = 4096

func errorFromResponse(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(body)),
	}
}
