package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/TimRepke/lithub/bitmask"
	"github.com/TimRepke/lithub/cache"
	"github.com/TimRepke/lithub/internal/dataset"
)

// ErrorDetail is the body of every error response.
type ErrorDetail struct {
	// Type names the kind of failure
	Type string `json:"type"`
	// Level is always ERROR for now
	Level string `json:"level"`
	// Message is the error text
	Message string `json:"message"`
	// Args are the values that caused the failure
	Args []any `json:"args"`
}

// ParamError reports a missing or malformed request parameter.
type ParamError struct {
	Name  string
	Value string
	Err   error
}

func (e *ParamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("missing parameter %q", e.Name)
	}
	return fmt.Sprintf("invalid parameter %q=%q: %v", e.Name, e.Value, e.Err)
}

func (e *ParamError) Unwrap() error {
	return e.Err
}

// classify maps err to a status code, a type name and its arguments.
func classify(err error) (int, string, []any) {
	var (
		domainErr *bitmask.DomainError
		formatErr *bitmask.FormatError
		paramErr  *ParamError
	)
	switch {
	case errors.As(err, &paramErr):
		return http.StatusBadRequest, "ParamError", []any{paramErr.Name, paramErr.Value}
	case errors.As(err, &domainErr):
		return http.StatusBadRequest, "DomainError", []any{domainErr.Index, domainErr.Total}
	case errors.As(err, &formatErr):
		return http.StatusBadRequest, "FormatError", []any{formatErr.Length}
	case errors.Is(err, dataset.ErrUnknownColumn):
		return http.StatusBadRequest, "UnknownColumn", []any{}
	case errors.Is(err, dataset.ErrBadQuery):
		return http.StatusBadRequest, "BadQuery", []any{}
	case errors.Is(err, cache.ErrInvalidClear):
		return http.StatusBadRequest, "InvalidClear", []any{}
	case errors.Is(err, dataset.ErrNotFound):
		return http.StatusNotFound, "NotFound", []any{}
	default:
		return http.StatusInternalServerError, "InternalError", []any{}
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, kind, args := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Any("error", err.Error()))
	} else {
		s.logger.Info("bad request", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.Any("error", err.Error()))
	}
	writeJSONStatus(w, status, ErrorDetail{Type: kind, Level: "ERROR", Message: err.Error(), Args: args})
}

func writeJSON(w http.ResponseWriter, value any) {
	writeJSONStatus(w, http.StatusOK, value)
}

func writeJSONStatus(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Del("Content-Disposition")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}
