package web

// errors.go provides unified error response handling for the web layer.
//
// Technical errors are logged with the request id; clients receive the
// field.MapError message and support code, as JSON for API and JSON-accepting
// clients, as an alert fragment for htmx, and as plain text otherwise.

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/render"

	"github.com/JonMunkholm/uploadfield/internal/engine"
	"github.com/JonMunkholm/uploadfield/internal/field"
	"github.com/JonMunkholm/uploadfield/internal/logging"
	"github.com/JonMunkholm/uploadfield/internal/web/templates"
)

var (
	// ErrFieldNotFound is returned for an unknown field id.
	ErrFieldNotFound = errors.New("field not found")
	// ErrNoFile is returned when an upload request carries no file.
	ErrNoFile = errors.New("no file provided")
	// ErrUnknownAction is returned for a per-file control the dashboard
	// does not offer.
	ErrUnknownAction = errors.New("unknown file action")
)

// ErrorResponse is the JSON body of an error. Code is the field.MapError
// support code.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// respondError logs err and writes the mapped user message.
func respondError(w http.ResponseWriter, r *http.Request, err error, status int) {
	msg := field.MapError(err)

	// Errors the user can act on are expected traffic.
	level := slog.LevelError
	if field.IsUserFacing(err) {
		level = slog.LevelWarn
	}
	logging.FromContext(r.Context()).Log(r.Context(), level, "request error",
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", err.Error(),
		"code", msg.Code,
	)

	switch {
	case isHTMX(r) && !wantsJSON(r):
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		// htmx only swaps 2xx responses unless configured otherwise.
		w.Header().Set("HX-Reswap", "none")
		w.WriteHeader(status)
		templates.ErrorAlert(msg).Render(r.Context(), w)
	case wantsJSON(r):
		render.Status(r, status)
		render.JSON(w, r, ErrorResponse{Error: msg.Message, Message: msg.Message, Action: msg.Action, Code: msg.Code})
	default:
		http.Error(w, msg.Message+" ("+msg.Code+")", status)
	}
}

// writeError writes a JSON error for a condition that has no underlying
// error value, such as throttling.
func writeError(w http.ResponseWriter, r *http.Request, status int, message string) {
	msg := field.MapError(errors.New(message))
	render.Status(r, status)
	render.JSON(w, r, ErrorResponse{Error: message, Message: msg.Message, Action: msg.Action, Code: msg.Code})
}

// statusFor picks the HTTP status for err.
func statusFor(err error) int {
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrFieldNotFound), errors.Is(err, engine.ErrFileNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, ErrNoFile), errors.Is(err, ErrInvalidAccount), errors.Is(err, ErrInvalidName),
		errors.Is(err, ErrUnknownAction):
		return http.StatusBadRequest
	case errors.Is(err, field.ErrNoContainer):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// isHTMX checks if the request is an htmx request.
func isHTMX(r *http.Request) bool {
	return r.Header.Get("HX-Request") == "true"
}

// wantsJSON checks if the client prefers a JSON response. API routes
// default to JSON.
func wantsJSON(r *http.Request) bool {
	if strings.Contains(r.Header.Get("Accept"), "application/json") {
		return true
	}
	if strings.Contains(r.Header.Get("Content-Type"), "application/json") {
		return true
	}
	return strings.HasPrefix(r.URL.Path, "/api/")
}
