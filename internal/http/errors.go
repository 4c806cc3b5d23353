package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/hub"
	"github.com/example/ride-dispatch/internal/lifecycle"
	"github.com/example/ride-dispatch/internal/presence"
	"github.com/example/ride-dispatch/internal/relay"
	"github.com/example/ride-dispatch/internal/storage"
)

type code string

const (
	codeValidation        code = "VALIDATION_ERROR"
	codeUnauthorized      code = "UNAUTHORIZED"
	codeForbidden         code = "FORBIDDEN"
	codeNotFound          code = "NOT_FOUND"
	codeConflict          code = "CONFLICT"
	codeStateConflict     code = "STATE_CONFLICT"
	codeStale             code = "STALE_STATUS"
	codeOfferGone         code = "OFFER_NO_LONGER_VALID"
	codeDriverUnavailable code = "DRIVER_UNAVAILABLE"
	codeUnavailable       code = "SERVICE_UNAVAILABLE"
	codeInternal          code = "INTERNAL_ERROR"
)

type metadata struct {
	status int
	// message is shown when the error carries none of its own, and always for codes without details.
	message string
	details bool
}

var metadataByCode = map[code]metadata{
	codeValidation:        {http.StatusBadRequest, "validation failed", true},
	codeUnauthorized:      {http.StatusUnauthorized, "authentication required", false},
	codeForbidden:         {http.StatusForbidden, "access denied", false},
	codeNotFound:          {http.StatusNotFound, "resource not found", false},
	codeConflict:          {http.StatusConflict, "customer already has an active order", false},
	codeStateConflict:     {http.StatusUnprocessableEntity, "state transition disallowed", true},
	codeStale:             {http.StatusConflict, "order status changed, refresh and retry", true},
	codeOfferGone:         {http.StatusGone, "offer no longer available", false},
	codeDriverUnavailable: {http.StatusConflict, "driver unavailable", false},
	codeUnavailable:       {http.StatusServiceUnavailable, "service unavailable", false},
	codeInternal:          {http.StatusInternalServerError, "internal server error", false},
}

func metadataFor(c code) metadata {
	if m, ok := metadataByCode[c]; ok {
		return m
	}
	return metadataByCode[codeInternal]
}

// apiError is an error raised by this package with a caller-facing message.
type apiError struct {
	code    code
	message string
	details any
}

func (e *apiError) Error() string { return string(e.code) + ": " + e.message }

func newError(c code, message string) *apiError { return &apiError{code: c, message: message} }

func classify(err error) code {
	var ae *apiError
	switch {
	case errors.As(err, &ae):
		return ae.code
	case errors.Is(err, dispatch.ErrInvalidRequest),
		errors.Is(err, fare.ErrUnknownService),
		errors.Is(err, relay.ErrInvalidLocation),
		errors.Is(err, relay.ErrEmptyMessage):
		return codeValidation
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, hub.ErrUnauthenticated):
		return codeUnauthorized
	case errors.Is(err, dispatch.ErrNotParticipant), errors.Is(err, relay.ErrNotInRoom):
		return codeForbidden
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, presence.ErrPresenceNotFound):
		return codeNotFound
	case errors.Is(err, dispatch.ErrActiveOrder):
		return codeConflict
	case errors.Is(err, lifecycle.ErrIllegalTransition):
		return codeStateConflict
	case errors.Is(err, lifecycle.ErrStaleTransition):
		return codeStale
	case errors.Is(err, dispatch.ErrOfferNoLongerValid):
		return codeOfferGone
	case errors.Is(err, presence.ErrDriverUnavailable):
		return codeDriverUnavailable
	case errors.Is(err, dispatch.ErrClosed):
		return codeUnavailable
	}
	return codeInternal
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// describe maps err to its public code, message and details.
func describe(err error) (code, errorBody) {
	c := classify(err)
	meta := metadataFor(c)
	body := errorBody{Code: string(c), Message: meta.message}
	if !meta.details {
		return c, body
	}
	var ae *apiError
	if errors.As(err, &ae) {
		body.Message = ae.message
		body.Details = ae.details
		return c, body
	}
	body.Message = err.Error()
	return c, body
}

func writeError(w http.ResponseWriter, log *slog.Logger, err error) {
	c, body := describe(err)
	meta := metadataFor(c)
	if meta.status >= http.StatusInternalServerError {
		log.Error("request failed", "error", err, "code", c)
	}
	writeJSON(w, meta.status, map[string]any{"error": body})
}

func writeData(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, map[string]any{"data": data})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
