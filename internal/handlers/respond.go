// Package handlers serves the marketplace's JSON API on top of the services
// package.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/agentmarket/backend/internal/models"
	"github.com/agentmarket/backend/internal/services"
)

const maxBodyBytes = 1 << 20

// WriteJSON writes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// WriteMessage writes {"error": msg}.
func WriteMessage(w http.ResponseWriter, status int, msg string) {
	WriteJSON(w, status, map[string]string{"error": msg})
}

// Status maps a service error to its HTTP status.
func Status(err error) int {
	switch {
	case errors.Is(err, services.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, services.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, services.ErrForbidden), errors.Is(err, services.ErrSelfDealing):
		return http.StatusForbidden
	case errors.Is(err, services.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, services.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, services.ErrInsufficientFunds):
		return http.StatusPaymentRequired
	}
	return http.StatusInternalServerError
}

// WriteError writes err as a JSON error. Internal errors are logged and
// their detail withheld.
func WriteError(w http.ResponseWriter, log *slog.Logger, err error) {
	status := Status(err)
	if status == http.StatusInternalServerError {
		if errors.Is(err, services.ErrEscrowShortfall) {
			log.Error("escrow consistency violation", "error", err)
		} else {
			log.Error("request failed", "error", err)
		}
		WriteMessage(w, status, "internal error")
		return
	}
	msg := services.Message(err)
	if msg == "" {
		msg = http.StatusText(status)
	}
	WriteMessage(w, status, msg)
}

// Decode reads the request body, checks it against the named schema and
// unmarshals it into v. On failure the response has been written.
func Decode(w http.ResponseWriter, r *http.Request, v *services.Validator, schema string, dst any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		WriteMessage(w, http.StatusBadRequest, "failed to read body")
		return false
	}
	if len(body) == 0 {
		body = []byte("{}")
	}
	if v != nil && schema != "" {
		if err := v.Validate(schema, body); err != nil {
			if errors.Is(err, services.ErrValidation) {
				WriteMessage(w, http.StatusBadRequest, services.Message(err))
			} else {
				WriteMessage(w, http.StatusInternalServerError, "internal error")
			}
			return false
		}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		WriteMessage(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

// PathID parses the {name} path value as a UUID. On failure a 400 has been
// written.
func PathID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		WriteMessage(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// Paging reads limit and offset query parameters, clamped to the page
// bounds.
func Paging(r *http.Request) (limit, offset int) {
	q := r.URL.Query()
	limit, _ = strconv.Atoi(q.Get("limit"))
	offset, _ = strconv.Atoi(q.Get("offset"))
	return models.Page(limit, offset)
}

// Page is the envelope of every list response.
type Page[T any] struct {
	Items  []T `json:"items"`
	Total  int `json:"total"`
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
}
