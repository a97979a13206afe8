// SPDX-License-Identifier: AGPL-3.0-or-later
// Copyright (c) 2024-2026 runwatch contributors
// https://github.com/fr4nsys/runwatch

// Package handlers provides the engine-facing HTTP handlers.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/fr4nsys/runwatch/internal/pkg/errors"
	"github.com/fr4nsys/runwatch/internal/pkg/logger"
)

// maxBodyBytes bounds every JSON request body.
const maxBodyBytes = 1 << 20 // 1 MiB

// BaseHandler provides shared response and parsing helpers.
type BaseHandler struct {
	logger *logger.Logger
}

// NewBaseHandler creates a base handler.
func NewBaseHandler(log *logger.Logger) BaseHandler {
	if log == nil {
		log = logger.Nop()
	}
	return BaseHandler{logger: log}
}

// Logger returns the handler's logger.
func (h *BaseHandler) Logger() *logger.Logger { return h.logger }

// errorEnvelope is the wire shape of every error response.
type errorEnvelope struct {
	Error errorBody `json:"error"`
}

type errorBody struct {
	Code    string                 `json:"code"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// JSON writes a JSON response with the given status code.
func (h *BaseHandler) JSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			h.logger.Error("failed to encode JSON response", "error", err)
		}
	}
}

// OK writes a 200 response.
func (h *BaseHandler) OK(w http.ResponseWriter, data any) {
	h.JSON(w, http.StatusOK, data)
}

// NoContent writes a 204 response.
func (h *BaseHandler) NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// HandleError maps an application error onto the wire envelope.
func (h *BaseHandler) HandleError(w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	appErr, ok := errors.GetAppError(err)
	if !ok {
		h.logger.Error("unclassified handler error", "error", err)
		appErr = errors.Internal("internal error")
	}
	h.JSON(w, errors.HTTPStatusCode(appErr), errorEnvelope{Error: errorBody{
		Code:    appErr.Code,
		Message: appErr.Message,
		Details: appErr.Details,
	}})
}

// BadRequest writes a 400 response.
func (h *BaseHandler) BadRequest(w http.ResponseWriter, message string) {
	h.HandleError(w, errors.InvalidInput(message))
}

// ParseJSON decodes a bounded JSON request body.
func (h *BaseHandler) ParseJSON(r *http.Request, v any) error {
	if r.Body == nil {
		return errors.InvalidInput("request body is empty")
	}
	defer r.Body.Close()

	decoder := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := decoder.Decode(v); err != nil {
		if err == io.EOF {
			return errors.InvalidInput("request body is empty")
		}
		return errors.InvalidInput("invalid JSON: " + err.Error())
	}
	return nil
}

// URLParam returns a chi URL parameter.
func (h *BaseHandler) URLParam(r *http.Request, key string) string {
	return chi.URLParam(r, key)
}

// QueryParam returns a query parameter value.
func (h *BaseHandler) QueryParam(r *http.Request, key string) string {
	return r.URL.Query().Get(key)
}

// QueryParamInt returns an integer query parameter, or def when absent
// or unparsable.
func (h *BaseHandler) QueryParamInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
