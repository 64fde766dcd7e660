package httpx

import (
	"context"
	"encoding/json"
	"maps"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/warrantyfunnel/api/internal/platform/requestctx"
)

// Error is the JSON error envelope every funnel endpoint returns. Retryable tells the wizard it
// may resubmit the same step (or checkout with the same idempotency key) unchanged.
type Error struct {
	Code      string
	Message   string
	Status    int
	Retryable bool
	Details   map[string]any
}

// NewError builds an envelope. A zero status means 500.
func NewError(code, message string, status int) Error {
	if status == 0 {
		status = http.StatusInternalServerError
	}
	return Error{Code: clean(code, 80), Message: clean(message, 512), Status: status}
}

// AsRetryable marks the error as safe to retry unchanged.
func (e Error) AsRetryable() Error {
	e.Retryable = true
	return e
}

// WithDetails adds extra fields to the envelope. They never replace the standard keys.
func (e Error) WithDetails(details map[string]any) Error {
	if len(details) > 0 {
		e.Details = maps.Clone(details)
	}
	return e
}

func (e Error) payload(ctx context.Context) map[string]any {
	out := make(map[string]any, len(e.Details)+6)
	maps.Copy(out, e.Details)
	out["error"] = e.Code
	out["message"] = e.Message
	out["status"] = e.Status
	if e.Retryable {
		out["retryable"] = true
	}
	if id := clean(middleware.GetReqID(ctx), 80); id != "" {
		out["request_id"] = id
	}
	if id := clean(requestctx.TraceID(ctx), 64); id != "" {
		out["trace_id"] = id
	}
	return out
}

// WriteError writes err with its status, tagged with the request and trace ids from ctx.
func WriteError(ctx context.Context, w http.ResponseWriter, err Error) {
	if err.Status == 0 {
		err.Status = http.StatusInternalServerError
	}
	WriteJSON(w, err.Status, err.payload(ctx))
}

// WriteJSON encodes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// clean flattens line breaks and truncates so envelopes stay single-line in logs.
func clean(value string, limit int) string {
	value = strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(value))
	if len(value) > limit {
		value = value[:limit]
	}
	return value
}
