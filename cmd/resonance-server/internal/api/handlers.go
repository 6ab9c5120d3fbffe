// Package api provides HTTP handlers for the resonance server REST API.
package api

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/coregx/resonance"
	"github.com/coregx/resonance/model"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// Handler holds dependencies for API handlers.
type Handler struct {
	publisher *resonance.Publisher
	consumer  *resonance.Consumer
	registry  *resonance.Registry
	logger    resonance.Logger
}

// NewHandler creates a new API handler.
func NewHandler(
	publisher *resonance.Publisher,
	consumer *resonance.Consumer,
	registry *resonance.Registry,
	logger resonance.Logger,
) *Handler {
	if logger == nil {
		logger = &resonance.NoopLogger{}
	}
	return &Handler{
		publisher: publisher,
		consumer:  consumer,
		registry:  registry,
		logger:    logger,
	}
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/v1/health", h.HandleHealth)

	mux.HandleFunc("GET /api/v1/topics", h.HandleListTopics)
	mux.HandleFunc("GET /api/v1/topics/{topic}", h.HandleGetTopic)
	mux.HandleFunc("PUT /api/v1/topics/{topic}", h.HandlePutTopic)
	mux.HandleFunc("DELETE /api/v1/topics/{topic}", h.HandleDeleteTopic)
	mux.HandleFunc("POST /api/v1/topics/{topic}/events", h.HandlePublish)

	mux.HandleFunc("GET /api/v1/subscriptions", h.HandleListSubscriptions)
	mux.HandleFunc("GET /api/v1/subscriptions/{subscription}", h.HandleGetSubscription)
	mux.HandleFunc("PUT /api/v1/subscriptions/{subscription}", h.HandlePutSubscription)
	mux.HandleFunc("DELETE /api/v1/subscriptions/{subscription}", h.HandleDeleteSubscription)

	mux.HandleFunc("GET /api/v1/consume/{subscription}", h.HandleConsume)
	mux.HandleFunc("POST /api/v1/mark/{id}/{deliveryKey}/consumed", h.HandleMarkConsumed)
	mux.HandleFunc("POST /api/v1/mark/{id}/{deliveryKey}/failed", h.HandleMarkFailed)
	mux.HandleFunc("POST /api/v1/mark/consumed", h.HandleMarkConsumedBatch)

	mux.HandleFunc("GET /api/v1/deadletters/{subscription}", h.HandleListDeadLetters)
	mux.HandleFunc("POST /api/v1/deadletters/{id}/resolve", h.HandleResolveDeadLetter)
	mux.HandleFunc("GET /api/v1/stats/deadletters", h.HandleDeadLetterStats)

	return mux
}

// ErrorResponse represents an error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// SuccessResponse represents a success response.
type SuccessResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Message string      `json:"message,omitempty"`
}

// HandleHealth handles GET /api/v1/health
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"version":   Version,
	}
	h.respondSuccess(w, http.StatusOK, health, "")
}

// HandleConsume handles GET /api/v1/consume/{subscription}?maxCount=n
func (h *Handler) HandleConsume(w http.ResponseWriter, r *http.Request) {
	maxCount := 1
	if raw := r.URL.Query().Get("maxCount"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.respondError(w, http.StatusBadRequest, "maxCount must be a positive integer", resonance.ErrCodeInvalidArgument)
			return
		}
		maxCount = n
	}

	events, err := h.consumer.ConsumeNext(r.Context(), r.PathValue("subscription"), maxCount)
	if err != nil {
		h.respondFailure(w, "Failed to consume events", err)
		return
	}
	h.respondSuccess(w, http.StatusOK, events, "")
}

// HandleMarkConsumed handles POST /api/v1/mark/{id}/{deliveryKey}/consumed
func (h *Handler) HandleMarkConsumed(w http.ResponseWriter, r *http.Request) {
	id, key, ok := h.claimFromPath(w, r)
	if !ok {
		return
	}

	result, err := h.consumer.MarkConsumed(r.Context(), id, key)
	if err != nil {
		h.respondFailure(w, "Failed to mark event consumed", err)
		return
	}
	h.respondSuccess(w, http.StatusOK, result, "")
}

// HandleMarkFailed handles POST /api/v1/mark/{id}/{deliveryKey}/failed?reason=
func (h *Handler) HandleMarkFailed(w http.ResponseWriter, r *http.Request) {
	id, key, ok := h.claimFromPath(w, r)
	if !ok {
		return
	}

	result, err := h.consumer.MarkFailed(r.Context(), id, key, r.URL.Query().Get("reason"))
	if err != nil {
		h.respondFailure(w, "Failed to mark event failed", err)
		return
	}
	h.respondSuccess(w, http.StatusOK, result, "")
}

// BatchAckEntry reports one entry of a batch acknowledgement.
type BatchAckEntry struct {
	ID     int64            `json:"id"`
	Result *model.AckResult `json:"result,omitempty"`
	Error  *ErrorResponse   `json:"error,omitempty"`
}

// HandleMarkConsumedBatch handles POST /api/v1/mark/consumed with a JSON array of
// {id, deliveryKey} objects. Each event ID may appear once.
func (h *Handler) HandleMarkConsumedBatch(w http.ResponseWriter, r *http.Request) {
	var claims []model.ConsumableEventID
	if err := json.NewDecoder(r.Body).Decode(&claims); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}
	seen := make(map[int64]bool, len(claims))
	for _, claim := range claims {
		if claim.ID <= 0 || claim.DeliveryKey == "" {
			h.respondError(w, http.StatusBadRequest, "every entry needs an id and a deliveryKey", resonance.ErrCodeInvalidArgument)
			return
		}
		if seen[claim.ID] {
			h.respondError(w, http.StatusBadRequest, fmt.Sprintf("event %d appears more than once", claim.ID), resonance.ErrCodeInvalidArgument)
			return
		}
		seen[claim.ID] = true
	}

	entries := h.consumer.MarkConsumedBatch(r.Context(), claims)

	response := make([]BatchAckEntry, 0, len(claims))
	for _, claim := range claims {
		entry := entries[claim.ID]
		item := BatchAckEntry{ID: claim.ID}
		if entry.Err != nil {
			item.Error = &ErrorResponse{Error: entry.Err.Error(), Code: resonance.CodeOf(entry.Err)}
		} else {
			result := entry.Result
			item.Result = &result
		}
		response = append(response, item)
	}
	h.respondSuccess(w, http.StatusOK, response, "")
}

// HandleListDeadLetters handles GET /api/v1/deadletters/{subscription}?limit=n
func (h *Handler) HandleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			h.respondError(w, http.StatusBadRequest, "limit must be a non-negative integer", resonance.ErrCodeInvalidArgument)
			return
		}
		limit = n
	}

	letters, err := h.consumer.GetDeadLetters(r.Context(), r.PathValue("subscription"), limit)
	if err != nil {
		h.respondFailure(w, "Failed to list dead letters", err)
		return
	}
	h.respondSuccess(w, http.StatusOK, letters, "")
}

// ResolveRequest is the body of a dead letter resolution.
type ResolveRequest struct {
	ResolvedBy string `json:"resolvedBy"`
	Note       string `json:"note"`
}

// HandleResolveDeadLetter handles POST /api/v1/deadletters/{id}/resolve
func (h *Handler) HandleResolveDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusBadRequest, "Invalid dead letter ID", "INVALID_ID")
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}

	letter, err := h.consumer.ResolveDeadLetter(r.Context(), id, req.ResolvedBy, req.Note)
	if err != nil {
		h.respondFailure(w, "Failed to resolve dead letter", err)
		return
	}
	h.respondSuccess(w, http.StatusOK, letter, "Dead letter resolved")
}

// HandleDeadLetterStats handles GET /api/v1/stats/deadletters
func (h *Handler) HandleDeadLetterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.consumer.GetDeadLetterStats(r.Context())
	if err != nil {
		h.respondFailure(w, "Failed to compute dead letter stats", err)
		return
	}
	h.respondSuccess(w, http.StatusOK, stats, "")
}

// claimFromPath extracts the event ID and delivery key of a mark request.
func (h *Handler) claimFromPath(w http.ResponseWriter, r *http.Request) (int64, string, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		h.respondError(w, http.StatusBadRequest, "Invalid event ID", "INVALID_ID")
		return 0, "", false
	}
	key := r.PathValue("deliveryKey")
	if key == "" {
		h.respondError(w, http.StatusBadRequest, "Missing delivery key", "INVALID_KEY")
		return 0, "", false
	}
	return id, key, true
}

// statusFor maps an error code to an HTTP status.
func statusFor(err error) int {
	switch {
	case resonance.IsInvalidArgument(err):
		return http.StatusBadRequest
	case resonance.IsNotFound(err), resonance.IsStaleClaim(err):
		return http.StatusNotFound
	case resonance.IsConflict(err), resonance.IsInvalidState(err):
		return http.StatusConflict
	case resonance.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondFailure logs err when it is a server-side failure and sends the mapped response.
func (h *Handler) respondFailure(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Errorf("%s: %v", message, err)
	} else {
		h.logger.Debugf("%s: %v", message, err)
	}

	code := resonance.CodeOf(err)
	if code == "" {
		code = "INTERNAL_ERROR"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   message,
		Code:    code,
		Message: err.Error(),
	})
}

// respondError sends an error response.
func (h *Handler) respondError(w http.ResponseWriter, status int, message, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   message,
		Code:    code,
		Message: message,
	})
}

// respondSuccess sends a success response.
func (h *Handler) respondSuccess(w http.ResponseWriter, status int, data interface{}, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(SuccessResponse{
		Success: true,
		Data:    data,
		Message: message,
	})
}
