package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"github.com/coregx/resonance"
	"github.com/coregx/resonance/model"
)

// TopicRequest is the body of PUT /api/v1/topics/{topic}.
type TopicRequest struct {
	Notes string `json:"notes"`
}

// HandleListTopics handles GET /api/v1/topics?name=
func (h *Handler) HandleListTopics(w http.ResponseWriter, r *http.Request) {
	topics, err := h.registry.GetTopics(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		h.respondFailure(w, "Failed to list topics", err)
		return
	}
	h.respondSuccess(w, http.StatusOK, topics, "")
}

// HandleGetTopic handles GET /api/v1/topics/{topic}
func (h *Handler) HandleGetTopic(w http.ResponseWriter, r *http.Request) {
	topic, err := h.registry.GetTopicByName(r.Context(), r.PathValue("topic"))
	if err != nil {
		h.respondFailure(w, "Failed to load topic", err)
		return
	}
	h.respondSuccess(w, http.StatusOK, topic, "")
}

// HandlePutTopic handles PUT /api/v1/topics/{topic}. It creates the topic or updates its notes.
func (h *Handler) HandlePutTopic(w http.ResponseWriter, r *http.Request) {
	var req TopicRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
			return
		}
	}

	name := r.PathValue("topic")
	topic, err := h.registry.GetTopicByName(r.Context(), name)
	status := http.StatusOK
	switch {
	case resonance.IsNotFound(err):
		topic = model.Topic{Name: name}
		status = http.StatusCreated
	case err != nil:
		h.respondFailure(w, "Failed to load topic", err)
		return
	}
	topic.Notes = req.Notes

	saved, err := h.registry.AddOrUpdateTopic(r.Context(), topic)
	if err != nil {
		h.respondFailure(w, "Failed to save topic", err)
		return
	}
	h.respondSuccess(w, status, saved, "Topic saved")
}

// HandleDeleteTopic handles DELETE /api/v1/topics/{topic}?cascade=true
func (h *Handler) HandleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	cascade := false
	if raw := r.URL.Query().Get("cascade"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "cascade must be a boolean", resonance.ErrCodeInvalidArgument)
			return
		}
		cascade = v
	}

	topic, err := h.registry.GetTopicByName(r.Context(), r.PathValue("topic"))
	if err != nil {
		h.respondFailure(w, "Failed to load topic", err)
		return
	}
	if err := h.registry.DeleteTopic(r.Context(), topic.ID, cascade); err != nil {
		h.respondFailure(w, "Failed to delete topic", err)
		return
	}
	h.respondSuccess(w, http.StatusOK, topic, "Topic deleted")
}

// PublishRequest is the body of POST /api/v1/topics/{topic}/events.
//
// A JSON string payload is stored as its text; any other JSON value is stored verbatim.
type PublishRequest struct {
	FunctionalKey   string            `json:"functionalKey"`
	Headers         map[string]string `json:"headers"`
	Payload         json.RawMessage   `json:"payload"`
	PublicationTime *time.Time        `json:"publicationTime"`
	ExpirationTime  *time.Time        `json:"expirationTime"`
}

func (req PublishRequest) payload() (string, error) {
	if len(req.Payload) == 0 {
		return "", nil
	}
	if req.Payload[0] == '"' {
		var s string
		if err := json.Unmarshal(req.Payload, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	return string(req.Payload), nil
}

// HandlePublish handles POST /api/v1/topics/{topic}/events
func (h *Handler) HandlePublish(w http.ResponseWriter, r *http.Request) {
	var req PublishRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}
	payload, err := req.payload()
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid payload", "INVALID_JSON")
		return
	}

	event, err := h.publisher.Publish(r.Context(), r.PathValue("topic"), payload, resonance.PublishOptions{
		FunctionalKey:   req.FunctionalKey,
		Headers:         req.Headers,
		PublicationTime: req.PublicationTime,
		ExpirationTime:  req.ExpirationTime,
	})
	if err != nil {
		h.respondFailure(w, "Failed to publish event", err)
		return
	}
	h.respondSuccess(w, http.StatusCreated, event, "Event published")
}

// LinkRequest describes one topic link of a subscription.
type LinkRequest struct {
	Topic               string            `json:"topic"`
	Enabled             *bool             `json:"enabled"` // Default: true
	FilterFunctionalKey string            `json:"filterFunctionalKey"`
	FilterHeaders       map[string]string `json:"filterHeaders"`
}

// SubscriptionRequest is the body of PUT /api/v1/subscriptions/{subscription}.
// Zero maxDeliveries and visibilityTimeoutMs select the defaults.
type SubscriptionRequest struct {
	Ordered             bool          `json:"ordered"`
	MaxDeliveries       int           `json:"maxDeliveries"`
	VisibilityTimeoutMS int64         `json:"visibilityTimeoutMs"`
	DeliveryDelayMS     int64         `json:"deliveryDelayMs"`
	Topics              []LinkRequest `json:"topics"`
}

// LinkView is the API representation of a topic link.
type LinkView struct {
	ID                  int64             `json:"id"`
	TopicID             int64             `json:"topicId"`
	Enabled             bool              `json:"enabled"`
	FilterFunctionalKey string            `json:"filterFunctionalKey,omitempty"`
	FilterHeaders       map[string]string `json:"filterHeaders,omitempty"`
}

// SubscriptionView is the API representation of a subscription, durations in milliseconds.
type SubscriptionView struct {
	ID                  int64      `json:"id"`
	Name                string     `json:"name"`
	Ordered             bool       `json:"ordered"`
	MaxDeliveries       int        `json:"maxDeliveries"`
	VisibilityTimeoutMS int64      `json:"visibilityTimeoutMs"`
	DeliveryDelayMS     int64      `json:"deliveryDelayMs"`
	Links               []LinkView `json:"links"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

func newSubscriptionView(sub model.Subscription) SubscriptionView {
	view := SubscriptionView{
		ID:                  sub.ID,
		Name:                sub.Name,
		Ordered:             sub.Ordered,
		MaxDeliveries:       sub.MaxDeliveries,
		VisibilityTimeoutMS: sub.VisibilityTimeout.Milliseconds(),
		DeliveryDelayMS:     sub.DeliveryDelay.Milliseconds(),
		Links:               make([]LinkView, 0, len(sub.TopicSubscriptions)),
		CreatedAt:           sub.CreatedAt,
		UpdatedAt:           sub.UpdatedAt,
	}
	for _, link := range sub.TopicSubscriptions {
		view.Links = append(view.Links, LinkView{
			ID:                  link.ID,
			TopicID:             link.TopicID,
			Enabled:             link.Enabled,
			FilterFunctionalKey: link.FilterFunctionalKey,
			FilterHeaders:       link.FilterHeaders,
		})
	}
	return view
}

// HandleListSubscriptions handles GET /api/v1/subscriptions?name=
func (h *Handler) HandleListSubscriptions(w http.ResponseWriter, r *http.Request) {
	subs, err := h.registry.GetSubscriptions(r.Context(), r.URL.Query().Get("name"))
	if err != nil {
		h.respondFailure(w, "Failed to list subscriptions", err)
		return
	}
	views := make([]SubscriptionView, len(subs))
	for i, sub := range subs {
		views[i] = newSubscriptionView(sub)
	}
	h.respondSuccess(w, http.StatusOK, views, "")
}

// HandleGetSubscription handles GET /api/v1/subscriptions/{subscription}
func (h *Handler) HandleGetSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.registry.GetSubscriptionByName(r.Context(), r.PathValue("subscription"))
	if err != nil {
		h.respondFailure(w, "Failed to load subscription", err)
		return
	}
	h.respondSuccess(w, http.StatusOK, newSubscriptionView(sub), "")
}

// HandlePutSubscription handles PUT /api/v1/subscriptions/{subscription}.
// It creates or updates the subscription and replaces its topic links.
func (h *Handler) HandlePutSubscription(w http.ResponseWriter, r *http.Request) {
	var req SubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid JSON", "INVALID_JSON")
		return
	}

	name := r.PathValue("subscription")
	sub, err := h.registry.GetSubscriptionByName(r.Context(), name)
	status := http.StatusOK
	switch {
	case resonance.IsNotFound(err):
		sub = model.Subscription{Name: name}
		status = http.StatusCreated
	case err != nil:
		h.respondFailure(w, "Failed to load subscription", err)
		return
	}

	existing := make(map[int64]int64, len(sub.TopicSubscriptions))
	for _, link := range sub.TopicSubscriptions {
		existing[link.TopicID] = link.ID
	}

	links := make([]model.TopicSubscription, 0, len(req.Topics))
	for _, lr := range req.Topics {
		topic, err := h.registry.GetTopicByName(r.Context(), lr.Topic)
		if err != nil {
			h.respondFailure(w, "Failed to resolve linked topic "+lr.Topic, err)
			return
		}
		link := model.NewTopicSubscription(topic.ID)
		link.ID = existing[topic.ID]
		if lr.Enabled != nil {
			link.Enabled = *lr.Enabled
		}
		link.FilterFunctionalKey = lr.FilterFunctionalKey
		link.FilterHeaders = lr.FilterHeaders
		links = append(links, link)
	}

	sub.Ordered = req.Ordered
	sub.MaxDeliveries = req.MaxDeliveries
	sub.VisibilityTimeout = time.Duration(req.VisibilityTimeoutMS) * time.Millisecond
	sub.DeliveryDelay = time.Duration(req.DeliveryDelayMS) * time.Millisecond
	sub.TopicSubscriptions = links

	saved, err := h.registry.AddOrUpdateSubscription(r.Context(), sub)
	if err != nil {
		h.respondFailure(w, "Failed to save subscription", err)
		return
	}
	h.respondSuccess(w, status, newSubscriptionView(saved), "Subscription saved")
}

// HandleDeleteSubscription handles DELETE /api/v1/subscriptions/{subscription}
func (h *Handler) HandleDeleteSubscription(w http.ResponseWriter, r *http.Request) {
	sub, err := h.registry.GetSubscriptionByName(r.Context(), r.PathValue("subscription"))
	if err != nil {
		h.respondFailure(w, "Failed to load subscription", err)
		return
	}
	if err := h.registry.DeleteSubscription(r.Context(), sub.ID); err != nil {
		h.respondFailure(w, "Failed to delete subscription", err)
		return
	}
	h.respondSuccess(w, http.StatusOK, newSubscriptionView(sub), "Subscription deleted")
}
