package api

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coregx/resonance"
	"github.com/coregx/resonance/adapters/memory"
	"github.com/coregx/resonance/model"
)

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
}

type testServer struct {
	t       *testing.T
	handler http.Handler
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	store := memory.New()
	publisher, err := resonance.NewPublisher(resonance.WithPublisherRepositories(store, store))
	require.NoError(t, err)
	consumer, err := resonance.NewConsumer(resonance.WithConsumerStore(store))
	require.NoError(t, err)
	registry, err := resonance.NewRegistry(resonance.WithRegistryRepositories(store, store))
	require.NoError(t, err)

	h := NewHandler(publisher, consumer, registry, nil)
	return &testServer{t: t, handler: LoggingMiddleware(h.Routes(), &resonance.NoopLogger{})}
}

func (s *testServer) do(method, path string, body interface{}) (int, envelope) {
	s.t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(s.t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	var env envelope
	require.NoError(s.t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec.Code, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

// setup creates topic "orders" and subscription "billing" linked to it.
func (s *testServer) setup(maxDeliveries int) {
	s.t.Helper()
	status, _ := s.do(http.MethodPut, "/api/v1/topics/orders", TopicRequest{Notes: "order events"})
	require.Equal(s.t, http.StatusCreated, status)
	status, env := s.do(http.MethodPut, "/api/v1/subscriptions/billing", SubscriptionRequest{
		MaxDeliveries:       maxDeliveries,
		VisibilityTimeoutMS: 60000,
		Topics:              []LinkRequest{{Topic: "orders"}},
	})
	require.Equal(s.t, http.StatusCreated, status, env.Message)
}

func (s *testServer) publish(payload string) model.TopicEvent {
	s.t.Helper()
	status, env := s.do(http.MethodPost, "/api/v1/topics/orders/events",
		`{"functionalKey":"order-1","headers":{"source":"test"},"payload":`+payload+`}`)
	require.Equal(s.t, http.StatusCreated, status, env.Message)
	return decode[model.TopicEvent](s.t, env)
}

func (s *testServer) consume(maxCount string) []model.ConsumableEvent {
	s.t.Helper()
	status, env := s.do(http.MethodGet, "/api/v1/consume/billing?maxCount="+maxCount, nil)
	require.Equal(s.t, http.StatusOK, status, env.Message)
	return decode[[]model.ConsumableEvent](s.t, env)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(http.MethodGet, "/api/v1/health", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.True(t, env.Success)
	assert.Equal(t, "healthy", decode[map[string]interface{}](t, env)["status"])
}

func TestTopics(t *testing.T) {
	s := newTestServer(t)

	status, env := s.do(http.MethodPut, "/api/v1/topics/orders", TopicRequest{Notes: "v1"})
	require.Equal(t, http.StatusCreated, status)
	created := decode[model.Topic](t, env)
	assert.Equal(t, "orders", created.Name)

	status, env = s.do(http.MethodPut, "/api/v1/topics/ORDERS", TopicRequest{Notes: "v2"})
	require.Equal(t, http.StatusOK, status)
	updated := decode[model.Topic](t, env)
	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, "v2", updated.Notes)

	status, env = s.do(http.MethodGet, "/api/v1/topics?name=ord", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]model.Topic](t, env), 1)

	status, env = s.do(http.MethodGet, "/api/v1/topics/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, resonance.ErrCodeNotFound, env.Code)

	status, _ = s.do(http.MethodDelete, "/api/v1/topics/orders", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = s.do(http.MethodGet, "/api/v1/topics/orders", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDeleteReferencedTopic(t *testing.T) {
	s := newTestServer(t)
	s.setup(3)
	s.publish(`"hello"`)

	status, env := s.do(http.MethodDelete, "/api/v1/topics/orders", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, resonance.ErrCodeConflict, env.Code)

	status, _ = s.do(http.MethodDelete, "/api/v1/topics/orders?cascade=yes", nil)
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = s.do(http.MethodDelete, "/api/v1/topics/orders?cascade=true", nil)
	assert.Equal(t, http.StatusOK, status)
}

func TestSubscriptions(t *testing.T) {
	s := newTestServer(t)
	s.setup(3)

	status, env := s.do(http.MethodGet, "/api/v1/subscriptions/billing", nil)
	require.Equal(t, http.StatusOK, status)
	view := decode[SubscriptionView](t, env)
	assert.Equal(t, 3, view.MaxDeliveries)
	assert.Equal(t, int64(60000), view.VisibilityTimeoutMS)
	require.Len(t, view.Links, 1)
	assert.True(t, view.Links[0].Enabled)
	linkID := view.Links[0].ID

	disabled := false
	status, env = s.do(http.MethodPut, "/api/v1/subscriptions/billing", SubscriptionRequest{
		Ordered:       true,
		MaxDeliveries: 2,
		Topics:        []LinkRequest{{Topic: "orders", Enabled: &disabled}},
	})
	require.Equal(t, http.StatusOK, status, env.Message)
	view = decode[SubscriptionView](t, env)
	assert.True(t, view.Ordered)
	assert.Equal(t, model.DefaultVisibilityTimeout.Milliseconds(), view.VisibilityTimeoutMS)
	require.Len(t, view.Links, 1)
	assert.Equal(t, linkID, view.Links[0].ID)
	assert.False(t, view.Links[0].Enabled)

	status, env = s.do(http.MethodPut, "/api/v1/subscriptions/audit", SubscriptionRequest{
		Topics: []LinkRequest{{Topic: "missing"}},
	})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, resonance.ErrCodeNotFound, env.Code)

	status, env = s.do(http.MethodPut, "/api/v1/subscriptions/audit", SubscriptionRequest{MaxDeliveries: -1})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, resonance.ErrCodeInvalidArgument, env.Code)

	status, env = s.do(http.MethodGet, "/api/v1/subscriptions", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Len(t, decode[[]SubscriptionView](t, env), 1)

	status, _ = s.do(http.MethodDelete, "/api/v1/subscriptions/billing", nil)
	assert.Equal(t, http.StatusOK, status)
	status, _ = s.do(http.MethodGet, "/api/v1/subscriptions/billing", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestPublishConsumeMark(t *testing.T) {
	s := newTestServer(t)
	s.setup(3)

	event := s.publish(`{"total":42}`)
	assert.Equal(t, `{"total":42}`, event.Payload)
	assert.Equal(t, "order-1", event.FunctionalKey)

	claimed := s.consume("10")
	require.Len(t, claimed, 1)
	assert.Equal(t, event.ID, claimed[0].ID)
	assert.Equal(t, "test", claimed[0].Headers["source"])
	assert.Empty(t, s.consume("10"))

	path := "/api/v1/mark/" + itoa(claimed[0].ID) + "/" + claimed[0].DeliveryKey + "/consumed"
	status, env := s.do(http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, status, env.Message)
	assert.Equal(t, model.AckOutcomeConsumed, decode[model.AckResult](t, env).Outcome)

	status, env = s.do(http.MethodPost, path, nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, resonance.ErrCodeStaleClaim, env.Code)
}

func TestPublishStringPayload(t *testing.T) {
	s := newTestServer(t)
	s.setup(3)

	event := s.publish(`"plain text"`)
	assert.Equal(t, "plain text", event.Payload)

	status, env := s.do(http.MethodPost, "/api/v1/topics/missing/events", `{"payload":"x"}`)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, resonance.ErrCodeNotFound, env.Code)

	status, _ = s.do(http.MethodPost, "/api/v1/topics/orders/events", `{`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestConsumeValidation(t *testing.T) {
	s := newTestServer(t)
	s.setup(3)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"zero max count", "/api/v1/consume/billing?maxCount=0", http.StatusBadRequest},
		{"non numeric max count", "/api/v1/consume/billing?maxCount=abc", http.StatusBadRequest},
		{"unknown subscription", "/api/v1/consume/nobody", http.StatusNotFound},
		{"default max count", "/api/v1/consume/billing", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := s.do(http.MethodGet, tt.path, nil)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestMarkValidation(t *testing.T) {
	s := newTestServer(t)
	s.setup(3)

	tests := []struct {
		name   string
		path   string
		status int
	}{
		{"non numeric id", "/api/v1/mark/abc/key/consumed", http.StatusBadRequest},
		{"negative id", "/api/v1/mark/-1/key/failed", http.StatusBadRequest},
		{"unknown event", "/api/v1/mark/999/key/consumed", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := s.do(http.MethodPost, tt.path, nil)
			assert.Equal(t, tt.status, status)
		})
	}
}

func TestMarkConsumedBatch(t *testing.T) {
	s := newTestServer(t)
	s.setup(3)
	s.publish(`1`)
	s.do(http.MethodPost, "/api/v1/topics/orders/events", `{"payload":2}`)

	claimed := s.consume("10")
	require.Len(t, claimed, 2)

	body := []model.ConsumableEventID{
		claimed[0].Key(),
		claimed[1].Key(),
		{ID: claimed[1].ID + 100, DeliveryKey: "bogus"},
	}
	status, env := s.do(http.MethodPost, "/api/v1/mark/consumed", body)
	require.Equal(t, http.StatusOK, status, env.Message)

	entries := decode[[]BatchAckEntry](t, env)
	require.Len(t, entries, 3)
	require.NotNil(t, entries[0].Result)
	assert.Equal(t, model.AckOutcomeConsumed, entries[0].Result.Outcome)
	require.NotNil(t, entries[1].Result)
	require.NotNil(t, entries[2].Error)
	assert.Equal(t, resonance.ErrCodeNotFound, entries[2].Error.Code)

	status, _ = s.do(http.MethodPost, "/api/v1/mark/consumed", `[{"id":1}]`)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestMarkConsumedBatchDuplicateIDs(t *testing.T) {
	s := newTestServer(t)
	s.setup(3)
	s.publish(`1`)

	claimed := s.consume("10")
	require.Len(t, claimed, 1)

	body := []model.ConsumableEventID{
		claimed[0].Key(),
		{ID: claimed[0].ID, DeliveryKey: "bogus"},
	}
	status, env := s.do(http.MethodPost, "/api/v1/mark/consumed", body)
	require.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, resonance.ErrCodeInvalidArgument, env.Code)

	status, env = s.do(http.MethodPost, "/api/v1/mark/consumed", []model.ConsumableEventID{claimed[0].Key()})
	require.Equal(t, http.StatusOK, status, env.Message)
	entries := decode[[]BatchAckEntry](t, env)
	require.Len(t, entries, 1)
	require.NotNil(t, entries[0].Result)
	assert.Equal(t, model.AckOutcomeConsumed, entries[0].Result.Outcome)
}

func TestDeadLetters(t *testing.T) {
	s := newTestServer(t)
	s.setup(1)
	s.publish(`"poison"`)

	claimed := s.consume("1")
	require.Len(t, claimed, 1)

	path := "/api/v1/mark/" + itoa(claimed[0].ID) + "/" + claimed[0].DeliveryKey + "/failed?reason=boom"
	status, env := s.do(http.MethodPost, path, nil)
	require.Equal(t, http.StatusOK, status, env.Message)
	assert.Equal(t, model.AckOutcomeDeadLettered, decode[model.AckResult](t, env).Outcome)
	assert.Empty(t, s.consume("1"))

	status, env = s.do(http.MethodGet, "/api/v1/deadletters/billing", nil)
	require.Equal(t, http.StatusOK, status)
	letters := decode[[]model.DeadLetter](t, env)
	require.Len(t, letters, 1)
	assert.Equal(t, claimed[0].ID, letters[0].EventID)
	assert.Equal(t, "poison", letters[0].Payload)

	status, env = s.do(http.MethodGet, "/api/v1/stats/deadletters", nil)
	require.Equal(t, http.StatusOK, status)
	stats := decode[model.DeadLetterStats](t, env)
	assert.Equal(t, 1, stats.TotalItems)
	assert.Equal(t, 1, stats.UnresolvedItems)

	resolvePath := "/api/v1/deadletters/" + itoa(letters[0].ID) + "/resolve"
	status, _ = s.do(http.MethodPost, resolvePath, ResolveRequest{})
	assert.Equal(t, http.StatusBadRequest, status)

	status, env = s.do(http.MethodPost, resolvePath, ResolveRequest{ResolvedBy: "ops", Note: "replayed"})
	require.Equal(t, http.StatusOK, status, env.Message)
	resolved := decode[model.DeadLetter](t, env)
	assert.True(t, resolved.IsResolved)
	assert.Equal(t, "ops", resolved.ResolvedBy)

	status, _ = s.do(http.MethodGet, "/api/v1/deadletters/billing?limit=-1", nil)
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{resonance.NewError(resonance.ErrCodeInvalidArgument, "x"), http.StatusBadRequest},
		{resonance.ErrNotFound, http.StatusNotFound},
		{resonance.ErrStaleClaim, http.StatusNotFound},
		{resonance.NewError(resonance.ErrCodeConflict, "x"), http.StatusConflict},
		{resonance.NewError(resonance.ErrCodeTransient, "x"), http.StatusServiceUnavailable},
		{resonance.NewError(resonance.ErrCodeDatabase, "x"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			assert.Equal(t, tt.status, statusFor(tt.err))
		})
	}
}

func itoa(n int64) string {
	raw, _ := json.Marshal(n)
	return string(raw)
}
