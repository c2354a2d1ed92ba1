package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shanayatunk/feelori-whatsapp-chat/internal/entities"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/infrastructure"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/repository"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/usecases"
)

const (
	testSecret      = "webhook-secret"
	testVerifyToken = "verify-me"
	testSender      = "15551234567"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

type sentMessage struct {
	To   string
	Text string
	List *entities.ListMessage
}

type fakeMessenger struct {
	mu   sync.Mutex
	sent []sentMessage
	fail bool
}

func (m *fakeMessenger) SendText(_ context.Context, to, text string) entities.DeliveryResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return entities.DeliveryResult{Failure: entities.FailureServer, StatusCode: 500}
	}
	m.sent = append(m.sent, sentMessage{To: to, Text: text})
	return entities.DeliveryResult{OK: true, MessageID: "wamid.out"}
}

func (m *fakeMessenger) SendList(_ context.Context, to string, list entities.ListMessage) entities.DeliveryResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{To: to, List: &list})
	return entities.DeliveryResult{OK: true, MessageID: "wamid.list"}
}

func (m *fakeMessenger) Sent() []sentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sentMessage(nil), m.sent...)
}

type fakeCatalog struct {
	mu        sync.Mutex
	items     []entities.CatalogItem
	orders    []entities.Order
	ordersErr error
	queries   []string
}

func (c *fakeCatalog) Search(_ context.Context, query string, limit int) []entities.CatalogItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, query)
	if len(c.items) > limit {
		return c.items[:limit]
	}
	return c.items
}

func (c *fakeCatalog) Product(context.Context, string) (*entities.CatalogItem, error) { return nil, nil }

func (c *fakeCatalog) OrdersByPhone(context.Context, string) ([]entities.Order, error) {
	return c.orders, c.ordersErr
}

func (c *fakeCatalog) Queries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.queries...)
}

type silentGenerator struct{}

func (silentGenerator) Name() string                                            { return "stub" }
func (silentGenerator) Configured() bool                                        { return true }
func (silentGenerator) Generate(context.Context, string, string) (string, error) { return "ok", nil }

// relay is the webhook stack wired against miniredis and a temp SQLite store.
type relay struct {
	router    *gin.Engine
	queue     *infrastructure.RedisMessageQueue
	messages  *usecases.MessageService
	messenger *fakeMessenger
	catalog   *fakeCatalog
	store     *repository.SQLiteStore
	redis     *miniredis.Miniredis
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	store, err := repository.NewSQLiteStore(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	t.Cleanup(store.Close)

	logger := quietLogger()
	queue := infrastructure.NewRedisMessageQueue(rdb, infrastructure.QueueOptions{
		Stream: "test:messages", Group: "workers", MaxLen: 1000, VisibilityTimeout: time.Minute,
	}, logger)
	require.NoError(t, queue.EnsureGroup(context.Background()))

	breakers := infrastructure.NewBreakerRegistry(infrastructure.NewMemoryBreakerStore(), infrastructure.DefaultBreakerConfig(), logger)
	customers := usecases.NewCustomerService(store, breakers.Get("storage"), logger)
	sessions := infrastructure.NewSessionStore(rdb, "test:", time.Minute, logger)
	messenger := &fakeMessenger{}
	catalog := &fakeCatalog{items: []entities.CatalogItem{
		{ID: "1", Title: "Red Dress", Price: decimal.RequireFromString("49.99"), Currency: "USD", Availability: entities.AvailabilityInStock},
		{ID: "2", Title: "Blue Dress", Price: decimal.RequireFromString("59.99"), Currency: "USD", Availability: entities.AvailabilityInStock},
	}}

	messages := usecases.NewMessageService(usecases.MessageDeps{
		Messenger: messenger,
		Catalog:   catalog,
		AI:        usecases.NewAIService(breakers, logger, silentGenerator{}),
		Customers: customers,
		Processed: sessions,
		Locker:    sessions,
		Usage:     repository.NewUsageRepository(rdb, "test:", logger),
		Alerter:   infrastructure.NewLogAlerter(logger),
		Logger:    logger,
	})

	phoneLimiter := infrastructure.NewSlidingWindowLimiter(rdb, "test:rl:", 10, time.Minute, logger)
	ipLimiter := infrastructure.NewSlidingWindowLimiter(rdb, "test:rl:", 100, time.Minute, logger)
	webhook := NewWebhookHandler(testSecret, testVerifyToken, queue, phoneLimiter, ipLimiter, customers, logger)

	auth := usecases.NewAuthUsecase(store, infrastructure.NewLockoutTracker(rdb, "test:lock:", 5, 15*time.Minute, logger), "0123456789abcdef0123")
	dashboard := usecases.NewDashboardUsecase(store, queue, repository.NewUsageRepository(rdb, "test:", logger), breakers, logger)
	admin := NewAdminHandler(auth, customers, dashboard, catalog, messenger, "+15550001111", logger)

	r := gin.New()
	SetupRoutes(r, RouteDeps{
		Webhook:     webhook,
		Admin:       admin,
		Middleware:  NewMiddleware(auth, ipLimiter, customers),
		WebhookPath: "/api/v1/webhook",
		Checks: map[string]HealthCheck{
			"redis":   func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
			"storage": store.Ping,
		},
		Logger: logger,
	})
	return &relay{router: r, queue: queue, messages: messages, messenger: messenger, catalog: catalog, store: store, redis: mr}
}

func textPayload(id, from, body string) []byte {
	payload := map[string]interface{}{
		"object": "whatsapp_business_account",
		"entry": []interface{}{map[string]interface{}{
			"id": "waba",
			"changes": []interface{}{map[string]interface{}{
				"field": "messages",
				"value": map[string]interface{}{
					"contacts": []interface{}{map[string]interface{}{"wa_id": from, "profile": map[string]string{"name": "Asha"}}},
					"messages": []interface{}{map[string]interface{}{
						"from": from, "id": id, "timestamp": "1700000000", "type": "text",
						"text": map[string]string{"body": body},
					}},
				},
			}},
		}},
	}
	b, _ := json.Marshal(payload)
	return b
}

func (r *relay) post(body []byte, signature string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if signature != "" {
		req.Header.Set(signatureHeader, signature)
	}
	w := httptest.NewRecorder()
	r.router.ServeHTTP(w, req)
	return w
}

// drain processes everything currently queued the way a worker would.
func (r *relay) drain(t *testing.T) int {
	t.Helper()
	ctx := context.Background()
	n := 0
	for {
		entry, err := r.queue.Dequeue(ctx, "test-consumer", 10*time.Millisecond)
		require.NoError(t, err)
		if entry == nil {
			return n
		}
		require.NoError(t, r.messages.Process(ctx, entry))
		require.NoError(t, r.queue.Acknowledge(ctx, entry.EntryID))
		n++
	}
}

func TestWebhookProductSearchEndToEnd(t *testing.T) {
	r := newRelay(t)
	body := textPayload("wamid.1", testSender, "show me dresses")

	w := r.post(body, Sign(body, testSecret))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"success","processed":1}`, w.Body.String())

	assert.Equal(t, 1, r.drain(t))
	assert.Equal(t, []string{"dresses"}, r.catalog.Queries())

	sent := r.messenger.Sent()
	require.NotEmpty(t, sent)
	for _, m := range sent {
		assert.Equal(t, "+"+testSender, m.To)
	}
	assert.NotNil(t, sent[len(sent)-1].List)

	customer, err := r.store.GetOrCreateCustomer(context.Background(), "+"+testSender, nil)
	require.NoError(t, err)
	assert.False(t, customer.Created)
	require.Len(t, customer.History, 1)
	assert.Equal(t, "show me dresses", customer.History[0].Message)
}

func TestWebhookRedeliveryRepliesOnce(t *testing.T) {
	r := newRelay(t)
	body := textPayload("wamid.dup", testSender, "thank you")

	require.Equal(t, http.StatusOK, r.post(body, Sign(body, testSecret)).Code)
	require.Equal(t, http.StatusOK, r.post(body, Sign(body, testSecret)).Code)

	assert.Equal(t, 2, r.drain(t))
	assert.Len(t, r.messenger.Sent(), 1)
}

func TestWebhookPhoneThrottle(t *testing.T) {
	r := newRelay(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		body := textPayload(fmt.Sprintf("wamid.%d", i), testSender, "hello")
		w := r.post(body, Sign(body, testSecret))
		require.Equal(t, http.StatusOK, w.Code)
		require.JSONEq(t, `{"status":"success","processed":1}`, w.Body.String())
	}
	before, err := r.queue.Length(ctx)
	require.NoError(t, err)

	body := textPayload("wamid.11", testSender, "hello")
	w := r.post(body, Sign(body, testSecret))
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"success","processed":0}`, w.Body.String())

	after, err := r.queue.Length(ctx)
	require.NoError(t, err)
	assert.Equal(t, before, after)

	other := textPayload("wamid.other", "15557654321", "hello")
	assert.JSONEq(t, `{"status":"success","processed":1}`, r.post(other, Sign(other, testSecret)).Body.String())
}

func TestWebhookRejections(t *testing.T) {
	r := newRelay(t)
	body := textPayload("wamid.1", testSender, "hello")

	t.Run("missing signature", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, r.post(body, "").Code)
	})
	t.Run("wrong secret", func(t *testing.T) {
		assert.Equal(t, http.StatusForbidden, r.post(body, Sign(body, "nope")).Code)
	})
	t.Run("malformed json", func(t *testing.T) {
		bad := []byte(`{"entry":[`)
		assert.Equal(t, http.StatusBadRequest, r.post(bad, Sign(bad, testSecret)).Code)
	})
	t.Run("invalid sender and script content", func(t *testing.T) {
		short := textPayload("wamid.2", "123", "hello")
		assert.JSONEq(t, `{"status":"success","processed":0}`, r.post(short, Sign(short, testSecret)).Body.String())
		script := textPayload("wamid.3", testSender, "<script>alert(1)</script>")
		assert.JSONEq(t, `{"status":"success","processed":0}`, r.post(script, Sign(script, testSecret)).Body.String())
	})

	length, err := r.queue.Length(context.Background())
	require.NoError(t, err)
	assert.Zero(t, length)

	events, err := r.store.RecentSecurityEvents(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, entities.EventBadSignature, events[0].Kind)
}

func TestWebhookIgnoresOtherObjectsAndFields(t *testing.T) {
	r := newRelay(t)
	reshape := func(mutate func(p map[string]interface{})) []byte {
		var p map[string]interface{}
		require.NoError(t, json.Unmarshal(textPayload("wamid.9", testSender, "hello"), &p))
		mutate(p)
		b, err := json.Marshal(p)
		require.NoError(t, err)
		return b
	}

	statuses := reshape(func(p map[string]interface{}) {
		change := p["entry"].([]interface{})[0].(map[string]interface{})["changes"].([]interface{})[0].(map[string]interface{})
		change["field"] = "statuses"
	})
	w := r.post(statuses, Sign(statuses, testSecret))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"success","processed":0}`, w.Body.String())

	page := reshape(func(p map[string]interface{}) { p["object"] = "page" })
	w = r.post(page, Sign(page, testSecret))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"success","processed":0}`, w.Body.String())

	length, err := r.queue.Length(context.Background())
	require.NoError(t, err)
	assert.Zero(t, length)
}

func TestWebhookVerify(t *testing.T) {
	r := newRelay(t)

	tests := []struct {
		name     string
		query    string
		wantCode int
		wantBody string
	}{
		{"subscribe", "hub.mode=subscribe&hub.verify_token=" + testVerifyToken + "&hub.challenge=12345", http.StatusOK, "12345"},
		{"wrong token", "hub.mode=subscribe&hub.verify_token=guess&hub.challenge=12345", http.StatusForbidden, ""},
		{"wrong mode", "hub.mode=unsubscribe&hub.verify_token=" + testVerifyToken + "&hub.challenge=1", http.StatusForbidden, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/webhook?"+tt.query, nil))
			assert.Equal(t, tt.wantCode, w.Code)
			if tt.wantBody != "" {
				assert.Equal(t, tt.wantBody, w.Body.String())
			}
		})
	}
}

func TestWebhookMessageContent(t *testing.T) {
	var m webhookMessage
	require.NoError(t, json.Unmarshal([]byte(`{"type":"interactive","interactive":{"type":"list_reply","list_reply":{"id":"product_42","title":"Red Dress"}}}`), &m))
	text, kind, err := m.content()
	require.NoError(t, err)
	assert.Equal(t, "product_42", text)
	assert.Equal(t, entities.KindListReply, kind)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"image","image":{}}`), &m))
	text, kind, err = m.content()
	require.NoError(t, err)
	assert.Equal(t, "[image]", text)
	assert.Equal(t, entities.KindMedia, kind)

	require.NoError(t, json.Unmarshal([]byte(`{"type":"location"}`), &m))
	_, _, err = m.content()
	assert.ErrorIs(t, err, errUnsupportedMessage)
}

func TestHealth(t *testing.T) {
	r := newRelay(t)

	w := httptest.NewRecorder()
	r.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusOK, w.Code)

	r.redis.Close()
	w = httptest.NewRecorder()
	r.router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body struct {
		Status   string            `json:"status"`
		Services map[string]string `json:"services"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.Equal(t, "unhealthy", body.Services["redis"])
	assert.Equal(t, "healthy", body.Services["storage"])
}
