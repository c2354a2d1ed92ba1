package usecases

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shanayatunk/feelori-whatsapp-chat/internal/entities"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/infrastructure"
)

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

func newRegistry() *infrastructure.BreakerRegistry {
	return infrastructure.NewBreakerRegistry(infrastructure.NewMemoryBreakerStore(), infrastructure.DefaultBreakerConfig(), quietLogger())
}

type sentMessage struct {
	To   string
	Text string
	List *entities.ListMessage
}

type fakeMessenger struct {
	mu         sync.Mutex
	sent       []sentMessage
	textResult *entities.DeliveryResult
	listResult *entities.DeliveryResult
	delay      time.Duration
}

func (m *fakeMessenger) SendText(_ context.Context, to, text string) entities.DeliveryResult {
	time.Sleep(m.delay)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{To: to, Text: text})
	if m.textResult != nil {
		return *m.textResult
	}
	return entities.DeliveryResult{OK: true, MessageID: "wamid.test"}
}

func (m *fakeMessenger) SendList(_ context.Context, to string, list entities.ListMessage) entities.DeliveryResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, sentMessage{To: to, List: &list})
	if m.listResult != nil {
		return *m.listResult
	}
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
	products  map[string]*entities.CatalogItem
	orders    []entities.Order
	ordersErr error
	queries   []string
	panicOn   string
}

func (c *fakeCatalog) Search(_ context.Context, query string, limit int) []entities.CatalogItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries = append(c.queries, query)
	if c.panicOn != "" && query == c.panicOn {
		panic("catalog exploded")
	}
	items := c.items
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

func (c *fakeCatalog) Product(_ context.Context, id string) (*entities.CatalogItem, error) {
	return c.products[id], nil
}

func (c *fakeCatalog) OrdersByPhone(context.Context, string) ([]entities.Order, error) {
	return c.orders, c.ordersErr
}

func (c *fakeCatalog) Queries() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.queries...)
}

type fakeGenerator struct {
	name       string
	configured bool
	reply      string
	err        error
	calls      int
	lastPrompt string
	lastSystem string
}

func (g *fakeGenerator) Name() string     { return g.name }
func (g *fakeGenerator) Configured() bool { return g.configured }
func (g *fakeGenerator) Generate(_ context.Context, system, prompt string) (string, error) {
	g.calls++
	g.lastSystem = system
	g.lastPrompt = prompt
	return g.reply, g.err
}

var errStoreDown = errors.New("store down")

// memoryCustomerStore is an in-memory CustomerStore.
type memoryCustomerStore struct {
	mu        sync.Mutex
	customers map[string]*entities.CustomerRecord
	events    []entities.SecurityEvent
	failGets  int
	getCalls  int
	appendErr error
}

func newMemoryCustomerStore() *memoryCustomerStore {
	return &memoryCustomerStore{customers: map[string]*entities.CustomerRecord{}}
}

func (s *memoryCustomerStore) GetOrCreateCustomer(_ context.Context, phone string, prefs map[string]string) (*entities.CustomerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getCalls++
	if s.failGets > 0 {
		s.failGets--
		return nil, errStoreDown
	}
	if c, ok := s.customers[phone]; ok {
		cp := *c
		cp.History = append([]entities.Interaction(nil), c.History...)
		cp.Created = false
		return &cp, nil
	}
	now := time.Now().UTC()
	c := &entities.CustomerRecord{Phone: phone, CreatedAt: now, LastInteractionAt: now, Preferences: prefs, History: []entities.Interaction{}}
	s.customers[phone] = c
	cp := *c
	cp.Created = true
	return &cp, nil
}

func (s *memoryCustomerStore) GetCustomer(_ context.Context, phone string) (*entities.CustomerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failGets > 0 {
		return nil, errStoreDown
	}
	c, ok := s.customers[phone]
	if !ok {
		return nil, nil
	}
	cp := *c
	cp.History = append([]entities.Interaction(nil), c.History...)
	return &cp, nil
}

func (s *memoryCustomerStore) AppendInteraction(_ context.Context, phone string, it entities.Interaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	c, ok := s.customers[phone]
	if !ok {
		c = &entities.CustomerRecord{Phone: phone}
		s.customers[phone] = c
	}
	c.History = append(c.History, it)
	if len(c.History) > entities.MaxHistoryEntries {
		c.History = c.History[len(c.History)-entities.MaxHistoryEntries:]
	}
	c.LastInteractionAt = it.Timestamp
	return nil
}

func (s *memoryCustomerStore) ListCustomers(context.Context, int, int) ([]entities.CustomerRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]entities.CustomerRecord, 0, len(s.customers))
	for _, c := range s.customers {
		out = append(out, *c)
	}
	return out, nil
}

func (s *memoryCustomerStore) CountCustomers(context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.customers), nil
}

func (s *memoryCustomerStore) LogSecurityEvent(_ context.Context, ev entities.SecurityEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *memoryCustomerStore) RecentSecurityEvents(context.Context, int) ([]entities.SecurityEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]entities.SecurityEvent(nil), s.events...), nil
}

func (s *memoryCustomerStore) Ping(context.Context) error { return nil }
func (s *memoryCustomerStore) Close()                     {}

func (s *memoryCustomerStore) History(phone string) []entities.Interaction {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.customers[phone]; ok {
		return append([]entities.Interaction(nil), c.History...)
	}
	return nil
}

type memoryTracker struct {
	mu   sync.Mutex
	seen map[string]bool
}

func (t *memoryTracker) Seen(_ context.Context, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.seen[id]
}

func (t *memoryTracker) MarkProcessed(_ context.Context, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen == nil {
		t.seen = map[string]bool{}
	}
	t.seen[id] = true
}

type noopLocker struct{}

func (noopLocker) Lock(context.Context, string) func() { return func() {} }

type countingUsage struct {
	mu       sync.Mutex
	received int
	sent     int
}

func (u *countingUsage) IncrementReceived(context.Context) { u.mu.Lock(); u.received++; u.mu.Unlock() }
func (u *countingUsage) IncrementSent(context.Context)     { u.mu.Lock(); u.sent++; u.mu.Unlock() }

type recordingAlerter struct {
	mu     sync.Mutex
	titles []string
}

func (a *recordingAlerter) Alert(_ context.Context, _, title, _ string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.titles = append(a.titles, title)
}

func (a *recordingAlerter) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.titles)
}

type serviceFixture struct {
	svc       *MessageService
	messenger *fakeMessenger
	catalog   *fakeCatalog
	store     *memoryCustomerStore
	tracker   *memoryTracker
	usage     *countingUsage
	alerter   *recordingAlerter
	ai        *fakeGenerator
	deps      MessageDeps
}

func newServiceFixture() *serviceFixture {
	f := &serviceFixture{
		messenger: &fakeMessenger{},
		catalog:   &fakeCatalog{products: map[string]*entities.CatalogItem{}},
		store:     newMemoryCustomerStore(),
		tracker:   &memoryTracker{},
		usage:     &countingUsage{},
		alerter:   &recordingAlerter{},
		ai:        &fakeGenerator{name: "primary", configured: true, reply: "AI says hi"},
	}
	logger := quietLogger()
	registry := newRegistry()
	customers := NewCustomerService(f.store, registry.Get("records"), logger)
	customers.backoff = []time.Duration{time.Millisecond, time.Millisecond}
	f.deps = MessageDeps{
		Messenger: f.messenger,
		Catalog:   f.catalog,
		AI:        NewAIService(registry, logger, f.ai),
		Customers: customers,
		Processed: f.tracker,
		Locker:    noopLocker{},
		Usage:     f.usage,
		Alerter:   f.alerter,
		Logger:    logger,
	}
	f.svc = NewMessageService(f.deps)
	return f
}
