package usecases

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/ttacon/libphonenumber"

	"github.com/shanayatunk/feelori-whatsapp-chat/internal/config"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/entities"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/infrastructure"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/interfaces"
)

// Pauses between store reads; one more read than pauses, so three in all.
var defaultStoreBackoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}

// CustomerService fronts the record store. Reads retry and degrade to an
// ephemeral record; writes are best-effort.
type CustomerService struct {
	store   interfaces.CustomerStore
	breaker *infrastructure.CircuitBreaker
	logger  logrus.FieldLogger
	backoff []time.Duration
	now     func() time.Time
}

func NewCustomerService(store interfaces.CustomerStore, breaker *infrastructure.CircuitBreaker, logger logrus.FieldLogger) *CustomerService {
	return &CustomerService{
		store:   store,
		breaker: breaker,
		logger:  logger,
		backoff: defaultStoreBackoff,
		now:     time.Now,
	}
}

func (s *CustomerService) GetOrCreate(ctx context.Context, phone string) *entities.CustomerRecord {
	prefs := map[string]string{}
	if region := PhoneRegion(phone); region != "" {
		prefs["region"] = region
	}

	var (
		customer *entities.CustomerRecord
		lastErr  error
	)
retry:
	for attempt := 0; ; attempt++ {
		lastErr = s.breaker.Call(ctx, func(ctx context.Context) error {
			c, err := s.store.GetOrCreateCustomer(ctx, phone, prefs)
			customer = c
			return err
		})
		if lastErr == nil {
			return customer
		}
		if attempt == len(s.backoff) {
			break
		}
		select {
		case <-ctx.Done():
			break retry
		case <-time.After(s.backoff[attempt]):
		}
	}

	config.LogError(s.logger, "customers", "GetOrCreate", "record store unreachable, using ephemeral record",
		logrus.Fields{"phone": phone}, lastErr)
	now := s.now().UTC()
	return &entities.CustomerRecord{
		Phone:             phone,
		CreatedAt:         now,
		LastInteractionAt: now,
		History:           []entities.Interaction{},
		Preferences:       prefs,
		Ephemeral:         true,
		Created:           true,
	}
}

// RecordExchange appends one message/reply pair. Ephemeral customers are never written.
func (s *CustomerService) RecordExchange(ctx context.Context, customer *entities.CustomerRecord, message, reply string) {
	if customer == nil || customer.Ephemeral {
		return
	}
	it := entities.Interaction{Timestamp: s.now().UTC(), Message: message, Reply: reply}
	err := s.breaker.Call(ctx, func(ctx context.Context) error {
		return s.store.AppendInteraction(ctx, customer.Phone, it)
	})
	if err != nil {
		config.LogError(s.logger, "customers", "RecordExchange", "history not saved",
			logrus.Fields{"phone": customer.Phone}, err)
	}
}

// LogSecurityEvent stores ev, logging instead of failing when storage is down.
func (s *CustomerService) LogSecurityEvent(ctx context.Context, kind, ip, detail string) {
	ev := entities.SecurityEvent{Kind: kind, IP: ip, Detail: detail, CreatedAt: s.now().UTC()}
	s.logger.WithFields(logrus.Fields{"module": "security", "kind": kind, "ip": ip}).Warn(detail)
	err := s.breaker.Call(ctx, func(ctx context.Context) error {
		return s.store.LogSecurityEvent(ctx, ev)
	})
	if err != nil {
		config.LogError(s.logger, "customers", "LogSecurityEvent", "security event not saved", ev, err)
	}
}

// PhoneRegion returns the ISO region of an E.164 number, or "".
func PhoneRegion(phone string) string {
	num, err := libphonenumber.Parse(phone, "")
	if err != nil || !libphonenumber.IsValidNumber(num) {
		return ""
	}
	return libphonenumber.GetRegionCodeForNumber(num)
}

func (s *CustomerService) List(ctx context.Context, limit, offset int) ([]entities.CustomerRecord, int, error) {
	customers, err := s.store.ListCustomers(ctx, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list customers: %w", err)
	}
	total, err := s.store.CountCustomers(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("count customers: %w", err)
	}
	return customers, total, nil
}

func (s *CustomerService) SecurityEvents(ctx context.Context, limit int) ([]entities.SecurityEvent, error) {
	return s.store.RecentSecurityEvents(ctx, limit)
}

// Lookup returns the stored record for phone, or nil when there is none.
func (s *CustomerService) Lookup(ctx context.Context, phone string) (*entities.CustomerRecord, error) {
	c, err := s.store.GetCustomer(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("get customer: %w", err)
	}
	return c, nil
}
