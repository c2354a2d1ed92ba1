package interfaces

import (
	"context"
	"time"

	"github.com/shanayatunk/feelori-whatsapp-chat/internal/entities"
)

// TextGenerator is one generative-text backend.
type TextGenerator interface {
	Name() string
	Configured() bool
	Generate(ctx context.Context, system, prompt string) (string, error)
}

// Messenger delivers replies to the messaging platform.
type Messenger interface {
	SendText(ctx context.Context, to, text string) entities.DeliveryResult
	SendList(ctx context.Context, to string, list entities.ListMessage) entities.DeliveryResult
}

// Catalog reads products and orders from the store backend.
type Catalog interface {
	Search(ctx context.Context, query string, limit int) []entities.CatalogItem
	Product(ctx context.Context, id string) (*entities.CatalogItem, error)
	OrdersByPhone(ctx context.Context, phone string) ([]entities.Order, error)
}

// CustomerStore persists customer records and the security-event log.
type CustomerStore interface {
	GetOrCreateCustomer(ctx context.Context, phone string, prefs map[string]string) (*entities.CustomerRecord, error)
	// GetCustomer returns nil, nil when phone has no record.
	GetCustomer(ctx context.Context, phone string) (*entities.CustomerRecord, error)
	AppendInteraction(ctx context.Context, phone string, it entities.Interaction) error
	ListCustomers(ctx context.Context, limit, offset int) ([]entities.CustomerRecord, error)
	CountCustomers(ctx context.Context) (int, error)
	LogSecurityEvent(ctx context.Context, ev entities.SecurityEvent) error
	RecentSecurityEvents(ctx context.Context, limit int) ([]entities.SecurityEvent, error)
	Ping(ctx context.Context) error
	Close()
}

// UserStore holds admin accounts.
type UserStore interface {
	GetUserByUsername(ctx context.Context, username string) (*entities.User, error)
	GetUserByID(ctx context.Context, id int) (*entities.User, error)
	CreateUser(ctx context.Context, u *entities.User) error
}

// MessageQueue is the durable backlog between ingestion and the workers.
type MessageQueue interface {
	Enqueue(ctx context.Context, msg entities.InboundMessage) (string, error)
	Dequeue(ctx context.Context, consumer string, block time.Duration) (*entities.QueueEntry, error)
	Acknowledge(ctx context.Context, entryID string) error
	Length(ctx context.Context) (int64, error)
}

// Alerter notifies operators about actionable failures.
type Alerter interface {
	Alert(ctx context.Context, severity, title, detail string)
}

// Limiter admits or denies a request for a subject key.
type Limiter interface {
	Allow(ctx context.Context, key string) bool
}

// ProcessedTracker remembers message ids whose reply was already delivered.
type ProcessedTracker interface {
	Seen(ctx context.Context, messageID string) bool
	MarkProcessed(ctx context.Context, messageID string)
}

// SenderLocker serializes processing per sender where possible.
// The returned release func is never nil.
type SenderLocker interface {
	Lock(ctx context.Context, sender string) func()
}

// UsageCounter tracks daily message volume.
type UsageCounter interface {
	IncrementReceived(ctx context.Context)
	IncrementSent(ctx context.Context)
}
