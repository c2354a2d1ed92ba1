package usecases

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shanayatunk/feelori-whatsapp-chat/internal/infrastructure"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/interfaces"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/repository"
)

const usageDays = 7

type QueueStats interface {
	Length(ctx context.Context) (int64, error)
	Pending(ctx context.Context) (int64, error)
}

type UsageHistory interface {
	GetUsageHistory(ctx context.Context, days int) ([]repository.DailyUsage, error)
}

type BreakerState struct {
	State       string     `json:"state"`
	Failures    int        `json:"failures"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
}

// Stats is the admin overview. Sections whose source is down are left
// zero and named in Degraded.
type Stats struct {
	Customers    int                     `json:"customers"`
	QueueLength  int64                   `json:"queue_length"`
	QueuePending int64                   `json:"queue_pending"`
	Usage        []repository.DailyUsage `json:"usage"`
	Breakers     map[string]BreakerState `json:"breakers"`
	Degraded     []string                `json:"degraded,omitempty"`
	GeneratedAt  time.Time               `json:"generated_at"`
}

type DashboardUsecase struct {
	customers interfaces.CustomerStore
	queue     QueueStats
	usage     UsageHistory
	breakers  *infrastructure.BreakerRegistry
	logger    logrus.FieldLogger
}

func NewDashboardUsecase(customers interfaces.CustomerStore, queue QueueStats, usage UsageHistory,
	breakers *infrastructure.BreakerRegistry, logger logrus.FieldLogger) *DashboardUsecase {
	return &DashboardUsecase{
		customers: customers,
		queue:     queue,
		usage:     usage,
		breakers:  breakers,
		logger:    logger,
	}
}

func (u *DashboardUsecase) Stats(ctx context.Context) Stats {
	stats := Stats{Breakers: map[string]BreakerState{}, GeneratedAt: time.Now().UTC()}
	degrade := func(section string, err error) {
		u.logger.WithFields(logrus.Fields{"module": "dashboard", "section": section}).WithError(err).Warn("stats section unavailable")
		stats.Degraded = append(stats.Degraded, section)
	}

	var err error
	if stats.Customers, err = u.customers.CountCustomers(ctx); err != nil {
		degrade("customers", err)
	}
	if stats.QueueLength, err = u.queue.Length(ctx); err != nil {
		degrade("queue_length", err)
	}
	if stats.QueuePending, err = u.queue.Pending(ctx); err != nil {
		degrade("queue_pending", err)
	}
	if stats.Usage, err = u.usage.GetUsageHistory(ctx, usageDays); err != nil {
		degrade("usage", err)
	}

	for name, st := range u.breakers.Snapshot(ctx) {
		bs := BreakerState{State: string(st.State), Failures: st.Failures}
		if !st.LastFailure.IsZero() {
			last := st.LastFailure
			bs.LastFailure = &last
		}
		stats.Breakers[name] = bs
	}
	return stats
}
