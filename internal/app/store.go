package app

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/shanayatunk/feelori-whatsapp-chat/internal/entities"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/infrastructure"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/interfaces"
	"github.com/shanayatunk/feelori-whatsapp-chat/internal/repository"
)

// RecordStore is the persistence surface the relay needs from one backend.
type RecordStore interface {
	interfaces.CustomerStore
	interfaces.UserStore
	Migrate(ctx context.Context) error
}

// pgStore joins the pgx repositories over one pool.
type pgStore struct {
	*repository.CustomerRepository
	users  *repository.UserRepository
	client *infrastructure.PostgresClient
}

func (s *pgStore) CreateUser(ctx context.Context, u *entities.User) error {
	return s.users.CreateUser(ctx, u)
}

func (s *pgStore) GetUserByUsername(ctx context.Context, username string) (*entities.User, error) {
	return s.users.GetUserByUsername(ctx, username)
}

func (s *pgStore) GetUserByID(ctx context.Context, id int) (*entities.User, error) {
	return s.users.GetUserByID(ctx, id)
}

func (s *pgStore) Migrate(ctx context.Context) error {
	return s.client.Migrate(ctx)
}

// OpenStore picks the backend from the DSN scheme: postgres:// or
// postgresql:// use pgx, sqlite: (or a bare file path) uses SQLite.
func OpenStore(ctx context.Context, dsn string, logger logrus.FieldLogger) (RecordStore, error) {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		client, err := infrastructure.NewPostgresClient(ctx, dsn, logger)
		if err != nil {
			return nil, err
		}
		return &pgStore{
			CustomerRepository: repository.NewCustomerRepository(client.Pool),
			users:              repository.NewUserRepository(client.Pool),
			client:             client,
		}, nil
	default:
		path := strings.TrimPrefix(strings.TrimPrefix(dsn, "sqlite://"), "sqlite:")
		if path == "" {
			return nil, fmt.Errorf("empty sqlite path in %q", dsn)
		}
		store, err := repository.NewSQLiteStore(path)
		if err != nil {
			return nil, err
		}
		if err := store.Ping(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("sqlite unreachable: %w", err)
		}
		logger.WithField("path", path).Info("using sqlite record store")
		return store, nil
	}
}
