package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/events"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/memory"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/rabbitmq"
	"github.com/vladislavdragonenkov/storefront/internal/service/catalog"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	memstore "github.com/vladislavdragonenkov/storefront/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
	redisstore "github.com/vladislavdragonenkov/storefront/internal/storage/redis"
)

const outboxMaxPendingAge = 5 * time.Minute

// infra владеет внешними ресурсами участника: БД, Redis, outbox.
type infra struct {
	cfg    Config
	logger *log.Entry

	pg     *postgres.Store
	redis  goredis.UniversalClient
	outbox domain.OutboxRepository
}

func openInfra(ctx context.Context, cfg Config, logger *log.Entry) (*infra, error) {
	in := &infra{cfg: cfg, logger: logger}

	if cfg.needsPostgres() {
		store, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInfrastructure, err)
		}
		in.pg = store
		if cfg.AutoMigrate {
			if err := store.MigrateUp(ctx, 0); err != nil {
				in.close()
				return nil, fmt.Errorf("%w: %v", domain.ErrInfrastructure, err)
			}
			logger.Info("postgres schema is up to date")
		}
	}

	if cfg.needsRedis() {
		in.redis = goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		if err := in.redis.Ping(ctx).Err(); err != nil {
			in.close()
			return nil, fmt.Errorf("%w: redis %s: %v", domain.ErrInfrastructure, cfg.RedisAddr, err)
		}
	}

	if cfg.OutboxEnabled {
		if in.pg != nil && cfg.StorageDriver == DriverPostgres {
			in.outbox = postgres.NewOutboxRepository(in.pg)
		} else {
			in.outbox = memstore.NewOutboxRepository()
		}
	}
	return in, nil
}

func (in *infra) orderRepo() domain.OrderRepository {
	if in.cfg.StorageDriver == DriverPostgres {
		return postgres.NewOrderRepository(in.pg)
	}
	return memstore.NewOrderRepository()
}

func (in *infra) paymentRepo() domain.PaymentRepository {
	if in.cfg.StorageDriver == DriverPostgres {
		return postgres.NewPaymentRepository(in.pg)
	}
	return memstore.NewPaymentRepository()
}

func (in *infra) inventoryRepo() domain.InventoryRepository {
	if in.cfg.StorageDriver == DriverPostgres {
		return postgres.NewInventoryRepository(in.pg)
	}
	return memstore.NewInventoryRepository()
}

func (in *infra) jobStore() domain.JobStore {
	switch in.cfg.JobDriver {
	case DriverRedis:
		return redisstore.NewJobStore(in.redis, in.cfg.RedisPrefix).WithLease(in.cfg.JobLease)
	case DriverPostgres:
		return postgres.NewJobStore(in.pg).WithLease(in.cfg.JobLease)
	default:
		return memstore.NewJobStore().WithLease(in.cfg.JobLease)
	}
}

// catalog возвращает nil, если адрес каталога не задан: тогда снимок берётся из запроса.
func (in *infra) catalog() domain.Catalog {
	if in.cfg.CatalogURL == "" {
		return nil
	}
	client := catalog.NewClient(in.cfg.CatalogURL, catalog.WithLogger(in.logger.WithField("component", "catalog")))
	if in.redis == nil {
		return client
	}
	return catalog.NewCachedCatalog(client, in.redis, in.cfg.ServiceName, in.cfg.CatalogCacheTTL,
		in.logger.WithField("component", "catalog-cache"))
}

func (in *infra) registerCheckers(h *healthcheck.Handler) {
	if in.pg != nil {
		h.RegisterChecker("postgres", healthcheck.NewPingChecker("postgres", in.pg.DB()))
	}
	if in.redis != nil {
		client := in.redis
		h.RegisterChecker("redis", healthcheck.NewSimpleChecker("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		}))
	}
	if in.outbox != nil {
		h.RegisterChecker("outbox", healthcheck.NewOutboxChecker(in.outbox, outboxMaxPendingAge))
	}
}

func (in *infra) close() {
	if in.redis != nil {
		if err := in.redis.Close(); err != nil {
			in.logger.WithError(err).Warn("failed to close redis client")
		}
	}
	if in.pg != nil {
		if err := in.pg.Close(); err != nil {
			in.logger.WithError(err).Warn("failed to close postgres store")
		}
	}
}

// transport — шина событий: публикация, подписка consumer groups и ретрансляция outbox.
type transport struct {
	publisher events.Publisher
	relay     domain.OutboxPublisher
	dlq       domain.OutboxPublisher

	subscribe func(ctx context.Context, group string, router *events.Router) error

	wg      sync.WaitGroup
	closers []func() error
}

func openTransport(cfg Config, logger *log.Entry) (*transport, error) {
	t := &transport{}

	switch cfg.BusDriver {
	case DriverKafka:
		producer, err := kafka.NewProducer(cfg.KafkaBrokers)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInfrastructure, err)
		}
		logger.WithField("brokers", cfg.KafkaBrokers).Info("kafka producer initialized")
		t.publisher = producer
		t.relay = kafka.NewOutboxPublisher(producer)
		if cfg.KafkaDLQEnabled {
			t.dlq = t.relay
		}
		t.closers = append(t.closers, producer.Close)
		t.subscribe = func(ctx context.Context, group string, router *events.Router) error {
			opts := []kafka.ConsumerOption{
				kafka.WithConsumerLogger(logger.WithField("group", group)),
				kafka.WithMaxRetries(cfg.KafkaMaxRetries),
			}
			if cfg.KafkaDLQEnabled {
				opts = append(opts, kafka.WithDLQ(producer))
			}
			consumer, err := kafka.NewConsumer(cfg.KafkaBrokers, group, router, opts...)
			if err != nil {
				return err
			}
			if err := consumer.Start(ctx); err != nil {
				return err
			}
			// Consumer закрывается раньше producer: DLQ ещё доступна при остановке.
			t.closers = append([]func() error{consumer.Stop}, t.closers...)
			return nil
		}

	case DriverRabbitMQ:
		bus, err := rabbitmq.Dial(cfg.RabbitMQURL, cfg.RabbitExchange)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInfrastructure, err)
		}
		logger.WithField("exchange", cfg.RabbitExchange).Info("rabbitmq bus initialized")
		t.publisher = bus
		t.relay = outbox.NewBusRelay(bus)
		t.closers = append(t.closers, bus.Close)
		t.subscribe = func(ctx context.Context, group string, router *events.Router) error {
			t.wg.Add(1)
			go func() {
				defer t.wg.Done()
				if err := bus.Consume(ctx, group, router); err != nil && !errors.Is(err, context.Canceled) {
					logger.WithError(err).WithField("group", group).Error("rabbitmq consumer stopped")
				}
			}()
			return nil
		}

	default:
		bus := memory.NewBus(logger.WithField("component", "memory-bus"))
		t.publisher = bus
		t.relay = outbox.NewBusRelay(bus)
		t.subscribe = func(_ context.Context, group string, router *events.Router) error {
			bus.Subscribe(group, router)
			return nil
		}
	}
	return t, nil
}

func (t *transport) close(logger *log.Entry) {
	for _, c := range t.closers {
		if err := c(); err != nil {
			logger.WithError(err).Warn("failed to close event transport")
		}
	}
	t.wg.Wait()
}
