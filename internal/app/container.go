package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/acme/telecalling/internal/backend"
	"github.com/acme/telecalling/internal/backend/fallback"
	"github.com/acme/telecalling/internal/backend/vendorsdk"
	"github.com/acme/telecalling/internal/config"
	"github.com/acme/telecalling/internal/infra/db"
	"github.com/acme/telecalling/internal/infra/redis"
	"github.com/acme/telecalling/internal/media"
	"github.com/acme/telecalling/internal/queue"
	"github.com/acme/telecalling/internal/repository"
	pgrepo "github.com/acme/telecalling/internal/repository/postgres"
	scyllarepo "github.com/acme/telecalling/internal/repository/scylla"
	"github.com/acme/telecalling/internal/scheduler"
	"github.com/acme/telecalling/internal/service/concurrency"
	"github.com/acme/telecalling/internal/service/session"
	"github.com/acme/telecalling/internal/telemetry"
	"github.com/acme/telecalling/pkg/logger"
)

// Role selects which infrastructure Build connects to.
type Role int

const (
	// RoleAgent is the per-workstation telecalling process. Kafka and Redis
	// are optional for it.
	RoleAgent Role = iota
	// RoleStatusWorker persists the status stream and needs every store.
	RoleStatusWorker
)

// Container wires together shared infrastructure dependencies.
type Container struct {
	Config  *config.Config
	Logger  *logger.Logger
	Metrics *telemetry.Metrics
	Role    Role

	Postgres *db.Postgres
	Scylla   *db.Scylla
	Redis    *redis.Client
	Kafka    *queue.Kafka

	// lazily initialised components
	components struct {
		once         sync.Once
		repositories *repositories
		calls        *calls
		dispatchers  *dispatchers
	}
}

type repositories struct {
	CallLogs repository.CallLogRepository
	Events   repository.CallEventStore
}

type calls struct {
	Scheduler *scheduler.Scheduler
	Guard     *media.Guard
	Selector  *backend.Selector
	Session   *session.Service
	LineLock  *concurrency.LineLock
}

type dispatchers struct {
	Dial   *queue.DialDispatcher
	Status *queue.StatusPublisher
}

// Build constructs a container for the given configuration path.
func Build(ctx context.Context, configPath string, role Role) (*Container, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	lg, err := logger.New(cfg.App.Env)
	if err != nil {
		return nil, err
	}

	c := &Container{
		Config:  cfg,
		Logger:  lg,
		Metrics: telemetry.NewMetrics(),
		Role:    role,
	}

	if err := c.connect(ctx, role); err != nil {
		_ = c.Close(ctx)
		return nil, err
	}
	return c, nil
}

func (c *Container) connect(ctx context.Context, role Role) error {
	cfg := c.Config

	if len(cfg.Kafka.Brokers) > 0 || role == RoleStatusWorker {
		k, err := queue.NewKafka(cfg.Kafka)
		if err != nil {
			return fmt.Errorf("bootstrap kafka: %w", err)
		}
		c.Kafka = k
	}

	switch role {
	case RoleStatusWorker:
		pg, err := db.NewPostgres(ctx, cfg.Postgres)
		if err != nil {
			return fmt.Errorf("bootstrap postgres: %w", err)
		}
		c.Postgres = pg

		scylla, err := db.NewScylla(cfg.Scylla)
		if err != nil {
			return fmt.Errorf("bootstrap scylla: %w", err)
		}
		c.Scylla = scylla

	case RoleAgent:
		if cfg.Redis.Address == "" {
			return nil
		}
		client, err := redis.NewClient(ctx, cfg.Redis)
		if err != nil {
			c.Logger.Warn("redis unavailable, agent line lock disabled", zap.Error(err))
			return nil
		}
		c.Redis = client
	}
	return nil
}

func (c *Container) initComponents() {
	c.components.once.Do(func() {
		cfg := c.Config

		if c.Postgres != nil && c.Scylla != nil {
			c.components.repositories = &repositories{
				CallLogs: pgrepo.NewCallLogRepository(c.Postgres.DB()),
				Events:   scyllarepo.NewEventStore(c.Scylla.Session()),
			}
		}

		if c.Role == RoleAgent {
			c.components.calls = c.buildCalls()
		}

		if c.Kafka != nil {
			d := &dispatchers{Dial: queue.NewDialDispatcher(c.Kafka, cfg.Kafka.DialTopic)}
			if calls := c.components.calls; calls != nil {
				d.Status = queue.NewStatusPublisher(c.Kafka, cfg.Kafka.StatusTopic, cfg.Call.AgentID,
					calls.Session.CurrentCallInfo, c.Metrics, c.Logger)
			}
			c.components.dispatchers = d
		}
	})
}

func (c *Container) buildCalls() *calls {
	cfg := c.Config
	sched := scheduler.New(clock.New(), c.Logger)
	guard := media.NewGuard(media.NewCapturer(cfg.Media), media.ConstraintsFromConfig(cfg.Media), c.Logger)

	var vendor backend.Adapter
	if cfg.Vendor.Enabled {
		vendor = vendorsdk.New(vendorsdk.NewSIPLoader(cfg.Vendor, cfg.Call, c.Logger), sched.Clock(), c.Logger)
	}
	selector := backend.NewSelector(vendor, fallback.New(sched, guard, cfg.Call, c.Logger), c.Logger, c.Metrics)

	opts := []session.Option{session.WithMetrics(c.Metrics)}
	var lineLock *concurrency.LineLock
	if c.Redis != nil {
		lineLock = concurrency.NewLineLock(c.Redis.Inner(), cfg.Redis.LineLockTTL)
		opts = append(opts, session.WithLineLock(lineLock, cfg.Call.AgentID))
	}

	return &calls{
		Scheduler: sched,
		Guard:     guard,
		Selector:  selector,
		Session:   session.NewService(selector, guard, sched, cfg.Call, c.Logger, opts...),
		LineLock:  lineLock,
	}
}

// Repositories exposes the stores. It is nil unless built for RoleStatusWorker.
func (c *Container) Repositories() *repositories {
	c.initComponents()
	return c.components.repositories
}

// Calls exposes the call-control components. It is nil unless built for
// RoleAgent.
func (c *Container) Calls() *calls {
	c.initComponents()
	return c.components.calls
}

// Dispatchers exposes Kafka producers. It is nil when Kafka is not configured.
func (c *Container) Dispatchers() *dispatchers {
	c.initComponents()
	return c.components.dispatchers
}

// EnsureSchema creates the call_logs and call_events tables.
func (c *Container) EnsureSchema(ctx context.Context) error {
	if c.Postgres != nil {
		if err := pgrepo.NewCallLogRepository(c.Postgres.DB()).EnsureSchema(ctx); err != nil {
			return err
		}
	}
	if c.Scylla != nil {
		if err := scyllarepo.NewEventStore(c.Scylla.Session()).EnsureSchema(ctx); err != nil {
			return err
		}
	}
	return nil
}

// EnsureTopics ensures required Kafka topics exist.
func (c *Container) EnsureTopics(ctx context.Context) error {
	if c.Kafka == nil {
		return nil
	}
	topics := []string{c.Config.Kafka.DialTopic, c.Config.Kafka.StatusTopic}
	return c.Kafka.EnsureTopics(ctx, topics, 12, 1)
}

// Ready pings every connected store.
func (c *Container) Ready(ctx context.Context) error {
	var errs []error
	if c.Postgres != nil {
		if err := c.Postgres.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("postgres: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Ping(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Ping(ctx); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Close releases all held resources. The session service is destroyed first
// so its last statuses still reach the publisher.
func (c *Container) Close(ctx context.Context) error {
	var errs []error
	if cl := c.components.calls; cl != nil {
		cl.Session.Destroy(ctx)
		cl.Scheduler.Close()
	}
	if d := c.components.dispatchers; d != nil {
		if err := d.Dial.Close(); err != nil {
			errs = append(errs, fmt.Errorf("dial dispatcher close: %w", err))
		}
		if d.Status != nil {
			if err := d.Status.Close(); err != nil {
				errs = append(errs, fmt.Errorf("status publisher close: %w", err))
			}
		}
	}
	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close: %w", err))
		}
	}
	if c.Scylla != nil {
		if err := c.Scylla.Close(); err != nil {
			errs = append(errs, fmt.Errorf("scylla close: %w", err))
		}
	}
	if c.Postgres != nil {
		if err := c.Postgres.Close(); err != nil {
			errs = append(errs, fmt.Errorf("postgres close: %w", err))
		}
	}
	if c.Logger != nil {
		c.Logger.Sync()
	}
	if len(errs) > 0 {
		return fmt.Errorf("close errors: %w", errors.Join(errs...))
	}
	return nil
}
