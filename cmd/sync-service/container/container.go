package container

import (
	"github.com/lyzr/branchsync/cmd/sync-service/feed"
	"github.com/lyzr/branchsync/cmd/sync-service/repository"
	"github.com/lyzr/branchsync/cmd/sync-service/service"
	"github.com/lyzr/branchsync/common/bootstrap"
	"github.com/lyzr/branchsync/common/clients"
	"github.com/lyzr/branchsync/common/ratelimit"
)

const dispatcherLeaseKey = "sync-service:dispatcher:lease"

// Container holds all initialized services and repositories (singleton pattern)
type Container struct {
	// Components
	Components *bootstrap.Components

	// Repositories
	SubscriberRepo *repository.SubscriberRepository
	EventRepo      *repository.EventRepository
	LockRepo       *repository.LockRepository

	// Services
	RegistryService    *service.RegistryService
	EventLogService    *service.EventLogService
	LockManagerService *service.LockManagerService
	Dispatcher         *service.Dispatcher

	// Live feed
	Hub            *feed.Hub
	FeedSubscriber *feed.RedisSubscriber // nil without Redis

	// Per-branch publish limit
	PublishLimiter *ratelimit.RateLimiter // nil without Redis or when disabled
}

// NewContainer initializes all services and repositories once
func NewContainer(components *bootstrap.Components) (*Container, error) {
	cfg := components.Config
	log := components.Logger

	// Initialize repositories
	subscriberRepo := repository.NewSubscriberRepository(components.DB)
	eventRepo := repository.NewEventRepository(components.DB)
	lockRepo := repository.NewLockRepository(components.DB)

	// Live feed: Redis fans out across replicas, the hub serves local observers
	hub := feed.NewHub(log)
	publisher := feed.NewPublisher(components.Redis, hub)
	var feedSubscriber *feed.RedisSubscriber
	if components.Redis != nil {
		feedSubscriber = feed.NewRedisSubscriber(components.Redis, hub, log)
	}

	// Dispatcher: one sweeping replica at a time when Redis is available
	var lease service.Lease
	if components.Redis != nil {
		lease = service.NewRedisLease(components.Redis.GetUnderlying(), dispatcherLeaseKey, cfg.Dispatcher.LeaseTTL)
	} else {
		log.Warn("redis disabled, dispatcher sweeps without a lease")
	}

	dispatcher := service.NewDispatcher(service.DispatcherOpts{
		Store:    eventRepo,
		Notifier: clients.NewBranchClient(cfg.Dispatcher.PushTimeout, log),
		Lease:    lease,
		Config:   cfg.Dispatcher,
		Logger:   log,
	})

	var publishLimiter *ratelimit.RateLimiter
	if components.Redis != nil && cfg.RateLimit.Enabled {
		publishLimiter = ratelimit.NewRateLimiter(components.Redis.GetUnderlying(), log)
	}

	// Initialize services (bottom-up: dependencies first)
	registryService := service.NewRegistryService(subscriberRepo, components.Cache, cfg.Cache.DefaultTTL, log)
	eventLogService := service.NewEventLogService(eventRepo, dispatcher, publisher, log)
	lockManagerService := service.NewLockManagerService(lockRepo, log)

	return &Container{
		Components:         components,
		SubscriberRepo:     subscriberRepo,
		EventRepo:          eventRepo,
		LockRepo:           lockRepo,
		RegistryService:    registryService,
		EventLogService:    eventLogService,
		LockManagerService: lockManagerService,
		Dispatcher:         dispatcher,
		Hub:                hub,
		FeedSubscriber:     feedSubscriber,
		PublishLimiter:     publishLimiter,
	}, nil
}
