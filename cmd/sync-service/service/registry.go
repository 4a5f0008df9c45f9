package service

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/lyzr/branchsync/common/apperr"
	"github.com/lyzr/branchsync/common/cache"
	"github.com/lyzr/branchsync/common/models"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// SubscriberStore persists registered branches
type SubscriberStore interface {
	Insert(ctx context.Context, branchID, callbackURL string) (*models.Branch, bool, error)
	GetByID(ctx context.Context, branchID string) (*models.Branch, error)
	List(ctx context.Context) ([]models.Branch, error)
}

// RegistryService manages the set of subscribed branches
type RegistryService struct {
	store    SubscriberStore
	cache    cache.Cache
	cacheTTL time.Duration
	logger   Logger
}

// NewRegistryService creates a registry. cache may be nil.
func NewRegistryService(store SubscriberStore, c cache.Cache, cacheTTL time.Duration, logger Logger) *RegistryService {
	return &RegistryService{
		store:    store,
		cache:    c,
		cacheTTL: cacheTTL,
		logger:   logger,
	}
}

// Register subscribes a branch. Re-registering an existing id or URL is a
// no-op that returns the stored row with created=false.
func (s *RegistryService) Register(ctx context.Context, branchID, callbackURL string) (*models.Branch, bool, error) {
	branchID = strings.TrimSpace(branchID)
	callbackURL = strings.TrimRight(strings.TrimSpace(callbackURL), "/")
	if branchID == "" || callbackURL == "" {
		return nil, false, apperr.Validation("registry.register", "branch_id and callback_url are required")
	}

	branch, created, err := s.store.Insert(ctx, branchID, callbackURL)
	if err != nil {
		return nil, false, err
	}

	if created {
		s.logger.Info("branch registered", "branch_id", branch.ID, "callback_url", branch.CallbackURL)
	} else {
		s.logger.Debug("branch already registered",
			"requested_id", branchID,
			"branch_id", branch.ID,
			"callback_url", branch.CallbackURL)
	}

	return branch, created, nil
}

// Get returns a registered branch. Rows never change once written, so
// lookups are served from cache when available.
func (s *RegistryService) Get(ctx context.Context, branchID string) (*models.Branch, error) {
	key := "branch:" + branchID

	if s.cache != nil {
		if raw, ok, err := s.cache.Get(ctx, key); err == nil && ok {
			var branch models.Branch
			if json.Unmarshal(raw, &branch) == nil {
				return &branch, nil
			}
		} else if err != nil {
			s.logger.Warn("branch cache read failed", "branch_id", branchID, "error", err)
		}
	}

	branch, err := s.store.GetByID(ctx, branchID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if raw, err := json.Marshal(branch); err == nil {
			if err := s.cache.Set(ctx, key, raw, s.cacheTTL); err != nil {
				s.logger.Warn("branch cache write failed", "branch_id", branchID, "error", err)
			}
		}
	}

	return branch, nil
}

// List returns every registered branch
func (s *RegistryService) List(ctx context.Context) ([]models.Branch, error) {
	return s.store.List(ctx)
}
