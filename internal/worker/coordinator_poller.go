package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/wabiview/wabiview/internal/adapter"
	"github.com/wabiview/wabiview/internal/logging"
	"github.com/wabiview/wabiview/internal/models"
	"github.com/wabiview/wabiview/internal/registry"
	"github.com/wabiview/wabiview/internal/service"
)

// Default poll scheduling
const (
	DefaultPollBaseInterval = 90 * time.Second
	DefaultPollMaxInterval  = 360 * time.Second
)

// CoordinatorStore defines the coordinator persistence used by the poller
type CoordinatorStore interface {
	CreateIfAbsent(ctx context.Context, name, url string) (bool, error)
	List(ctx context.Context) ([]*models.Coordinator, error)
	UpdateHealth(ctx context.Context, c *models.Coordinator) error
}

// CoordinatorAPI defines the coordinator calls made by the poller
type CoordinatorAPI interface {
	IsOnline(ctx context.Context, coordinatorURL string) bool
	GetStatus(ctx context.Context, coordinatorURL string) (*adapter.CoordinatorStatus, error)
	GetRounds(ctx context.Context, coordinatorURL string) ([]adapter.RoundInfo, error)
}

// RoundApplier applies a coordinator's reported rounds to storage
type RoundApplier interface {
	Reconcile(ctx context.Context, coordinatorID int64, rounds []adapter.RoundInfo) (*service.ReconcileResult, error)
}

// pollSchedule is the in-memory backoff state of one coordinator
type pollSchedule struct {
	nextPoll time.Time
	interval time.Duration
}

// CoordinatorPoller keeps coordinator health and round lists fresh,
// backing off from coordinators that stay offline
type CoordinatorPoller struct {
	store        CoordinatorStore
	client       CoordinatorAPI
	rounds       RoundApplier
	cache        DashboardInvalidator
	registry     *registry.Registry
	baseInterval time.Duration
	maxInterval  time.Duration
	now          func() time.Time
	logger       *logging.Logger

	schedules map[int64]*pollSchedule

	running bool
	mu      sync.Mutex
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// CoordinatorPollerConfig holds configuration for the coordinator poller.
// Cache is optional.
type CoordinatorPollerConfig struct {
	Store        CoordinatorStore
	Client       CoordinatorAPI
	Rounds       RoundApplier
	Cache        DashboardInvalidator
	Registry     *registry.Registry
	BaseInterval time.Duration
	MaxInterval  time.Duration
	Logger       *logging.Logger
}

// NewCoordinatorPoller creates a new coordinator poller
func NewCoordinatorPoller(cfg *CoordinatorPollerConfig) (*CoordinatorPoller, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("coordinator store cannot be nil")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("coordinator client cannot be nil")
	}
	if cfg.Rounds == nil {
		return nil, fmt.Errorf("round reconciler cannot be nil")
	}

	base := cfg.BaseInterval
	if base <= 0 {
		base = DefaultPollBaseInterval
	}
	maxInterval := cfg.MaxInterval
	if maxInterval <= 0 {
		maxInterval = DefaultPollMaxInterval
	}
	if maxInterval < base {
		return nil, fmt.Errorf("max interval %v is below base interval %v", maxInterval, base)
	}

	reg := cfg.Registry
	if reg == nil {
		reg = registry.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.GetGlobalLogger()
	}

	return &CoordinatorPoller{
		store:        cfg.Store,
		client:       cfg.Client,
		rounds:       cfg.Rounds,
		cache:        cfg.Cache,
		registry:     reg,
		baseInterval: base,
		maxInterval:  maxInterval,
		now:          time.Now,
		logger:       logger.WithField("component", "poller"),
		schedules:    make(map[int64]*pollSchedule),
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}, nil
}

// Start seeds the coordinator table and begins polling in a goroutine
func (p *CoordinatorPoller) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return fmt.Errorf("coordinator poller is already running")
	}
	p.running = true
	p.mu.Unlock()

	p.logger.Infof("Starting coordinator poller (base %v, max %v)", p.baseInterval, p.maxInterval)

	if err := p.Seed(ctx); err != nil {
		p.logger.WithError(err).Warn("Failed to seed coordinators from registry")
	}

	go p.loop(ctx)
	return nil
}

// Stop signals the poller to exit and waits for the current pass to finish
func (p *CoordinatorPoller) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return fmt.Errorf("coordinator poller is not running")
	}
	p.running = false
	p.mu.Unlock()

	close(p.stopCh)

	select {
	case <-p.doneCh:
		p.logger.Info("Coordinator poller stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *CoordinatorPoller) loop(ctx context.Context) {
	defer close(p.doneCh)

	for {
		wait := p.PollDue(ctx)

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-p.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// Seed inserts every registry coordinator whose URL is not stored yet
func (p *CoordinatorPoller) Seed(ctx context.Context) error {
	for _, entry := range p.registry.Coordinators() {
		created, err := p.store.CreateIfAbsent(ctx, entry.Name, entry.URL)
		if err != nil {
			return fmt.Errorf("failed to seed coordinator %s: %w", entry.Name, err)
		}
		if created {
			p.logger.WithField("coordinator", entry.Name).Info("Seeded coordinator")
		}
	}
	return nil
}

// PollDue polls every coordinator whose next poll time has passed and
// returns how long to wait before the next one is due
func (p *CoordinatorPoller) PollDue(ctx context.Context) time.Duration {
	coordinators, err := p.store.List(ctx)
	if err != nil {
		p.logger.WithError(err).Error("Failed to list coordinators")
		return p.baseInterval
	}

	for _, c := range coordinators {
		sched := p.schedule(c.ID)
		if sched.nextPoll.After(p.now()) {
			continue
		}

		success := p.pollCoordinator(ctx, c)
		sched.interval = nextInterval(sched.interval, success, p.baseInterval, p.maxInterval)
		sched.nextPoll = p.now().Add(sched.interval)
	}

	return p.untilNextPoll()
}

// schedule returns the backoff state of a coordinator, creating a
// "poll now" entry on first sight
func (p *CoordinatorPoller) schedule(coordinatorID int64) *pollSchedule {
	sched, ok := p.schedules[coordinatorID]
	if !ok {
		sched = &pollSchedule{nextPoll: p.now(), interval: p.baseInterval}
		p.schedules[coordinatorID] = sched
	}
	return sched
}

func (p *CoordinatorPoller) untilNextPoll() time.Duration {
	if len(p.schedules) == 0 {
		return p.baseInterval
	}

	var earliest time.Time
	for _, sched := range p.schedules {
		if earliest.IsZero() || sched.nextPoll.Before(earliest) {
			earliest = sched.nextPoll
		}
	}

	wait := earliest.Sub(p.now())
	if wait < 0 {
		return 0
	}
	return wait
}

// pollCoordinator refreshes one coordinator and reports whether it was online.
// Errors are logged here and never returned to the loop.
func (p *CoordinatorPoller) pollCoordinator(ctx context.Context, c *models.Coordinator) bool {
	logger := p.logger.WithFields(map[string]interface{}{
		"coordinator":    c.Name,
		"coordinator_id": c.ID,
	})

	now := p.now().UTC()
	c.LastChecked = &now
	wasOnline := c.IsOnline

	online := p.client.IsOnline(ctx, c.URL)
	if online {
		c.MarkOnline(now)

		status, err := p.client.GetStatus(ctx, c.URL)
		if err != nil {
			logger.WithError(err).Warn("Failed to fetch coordinator status")
		} else {
			mergeStatus(c, status)
		}

		rounds, err := p.client.GetRounds(ctx, c.URL)
		if err != nil {
			logger.WithError(err).Warn("Failed to fetch coordinator rounds")
		} else {
			result, err := p.rounds.Reconcile(ctx, c.ID, rounds)
			if err != nil {
				logger.WithError(err).Warn("Failed to reconcile some rounds")
			}
			if result != nil {
				logger.WithFields(map[string]interface{}{
					"created": result.Created,
					"updated": result.Updated,
					"skipped": result.Skipped,
				}).Debug("Reconciled rounds")
			}
		}
	} else {
		c.MarkOffline()
		logger.WithField("failure_count", c.FailureCount).Warn("Coordinator is offline")
	}

	if err := p.store.UpdateHealth(ctx, c); err != nil {
		logger.WithError(err).Error("Failed to save coordinator health")
		return online
	}

	// coordinator cards show the online flag
	if c.IsOnline != wasOnline && p.cache != nil {
		if err := p.cache.InvalidateDashboard(ctx); err != nil {
			logger.WithError(err).Warn("Failed to invalidate dashboard cache")
		}
	}

	return online
}

// mergeStatus copies advertised round parameters onto the coordinator
func mergeStatus(c *models.Coordinator, status *adapter.CoordinatorStatus) {
	if status == nil || status.CoordinatorParameters == nil {
		return
	}
	params := status.CoordinatorParameters
	c.FeeRate = decimal.NewNullDecimal(params.CoordinationFeeRate)
	minInputs := params.MinInputCountByRound
	c.MinInputCount = &minInputs
}

// nextInterval doubles the interval after a failure up to ceiling and resets it
// to base after a success
func nextInterval(current time.Duration, success bool, base, ceiling time.Duration) time.Duration {
	if success {
		return base
	}
	next := current * 2
	if next > ceiling || next <= 0 {
		return ceiling
	}
	return next
}
