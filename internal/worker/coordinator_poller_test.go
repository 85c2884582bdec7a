package worker

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wabiview/wabiview/internal/adapter"
	"github.com/wabiview/wabiview/internal/models"
	"github.com/wabiview/wabiview/internal/registry"
	"github.com/wabiview/wabiview/internal/service"
	"github.com/wabiview/wabiview/internal/types"
)

type mockCoordinatorStore struct {
	coordinators   []*models.Coordinator
	saved          []models.Coordinator
	updateHealthFn func(ctx context.Context, c *models.Coordinator) error
}

func (m *mockCoordinatorStore) CreateIfAbsent(ctx context.Context, name, url string) (bool, error) {
	for _, c := range m.coordinators {
		if c.URL == url {
			return false, nil
		}
	}
	m.coordinators = append(m.coordinators, &models.Coordinator{ID: int64(len(m.coordinators) + 1), Name: name, URL: url})
	return true, nil
}

func (m *mockCoordinatorStore) List(ctx context.Context) ([]*models.Coordinator, error) {
	return m.coordinators, nil
}

func (m *mockCoordinatorStore) UpdateHealth(ctx context.Context, c *models.Coordinator) error {
	m.saved = append(m.saved, *c)
	if m.updateHealthFn != nil {
		return m.updateHealthFn(ctx, c)
	}
	return nil
}

type mockCoordinatorAPI struct {
	isOnlineFn  func(ctx context.Context, url string) bool
	getStatusFn func(ctx context.Context, url string) (*adapter.CoordinatorStatus, error)
	getRoundsFn func(ctx context.Context, url string) ([]adapter.RoundInfo, error)
	polled      []string
}

func (m *mockCoordinatorAPI) IsOnline(ctx context.Context, url string) bool {
	m.polled = append(m.polled, url)
	return m.isOnlineFn(ctx, url)
}

func (m *mockCoordinatorAPI) GetStatus(ctx context.Context, url string) (*adapter.CoordinatorStatus, error) {
	if m.getStatusFn == nil {
		return &adapter.CoordinatorStatus{}, nil
	}
	return m.getStatusFn(ctx, url)
}

func (m *mockCoordinatorAPI) GetRounds(ctx context.Context, url string) ([]adapter.RoundInfo, error) {
	if m.getRoundsFn == nil {
		return nil, nil
	}
	return m.getRoundsFn(ctx, url)
}

type mockRoundApplier struct {
	calls map[int64][]adapter.RoundInfo
}

func (m *mockRoundApplier) Reconcile(ctx context.Context, coordinatorID int64, rounds []adapter.RoundInfo) (*service.ReconcileResult, error) {
	if m.calls == nil {
		m.calls = make(map[int64][]adapter.RoundInfo)
	}
	m.calls[coordinatorID] = rounds
	return &service.ReconcileResult{Created: len(rounds)}, nil
}

func newTestPoller(t *testing.T, store *mockCoordinatorStore, client *mockCoordinatorAPI, rounds *mockRoundApplier, clock *time.Time) *CoordinatorPoller {
	t.Helper()
	p, err := NewCoordinatorPoller(&CoordinatorPollerConfig{
		Store:  store,
		Client: client,
		Rounds: rounds,
		Registry: registry.NewWithEntries([]registry.Entry{
			{Name: "Alpha", URL: "https://alpha.example/"},
			{Name: "Beta", URL: "https://beta.example/"},
		}),
	})
	require.NoError(t, err)
	p.now = func() time.Time { return *clock }
	return p
}

func TestNextInterval(t *testing.T) {
	base, ceiling := 90*time.Second, 360*time.Second

	interval := base
	var got []time.Duration
	for i := 0; i < 3; i++ {
		interval = nextInterval(interval, false, base, ceiling)
		got = append(got, interval)
	}
	assert.Equal(t, []time.Duration{180 * time.Second, 360 * time.Second, 360 * time.Second}, got)
	assert.Equal(t, base, nextInterval(interval, true, base, ceiling))
}

func TestNextInterval_Properties(t *testing.T) {
	properties := gopter.NewProperties(nil)
	base, ceiling := 90*time.Second, 360*time.Second

	properties.Property("interval stays within base and ceiling", prop.ForAll(
		func(outcomes []bool) bool {
			interval := base
			for _, ok := range outcomes {
				interval = nextInterval(interval, ok, base, ceiling)
				if interval < base || interval > ceiling {
					return false
				}
				if ok && interval != base {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

func TestCoordinatorPoller_Seed(t *testing.T) {
	clock := time.Now()
	store := &mockCoordinatorStore{coordinators: []*models.Coordinator{{ID: 1, Name: "Alpha", URL: "https://alpha.example/"}}}
	p := newTestPoller(t, store, &mockCoordinatorAPI{}, &mockRoundApplier{}, &clock)

	require.NoError(t, p.Seed(context.Background()))
	require.NoError(t, p.Seed(context.Background()))

	require.Len(t, store.coordinators, 2)
	assert.Equal(t, "Beta", store.coordinators[1].Name)
}

func TestCoordinatorPoller_OnlineCoordinator(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &mockCoordinatorStore{coordinators: []*models.Coordinator{{ID: 1, Name: "Alpha", URL: "https://alpha.example/", FailureCount: 4}}}
	client := &mockCoordinatorAPI{
		isOnlineFn: func(ctx context.Context, url string) bool { return true },
		getStatusFn: func(ctx context.Context, url string) (*adapter.CoordinatorStatus, error) {
			return &adapter.CoordinatorStatus{CoordinatorParameters: &adapter.CoordinatorParameters{
				CoordinationFeeRate:  decimal.RequireFromString("0.003"),
				MinInputCountByRound: 21,
			}}, nil
		},
		getRoundsFn: func(ctx context.Context, url string) ([]adapter.RoundInfo, error) {
			return []adapter.RoundInfo{{RoundID: "r1", Phase: types.PhaseInputRegistration}}, nil
		},
	}
	rounds := &mockRoundApplier{}
	p := newTestPoller(t, store, client, rounds, &clock)

	wait := p.PollDue(ctx)
	assert.Equal(t, 90*time.Second, wait)

	require.Len(t, store.saved, 1)
	saved := store.saved[0]
	assert.True(t, saved.IsOnline)
	assert.Equal(t, 0, saved.FailureCount)
	assert.Equal(t, clock, *saved.LastSeen)
	assert.Equal(t, clock, *saved.LastChecked)
	assert.True(t, saved.FeeRate.Valid)
	assert.Equal(t, "0.003", saved.FeeRate.Decimal.String())
	assert.Equal(t, 21, *saved.MinInputCount)
	assert.Len(t, rounds.calls[1], 1)
}

func TestCoordinatorPoller_Backoff(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	online := false
	store := &mockCoordinatorStore{coordinators: []*models.Coordinator{{ID: 1, Name: "Alpha", URL: "https://alpha.example/"}}}
	client := &mockCoordinatorAPI{isOnlineFn: func(ctx context.Context, url string) bool { return online }}
	p := newTestPoller(t, store, client, &mockRoundApplier{}, &clock)

	var waits []time.Duration
	for i := 0; i < 3; i++ {
		waits = append(waits, p.PollDue(ctx))
		clock = clock.Add(waits[i])
	}
	assert.Equal(t, []time.Duration{180 * time.Second, 360 * time.Second, 360 * time.Second}, waits)
	assert.Equal(t, 3, store.coordinators[0].FailureCount)
	assert.False(t, store.coordinators[0].IsOnline)

	// not due yet: no poll happens
	before := len(client.polled)
	assert.Equal(t, 360*time.Second, p.PollDue(ctx))
	assert.Len(t, client.polled, before)

	online = true
	clock = clock.Add(360 * time.Second)
	assert.Equal(t, 90*time.Second, p.PollDue(ctx))
	assert.Equal(t, 0, store.coordinators[0].FailureCount)
}

func TestCoordinatorPoller_FailureIsolation(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &mockCoordinatorStore{
		coordinators: []*models.Coordinator{
			{ID: 1, Name: "Alpha", URL: "https://alpha.example/"},
			{ID: 2, Name: "Beta", URL: "https://beta.example/"},
		},
		updateHealthFn: func(ctx context.Context, c *models.Coordinator) error {
			if c.ID == 1 {
				return fmt.Errorf("connection reset")
			}
			return nil
		},
	}
	client := &mockCoordinatorAPI{
		isOnlineFn: func(ctx context.Context, url string) bool { return true },
		getRoundsFn: func(ctx context.Context, url string) ([]adapter.RoundInfo, error) {
			if url == "https://alpha.example/" {
				return nil, fmt.Errorf("bad gateway")
			}
			return []adapter.RoundInfo{{RoundID: "b1"}}, nil
		},
	}
	rounds := &mockRoundApplier{}
	p := newTestPoller(t, store, client, rounds, &clock)

	p.PollDue(ctx)

	assert.Equal(t, []string{"https://alpha.example/", "https://beta.example/"}, client.polled)
	assert.Len(t, store.saved, 2)
	assert.NotContains(t, rounds.calls, int64(1))
	assert.Len(t, rounds.calls[2], 1)
}

func TestCoordinatorPoller_InvalidatesOnStatusChange(t *testing.T) {
	ctx := context.Background()
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	online := true
	store := &mockCoordinatorStore{coordinators: []*models.Coordinator{{ID: 1, Name: "Alpha", URL: "https://alpha.example/"}}}
	client := &mockCoordinatorAPI{isOnlineFn: func(ctx context.Context, url string) bool { return online }}
	p := newTestPoller(t, store, client, &mockRoundApplier{}, &clock)
	cache := &mockInvalidator{}
	p.cache = cache

	clock = clock.Add(p.PollDue(ctx))
	assert.Equal(t, 1, cache.calls)

	// still online
	clock = clock.Add(p.PollDue(ctx))
	assert.Equal(t, 1, cache.calls)

	online = false
	clock = clock.Add(p.PollDue(ctx))
	assert.Equal(t, 2, cache.calls)

	// still offline
	p.PollDue(ctx)
	assert.Equal(t, 2, cache.calls)
}

func TestCoordinatorPoller_UnsavedStatusKeepsCache(t *testing.T) {
	clock := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	store := &mockCoordinatorStore{
		coordinators: []*models.Coordinator{{ID: 1, Name: "Alpha", URL: "https://alpha.example/"}},
		updateHealthFn: func(ctx context.Context, c *models.Coordinator) error {
			return fmt.Errorf("connection reset")
		},
	}
	client := &mockCoordinatorAPI{isOnlineFn: func(ctx context.Context, url string) bool { return true }}
	p := newTestPoller(t, store, client, &mockRoundApplier{}, &clock)
	cache := &mockInvalidator{}
	p.cache = cache

	p.PollDue(context.Background())
	assert.Equal(t, 0, cache.calls)
}

func TestCoordinatorPoller_NoCoordinators(t *testing.T) {
	clock := time.Now()
	p := newTestPoller(t, &mockCoordinatorStore{}, &mockCoordinatorAPI{}, &mockRoundApplier{}, &clock)
	assert.Equal(t, DefaultPollBaseInterval, p.PollDue(context.Background()))
}

func TestCoordinatorPoller_StartStop(t *testing.T) {
	clock := time.Now()
	store := &mockCoordinatorStore{}
	client := &mockCoordinatorAPI{isOnlineFn: func(ctx context.Context, url string) bool { return false }}
	p := newTestPoller(t, store, client, &mockRoundApplier{}, &clock)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, p.Start(ctx))
	assert.Error(t, p.Start(ctx))
	require.NoError(t, p.Stop(ctx))
	assert.Error(t, p.Stop(ctx))
}

func TestNewCoordinatorPoller_Validation(t *testing.T) {
	_, err := NewCoordinatorPoller(&CoordinatorPollerConfig{})
	assert.Error(t, err)

	_, err = NewCoordinatorPoller(&CoordinatorPollerConfig{
		Store:        &mockCoordinatorStore{},
		Client:       &mockCoordinatorAPI{},
		Rounds:       &mockRoundApplier{},
		BaseInterval: time.Minute,
		MaxInterval:  time.Second,
	})
	assert.Error(t, err)
}
