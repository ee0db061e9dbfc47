package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studypilot/internal/logging"
	"github.com/studypilot/internal/models"
)

// fakeActionStore is an in-memory Store with the same conditional-claim
// semantics as the Postgres repository.
type fakeActionStore struct {
	mu        sync.Mutex
	actions   map[string]*models.ScheduledAction
	loseClaim map[string]bool
}

func newFakeActionStore() *fakeActionStore {
	return &fakeActionStore{
		actions:   make(map[string]*models.ScheduledAction),
		loseClaim: make(map[string]bool),
	}
}

func (s *fakeActionStore) Insert(ctx context.Context, action *models.ScheduledAction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.actions[action.ID]; exists {
		return fmt.Errorf("action %s already exists", action.ID)
	}
	cp := *action
	s.actions[action.ID] = &cp
	return nil
}

func (s *fakeActionStore) GetByID(ctx context.Context, id string) (*models.ScheduledAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	action, ok := s.actions[id]
	if !ok {
		return nil, fmt.Errorf("action %s not found", id)
	}
	cp := *action
	return &cp, nil
}

func (s *fakeActionStore) SelectDue(ctx context.Context, now time.Time, limit int) ([]*models.ScheduledAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ScheduledAction
	for _, action := range s.actions {
		if action.Status == models.ActionPending && !action.ExecuteAt.After(now) {
			cp := *action
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecuteAt.Before(out[j].ExecuteAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeActionStore) ClaimPending(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loseClaim[id] {
		return false, nil
	}
	action, ok := s.actions[id]
	if !ok || action.Status != models.ActionPending {
		return false, nil
	}
	now := time.Now()
	action.Status = models.ActionCompleted
	action.CompletedAt = &now
	return true, nil
}

func (s *fakeActionStore) ListByUser(ctx context.Context, userRef string, limit int) ([]*models.ScheduledAction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*models.ScheduledAction
	for _, action := range s.actions {
		if action.UserRef == userRef {
			cp := *action
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *fakeActionStore) get(t *testing.T, id string) *models.ScheduledAction {
	t.Helper()
	action, err := s.GetByID(context.Background(), id)
	require.NoError(t, err)
	return action
}

// captureNotifier records deliveries and optionally fails them.
type captureNotifier struct {
	mu        sync.Mutex
	delivered []string
	err       error
}

func (n *captureNotifier) Notify(ctx context.Context, action *models.ScheduledAction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.delivered = append(n.delivered, action.ID)
	return n.err
}

func (n *captureNotifier) deliveries() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.delivered))
	copy(out, n.delivered)
	return out
}

func setupTestTicker(t *testing.T, store Store, notifier Notifier) *Ticker {
	t.Helper()
	ticker, err := NewTicker(&TickerConfig{
		Store:    store,
		Notifier: notifier,
		Interval: 10 * time.Millisecond,
		Logger:   logging.Default(),
	})
	require.NoError(t, err)
	return ticker
}

func scheduleTestAction(t *testing.T, store Store, executeAt time.Time) string {
	t.Helper()
	svc, err := NewService(store, logging.Default())
	require.NoError(t, err)
	id, err := svc.Schedule(context.Background(), "user-1", executeAt, "Review session", "Time to review", nil)
	require.NoError(t, err)
	return id
}

func TestNewTicker(t *testing.T) {
	store := newFakeActionStore()
	notifier := &captureNotifier{}

	tests := []struct {
		name    string
		cfg     *TickerConfig
		wantErr string
	}{
		{"nil config", nil, "configuration is required"},
		{"missing store", &TickerConfig{Notifier: notifier}, "action store is required"},
		{"missing notifier", &TickerConfig{Store: store}, "notifier is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewTicker(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("defaults", func(t *testing.T) {
		ticker, err := NewTicker(&TickerConfig{Store: store, Notifier: notifier})
		require.NoError(t, err)
		assert.Equal(t, 60*time.Second, ticker.interval)
		assert.Equal(t, 50, ticker.batchSize)
	})
}

func TestTickerDeliversDueActions(t *testing.T) {
	store := newFakeActionStore()
	notifier := &captureNotifier{}
	ticker := setupTestTicker(t, store, notifier)

	overdue := scheduleTestAction(t, store, time.Now().Add(-time.Minute))
	future := scheduleTestAction(t, store, time.Now().Add(time.Hour))

	ticker.Tick(context.Background())

	assert.Equal(t, []string{overdue}, notifier.deliveries())
	assert.Equal(t, models.ActionCompleted, store.get(t, overdue).Status)
	assert.NotNil(t, store.get(t, overdue).CompletedAt)
	assert.Equal(t, models.ActionPending, store.get(t, future).Status)
}

func TestTickerDeliversAtMostOnce(t *testing.T) {
	store := newFakeActionStore()
	notifier := &captureNotifier{}
	ticker := setupTestTicker(t, store, notifier)

	id := scheduleTestAction(t, store, time.Now().Add(-time.Minute))

	for i := 0; i < 5; i++ {
		ticker.Tick(context.Background())
	}

	assert.Equal(t, []string{id}, notifier.deliveries(), "an overdue action is delivered once and only once")
}

func TestTickerSkipsLostClaims(t *testing.T) {
	store := newFakeActionStore()
	notifier := &captureNotifier{}
	ticker := setupTestTicker(t, store, notifier)

	id := scheduleTestAction(t, store, time.Now().Add(-time.Minute))
	store.loseClaim[id] = true

	ticker.Tick(context.Background())

	assert.Empty(t, notifier.deliveries(), "a lost claim means another pass owns the delivery")
}

func TestTickerDeliveryFailureStaysCompleted(t *testing.T) {
	store := newFakeActionStore()
	notifier := &captureNotifier{err: errors.New("push gateway down")}
	ticker := setupTestTicker(t, store, notifier)

	id := scheduleTestAction(t, store, time.Now().Add(-time.Minute))

	ticker.Tick(context.Background())
	ticker.Tick(context.Background())

	// Exactly one delivery attempt; the row never reverts to pending.
	assert.Equal(t, []string{id}, notifier.deliveries())
	assert.Equal(t, models.ActionCompleted, store.get(t, id).Status)
}

func TestTickerStartStop(t *testing.T) {
	store := newFakeActionStore()
	notifier := &captureNotifier{}
	ticker := setupTestTicker(t, store, notifier)

	ctx := context.Background()
	require.NoError(t, ticker.Start(ctx))
	assert.Error(t, ticker.Start(ctx), "double start must fail")

	id := scheduleTestAction(t, store, time.Now().Add(-time.Second))
	require.Eventually(t, func() bool {
		return len(notifier.deliveries()) == 1 && notifier.deliveries()[0] == id
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, ticker.Stop(ctx))
	assert.Error(t, ticker.Stop(ctx), "double stop must fail")
}
