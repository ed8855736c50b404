package reaper

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/docbox/internal/environment"
	"github.com/p-arndt/docbox/internal/store"
)

// MockReaperStore mocks the ReaperStore interface.
type MockReaperStore struct {
	mock.Mock
}

func (m *MockReaperStore) ListExpiredSessions(now time.Time) ([]*store.Session, error) {
	args := m.Called(now)
	if sessions := args.Get(0); sessions != nil {
		return sessions.([]*store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReaperStore) ListAllSessions() ([]*store.Session, error) {
	args := m.Called()
	if sessions := args.Get(0); sessions != nil {
		return sessions.([]*store.Session), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockReaperStore) UpdateStatus(id, status string) error {
	args := m.Called(id, status)
	return args.Error(0)
}

func (m *MockReaperStore) DeleteSession(id string) error {
	args := m.Called(id)
	return args.Error(0)
}

// MockReaperDriver mocks the ReaperDriver interface.
type MockReaperDriver struct {
	mock.Mock
}

func (m *MockReaperDriver) Inspect(ctx context.Context, h environment.Handle) (environment.State, error) {
	args := m.Called(ctx, h)
	return args.Get(0).(environment.State), args.Error(1)
}

func (m *MockReaperDriver) Destroy(ctx context.Context, h environment.Handle) error {
	args := m.Called(ctx, h)
	return args.Error(0)
}

func (m *MockReaperDriver) List(ctx context.Context) ([]environment.Handle, error) {
	args := m.Called(ctx)
	if handles := args.Get(0); handles != nil {
		return handles.([]environment.Handle), args.Error(1)
	}
	return nil, args.Error(1)
}

// MockSessionManager mocks the SessionManager interface.
type MockSessionManager struct {
	mock.Mock
}

func (m *MockSessionManager) Destroy(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockSessionManager) CleanupSessionLock(id string) {
	m.Called(id)
}
