package api

import (
	"context"
	"net/http"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/docbox/internal/compat"
	"github.com/p-arndt/docbox/internal/session"
	"github.com/p-arndt/docbox/internal/store"
)

type MockSessionService struct {
	mock.Mock
}

func (m *MockSessionService) Create(ctx context.Context, spec session.CreateSpec) (*session.Info, error) {
	args := m.Called(ctx, spec)
	if info := args.Get(0); info != nil {
		return info.(*session.Info), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) Get(ctx context.Context, id string) (*session.Info, error) {
	args := m.Called(ctx, id)
	if info := args.Get(0); info != nil {
		return info.(*session.Info), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) List(ctx context.Context) ([]session.Info, error) {
	args := m.Called(ctx)
	if sessions := args.Get(0); sessions != nil {
		return sessions.([]session.Info), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) Status(ctx context.Context, id string) (*session.StatusInfo, error) {
	args := m.Called(ctx, id)
	if st := args.Get(0); st != nil {
		return st.(*session.StatusInfo), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) Destroy(ctx context.Context, sessionID string) error {
	args := m.Called(ctx, sessionID)
	return args.Error(0)
}

func (m *MockSessionService) UpdateFile(ctx context.Context, sessionID, path string, content []byte) error {
	args := m.Called(ctx, sessionID, path, content)
	return args.Error(0)
}

func (m *MockSessionService) ReadFile(ctx context.Context, sessionID, path string) ([]byte, error) {
	args := m.Called(ctx, sessionID, path)
	if data := args.Get(0); data != nil {
		return data.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) ListFiles(ctx context.Context, sessionID string) ([]*store.FileEntry, error) {
	args := m.Called(ctx, sessionID)
	if files := args.Get(0); files != nil {
		return files.([]*store.FileEntry), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) Execute(ctx context.Context, sessionID, command string) (*session.ExecResult, error) {
	args := m.Called(ctx, sessionID, command)
	if result := args.Get(0); result != nil {
		return result.(*session.ExecResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) History(ctx context.Context, sessionID string) ([]*store.Execution, error) {
	args := m.Called(ctx, sessionID)
	if execs := args.Get(0); execs != nil {
		return execs.([]*store.Execution), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockSessionService) Matrix() *compat.Matrix {
	args := m.Called()
	return args.Get(0).(*compat.Matrix)
}

type MockTerminalHub struct {
	mock.Mock
}

func (m *MockTerminalHub) ServeDedicated(w http.ResponseWriter, r *http.Request) {
	m.Called(r.PathValue("class"))
	w.WriteHeader(http.StatusTeapot)
}

func (m *MockTerminalHub) ServeAttach(w http.ResponseWriter, r *http.Request) {
	m.Called(r.PathValue("id"))
	w.WriteHeader(http.StatusTeapot)
}
