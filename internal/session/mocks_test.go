package session

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/docbox/internal/environment"
)

type MockEnvironmentDriver struct {
	mock.Mock
}

func (m *MockEnvironmentDriver) Create(ctx context.Context, spec environment.Spec) (*environment.Handle, error) {
	args := m.Called(ctx, spec)
	switch h := args.Get(0).(type) {
	case func(context.Context, environment.Spec) *environment.Handle:
		return h(ctx, spec), args.Error(1)
	case *environment.Handle:
		return h, args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEnvironmentDriver) Exec(ctx context.Context, h environment.Handle, argv []string, workDir string, timeout time.Duration) (*environment.ExecResult, error) {
	args := m.Called(ctx, h, argv, workDir, timeout)
	if res := args.Get(0); res != nil {
		return res.(*environment.ExecResult), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEnvironmentDriver) CopyFileIn(ctx context.Context, h environment.Handle, path string, content []byte) error {
	args := m.Called(ctx, h, path, content)
	return args.Error(0)
}

func (m *MockEnvironmentDriver) ReadFile(ctx context.Context, h environment.Handle, path string, maxBytes int64) ([]byte, error) {
	args := m.Called(ctx, h, path, maxBytes)
	if data := args.Get(0); data != nil {
		return data.([]byte), args.Error(1)
	}
	return nil, args.Error(1)
}

func (m *MockEnvironmentDriver) Inspect(ctx context.Context, h environment.Handle) (environment.State, error) {
	args := m.Called(ctx, h)
	return args.Get(0).(environment.State), args.Error(1)
}

func (m *MockEnvironmentDriver) Destroy(ctx context.Context, h environment.Handle) error {
	args := m.Called(ctx, h)
	return args.Error(0)
}

func (m *MockEnvironmentDriver) Attach(ctx context.Context, h environment.Handle, opts environment.AttachOpts) (environment.Terminal, error) {
	args := m.Called(ctx, h, opts)
	if t := args.Get(0); t != nil {
		return t.(environment.Terminal), args.Error(1)
	}
	return nil, args.Error(1)
}

// isBootstrap matches the composer steps run during create.
func isBootstrap(argv []string) bool {
	return len(argv) > 0 && argv[0] == "composer"
}

// isArtisan matches allow-listed commands run through Execute.
func isArtisan(argv []string) bool {
	return len(argv) > 1 && argv[0] == "php" && argv[1] == "artisan"
}
