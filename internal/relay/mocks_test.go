package relay

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/stretchr/testify/mock"

	"github.com/p-arndt/docbox/internal/environment"
	"github.com/p-arndt/docbox/internal/session"
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

func (m *MockSessionService) Destroy(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockSessionService) AttachTerminal(ctx context.Context, id string, opts environment.AttachOpts) (environment.Terminal, *session.Info, error) {
	args := m.Called(ctx, id, opts)
	var term environment.Terminal
	if t := args.Get(0); t != nil {
		term = t.(environment.Terminal)
	}
	var info *session.Info
	if i := args.Get(1); i != nil {
		info = i.(*session.Info)
	}
	return term, info, args.Error(2)
}

// fakeTerminal is an in-memory process. Tests feed output with emit and
// end it with exit; everything written to it is journaled as events.
type fakeTerminal struct {
	outR *io.PipeReader
	outW *io.PipeWriter

	mu     sync.Mutex
	events []string
	closed bool

	exitOnce sync.Once
	exited   chan struct{}
	code     int
}

func newFakeTerminal() *fakeTerminal {
	r, w := io.Pipe()
	return &fakeTerminal{outR: r, outW: w, exited: make(chan struct{})}
}

func (f *fakeTerminal) Read(p []byte) (int, error) { return f.outR.Read(p) }

func (f *fakeTerminal) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return 0, io.ErrClosedPipe
	}
	f.events = append(f.events, "input:"+string(p))
	return len(p), nil
}

func (f *fakeTerminal) Resize(cols, rows int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, fmt.Sprintf("resize:%dx%d", cols, rows))
	return nil
}

func (f *fakeTerminal) Wait() error {
	<-f.exited
	if f.code != 0 {
		return &environment.ExitError{Code: f.code}
	}
	return nil
}

func (f *fakeTerminal) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	f.exit(0)
	return nil
}

func (f *fakeTerminal) emit(s string) {
	_, _ = f.outW.Write([]byte(s))
}

func (f *fakeTerminal) exit(code int) {
	f.exitOnce.Do(func() {
		f.code = code
		_ = f.outW.Close()
		close(f.exited)
	})
}

func (f *fakeTerminal) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTerminal) journal() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

func (f *fakeTerminal) inputContains(s string) bool {
	for _, e := range f.journal() {
		if strings.HasPrefix(e, "input:") && strings.Contains(e, s) {
			return true
		}
	}
	return false
}
