package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/docbox/internal/session"
	"github.com/p-arndt/docbox/internal/store"
	"github.com/p-arndt/docbox/internal/testutil"
)

func TestHandleExecute_Success(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)

	mockMgr.On("Execute", mock.Anything, "s1", "spectrum:generate").Return(&session.ExecResult{
		Command:           "spectrum:generate",
		Output:            "Documentation generated",
		ExitCode:          0,
		GeneratedDocument: json.RawMessage(`{"openapi":"3.0.0"}`),
	}, nil)

	req := testutil.JSONRequest(t, http.MethodPost, "/v1/sandbox/s1/execute", map[string]string{"command": "spectrum:generate"})
	rec := serve(s, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	testutil.DecodeJSON(t, rec, &body)
	assert.Equal(t, "Documentation generated", body["output"])
	assert.Equal(t, float64(0), body["exit_code"])
	assert.Equal(t, false, body["timed_out"])
	assert.Equal(t, map[string]any{"openapi": "3.0.0"}, body["openapi"])
}

func TestHandleExecute_TimeoutIsSuccessResponse(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)

	mockMgr.On("Execute", mock.Anything, "s1", "spectrum:watch").Return(&session.ExecResult{
		Command:  "spectrum:watch",
		ExitCode: 124,
		TimedOut: true,
	}, nil)

	req := testutil.JSONRequest(t, http.MethodPost, "/v1/sandbox/s1/execute", map[string]string{"command": "spectrum:watch"})
	rec := serve(s, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	testutil.DecodeJSON(t, rec, &body)
	assert.Equal(t, float64(124), body["exit_code"])
	assert.Equal(t, true, body["timed_out"])
	assert.Nil(t, body["openapi"])
}

func TestHandleExecute_Errors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"invalid command", fmt.Errorf("%w: %q", session.ErrInvalidCommand, "rm -rf /"), http.StatusBadRequest, ErrCodeInvalidCommand},
		{"not found", fmt.Errorf("%w: s1", session.ErrNotFound), http.StatusNotFound, ErrCodeSessionNotFound},
		{"not ready", fmt.Errorf("%w: s1 (status=crashed)", session.ErrNotReady), http.StatusConflict, ErrCodeSessionNotReady},
		{"environment", fmt.Errorf("exec: %w", session.ErrEnvironment), http.StatusInternalServerError, ErrCodeEnvironment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockMgr := &MockSessionService{}
			s := testAPIServer(mockMgr)
			mockMgr.On("Execute", mock.Anything, "s1", mock.Anything).Return(nil, tt.err)

			req := testutil.JSONRequest(t, http.MethodPost, "/v1/sandbox/s1/execute", map[string]string{"command": "rm -rf /"})
			rec := serve(s, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body APIError
			testutil.DecodeJSON(t, rec, &body)
			assert.Equal(t, tt.wantCode, body.Code)
		})
	}
}

func TestHandleExecute_MissingCommand(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)

	rec := serve(s, httptest.NewRequest(http.MethodPost, "/v1/sandbox/s1/execute", strings.NewReader(`{}`)))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	mockMgr.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleHistory(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("History", mock.Anything, "s1").Return([]*store.Execution{
		{ID: 1, SessionID: "s1", Command: "spectrum:generate", Duration: 2 * time.Second, StartedAt: time.Now()},
	}, nil)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/v1/sandbox/s1/history", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Executions []map[string]any `json:"executions"`
	}
	testutil.DecodeJSON(t, rec, &body)
	require.Len(t, body.Executions, 1)
	assert.Equal(t, "spectrum:generate", body.Executions[0]["command"])
	assert.Equal(t, float64(2000), body.Executions[0]["duration_ms"])
}
