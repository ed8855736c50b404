package api

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/docbox/internal/compat"
	"github.com/p-arndt/docbox/internal/session"
	"github.com/p-arndt/docbox/internal/testutil"
)

func testAPIServer(mgr SessionService) *Server {
	return NewServer(testutil.TestConfig(), mgr, nil, testutil.DiscardLogger())
}

func serve(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHandleCreateSession_Success(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)

	now := time.Now().UTC()
	mockMgr.On("Create", mock.Anything, session.CreateSpec{
		Framework:        "laravel",
		FrameworkVersion: "11",
		SpectrumVersion:  "^1.0",
		PHPVersion:       "8.3",
	}).Return(&session.Info{
		ID:        "5f0c8a6e-2d7b-4c1e-9a43-1b2c3d4e5f60",
		Status:    "ready",
		Framework: "laravel",
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
		ExpiresIn: 3600,
	}, nil)

	req := testutil.JSONRequest(t, http.MethodPost, "/v1/sandbox/create", map[string]string{
		"framework":         "laravel",
		"framework_version": "11",
		"spectrum_version":  "^1.0",
		"php_version":       "8.3",
	})
	rec := serve(s, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	testutil.DecodeJSON(t, rec, &body)
	assert.Equal(t, "5f0c8a6e-2d7b-4c1e-9a43-1b2c3d4e5f60", body["session_id"])
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, float64(3600), body["expires_in"])
}

func TestHandleCreateSession_InvalidJSON(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)

	req := httptest.NewRequest(http.MethodPost, "/v1/sandbox/create", strings.NewReader("{invalid"))
	rec := serve(s, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body APIError
	testutil.DecodeJSON(t, rec, &body)
	assert.Equal(t, ErrCodeInvalidRequest, body.Code)
	mockMgr.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestHandleCreateSession_ErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"unsupported", fmt.Errorf("%w: unsupported laravel version: 9", session.ErrUnsupportedVersion), http.StatusBadRequest, ErrCodeUnsupportedVersion},
		{"validation", fmt.Errorf("%w: missing framework", session.ErrValidation), http.StatusBadRequest, ErrCodeValidation},
		{"capacity", fmt.Errorf("%w: 10 of 10 sessions active", session.ErrCapacityExceeded), http.StatusServiceUnavailable, ErrCodeCapacityExceeded},
		{"environment", fmt.Errorf("%w: container create: no such image", session.ErrEnvironment), http.StatusInternalServerError, ErrCodeEnvironment},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mockMgr := &MockSessionService{}
			s := testAPIServer(mockMgr)
			mockMgr.On("Create", mock.Anything, mock.Anything).Return(nil, tt.err)

			req := testutil.JSONRequest(t, http.MethodPost, "/v1/sandbox/create", map[string]string{"framework": "laravel"})
			rec := serve(s, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			var body APIError
			testutil.DecodeJSON(t, rec, &body)
			assert.Equal(t, tt.wantCode, body.Code)
			assert.Equal(t, tt.err.Error(), body.Message)
		})
	}
}

func TestHandleVersions(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("Matrix").Return(compat.Default())

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/v1/versions", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var d compat.Descriptor
	testutil.DecodeJSON(t, rec, &d)
	assert.Contains(t, d.Frameworks, "laravel")
	assert.Contains(t, d.Frameworks, "lumen")
	assert.Equal(t, []string{"8.3", "8.4"}, d.Frameworks["laravel"].PHPCompatibility["12"])
	assert.Contains(t, d.SpectrumVersions, "dev-main")
}

func TestHandleStatus(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("Status", mock.Anything, "s1").Return(&session.StatusInfo{ID: "s1", Status: "running", ExpiresIn: 1200}, nil)
	mockMgr.On("Status", mock.Anything, "gone").Return(nil, fmt.Errorf("%w: gone", session.ErrNotFound))

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/v1/sandbox/s1/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var st session.StatusInfo
	testutil.DecodeJSON(t, rec, &st)
	assert.Equal(t, "running", st.Status)
	assert.Equal(t, int64(1200), st.ExpiresIn)

	rec = serve(s, httptest.NewRequest(http.MethodGet, "/v1/sandbox/gone/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleListSessions_Empty(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("List", mock.Anything).Return(nil, nil)

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/v1/sandbox", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"sessions":[]}`, rec.Body.String())
}

func TestHandleGetSession_NotFound(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("Get", mock.Anything, "missing").Return(nil, fmt.Errorf("%w: missing", session.ErrNotFound))

	rec := serve(s, httptest.NewRequest(http.MethodGet, "/v1/sandbox/missing", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandleDestroy(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	mockMgr.On("Destroy", mock.Anything, "s1").Return(nil)

	rec := serve(s, httptest.NewRequest(http.MethodDelete, "/v1/sandbox/s1", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"success":true}`, rec.Body.String())
	mockMgr.AssertExpectations(t)
}
