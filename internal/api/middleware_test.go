package api

import (
	"bufio"
	"compress/gzip"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/p-arndt/docbox/internal/session"
	"github.com/p-arndt/docbox/internal/testutil"
)

func TestRequestIDGeneratedAndPropagated(t *testing.T) {
	s := testAPIServer(&MockSessionService{})

	var seen string
	h := s.requestIDMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Len(t, seen, 8)
	assert.Equal(t, seen, rec.Header().Get("X-Request-ID"))

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "caller-1")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "caller-1", seen)
	assert.Equal(t, "caller-1", rec.Header().Get("X-Request-ID"))
}

func TestRequestIDEmptyWithoutMiddleware(t *testing.T) {
	assert.Empty(t, RequestID(context.Background()))
}

func TestStatusRecorderCapturesFirstStatus(t *testing.T) {
	rec := &statusRecorder{ResponseWriter: httptest.NewRecorder(), status: http.StatusOK}
	rec.WriteHeader(http.StatusNotFound)
	rec.WriteHeader(http.StatusInternalServerError)
	assert.Equal(t, http.StatusNotFound, rec.status)
}

type hijackableWriter struct {
	*httptest.ResponseRecorder
	hijacked bool
}

func (h *hijackableWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h.hijacked = true
	return nil, nil, nil
}

func TestStatusRecorderHijack(t *testing.T) {
	inner := &hijackableWriter{ResponseRecorder: httptest.NewRecorder()}
	rec := &statusRecorder{ResponseWriter: inner, status: http.StatusOK}

	_, _, err := rec.Hijack()
	require.NoError(t, err)
	assert.True(t, inner.hijacked)
	assert.Equal(t, http.StatusSwitchingProtocols, rec.status)

	plain := &statusRecorder{ResponseWriter: httptest.NewRecorder()}
	_, _, err = plain.Hijack()
	assert.Error(t, err)
}

func TestHandlerCompressesLargeJSON(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	big := strings.Repeat(`{"paths":{}}`, 1000)
	mockMgr.On("ReadFile", mock.Anything, "s1", "storage/app/spectrum/openapi.json").Return([]byte(big), nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/sandbox/s1/file?path=storage/app/spectrum/openapi.json", nil)
	req.Header.Set("Accept-Encoding", "gzip")
	rec := serve(s, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))

	zr, err := gzip.NewReader(rec.Body)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"content":`)
}

func TestHandlerRoutesTerminalsOutsideGzip(t *testing.T) {
	hub := &MockTerminalHub{}
	hub.On("ServeDedicated", "laravel-11").Return()
	hub.On("ServeAttach", "s1").Return()
	s := NewServer(testutil.TestConfig(), &MockSessionService{}, hub, testutil.DiscardLogger())

	for _, path := range []string{"/v1/terminal/laravel-11", "/v1/sessions/s1/terminal"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.Header.Set("Accept-Encoding", "gzip")
		rec := serve(s, req)
		assert.Equal(t, http.StatusTeapot, rec.Code, path)
		assert.Empty(t, rec.Header().Get("Content-Encoding"), path)
	}
	hub.AssertExpectations(t)
}

func TestHealthz(t *testing.T) {
	s := testAPIServer(&MockSessionService{})
	rec := serve(s, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestUnknownMethodIsRejected(t *testing.T) {
	mockMgr := &MockSessionService{}
	s := testAPIServer(mockMgr)
	rec := serve(s, httptest.NewRequest(http.MethodPut, "/v1/sandbox/s1/execute", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	mockMgr.AssertNotCalled(t, "Execute", mock.Anything, mock.Anything, mock.Anything)
}

var _ SessionService = (*session.Manager)(nil)
