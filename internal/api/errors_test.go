package api

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/p-arndt/docbox/internal/session"
	"github.com/p-arndt/docbox/internal/testutil"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err        error
		wantStatus int
		wantCode   string
	}{
		{fmt.Errorf("%w: x", session.ErrValidation), http.StatusBadRequest, ErrCodeValidation},
		{fmt.Errorf("%w: x", session.ErrUnsupportedVersion), http.StatusBadRequest, ErrCodeUnsupportedVersion},
		{fmt.Errorf("%w: x", session.ErrCapacityExceeded), http.StatusServiceUnavailable, ErrCodeCapacityExceeded},
		{fmt.Errorf("%w: x", session.ErrNotFound), http.StatusNotFound, ErrCodeSessionNotFound},
		{fmt.Errorf("%w: x", session.ErrNotReady), http.StatusConflict, ErrCodeSessionNotReady},
		{fmt.Errorf("%w: x", session.ErrInvalidPath), http.StatusBadRequest, ErrCodeInvalidPath},
		{fmt.Errorf("%w: x", session.ErrInvalidCommand), http.StatusBadRequest, ErrCodeInvalidCommand},
		{fmt.Errorf("%w: x", session.ErrFileNotFound), http.StatusNotFound, ErrCodeFileNotFound},
		{fmt.Errorf("%w: x", session.ErrEnvironment), http.StatusInternalServerError, ErrCodeEnvironment},
		{errors.New("disk full"), http.StatusInternalServerError, ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.wantCode, func(t *testing.T) {
			status, code := classify(tt.err)
			assert.Equal(t, tt.wantStatus, status)
			assert.Equal(t, tt.wantCode, code)
		})
	}
}

func TestClassifyPrefersFirstMatch(t *testing.T) {
	err := errors.Join(session.ErrInvalidPath, session.ErrEnvironment)
	status, code := classify(err)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, ErrCodeInvalidPath, code)
}

func TestWriteAPIError(t *testing.T) {
	rec := httptest.NewRecorder()
	writeAPIError(rec, fmt.Errorf("%w: abc", session.ErrNotFound))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body APIError
	testutil.DecodeJSON(t, rec, &body)
	assert.Equal(t, ErrCodeSessionNotFound, body.Code)
	assert.Contains(t, body.Message, "abc")
}
