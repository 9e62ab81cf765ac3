package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/upb/tenant-auth/services"
	"github.com/upb/tenant-auth/utils"
)

func TestHandleServiceError(t *testing.T) {
	tests := []struct {
		name           string
		err            error
		expectedStatus int
		expectedError  string
		expectedLevel  string
	}{
		{
			name:           "validation error",
			err:            services.ErrInvalidInput,
			expectedStatus: http.StatusBadRequest,
			expectedError:  "bad_request",
			expectedLevel:  "debug",
		},
		{
			name:           "invalid token",
			err:            services.ErrInvalidToken.WithReason("bad_signature", nil),
			expectedStatus: http.StatusUnauthorized,
			expectedError:  "unauthorized",
			expectedLevel:  "warn",
		},
		{
			name:           "access denied",
			err:            services.ErrAccessDenied.WithReason("missing_role", nil),
			expectedStatus: http.StatusForbidden,
			expectedError:  "forbidden",
			expectedLevel:  "warn",
		},
		{
			name:           "persistence",
			err:            services.WrapPersistence("failed to load principal", errors.New("timeout")),
			expectedStatus: http.StatusServiceUnavailable,
			expectedError:  "unavailable",
			expectedLevel:  "error",
		},
		{
			name:           "unknown error",
			err:            errors.New("boom"),
			expectedStatus: http.StatusInternalServerError,
			expectedError:  "internal_error",
			expectedLevel:  "error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.DebugLevel)
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodGet, "/", nil)

			HandleServiceError(w, r, tt.err, zap.New(core))

			assert.Equal(t, tt.expectedStatus, w.Code)
			var response utils.ErrorResponse
			require.NoError(t, json.NewDecoder(w.Body).Decode(&response))
			assert.Equal(t, tt.expectedError, response.Error)

			entries := logs.All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.expectedLevel, entries[0].Level.String())
			assert.Equal(t, services.GetReason(tt.err), entries[0].ContextMap()["reason"])
		})
	}
}

func TestHandleServiceError_Nil(t *testing.T) {
	w := httptest.NewRecorder()

	HandleServiceError(w, httptest.NewRequest(http.MethodGet, "/", nil), nil, zap.NewNop())

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Body.String())
}
