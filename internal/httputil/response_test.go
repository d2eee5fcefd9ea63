package httputil

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteError(t *testing.T) {
	w := httptest.NewRecorder()
	BadRequest(w, "hours must be between 1 and 168", "hours", "req-1234")

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, CodeInvalidParameter, body.Error.Code)
	assert.Equal(t, "hours", body.Error.Field)
	assert.Equal(t, "req-1234", body.Error.RequestID)
}

func TestWriteEnveloped(t *testing.T) {
	w := httptest.NewRecorder()
	WriteEnveloped(w, "req-abcd", map[string]int{"count": 3})

	assert.Equal(t, http.StatusOK, w.Code)

	var env struct {
		ServerTime string         `json:"server_time"`
		RequestID  string         `json:"request_id"`
		Data       map[string]int `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	assert.Equal(t, "req-abcd", env.RequestID)
	assert.NotEmpty(t, env.ServerTime)
	assert.Equal(t, 3, env.Data["count"])
}

func TestStoreUnavailable(t *testing.T) {
	w := httptest.NewRecorder()
	StoreUnavailable(w, "req-1")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
