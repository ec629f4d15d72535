package response_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/kiranshivaraju/songforge/internal/api/response"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestSuccessEnvelopes(t *testing.T) {
	tests := []struct {
		name   string
		write  func(http.ResponseWriter, any)
		status int
	}{
		{"json", response.JSON, http.StatusOK},
		{"created", response.Created, http.StatusCreated},
		{"accepted", response.Accepted, http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			tt.write(w, map[string]string{"task_id": "T1"})

			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
			data := decode(t, w)["data"].(map[string]any)
			assert.Equal(t, "T1", data["task_id"])
		})
	}
}

func TestCollection(t *testing.T) {
	w := httptest.NewRecorder()
	response.Collection(w, []string{"created", "partial"}, response.PaginationMeta{Page: 1, Limit: 50, Total: 2})

	body := decode(t, w)
	assert.Len(t, body["data"], 2)
	meta := body["meta"].(map[string]any)
	assert.Equal(t, float64(2), meta["total"])
	assert.Equal(t, false, meta["has_next"])
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	response.Error(w, http.StatusPaymentRequired, "INSUFFICIENT_CREDITS", "Not enough credits", nil)

	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	errBody := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "INSUFFICIENT_CREDITS", errBody["code"])
	assert.Equal(t, "Not enough credits", errBody["message"])
	_, hasDetails := errBody["details"]
	assert.False(t, hasDetails)
}

func TestInvalid(t *testing.T) {
	w := httptest.NewRecorder()
	response.Invalid(w, "invalid generation request", map[string]string{"title": "required"})

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	errBody := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, response.CodeValidationFailed, errBody["code"])
	assert.Equal(t, map[string]any{"title": "required"}, errBody["details"])
}

func TestInvalid_NoFields(t *testing.T) {
	w := httptest.NewRecorder()
	response.Invalid(w, "status is required", nil)

	errBody := decode(t, w)["error"].(map[string]any)
	_, hasDetails := errBody["details"]
	assert.False(t, hasDetails)
}

func TestNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	response.NoContent(w)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Zero(t, w.Body.Len())
}
