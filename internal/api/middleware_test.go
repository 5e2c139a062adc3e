package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdempotencyKeyReleasedAfterPanic(t *testing.T) {
	calls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			panic("store exploded")
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": "abc"})
	})

	h := chimw.Recoverer(IdempotencyMiddleware(time.Minute)(handler))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/appointments", strings.NewReader(`{}`))
		req.Header.Set(IdempotencyHeader, "call-7")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := do()
	assert.Equal(t, http.StatusInternalServerError, first.Code)

	second := do()
	require.Equal(t, http.StatusCreated, second.Code, second.Body.String())
	assert.Empty(t, second.Header().Get("Idempotent-Replayed"))

	third := do()
	assert.Equal(t, http.StatusCreated, third.Code)
	assert.Equal(t, "true", third.Header().Get("Idempotent-Replayed"))
	assert.Equal(t, 2, calls)
}

func TestIdempotencyKeyReleasedAfterFailure(t *testing.T) {
	calls := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		writeError(w, http.StatusConflict, "slot_conflict", "taken")
	})
	h := IdempotencyMiddleware(time.Minute)(handler)

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/appointments", strings.NewReader(`{}`))
		req.Header.Set(IdempotencyHeader, "call-8")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusConflict, rec.Code)
	}
	assert.Equal(t, 2, calls)
}
