package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"grantway/services/grants-gateway/models"
)

func idempotencyDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	return db
}

func TestIdempotencyReplaysStoredResponse(t *testing.T) {
	db := idempotencyDB(t)
	var calls int
	handler := WithIdempotency(db, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"p-1"}`))
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/grants", nil)
		req.Header.Set("Idempotency-Key", "once")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusCreated, rec.Code)
		require.JSONEq(t, `{"id":"p-1"}`, rec.Body.String())
	}
	require.Equal(t, 1, calls)
}

func TestIdempotencyInFlightKeyConflicts(t *testing.T) {
	db := idempotencyDB(t)
	// A reservation without a stored status means the first request is still
	// executing.
	require.NoError(t, db.Create(&models.IdempotencyKey{
		Key:       "racing",
		RequestID: uuid.NewString(),
		Method:    http.MethodPost,
		Path:      "/api/v1/grants",
		CreatedAt: time.Now(),
	}).Error)

	var calls int
	handler := WithIdempotency(db, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/grants", nil)
	req.Header.Set("Idempotency-Key", "racing")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Zero(t, calls)
}

func TestIdempotencyIgnoresRequestsWithoutKey(t *testing.T) {
	db := idempotencyDB(t)
	var calls int
	handler := WithIdempotency(db, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/grants", nil))
		require.Equal(t, http.StatusNoContent, rec.Code)
	}
	require.Equal(t, 2, calls)

	var count int64
	require.NoError(t, db.Model(&models.IdempotencyKey{}).Count(&count).Error)
	require.Zero(t, count)
}
