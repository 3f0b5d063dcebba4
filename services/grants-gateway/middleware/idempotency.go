package middleware

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"grantway/services/grants-gateway/models"
)

// ContextKeyIDKey stores the idempotency key associated with the request.
type ContextKeyIDKey string

const contextKeyIdempotency ContextKeyIDKey = "idempotency-key"

// WithIdempotency replays the stored response for a repeated Idempotency-Key
// instead of executing the handler again. The key row is reserved with an
// insert-or-ignore before the handler runs, so two concurrent first requests
// with the same key cannot both execute: the loser sees the reservation and
// either replays the finished response or reports the in-flight conflict.
func WithIdempotency(db *gorm.DB, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("Idempotency-Key")
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		reservation := models.IdempotencyKey{
			Key:       key,
			RequestID: uuid.NewString(),
			Method:    r.Method,
			Path:      r.URL.Path,
			CreatedAt: time.Now(),
		}
		res := db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "key"}},
			DoNothing: true,
		}).Create(&reservation)
		if res.Error != nil {
			next.ServeHTTP(w, r)
			return
		}
		if res.RowsAffected == 0 {
			var record models.IdempotencyKey
			if err := db.First(&record, "key = ?", key).Error; err == nil && record.Status != 0 {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(record.Status)
				_, _ = io.WriteString(w, record.Response)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusConflict)
			_, _ = io.WriteString(w, `{"error":"request with this idempotency key is in flight"}`)
			return
		}

		recorder := &responseRecorder{ResponseWriter: w}
		ctx := context.WithValue(r.Context(), contextKeyIdempotency, key)
		next.ServeHTTP(recorder, r.WithContext(ctx))

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		if err := db.Model(&models.IdempotencyKey{}).Where("key = ?", key).
			Updates(map[string]any{"status": status, "response": recorder.buf}).Error; err != nil {
			// Release the reservation so a retry re-executes rather than
			// replaying an empty response.
			db.Delete(&models.IdempotencyKey{}, "key = ?", key)
		}
	})
}

// responseRecorder captures the response for idempotent operations.
type responseRecorder struct {
	http.ResponseWriter
	buf    string
	status int
}

func (rr *responseRecorder) WriteHeader(status int) {
	rr.status = status
	rr.ResponseWriter.WriteHeader(status)
}

func (rr *responseRecorder) Write(b []byte) (int, error) {
	rr.buf += string(b)
	return rr.ResponseWriter.Write(b)
}
