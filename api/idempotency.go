package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderReplay         = "Idempotent-Replay"

	idempotencyLockTTL = 30 * time.Second
)

// Idempotency replays the stored response of a POST whose Idempotency-Key
// the same actor already used. A second request arriving while the first
// is still running gets 409. Reusing a key with a different body gets 422.
// Responses with status >= 500 are not stored, so the client may retry
// them. Redis errors fail open.
type Idempotency struct {
	rdb    redis.Cmdable
	ttl    time.Duration
	logger *zap.Logger
}

func NewIdempotency(rdb redis.Cmdable, ttl time.Duration, logger *zap.Logger) *Idempotency {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Idempotency{rdb: rdb, ttl: ttl, logger: logger.Named("api.idempotency")}
}

type cachedResponse struct {
	Status   int    `json:"status"`
	Body     string `json:"body"`
	BodyHash string `json:"body_hash"`
}

func bodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

func idempotencyKey(actorID, key string) string {
	return fmt.Sprintf("garrison:idemp:%s:%s", actorID, key)
}

func (i *Idempotency) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(HeaderIdempotencyKey)
		if key == "" || r.Method != http.MethodPost {
			next.ServeHTTP(w, r)
			return
		}

		ctx := r.Context()
		cacheKey := idempotencyKey(string(actorFrom(r).ID), key)
		lockKey := cacheKey + ":lock"
		log := i.logger.With(zap.String("idempotency_key", key))

		reqBody, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Unreadable request body", Code: "invalid_body"})
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(reqBody))
		hash := bodyHash(reqBody)

		val, err := i.rdb.Get(ctx, cacheKey).Result()
		switch {
		case err == nil:
			var cached cachedResponse
			if jerr := json.Unmarshal([]byte(val), &cached); jerr == nil {
				if cached.BodyHash != "" && cached.BodyHash != hash {
					writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{
						Error: "Idempotency-Key was already used with a different request body",
						Code:  "idempotency_key_reused",
					})
					return
				}
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set(HeaderReplay, "true")
				w.WriteHeader(cached.Status)
				w.Write([]byte(cached.Body))
				return
			}
			log.Warn("discarding unreadable cached response")
		case !errors.Is(err, redis.Nil):
			log.Warn("idempotency lookup failed", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		locked, err := i.rdb.SetNX(ctx, lockKey, "1", idempotencyLockTTL).Result()
		if err != nil {
			log.Warn("idempotency lock failed", zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}
		if !locked {
			writeJSON(w, http.StatusConflict, ErrorResponse{
				Error: "A request with this Idempotency-Key is still being processed",
				Code:  "request_in_progress",
			})
			return
		}
		// Release with a fresh context: the request one may already be done.
		defer func() {
			if err := i.rdb.Del(context.WithoutCancel(ctx), lockKey).Err(); err != nil {
				log.Warn("idempotency unlock failed", zap.Error(err))
			}
		}()

		var body bytes.Buffer
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		ww.Tee(&body)

		next.ServeHTTP(ww, r)

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		if status >= http.StatusInternalServerError {
			return
		}
		payload, _ := json.Marshal(cachedResponse{Status: status, Body: body.String(), BodyHash: hash})
		if err := i.rdb.Set(context.WithoutCancel(ctx), cacheKey, string(payload), i.ttl).Err(); err != nil {
			log.Warn("storing idempotent response failed", zap.Error(err))
		}
	})
}
