package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/mcclellann/weeklyloan/pkg/cache"
	"github.com/mcclellann/weeklyloan/pkg/logger"
	"github.com/mcclellann/weeklyloan/pkg/metrics"
)

const (
	requestIDHeader   = "X-Request-ID"
	idempotencyHeader = "Idempotency-Key"
	replayHeader      = "Idempotent-Replay"
)

// statusRecorder captures the status code and body written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
	body   *bytes.Buffer
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	if r.body != nil {
		r.body.Write(b)
	}
	return r.ResponseWriter.Write(b)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(logger.WithRequestID(r.Context(), id)))
	})
}

func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		route := r.URL.Path
		if cur := mux.CurrentRoute(r); cur != nil {
			if tmpl, err := cur.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		metrics.RequestDuration.WithLabelValues(route, r.Method, strconv.Itoa(rec.status)).
			Observe(time.Since(start).Seconds())
	})
}

// storedResponse is what the idempotency cache keeps per key. A record with
// Pending set marks a request still being processed.
type storedResponse struct {
	Pending bool            `json:"pending,omitempty"`
	Status  int             `json:"status,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

var pendingMarker, _ = json.Marshal(storedResponse{Pending: true})

// idempotencyMiddleware replays the stored response for a POST that repeats
// an Idempotency-Key. Server errors are not stored so the client can retry.
func (s *Server) idempotencyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(idempotencyHeader)
		if r.Method != http.MethodPost || key == "" || s.idempotency == nil {
			next.ServeHTTP(w, r)
			return
		}
		ctx := r.Context()
		cacheKey := r.URL.Path + ":" + key

		claimed, err := s.idempotency.SetNX(ctx, cacheKey, pendingMarker, s.idempotencyTTL)
		if err != nil {
			logger.CtxError(ctx, "idempotency store unavailable", err)
			next.ServeHTTP(w, r)
			return
		}
		if !claimed {
			s.replay(w, r, cacheKey)
			return
		}

		// A panicking handler must not leave the key claimed for the whole TTL.
		defer func() {
			if p := recover(); p != nil {
				s.release(ctx, cacheKey)
				panic(p)
			}
		}()

		rec := &statusRecorder{ResponseWriter: w, body: &bytes.Buffer{}}
		next.ServeHTTP(rec, r)

		if rec.status >= http.StatusInternalServerError {
			s.release(ctx, cacheKey)
			return
		}
		stored, err := json.Marshal(storedResponse{Status: rec.status, Body: bytes.TrimSpace(rec.body.Bytes())})
		if err == nil {
			err = s.idempotency.Set(ctx, cacheKey, stored, s.idempotencyTTL)
		}
		if err != nil {
			logger.CtxError(ctx, "failed to store idempotent response", err)
		}
	})
}

func (s *Server) release(ctx context.Context, cacheKey string) {
	if err := s.idempotency.Delete(ctx, cacheKey); err != nil {
		logger.CtxError(ctx, "failed to release idempotency key", err)
	}
}

func (s *Server) replay(w http.ResponseWriter, r *http.Request, cacheKey string) {
	ctx := r.Context()
	raw, err := s.idempotency.Get(ctx, cacheKey)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			writeJSON(w, http.StatusConflict, errorResponse{Error: "request with this idempotency key is in flight"})
			return
		}
		writeError(w, r, err)
		return
	}

	var stored storedResponse
	if err := json.Unmarshal(raw, &stored); err != nil || stored.Pending {
		writeJSON(w, http.StatusConflict, errorResponse{Error: "request with this idempotency key is in flight"})
		return
	}

	metrics.IdempotentReplays.Inc()
	logger.CtxInfo(ctx, "replaying idempotent response", slog.String("path", r.URL.Path))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set(replayHeader, "true")
	w.WriteHeader(stored.Status)
	w.Write(stored.Body)
}
