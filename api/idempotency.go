package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"

	log "github.com/sirupsen/logrus"

	"github.com/mandihq/mandi/errs"
	"github.com/mandihq/mandi/postgres"
)

// StoredResponse is the replayable outcome of an idempotent request.
type StoredResponse struct {
	Key         string
	RequestHash string
	StatusCode  int
	Body        []byte
}

// KeyStore persists idempotency keys in Postgres. First writer wins; a
// concurrent duplicate of the same request produces the same response, so
// losing the insert race is harmless.
type KeyStore struct {
	DB postgres.Queryer
}

func (s *KeyStore) Get(ctx context.Context, key string) (StoredResponse, bool, error) {
	var rec = StoredResponse{Key: key}
	var err = s.DB.QueryRow(ctx,
		`SELECT request_hash, status_code, response FROM idempotency_keys WHERE key = $1`,
		key,
	).Scan(&rec.RequestHash, &rec.StatusCode, &rec.Body)
	if postgres.IsNoRows(err) {
		return StoredResponse{}, false, nil
	} else if err != nil {
		return StoredResponse{}, false, fmt.Errorf("loading idempotency key: %w", err)
	}
	return rec, true, nil
}

func (s *KeyStore) Put(ctx context.Context, rec StoredResponse) error {
	var _, err = s.DB.Exec(ctx,
		`INSERT INTO idempotency_keys (key, request_hash, status_code, response)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO NOTHING`,
		rec.Key, rec.RequestHash, rec.StatusCode, rec.Body,
	)
	if err != nil {
		return fmt.Errorf("storing idempotency key: %w", err)
	}
	return nil
}

// idempotent replays the stored response when a request repeats its
// Idempotency-Key, so a dashboard retrying a timed-out transition cannot
// apply it twice. Reusing a key with a different request is rejected, and
// 5xx outcomes are not recorded: a retry after a transient failure must
// re-execute, not replay the failure.
func (a args) idempotent(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var key = r.Header.Get("Idempotency-Key")
		if key == "" {
			next.ServeHTTP(w, r)
			return
		}

		var body, err = io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes))
		if err != nil {
			writeError(w, r, errs.Wrap(errs.Validation, err, "reading request body"))
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		var hash = requestHash(r.Method, r.URL.Path, body)

		if prior, ok, err := a.keys.Get(r.Context(), key); err != nil {
			writeError(w, r, errs.Wrap(errs.Transient, err, "checking idempotency key"))
			return
		} else if ok {
			if prior.RequestHash != hash {
				writeError(w, r, errs.New(errs.Conflict,
					"idempotency key was already used for a different request"))
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(prior.StatusCode)
			w.Write(prior.Body)
			return
		}

		var rec = &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		if rec.status >= 500 {
			return
		}
		err = a.keys.Put(r.Context(), StoredResponse{
			Key:         key,
			RequestHash: hash,
			StatusCode:  rec.status,
			Body:        rec.body.Bytes(),
		})
		if err != nil {
			// The response is already on the wire; a retry simply re-executes.
			log.WithFields(log.Fields{"err": err, "key": key}).
				Warn("storing idempotent response failed")
		}
	})
}

func requestHash(method, path string, body []byte) string {
	var h = sha256.New()
	io.WriteString(h, method)
	io.WriteString(h, " ")
	io.WriteString(h, path)
	io.WriteString(h, "\n")
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// responseRecorder tees the response so it can be stored after being sent.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) Write(p []byte) (int, error) {
	r.body.Write(p)
	return r.ResponseWriter.Write(p)
}
