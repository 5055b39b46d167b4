// Package api exposes the HTTP surface: webhook ingestion, order image
// uploads, order reads, manual lifecycle transitions, and operational
// probes. Handlers stay thin; every durable effect lives in the stores and
// the dispatcher, and the only cross-request state here is the ingest
// semaphore.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"github.com/mandihq/mandi/catalog"
	"github.com/mandihq/mandi/errs"
	"github.com/mandihq/mandi/eventstore"
	"github.com/mandihq/mandi/lifecycle"
	"github.com/mandihq/mandi/ops"
	"github.com/mandihq/mandi/uploads"
)

const (
	// DefaultInflight bounds concurrently served ingest requests. Beyond it
	// the API sheds load with 503, and the provider redelivers later.
	DefaultInflight = 64
	// MaxBodyBytes caps webhook and upload request bodies.
	MaxBodyBytes = 1 << 20
	// ReadyTimeout bounds the readiness probe's database round trip.
	ReadyTimeout = 5 * time.Second
)

// Recorder stores inbound deliveries durably before they are acknowledged.
type Recorder interface {
	Record(ctx context.Context, channel, externalID string, payload json.RawMessage) (eventstore.Event, bool, error)
}

// Waker pulls the recovery worker forward so a stored event is processed
// without waiting out the scan interval.
type Waker interface {
	Kick()
}

// Transitions applies manual order transitions.
type Transitions interface {
	Transition(ctx context.Context, orderID string, ch lifecycle.Change) (lifecycle.Order, error)
}

// Orders reads order state and its audit trail.
type Orders interface {
	Get(ctx context.Context, id string) (lifecycle.Order, error)
	StatusLogs(ctx context.Context, orderID string) ([]lifecycle.StatusLog, error)
}

// Attempts reads the open vendor assignment for an order, if any.
type Attempts interface {
	Pending(ctx context.Context, orderID string) (lifecycle.Retry, bool, error)
}

// Directory resolves retailers submitting image uploads.
type Directory interface {
	GetRetailer(ctx context.Context, id string) (catalog.Retailer, error)
}

// Uploading tracks image upload rows.
type Uploading interface {
	Create(ctx context.Context, id, retailerID, imageRef string) (uploads.Upload, error)
	Get(ctx context.Context, id string) (uploads.Upload, error)
}

// Keys persists responses of idempotent requests across retries.
type Keys interface {
	Get(ctx context.Context, key string) (StoredResponse, bool, error)
	Put(ctx context.Context, rec StoredResponse) error
}

// Pinger reports whether the backing database is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps names everything the API serves from. Worker may be nil when no
// recovery worker runs in-process; stored events then wait for the next
// scan of whichever process does run one.
type Deps struct {
	Events    Recorder
	Worker    Waker
	Machine   Transitions
	Orders    Orders
	Retries   Attempts
	Catalog   Directory
	Uploads   Uploading
	Keys      Keys
	Spool     uploads.Spool
	DB        Pinger
	JWTSecret []byte
	Inflight  int
}

// args is the handler-side view of Deps, shared by every route.
type args struct {
	events   Recorder
	worker   Waker
	machine  Transitions
	orders   Orders
	retries  Attempts
	catalog  Directory
	uploads  Uploading
	keys     Keys
	spool    uploads.Spool
	db       Pinger
	secret   []byte
	inflight chan struct{}
}

// RegisterAPIs mounts all routes on |router|. Probes and metrics sit at the
// root; business routes live under /api/v1, with bearer auth on everything
// below /orders and idempotency-key replay on the transition verbs.
func RegisterAPIs(router *mux.Router, d Deps) error {
	switch {
	case d.Events == nil, d.Machine == nil, d.Orders == nil, d.Retries == nil,
		d.Catalog == nil, d.Uploads == nil, d.Keys == nil, d.DB == nil:
		return errs.New(errs.Internal, "api is missing a dependency")
	case len(d.JWTSecret) == 0:
		return errs.New(errs.Internal, "api requires a JWT secret")
	}
	if d.Inflight == 0 {
		d.Inflight = DefaultInflight
	}

	var a = args{
		events:   d.Events,
		worker:   d.Worker,
		machine:  d.Machine,
		orders:   d.Orders,
		retries:  d.Retries,
		catalog:  d.Catalog,
		uploads:  d.Uploads,
		keys:     d.Keys,
		spool:    d.Spool,
		db:       d.DB,
		secret:   d.JWTSecret,
		inflight: make(chan struct{}, d.Inflight),
	}

	router.Use(ops.InstrumentHTTP)
	router.Path("/health").Methods("GET").HandlerFunc(handler(a.serveHealth))
	router.Path("/ready").Methods("GET").HandlerFunc(handler(a.serveReady))
	router.Path("/metrics").Methods("GET").Handler(promhttp.Handler())

	var v1 = router.PathPrefix("/api/v1").Subrouter()
	v1.Path("/whatsapp/webhook").Methods("POST").HandlerFunc(handler(a.serveWebhook))

	var orders = v1.PathPrefix("/orders").Subrouter()
	orders.Use(a.authenticate)
	orders.Path("/upload-image").Methods("POST").HandlerFunc(handler(a.serveUploadImage))
	orders.Path("/upload-image/{id}").Methods("GET").HandlerFunc(handler(a.serveUploadStatus))
	orders.Path("/{id}").Methods("GET").HandlerFunc(handler(a.serveGetOrder))

	var transitions = orders.PathPrefix("/{id}").Subrouter()
	transitions.Use(a.idempotent)
	for _, route := range transitionRoutes {
		transitions.Path("/" + route.verb).Methods("POST").
			HandlerFunc(handler(a.serveTransition(route.target)))
	}
	return nil
}

// handler adapts an error-returning handler, rendering failures through the
// error taxonomy so every route shares one wire format.
func handler(fn func(w http.ResponseWriter, r *http.Request) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(w, r); err != nil {
			writeError(w, r, err)
		}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	var code = errs.CodeOf(err)
	var entry = log.WithFields(log.Fields{
		"err":    err,
		"url":    r.URL.String(),
		"client": r.RemoteAddr,
	})
	if code.HTTPStatus() >= 500 {
		entry.Error("request failed")
	} else {
		entry.Warn("request rejected")
	}
	// MessageOf never exposes internals of uncoded errors.
	writeJSON(w, code.HTTPStatus(), map[string]interface{}{
		"error": map[string]interface{}{
			"code":    string(code),
			"message": errs.MessageOf(err),
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithField("err", err).Warn("writing response body")
	}
}

func (a args) serveHealth(w http.ResponseWriter, r *http.Request) error {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	return nil
}

// serveReady probes the database. Load balancers route traffic only while
// this returns 200, so it must fail fast rather than queue behind a dead
// pool.
func (a args) serveReady(w http.ResponseWriter, r *http.Request) error {
	var ctx, cancel = context.WithTimeout(r.Context(), ReadyTimeout)
	defer cancel()

	if err := a.db.Ping(ctx); err != nil {
		return errs.Wrap(errs.Transient, err, "database is unreachable")
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	return nil
}
