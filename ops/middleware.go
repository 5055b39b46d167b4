package ops

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
)

// statusRecorder captures the response code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// InstrumentHTTP wraps a mux router with request logging and latency metrics.
// The route template (not the raw path) labels the metric, so cardinality
// stays bounded.
func InstrumentHTTP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var rec = &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		var began = time.Now()

		next.ServeHTTP(rec, r)

		var route = r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		var elapsed = time.Since(began)

		HTTPRequests.WithLabelValues(route, fmt.Sprintf("%dxx", rec.status/100)).
			Observe(elapsed.Seconds())

		var fields = log.Fields{
			"method":  r.Method,
			"route":   route,
			"status":  rec.status,
			"elapsed": elapsed.String(),
			"client":  r.RemoteAddr,
		}
		if rec.status >= 500 {
			log.WithFields(fields).Warn("request failed")
		} else {
			log.WithFields(fields).Debug("request served")
		}
	})
}
