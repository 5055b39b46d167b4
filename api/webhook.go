package api

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/mandihq/mandi/errs"
	"github.com/mandihq/mandi/ops"
)

// webhookBody is the provider's delivery envelope. The full payload is
// stored verbatim; these fields are only what ingestion itself needs.
type webhookBody struct {
	ChannelID  string `json:"channel_id"`
	ExternalID string `json:"external_id"`
	Text       string `json:"text,omitempty"`
	Media      string `json:"media,omitempty"`
}

// serveWebhook accepts one provider delivery. It acknowledges with 200 only
// after the event is durably stored; any storage failure answers 503 so the
// provider redelivers instead of dropping an order on the floor. Duplicate
// deliveries are detected by (channel, external_id) and acknowledged
// without storing a second row.
func (a args) serveWebhook(w http.ResponseWriter, r *http.Request) error {
	select {
	case a.inflight <- struct{}{}:
		defer func() { <-a.inflight }()
	default:
		ops.EventsRecorded.WithLabelValues("shed").Inc()
		return errs.New(errs.Transient, "ingest queue is full")
	}

	var payload, err = io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes))
	if err != nil {
		return errs.Wrap(errs.Validation, err, "reading request body")
	}
	var body webhookBody
	if err = json.Unmarshal(payload, &body); err != nil {
		return errs.Wrap(errs.Validation, err, "malformed webhook payload")
	}
	if body.ChannelID == "" || body.ExternalID == "" {
		return errs.New(errs.Validation, "channel_id and external_id are required")
	}

	ev, stored, err := a.events.Record(r.Context(), body.ChannelID, body.ExternalID, payload)
	if err != nil {
		return errs.Wrap(errs.Transient, err, "recording webhook event")
	}
	if stored {
		ops.EventsRecorded.WithLabelValues("stored").Inc()
		a.kick()
	} else {
		ops.EventsRecorded.WithLabelValues("duplicate").Inc()
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"event_id": ev.ID,
		"stored":   stored,
	})
	return nil
}

func (a args) kick() {
	if a.worker != nil {
		a.worker.Kick()
	}
}
