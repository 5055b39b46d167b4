package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/mandihq/mandi/errs"
	"github.com/mandihq/mandi/lifecycle"
	"github.com/mandihq/mandi/ops"
)

// transitionRoutes binds each manual verb to its target status. Which edges
// are actually legal from the order's current status is the machine's call,
// not the router's.
var transitionRoutes = []struct {
	verb   string
	target lifecycle.Status
}{
	{"confirm", lifecycle.StatusConfirmed},
	{"assign-vendor", lifecycle.StatusVendorAssigned},
	{"accept", lifecycle.StatusAccepted},
	{"dispatch", lifecycle.StatusDispatched},
	{"deliver", lifecycle.StatusDelivered},
	{"complete", lifecycle.StatusCompleted},
	{"cancel", lifecycle.StatusCancelled},
}

type transitionBody struct {
	Actor    string `json:"actor,omitempty"`
	Reason   string `json:"reason,omitempty"`
	VendorID string `json:"vendor_id,omitempty"`
}

// serveTransition builds the handler for one manual transition verb. The
// acting principal defaults to the token subject; dashboards calling with a
// service token may name the human operator in the body instead.
func (a args) serveTransition(target lifecycle.Status) func(w http.ResponseWriter, r *http.Request) error {
	return func(w http.ResponseWriter, r *http.Request) error {
		var in transitionBody
		if err := json.NewDecoder(io.LimitReader(r.Body, MaxBodyBytes)).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
			return errs.Wrap(errs.Validation, err, "malformed request body")
		}
		if target == lifecycle.StatusVendorAssigned && in.VendorID == "" {
			return errs.New(errs.Validation, "assign-vendor requires vendor_id")
		}
		var actor = in.Actor
		if actor == "" {
			actor = ActorFrom(r.Context())
		}

		var order, err = a.machine.Transition(r.Context(), mux.Vars(r)["id"], lifecycle.Change{
			To:       target,
			VendorID: in.VendorID,
			Actor:    actor,
			Reason:   in.Reason,
		})
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, order)
		return nil
	}
}

// serveGetOrder returns the order, its full status history, and the open
// vendor assignment when one is awaiting a response.
func (a args) serveGetOrder(w http.ResponseWriter, r *http.Request) error {
	var id = mux.Vars(r)["id"]

	var order, err = a.orders.Get(r.Context(), id)
	if err != nil {
		return err
	}
	logs, err := a.orders.StatusLogs(r.Context(), id)
	if err != nil {
		return err
	}

	var out = map[string]interface{}{
		"order":      order,
		"status_log": logs,
	}
	if retry, ok, err := a.retries.Pending(r.Context(), id); err != nil {
		return err
	} else if ok {
		out["pending_assignment"] = retry
	}

	writeJSON(w, http.StatusOK, out)
	return nil
}

// serveUploadImage spools the image to disk and records an ingest event
// whose id doubles as the upload id. Processing then rides the same durable
// path as webhook media: a crash anywhere past Record is healed by the
// recovery worker replaying the event, which converges on the same upload
// row.
func (a args) serveUploadImage(w http.ResponseWriter, r *http.Request) error {
	if err := r.ParseMultipartForm(MaxBodyBytes); err != nil {
		return errs.Wrap(errs.Validation, err, "malformed multipart form")
	}
	var retailerID = r.FormValue("retailer_id")
	if retailerID == "" {
		return errs.New(errs.Validation, "retailer_id is required")
	}
	var retailer, err = a.catalog.GetRetailer(r.Context(), retailerID)
	if err != nil {
		return err
	}

	file, _, err := r.FormFile("image")
	if err != nil {
		return errs.Wrap(errs.Validation, err, "image file is required")
	}
	defer file.Close()

	path, err := a.spool.Save(uuid.NewString(), file)
	if err != nil {
		return err
	}

	var body = webhookBody{
		ChannelID:  retailer.Phone,
		ExternalID: "upload:" + uuid.NewString(),
		Media:      path,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return errs.Wrap(errs.Internal, err, "encoding upload event")
	}

	ev, _, err := a.events.Record(r.Context(), body.ChannelID, body.ExternalID, payload)
	if err != nil {
		return errs.Wrap(errs.Transient, err, "recording upload event")
	}
	ops.EventsRecorded.WithLabelValues("stored").Inc()

	up, err := a.uploads.Create(r.Context(), ev.ID, retailer.ID, path)
	if err != nil {
		return err
	}
	a.kick()

	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"uploaded_order_id": up.ID,
		"status":            up.Status,
	})
	return nil
}

func (a args) serveUploadStatus(w http.ResponseWriter, r *http.Request) error {
	var up, err = a.uploads.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, up)
	return nil
}
