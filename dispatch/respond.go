package dispatch

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/mandihq/mandi/errs"
	"github.com/mandihq/mandi/journal"
	"github.com/mandihq/mandi/lifecycle"
	"github.com/mandihq/mandi/notify"
	"github.com/mandihq/mandi/queue"
	"github.com/mandihq/mandi/selector"
)

// vendorResponse is the journaled input of a vendor_response workflow.
type vendorResponse struct {
	OrderID  string `json:"order_id"`
	RetryID  string `json:"retry_id"`
	VendorID string `json:"vendor_id"`
}

// reselectInput is the journaled input of a vendor_reselect workflow. RetryID
// is empty when re-selection was enqueued for a stalled CONFIRMED order with
// no open attempt to close.
type reselectInput struct {
	OrderID string                `json:"order_id"`
	RetryID string                `json:"retry_id,omitempty"`
	Outcome lifecycle.RetryStatus `json:"outcome,omitempty"`
}

// AcceptOrder journals and runs the vendor_response workflow for an accepted
// assignment.
func (d *Dispatcher) AcceptOrder(ctx context.Context, retry lifecycle.Retry) error {
	var state = journal.State{}
	var err = state.Set(keyResponse, vendorResponse{
		OrderID:  retry.OrderID,
		RetryID:  retry.ID,
		VendorID: retry.VendorID,
	})
	if err != nil {
		return err
	}
	wf, err := d.journal.Begin(ctx, TypeVendorResponse, &retry.OrderID, state)
	if err != nil {
		return err
	}
	return d.runVendorResponse(ctx, wf)
}

// runVendorResponse drives a vendor_response workflow from its current step.
func (d *Dispatcher) runVendorResponse(ctx context.Context, wf journal.Workflow) error {
	var resp vendorResponse
	if ok, err := wf.StepState.Get(keyResponse, &resp); err != nil {
		return err
	} else if !ok {
		return d.abort(ctx, wf, "vendor response workflow has no response state")
	}
	var step = wf.CurrentStep

	if step == StepRecordResponse {
		if _, err := d.machine.RecordVendorResponse(ctx, resp.RetryID, lifecycle.RetryAccepted); err != nil {
			if errs.CodeOf(err) == errs.Conflict {
				// Another closer (timeout scan) won; its workflow owns the order.
				log.WithFields(log.Fields{"workflow": wf.ID, "retry": resp.RetryID, "err": err}).
					Warn("acceptance lost to a concurrent close")
				return d.journal.Complete(ctx, wf.ID)
			}
			return err
		}
		if err := d.journal.Advance(ctx, wf.ID, StepAccept, wf.StepState); err != nil {
			return err
		}
		step = StepAccept
	}

	order, err := d.orders.Get(ctx, resp.OrderID)
	if err != nil {
		return err
	}

	if step == StepAccept {
		switch order.Status {
		case lifecycle.StatusVendorAssigned:
			// The credit posting and stock decrement commit atomically with
			// this edge; POST_LEDGER and DECREMENT_STOCK record that they ran.
			order, err = d.machine.Transition(ctx, order.ID, lifecycle.Change{
				To:    lifecycle.StatusAccepted,
				Actor: "vendor:" + resp.VendorID,
			})
			if err != nil {
				return err
			}
		case lifecycle.StatusAccepted, lifecycle.StatusDispatched,
			lifecycle.StatusDelivered, lifecycle.StatusCompleted:
			// Replay; the edge was already taken.
		default:
			log.WithFields(log.Fields{"workflow": wf.ID, "order": order.ID, "status": order.Status}).
				Warn("accepted order moved on before transition")
			return d.journal.Complete(ctx, wf.ID)
		}
		if err = d.journal.Advance(ctx, wf.ID, StepPostLedger, wf.StepState); err != nil {
			return err
		}
		step = StepPostLedger
	}

	if step == StepPostLedger {
		if err = d.journal.Advance(ctx, wf.ID, StepDecrementStock, wf.StepState); err != nil {
			return err
		}
		step = StepDecrementStock
	}
	if step == StepDecrementStock {
		if err = d.journal.Advance(ctx, wf.ID, StepNotifyRetailer, wf.StepState); err != nil {
			return err
		}
	}

	// StepNotifyRetailer.
	retailer, err := d.catalog.GetRetailer(ctx, order.RetailerID)
	if err != nil {
		return err
	}
	d.send(ctx, notify.Notification{
		Recipient: retailer.Phone,
		Template:  notify.TemplateOrderAccepted,
		OrderID:   order.ID,
		Data: map[string]interface{}{
			"order_number": order.OrderNumber,
			"total":        order.Total.StringFixed(2),
		},
	})
	return d.journal.Complete(ctx, wf.ID)
}

// Reselect journals and runs a vendor_reselect workflow. A decline or timeout
// passes the attempt to close and its outcome; a stalled CONFIRMED order
// passes neither and enters directly at selection.
func (d *Dispatcher) Reselect(ctx context.Context, orderID, retryID string, outcome lifecycle.RetryStatus) error {
	var state = journal.State{}
	var err = state.Set(keyReselect, reselectInput{
		OrderID: orderID,
		RetryID: retryID,
		Outcome: outcome,
	})
	if err != nil {
		return err
	}
	wf, err := d.journal.Begin(ctx, TypeVendorReselect, &orderID, state)
	if err != nil {
		return err
	}
	return d.runReselect(ctx, wf)
}

// runReselect drives a vendor_reselect workflow from its current step.
func (d *Dispatcher) runReselect(ctx context.Context, wf journal.Workflow) error {
	var in reselectInput
	if ok, err := wf.StepState.Get(keyReselect, &in); err != nil {
		return err
	} else if !ok {
		return d.abort(ctx, wf, "reselect workflow has no input state")
	}
	var step = wf.CurrentStep

	if step == StepMarkRetryFailed {
		if in.RetryID != "" {
			if _, err := d.machine.RecordVendorResponse(ctx, in.RetryID, in.Outcome); err != nil {
				if errs.CodeOf(err) == errs.Conflict {
					// The attempt closed with a different outcome first; that
					// closer's workflow owns what happens next.
					log.WithFields(log.Fields{"workflow": wf.ID, "retry": in.RetryID, "err": err}).
						Warn("reselect lost to a concurrent close")
					return d.journal.Complete(ctx, wf.ID)
				}
				return err
			}
		}
		if err := d.journal.Advance(ctx, wf.ID, StepSelectNext, wf.StepState); err != nil {
			return err
		}
		step = StepSelectNext
	}

	order, err := d.orders.Get(ctx, in.OrderID)
	if err != nil {
		return err
	}
	if order.Status != lifecycle.StatusConfirmed && order.Status != lifecycle.StatusVendorAssigned {
		// Accepted, cancelled, or otherwise moved on while this workflow was
		// in flight; nothing left to re-select.
		return d.journal.Complete(ctx, wf.ID)
	}

	if step == StepSelectNext {
		attempts, err := d.retries.CountAttempts(ctx, d.db, order.ID)
		if err != nil {
			return err
		}
		if attempts >= lifecycle.MaxVendorAttempts {
			if err = d.journal.Advance(ctx, wf.ID, StepEscalate, wf.StepState); err != nil {
				return err
			}
			return d.escalateExhausted(ctx, wf, order, attempts)
		}

		var sel selector.Decision
		if ok, err := wf.StepState.Get(keySelection, &sel); err != nil {
			return err
		} else if !ok {
			exclude, err := d.retries.AttemptedVendors(ctx, order.ID)
			if err != nil {
				return err
			}
			sel, err = d.selector.Select(ctx, selector.Request{
				RetailerID: order.RetailerID,
				Lines:      orderLines(order),
				Exclude:    exclude,
			})
			if err != nil {
				return err
			}
			if err = wf.StepState.Set(keySelection, sel); err != nil {
				return err
			}
			if err = d.journal.SaveState(ctx, wf.ID, wf.StepState); err != nil {
				return err
			}
		}

		if !sel.Eligible() {
			// Nobody left to try right now. Park the order back in CONFIRMED;
			// the stalled-order pass retries once stock or capacity frees up.
			if order.Status == lifecycle.StatusVendorAssigned {
				if _, err = d.machine.Retreat(ctx, order.ID, "no eligible vendor", false); err != nil {
					return err
				}
			}
			return d.journal.Complete(ctx, wf.ID)
		}
		if err = d.journal.Advance(ctx, wf.ID, StepAssignAgain, wf.StepState); err != nil {
			return err
		}
		step = StepAssignAgain
	}

	if step == StepAssignAgain {
		var sel selector.Decision
		if ok, err := wf.StepState.Get(keySelection, &sel); err != nil {
			return err
		} else if !ok || !sel.Eligible() {
			return d.abort(ctx, wf, "reselect workflow has no vendor selection")
		}

		order, err = d.machine.Transition(ctx, order.ID, lifecycle.Change{
			To:       lifecycle.StatusVendorAssigned,
			VendorID: sel.Chosen,
			Actor:    "system",
			Reason:   reassignReason(in.Outcome),
		})
		if err != nil {
			if errs.CodeOf(err) == errs.Conflict {
				// A concurrent workflow assigned first; leave its assignment be.
				log.WithFields(log.Fields{"workflow": wf.ID, "order": in.OrderID, "err": err}).
					Warn("reassignment lost to a concurrent assignment")
				return d.journal.Complete(ctx, wf.ID)
			}
			return err
		}

		retailer, err := d.catalog.GetRetailer(ctx, order.RetailerID)
		if err != nil {
			return err
		}
		d.notifyVendorAssigned(ctx, order, retailer.BusinessName)
		return d.journal.Complete(ctx, wf.ID)
	}

	// StepEscalate: a resumed workflow re-enters here.
	attempts, err := d.retries.CountAttempts(ctx, d.db, order.ID)
	if err != nil {
		return err
	}
	return d.escalateExhausted(ctx, wf, order, attempts)
}

// escalateExhausted parks an order whose assignment ladder ran out: back to
// CONFIRMED, flagged for an admin, and surfaced to the admin queue. The order
// is never failed.
func (d *Dispatcher) escalateExhausted(ctx context.Context, wf journal.Workflow, order lifecycle.Order, attempts int) error {
	var err error
	if order.Status == lifecycle.StatusVendorAssigned {
		order, err = d.machine.Retreat(ctx, order.ID, "vendor attempts exhausted", true)
	} else {
		err = d.orders.MarkNeedsAdmin(ctx, d.db, order.ID)
	}
	if err != nil {
		return err
	}

	d.escalator.Escalate(ctx, queue.Escalation{
		Kind:    queue.EscalationVendorExhaust,
		OrderID: order.ID,
		Reason:  fmt.Sprintf("no vendor accepted after %d attempts", attempts),
		At:      d.clock.Now(),
	})
	log.WithFields(log.Fields{
		"workflow": wf.ID,
		"order":    order.ID,
		"attempts": attempts,
	}).Warn("vendor assignment ladder exhausted")
	return d.journal.Complete(ctx, wf.ID)
}

func reassignReason(outcome lifecycle.RetryStatus) string {
	switch outcome {
	case lifecycle.RetryRejected:
		return "reassigned after decline"
	case lifecycle.RetryTimeout:
		return "reassigned after response timeout"
	default:
		return "reassigned after stall"
	}
}

func orderLines(o lifecycle.Order) []selector.Line {
	var out = make([]selector.Line, len(o.Items))
	for i, it := range o.Items {
		out[i] = selector.Line{ProductID: it.ProductID, Quantity: it.Quantity}
	}
	return out
}
