package queue

import (
	"context"
	"strings"
	"time"

	"github.com/mandihq/mandi/lifecycle"
)

// Escalation kinds surfaced to the admin queue.
const (
	EscalationApproval       = "order-approval"
	EscalationVendorExhaust  = "vendor-attempts-exhausted"
	EscalationStalledOrder   = "stalled-order"
	EscalationDeadLetter     = "dead-letter-event"
	EscalationWorkflowFailed = "workflow-failed"
	EscalationNoVendor       = "no-eligible-vendor"
)

// Escalation is one "a human needs to look at this" message.
type Escalation struct {
	Kind    string    `json:"kind"`
	OrderID string    `json:"order_id,omitempty"`
	EventID string    `json:"event_id,omitempty"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}

// transitionEvent is the broker form of a committed order transition.
type transitionEvent struct {
	OrderID     string    `json:"order_id"`
	OrderNumber string    `json:"order_number"`
	RetailerID  string    `json:"retailer_id"`
	VendorID    *string   `json:"vendor_id,omitempty"`
	From        string    `json:"from"`
	To          string    `json:"to"`
	Total       string    `json:"total"`
	At          time.Time `json:"at"`
}

// Events fans committed domain happenings out to the broker. All methods
// are fire-and-forget: a broker outage degrades to a warning log.
type Events struct {
	pub Publisher
}

func NewEvents(pub Publisher) *Events {
	if pub == nil {
		pub = Nop{}
	}
	return &Events{pub: pub}
}

// OrderTransitioned implements lifecycle.EventSink. Routing key is
// "order.<new status>", e.g. order.vendor_assigned.
func (e *Events) OrderTransitioned(ctx context.Context, from lifecycle.Status, o lifecycle.Order) {
	var key = "order." + strings.ToLower(string(o.Status))
	logPublishErr(e.pub.Publish(ctx, key, transitionEvent{
		OrderID:     o.ID,
		OrderNumber: o.OrderNumber,
		RetailerID:  o.RetailerID,
		VendorID:    o.VendorID,
		From:        string(from),
		To:          string(o.Status),
		Total:       o.Total.StringFixed(2),
		At:          o.LastTransitionAt,
	}), key)
}

// Escalate notifies the admin queue.
func (e *Events) Escalate(ctx context.Context, esc Escalation) {
	if esc.At.IsZero() {
		esc.At = time.Now().UTC()
	}
	logPublishErr(e.pub.Publish(ctx, "admin.escalation", esc), "admin.escalation")
}
