package dispatch

import (
	"context"
	"encoding/json"
	"regexp"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/mandihq/mandi/catalog"
	"github.com/mandihq/mandi/errs"
	"github.com/mandihq/mandi/eventstore"
	"github.com/mandihq/mandi/lifecycle"
	"github.com/mandihq/mandi/notify"
	"github.com/mandihq/mandi/parser"
	"github.com/mandihq/mandi/uploads"
)

// webhookPayload is the stored body of one inbound message event.
type webhookPayload struct {
	ChannelID  string `json:"channel_id"`
	ExternalID string `json:"external_id"`
	Text       string `json:"text,omitempty"`
	Media      string `json:"media,omitempty"`
}

var (
	acceptPattern  = regexp.MustCompile(`(?i)^\s*(accept|yes|ok|confirm)\b`)
	declinePattern = regexp.MustCompile(`(?i)^\s*(decline|reject|no)\b`)
)

// HandleEvent routes one claimed webhook event. The sender is resolved
// against vendors with an open assignment first (their ACCEPT/DECLINE replies
// outrank intent parsing), then against retailers; anything else is logged
// and dropped. Errors bubble to the claimer, which backs the event off and
// retries it, so every path here must converge under replay: order ids
// derive from the event id and every downstream write is guarded.
func (d *Dispatcher) HandleEvent(ctx context.Context, ev eventstore.Event) error {
	var p webhookPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return errs.Wrap(errs.Validation, err, "decoding webhook payload")
	}
	var text = strings.TrimSpace(p.Text)

	vendor, err := d.catalog.GetVendorByPhone(ctx, p.ChannelID)
	if err == nil {
		retry, open, err := d.retries.PendingForVendor(ctx, vendor.ID)
		if err != nil {
			return err
		}
		if open {
			return d.handleVendorReply(ctx, vendor.Phone, retry, text)
		}
		log.WithFields(log.Fields{"event": ev.ID, "vendor": vendor.ID}).
			Info("vendor message with no open assignment")
		return nil
	} else if errs.CodeOf(err) != errs.NotFound {
		return err
	}

	retailer, err := d.catalog.GetRetailerByPhone(ctx, p.ChannelID)
	if errs.CodeOf(err) == errs.NotFound {
		log.WithFields(log.Fields{"event": ev.ID, "channel": p.ChannelID}).
			Warn("message from unknown sender dropped")
		return nil
	} else if err != nil {
		return err
	}

	if p.Media != "" {
		return d.handleMedia(ctx, ev, retailer, p.Media)
	}

	var intent = d.parser.Parse(parser.Input{
		Channel:    p.ChannelID,
		RetailerID: retailer.ID,
		Text:       text,
		Returning:  retailer.LifetimeOrders > 0,
	})
	switch it := intent.(type) {
	case parser.Order:
		// The event id doubles as the order id so a retried event converges
		// on the same order.
		_, err = d.Dispatch(ctx, Request{
			OrderID:  ev.ID,
			Retailer: retailer,
			Items:    it.Items,
			Source:   lifecycle.SourceText,
		})
		return err

	case parser.NeedsClarification:
		d.send(ctx, notify.Notification{
			Recipient: retailer.Phone,
			Template:  notify.TemplateClarification,
			OrderID:   ev.ID,
			Data:      map[string]interface{}{"questions": questionsText(it.Questions)},
		})
		return nil

	case parser.StatusQuery:
		return d.handleStatusQuery(ctx, retailer.ID, retailer.Phone, it.OrderNumber)

	case parser.Greeting:
		d.send(ctx, notify.Notification{
			Recipient: retailer.Phone,
			Template:  notify.TemplateGreeting,
			Data:      map[string]interface{}{"returning": it.Returning},
		})
		return nil

	case parser.Help:
		d.send(ctx, notify.Notification{
			Recipient: retailer.Phone,
			Template:  notify.TemplateHelp,
		})
		return nil

	default:
		d.send(ctx, notify.Notification{
			Recipient: retailer.Phone,
			Template:  notify.TemplateUnknown,
		})
		return nil
	}
}

// handleVendorReply closes the vendor's open assignment per their reply, or
// reminds them what we need to hear.
func (d *Dispatcher) handleVendorReply(ctx context.Context, channel string, retry lifecycle.Retry, text string) error {
	switch {
	case acceptPattern.MatchString(text):
		return d.AcceptOrder(ctx, retry)
	case declinePattern.MatchString(text):
		return d.Reselect(ctx, retry.OrderID, retry.ID, lifecycle.RetryRejected)
	}

	var data = map[string]interface{}{"order_number": retry.OrderID}
	if o, err := d.orders.Get(ctx, retry.OrderID); err == nil {
		data["order_number"] = o.OrderNumber
	}
	d.send(ctx, notify.Notification{
		Recipient: channel,
		Template:  notify.TemplateVendorReminder,
		OrderID:   retry.OrderID,
		Data:      data,
	})
	return nil
}

// handleMedia turns an image message into an uploaded order and runs the
// extraction workflow. The upload id derives from the event id so a retried
// event reuses its upload row.
func (d *Dispatcher) handleMedia(ctx context.Context, ev eventstore.Event, retailer catalog.Retailer, media string) error {
	if d.uploads == nil {
		log.WithField("event", ev.ID).Warn("image message dropped, upload store not configured")
		d.send(ctx, notify.Notification{
			Recipient: retailer.Phone,
			Template:  notify.TemplateUnknown,
		})
		return nil
	}
	up, err := d.uploads.Create(ctx, ev.ID, retailer.ID, media)
	if err != nil {
		return err
	}
	if up.Status != uploads.StatusProcessing {
		// A prior delivery of this event already ran the upload to a
		// terminal status.
		return nil
	}
	return d.DispatchImage(ctx, up, retailer.Phone)
}

// handleStatusQuery answers "where is my order": the named order if the
// retailer owns one by that number, their latest otherwise.
func (d *Dispatcher) handleStatusQuery(ctx context.Context, retailerID, channel, number string) error {
	var o lifecycle.Order
	var err error
	if number != "" {
		o, err = d.orders.GetByNumber(ctx, number)
	} else {
		o, err = d.orders.Latest(ctx, retailerID)
	}
	if errs.CodeOf(err) == errs.NotFound || (err == nil && o.RetailerID != retailerID) {
		d.send(ctx, notify.Notification{
			Recipient: channel,
			Template:  notify.TemplateOrderNotFound,
			Data:      map[string]interface{}{"order_number": number},
		})
		return nil
	} else if err != nil {
		return err
	}

	d.send(ctx, notify.Notification{
		Recipient: channel,
		Template:  notify.TemplateOrderStatus,
		OrderID:   o.ID,
		Data: map[string]interface{}{
			"order_number": o.OrderNumber,
			"status":       string(o.Status),
		},
	})
	return nil
}
