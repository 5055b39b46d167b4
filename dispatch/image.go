package dispatch

import (
	"context"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/mandihq/mandi/errs"
	"github.com/mandihq/mandi/journal"
	"github.com/mandihq/mandi/lifecycle"
	"github.com/mandihq/mandi/notify"
	"github.com/mandihq/mandi/parser"
	"github.com/mandihq/mandi/uploads"
)

// imageInput is the journaled input of an image_extraction workflow.
type imageInput struct {
	UploadID   string `json:"upload_id"`
	RetailerID string `json:"retailer_id"`
	Channel    string `json:"channel"`
	ImageRef   string `json:"image_ref"`
}

// parsedImage is the order intent recovered from an image, with the order id
// pre-assigned so a replayed DISPATCH converges on one order.
type parsedImage struct {
	OrderID string        `json:"order_id"`
	Items   []parser.Item `json:"items"`
}

// imageOutcome records how the inner dispatch settled, for FINALIZE.
type imageOutcome struct {
	Kind    OutcomeKind `json:"kind"`
	OrderID string      `json:"order_id,omitempty"`
	Reason  string      `json:"reason,omitempty"`
}

// DispatchImage journals and runs an image_extraction workflow for an
// uploaded image order.
func (d *Dispatcher) DispatchImage(ctx context.Context, up uploads.Upload, channel string) error {
	var state = journal.State{}
	var err = state.Set(keyImage, imageInput{
		UploadID:   up.ID,
		RetailerID: up.RetailerID,
		Channel:    channel,
		ImageRef:   up.ImageRef,
	})
	if err != nil {
		return err
	}
	wf, err := d.journal.Begin(ctx, TypeImageExtraction, nil, state)
	if err != nil {
		return err
	}
	return d.runImage(ctx, wf)
}

// runImage drives an image_extraction workflow from its current step.
func (d *Dispatcher) runImage(ctx context.Context, wf journal.Workflow) error {
	if d.uploads == nil {
		return d.abort(ctx, wf, "image pipeline is not wired")
	}
	var in imageInput
	if ok, err := wf.StepState.Get(keyImage, &in); err != nil {
		return err
	} else if !ok {
		return d.abort(ctx, wf, "image workflow has no input state")
	}
	var step = wf.CurrentStep

	if step == StepExtract {
		if d.extractor == nil || !d.extractor.Enabled() {
			return d.parkForReview(ctx, wf, in, "image extraction is not configured")
		}
		res, err := d.extractor.Extract(ctx, in.ImageRef)
		if err != nil {
			if errs.CodeOf(err) == errs.ExternalService {
				// The extractor pipeline already retried; a human takes over.
				return d.parkForReview(ctx, wf, in, errs.MessageOf(err))
			}
			return err
		}
		if len(res.Items) == 0 {
			return d.parkForReview(ctx, wf, in, "no items recognized in image")
		}
		if err = wf.StepState.Set(keyExtracted, res.Items); err != nil {
			return err
		}
		if err = d.journal.Advance(ctx, wf.ID, StepParse, wf.StepState); err != nil {
			return err
		}
		step = StepParse
	}

	if step == StepParse {
		var extracted []parser.ExtractedItem
		if ok, err := wf.StepState.Get(keyExtracted, &extracted); err != nil {
			return err
		} else if !ok {
			return d.abort(ctx, wf, "image workflow has no extracted items")
		}

		var intent = d.parser.Parse(parser.Input{
			Channel:    in.Channel,
			RetailerID: in.RetailerID,
			Items:      extracted,
		})
		switch it := intent.(type) {
		case parser.Order:
			// The order id derives from the upload id so a replayed
			// extraction converges on one order.
			if err := wf.StepState.Set(keyParsed, parsedImage{
				OrderID: in.UploadID,
				Items:   it.Items,
			}); err != nil {
				return err
			}
			if err := d.journal.Advance(ctx, wf.ID, StepDispatch, wf.StepState); err != nil {
				return err
			}
			step = StepDispatch
		case parser.NeedsClarification:
			d.send(ctx, notify.Notification{
				Recipient: in.Channel,
				Template:  notify.TemplateClarification,
				OrderID:   in.UploadID,
				Data:      map[string]interface{}{"questions": questionsText(it.Questions)},
			})
			if err := d.uploads.MarkPendingReview(ctx, in.UploadID, "clarification needed"); err != nil {
				return err
			}
			return d.journal.Complete(ctx, wf.ID)
		default:
			return d.parkForReview(ctx, wf, in, "image did not resolve to an order")
		}
	}

	if step == StepDispatch {
		var parsed parsedImage
		if ok, err := wf.StepState.Get(keyParsed, &parsed); err != nil {
			return err
		} else if !ok {
			return d.abort(ctx, wf, "image workflow has no parsed order")
		}

		var prior imageOutcome
		if ok, err := wf.StepState.Get(keyOutcome, &prior); err != nil {
			return err
		} else if !ok {
			retailer, err := d.catalog.GetRetailer(ctx, in.RetailerID)
			if err != nil {
				return err
			}
			out, err := d.Dispatch(ctx, Request{
				OrderID:  parsed.OrderID,
				Retailer: retailer,
				Items:    parsed.Items,
				Source:   lifecycle.SourceImage,
			})
			if err != nil {
				return err
			}
			if err = wf.StepState.Set(keyOutcome, imageOutcome{
				Kind:    out.Kind,
				OrderID: out.Order.ID,
				Reason:  out.Decision.Reason,
			}); err != nil {
				return err
			}
		}
		if err := d.journal.Advance(ctx, wf.ID, StepFinalize, wf.StepState); err != nil {
			return err
		}
	}

	// StepFinalize.
	var out imageOutcome
	if ok, err := wf.StepState.Get(keyOutcome, &out); err != nil {
		return err
	} else if !ok {
		return d.abort(ctx, wf, "image workflow has no dispatch outcome")
	}
	var err error
	if out.Kind == OutcomeRejected {
		err = d.uploads.MarkFailed(ctx, in.UploadID, out.Reason)
	} else {
		err = d.uploads.MarkCompleted(ctx, in.UploadID, out.OrderID)
	}
	if err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"workflow": wf.ID,
		"upload":   in.UploadID,
		"outcome":  out.Kind,
	}).Info("image order settled")
	return d.journal.Complete(ctx, wf.ID)
}

// parkForReview settles an upload a human must look at: the retailer hears
// that review is underway, and the upload row records why.
func (d *Dispatcher) parkForReview(ctx context.Context, wf journal.Workflow, in imageInput, cause string) error {
	d.send(ctx, notify.Notification{
		Recipient: in.Channel,
		Template:  notify.TemplateImageReview,
		OrderID:   in.UploadID,
	})
	if err := d.uploads.MarkPendingReview(ctx, in.UploadID, cause); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"workflow": wf.ID,
		"upload":   in.UploadID,
		"cause":    cause,
	}).Info("image order parked for review")
	return d.journal.Complete(ctx, wf.ID)
}

func questionsText(qs []parser.Question) string {
	var lines = make([]string, len(qs))
	for i, q := range qs {
		lines[i] = "- " + q.Text
	}
	return strings.Join(lines, "\n")
}
