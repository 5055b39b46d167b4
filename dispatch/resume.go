package dispatch

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/mandihq/mandi/journal"
)

// Resume drives a reclaimed workflow forward from its journaled step. Every
// step routine tolerates replay, so resuming a workflow whose last attempt
// died mid-step redoes at most that one step.
func (d *Dispatcher) Resume(ctx context.Context, wf journal.Workflow) error {
	log.WithFields(log.Fields{
		"workflow": wf.ID,
		"type":     wf.Type,
		"step":     wf.CurrentStep,
		"attempts": wf.Attempts,
	}).Info("resuming workflow")

	switch wf.Type {
	case TypeOrderDispatch:
		var _, err = d.runDispatch(ctx, wf)
		return err
	case TypeVendorResponse:
		return d.runVendorResponse(ctx, wf)
	case TypeVendorReselect:
		return d.runReselect(ctx, wf)
	case TypeImageExtraction:
		return d.runImage(ctx, wf)
	default:
		// A type this build doesn't know can't make progress; fail it so it
		// stops being reclaimed.
		return d.journal.Fail(ctx, wf.ID, fmt.Sprintf("unknown workflow type %q", wf.Type))
	}
}
