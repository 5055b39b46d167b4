// Package dispatch composes the order pipeline: it journals each operation as
// a workflow, runs the steps in order, and leaves every side effect guarded so
// a resumed workflow replays to the same end state. The dispatcher also owns
// the routing of inbound webhook events to those workflows.
package dispatch

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"

	"github.com/mandihq/mandi/admission"
	"github.com/mandihq/mandi/catalog"
	"github.com/mandihq/mandi/errs"
	"github.com/mandihq/mandi/extract"
	"github.com/mandihq/mandi/journal"
	"github.com/mandihq/mandi/lifecycle"
	"github.com/mandihq/mandi/notify"
	"github.com/mandihq/mandi/ops"
	"github.com/mandihq/mandi/parser"
	"github.com/mandihq/mandi/postgres"
	"github.com/mandihq/mandi/queue"
	"github.com/mandihq/mandi/selector"
	"github.com/mandihq/mandi/uploads"
)

// Workflow types and their journaled steps.
const (
	TypeOrderDispatch   = "order_dispatch"
	TypeVendorResponse  = "vendor_response"
	TypeVendorReselect  = "vendor_reselect"
	TypeImageExtraction = "image_extraction"
)

// Steps of an order_dispatch workflow.
const (
	StepValidate     = "VALIDATE"
	StepAdmit        = "ADMIT"
	StepPersistDraft = "PERSIST_DRAFT"
	StepSelectVendor = "SELECT_VENDOR"
	StepAssign       = "TRANSITION_TO_ASSIGNED"
	StepNotify       = "NOTIFY"
)

// Steps of a vendor_response workflow. The ledger posting and the stock
// decrement execute inside the ACCEPTED transition's transaction; their steps
// remain journaled so a resumption retraces the same path.
const (
	StepRecordResponse = "RECORD_RESPONSE"
	StepAccept         = "TRANSITION_TO_ACCEPTED"
	StepPostLedger     = "POST_LEDGER"
	StepDecrementStock = "DECREMENT_STOCK"
	StepNotifyRetailer = "NOTIFY_RETAILER"
)

// Steps of a vendor_reselect workflow. ESCALATE is reached by skipping
// TRANSITION_TO_ASSIGNED_AGAIN when the ladder is exhausted.
const (
	StepMarkRetryFailed = "MARK_RETRY_FAILED"
	StepSelectNext      = "SELECT_NEXT_VENDOR"
	StepAssignAgain     = "TRANSITION_TO_ASSIGNED_AGAIN"
	StepEscalate        = "ESCALATE"
)

// Steps of an image_extraction workflow.
const (
	StepExtract  = "EXTRACT"
	StepParse    = "PARSE"
	StepDispatch = "DISPATCH"
	StepFinalize = "FINALIZE"
)

// WorkflowTypes registers every workflow's ordered steps with the journal.
var WorkflowTypes = map[string][]string{
	TypeOrderDispatch:   {StepValidate, StepAdmit, StepPersistDraft, StepSelectVendor, StepAssign, StepNotify},
	TypeVendorResponse:  {StepRecordResponse, StepAccept, StepPostLedger, StepDecrementStock, StepNotifyRetailer},
	TypeVendorReselect:  {StepMarkRetryFailed, StepSelectNext, StepAssignAgain, StepEscalate},
	TypeImageExtraction: {StepExtract, StepParse, StepDispatch, StepFinalize},
}

// Step-state keys. Each step writes only what later steps (or its own
// resumption) read back.
const (
	keyRequest   = "request"
	keyPriced    = "priced"
	keyAdmission = "admission"
	keySelection = "selection"
	keyResponse  = "response"
	keyReselect  = "reselect"
	keyImage     = "image"
	keyExtracted = "extracted"
	keyParsed    = "parsed"
	keyOutcome   = "outcome"
)

// CodeProductUnavailable rejects an order line no vendor currently lists.
// Admission's own codes cover account and credit rules; this one is found
// during pricing.
const CodeProductUnavailable = "PRODUCT_UNAVAILABLE"

// Journals is the slice of the workflow journal the dispatcher drives.
type Journals interface {
	Begin(ctx context.Context, wfType string, orderID *string, state journal.State) (journal.Workflow, error)
	BindOrder(ctx context.Context, id, orderID string) error
	Advance(ctx context.Context, id, step string, state journal.State) error
	SaveState(ctx context.Context, id string, state journal.State) error
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id, cause string) error
}

// Transitions is the slice of the order machine the dispatcher drives.
type Transitions interface {
	Transition(ctx context.Context, orderID string, ch lifecycle.Change) (lifecycle.Order, error)
	RecordVendorResponse(ctx context.Context, retryID string, outcome lifecycle.RetryStatus) (lifecycle.Retry, error)
	Retreat(ctx context.Context, orderID, reason string, needsAdmin bool) (lifecycle.Order, error)
}

// Orders reads and creates order rows.
type Orders interface {
	CreateDraft(ctx context.Context, q postgres.Queryer, d lifecycle.Draft) (lifecycle.Order, error)
	Get(ctx context.Context, id string) (lifecycle.Order, error)
	GetByNumber(ctx context.Context, number string) (lifecycle.Order, error)
	Latest(ctx context.Context, retailerID string) (lifecycle.Order, error)
	MarkNeedsAdmin(ctx context.Context, q postgres.Queryer, orderID string) error
}

// Attempts reads the vendor assignment ladder.
type Attempts interface {
	Pending(ctx context.Context, orderID string) (lifecycle.Retry, bool, error)
	PendingForVendor(ctx context.Context, vendorID string) (lifecycle.Retry, bool, error)
	CountAttempts(ctx context.Context, q postgres.Queryer, orderID string) (int, error)
	AttemptedVendors(ctx context.Context, orderID string) ([]string, error)
}

// Directory resolves parties and market prices from the catalog.
type Directory interface {
	GetRetailer(ctx context.Context, id string) (catalog.Retailer, error)
	GetRetailerByPhone(ctx context.Context, phone string) (catalog.Retailer, error)
	GetVendor(ctx context.Context, id string) (catalog.Vendor, error)
	GetVendorByPhone(ctx context.Context, phone string) (catalog.Vendor, error)
	GetProduct(ctx context.Context, id string) (catalog.Product, error)
	MarketAverage(ctx context.Context, productID string) (decimal.Decimal, error)
}

// Selecting picks a vendor for an order.
type Selecting interface {
	Select(ctx context.Context, req selector.Request) (selector.Decision, error)
}

// Notifying submits outbound messages.
type Notifying interface {
	Send(ctx context.Context, msg notify.Notification) error
}

// Escalating surfaces items to the admin queue.
type Escalating interface {
	Escalate(ctx context.Context, esc queue.Escalation)
}

// Rejections persists admission rejections.
type Rejections interface {
	Persist(ctx context.Context, id, retailerID, source string, d admission.Decision, intent interface{}) (admission.Rejection, error)
}

// Extracting runs OCR over an uploaded image.
type Extracting interface {
	Extract(ctx context.Context, imageRef string) (extract.Result, error)
	Enabled() bool
}

// UploadTracker settles uploaded image orders.
type UploadTracker interface {
	Create(ctx context.Context, id, retailerID, imageRef string) (uploads.Upload, error)
	Get(ctx context.Context, id string) (uploads.Upload, error)
	MarkCompleted(ctx context.Context, id, orderID string) error
	MarkFailed(ctx context.Context, id, cause string) error
	MarkPendingReview(ctx context.Context, id, cause string) error
}

// Deps wires a Dispatcher. Extractor and Uploads may be nil when the image
// pipeline is not configured; everything else is required.
type Deps struct {
	DB        postgres.Queryer
	Clock     clockz.Clock
	Catalog   Directory
	Parser    *parser.Parser
	Admission *admission.Controller
	Rejected  Rejections
	Selector  Selecting
	Machine   Transitions
	Orders    Orders
	Retries   Attempts
	Journal   Journals
	Notifier  Notifying
	Escalator Escalating
	Extractor Extracting
	Uploads   UploadTracker
}

// Dispatcher runs the order pipeline.
type Dispatcher struct {
	db        postgres.Queryer
	clock     clockz.Clock
	catalog   Directory
	parser    *parser.Parser
	admission *admission.Controller
	rejected  Rejections
	selector  Selecting
	machine   Transitions
	orders    Orders
	retries   Attempts
	journal   Journals
	notifier  Notifying
	escalator Escalating
	extractor Extracting
	uploads   UploadTracker
}

func New(d Deps) (*Dispatcher, error) {
	switch {
	case d.Catalog == nil, d.Parser == nil, d.Admission == nil, d.Rejected == nil,
		d.Selector == nil, d.Machine == nil, d.Orders == nil, d.Retries == nil,
		d.Journal == nil, d.Notifier == nil, d.Escalator == nil:
		return nil, errs.New(errs.Internal, "dispatcher is missing a dependency")
	}
	if d.Clock == nil {
		d.Clock = clockz.RealClock
	}
	return &Dispatcher{
		db:        d.DB,
		clock:     d.Clock,
		catalog:   d.Catalog,
		parser:    d.Parser,
		admission: d.Admission,
		rejected:  d.Rejected,
		selector:  d.Selector,
		machine:   d.Machine,
		orders:    d.Orders,
		retries:   d.Retries,
		journal:   d.Journal,
		notifier:  d.Notifier,
		escalator: d.Escalator,
		extractor: d.Extractor,
		uploads:   d.Uploads,
	}, nil
}

// OutcomeKind classifies how a dispatch settled.
type OutcomeKind string

const (
	OutcomeAccepted OutcomeKind = "ACCEPTED"
	OutcomeHeld     OutcomeKind = "HELD_FOR_APPROVAL"
	OutcomeRejected OutcomeKind = "REJECTED"
	OutcomeNoVendor OutcomeKind = "NO_ELIGIBLE_VENDOR"
)

// metric label per outcome kind.
var outcomeLabels = map[OutcomeKind]string{
	OutcomeAccepted: "accepted",
	OutcomeHeld:     "held",
	OutcomeRejected: "rejected",
	OutcomeNoVendor: "no_vendor",
}

// Outcome is the settled result of one dispatch. Order is zero for rejected
// dispatches, where Rejection carries the persisted intent instead.
type Outcome struct {
	Kind      OutcomeKind
	Order     lifecycle.Order
	Decision  admission.Decision
	Rejection admission.Rejection
}

// Request is one parsed order intent bound to a retailer. OrderID may be
// pre-assigned by the caller (webhook handling derives it from the event id)
// so retried handling converges on one order.
type Request struct {
	OrderID  string
	Retailer catalog.Retailer
	Items    []parser.Item
	Source   lifecycle.Source
}

// dispatchRequest is the journaled form of a Request.
type dispatchRequest struct {
	OrderID    string        `json:"order_id"`
	RetailerID string        `json:"retailer_id"`
	Channel    string        `json:"channel"`
	Source     string        `json:"source"`
	Items      []parser.Item `json:"items"`
}

// pricedLine is one order line after pricing at the market average.
type pricedLine struct {
	ProductID string          `json:"product_id"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	Unit      catalog.Unit    `json:"unit"`
	UnitPrice decimal.Decimal `json:"unit_price"`
}

func draftItems(lines []pricedLine) []lifecycle.DraftItem {
	var out = make([]lifecycle.DraftItem, len(lines))
	for i, l := range lines {
		out[i] = lifecycle.DraftItem{
			ProductID: l.ProductID,
			Quantity:  l.Quantity,
			Unit:      l.Unit,
			UnitPrice: l.UnitPrice,
		}
	}
	return out
}

func admissionItems(lines []pricedLine) []admission.Item {
	var out = make([]admission.Item, len(lines))
	for i, l := range lines {
		out[i] = admission.Item{ProductID: l.ProductID, Quantity: l.Quantity}
	}
	return out
}

func selectorLines(lines []pricedLine) []selector.Line {
	var out = make([]selector.Line, len(lines))
	for i, l := range lines {
		out[i] = selector.Line{ProductID: l.ProductID, Quantity: l.Quantity}
	}
	return out
}

func lineTotal(lines []pricedLine) decimal.Decimal {
	var total = decimal.Zero
	for _, l := range lines {
		total = total.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}
	return total.RoundBank(2)
}

// Dispatch journals and runs an order_dispatch workflow to its outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (Outcome, error) {
	if len(req.Items) == 0 {
		return Outcome{}, errs.New(errs.Validation, "order has no items")
	}
	if req.OrderID == "" {
		req.OrderID = uuid.NewString()
	}

	var state = journal.State{}
	var err = state.Set(keyRequest, dispatchRequest{
		OrderID:    req.OrderID,
		RetailerID: req.Retailer.ID,
		Channel:    req.Retailer.Phone,
		Source:     string(req.Source),
		Items:      req.Items,
	})
	if err != nil {
		return Outcome{}, err
	}

	// The workflow's order reference is bound after PERSIST_DRAFT; until then
	// the pre-assigned id rides in step state.
	wf, err := d.journal.Begin(ctx, TypeOrderDispatch, nil, state)
	if err != nil {
		return Outcome{}, err
	}
	return d.runDispatch(ctx, wf)
}

// runDispatch drives an order_dispatch workflow from its current step. Every
// step tolerates replay: pricing and admission are pure, the draft insert is
// keyed on the pre-assigned order id, the selection is reused once journaled,
// transitions no-op when the order already advanced, and notifications dedup
// on (template, order, recipient).
func (d *Dispatcher) runDispatch(ctx context.Context, wf journal.Workflow) (Outcome, error) {
	var req dispatchRequest
	if ok, err := wf.StepState.Get(keyRequest, &req); err != nil {
		return Outcome{}, err
	} else if !ok {
		return Outcome{}, d.abort(ctx, wf, "dispatch workflow has no request state")
	}

	retailer, err := d.catalog.GetRetailer(ctx, req.RetailerID)
	if err != nil {
		return Outcome{}, err
	}
	var step = wf.CurrentStep

	if step == StepValidate {
		lines, unavailable, err := d.price(ctx, req.Items)
		if err != nil {
			return Outcome{}, err
		}
		if unavailable != "" {
			var dec = admission.Decision{
				Verdict:    admission.Reject,
				ReasonCode: CodeProductUnavailable,
				Reason:     "no vendor currently offers " + unavailable,
			}
			return d.reject(ctx, wf, req, dec)
		}
		if err = wf.StepState.Set(keyPriced, lines); err != nil {
			return Outcome{}, err
		}
		if err = d.journal.Advance(ctx, wf.ID, StepAdmit, wf.StepState); err != nil {
			return Outcome{}, err
		}
		step = StepAdmit
	}

	var lines []pricedLine
	if ok, err := wf.StepState.Get(keyPriced, &lines); err != nil {
		return Outcome{}, err
	} else if !ok {
		return Outcome{}, d.abort(ctx, wf, "dispatch workflow has no priced lines")
	}
	var total = lineTotal(lines)

	if step == StepAdmit {
		var dec = d.admission.Admit(retailer, admissionItems(lines), total)
		if dec.Verdict == admission.Reject {
			return d.reject(ctx, wf, req, dec)
		}
		if err = wf.StepState.Set(keyAdmission, dec); err != nil {
			return Outcome{}, err
		}
		if err = d.journal.Advance(ctx, wf.ID, StepPersistDraft, wf.StepState); err != nil {
			return Outcome{}, err
		}
		step = StepPersistDraft
	}

	var dec admission.Decision
	if ok, err := wf.StepState.Get(keyAdmission, &dec); err != nil {
		return Outcome{}, err
	} else if !ok {
		return Outcome{}, d.abort(ctx, wf, "dispatch workflow has no admission decision")
	}

	if step == StepPersistDraft {
		o, err := d.orders.CreateDraft(ctx, d.db, lifecycle.Draft{
			ID:               req.OrderID,
			RetailerID:       req.RetailerID,
			Source:           lifecycle.Source(req.Source),
			RequiresApproval: dec.Verdict == admission.NeedsApproval,
			Items:            draftItems(lines),
		})
		if err != nil {
			return Outcome{}, err
		}
		if err = d.journal.BindOrder(ctx, wf.ID, o.ID); err != nil {
			return Outcome{}, err
		}

		if dec.Verdict == admission.NeedsApproval {
			// A replay may find the order already approved; fall through to
			// selection then.
			if o.Status == lifecycle.StatusDraft {
				return d.hold(ctx, wf, req, o, dec)
			}
		} else if o.Status == lifecycle.StatusDraft {
			if _, err = d.machine.Transition(ctx, o.ID, lifecycle.Change{
				To:     lifecycle.StatusConfirmed,
				Actor:  "system",
				Reason: "admitted",
			}); err != nil {
				return Outcome{}, err
			}
		}
		if err = d.journal.Advance(ctx, wf.ID, StepSelectVendor, wf.StepState); err != nil {
			return Outcome{}, err
		}
		step = StepSelectVendor
	}

	order, err := d.orders.Get(ctx, req.OrderID)
	if err != nil {
		return Outcome{}, err
	}

	if step == StepSelectVendor {
		// A replayed step may find the order already assigned, or a stored
		// selection from the crashed run; both skip re-ranking.
		if order.Status != lifecycle.StatusConfirmed {
			return d.settleProgressed(ctx, wf, order, dec)
		}

		var sel selector.Decision
		if ok, err := wf.StepState.Get(keySelection, &sel); err != nil {
			return Outcome{}, err
		} else if !ok {
			exclude, err := d.retries.AttemptedVendors(ctx, order.ID)
			if err != nil {
				return Outcome{}, err
			}
			sel, err = d.selector.Select(ctx, selector.Request{
				RetailerID: req.RetailerID,
				Lines:      selectorLines(lines),
				Exclude:    exclude,
			})
			if err != nil {
				return Outcome{}, err
			}
			if err = wf.StepState.Set(keySelection, sel); err != nil {
				return Outcome{}, err
			}
			if err = d.journal.SaveState(ctx, wf.ID, wf.StepState); err != nil {
				return Outcome{}, err
			}
		}

		if !sel.Eligible() {
			return d.noVendor(ctx, wf, req, order, dec)
		}
		if err = d.journal.Advance(ctx, wf.ID, StepAssign, wf.StepState); err != nil {
			return Outcome{}, err
		}
		step = StepAssign
	}

	if step == StepAssign {
		var sel selector.Decision
		if ok, err := wf.StepState.Get(keySelection, &sel); err != nil {
			return Outcome{}, err
		} else if !ok || !sel.Eligible() {
			return Outcome{}, d.abort(ctx, wf, "dispatch workflow has no vendor selection")
		}

		switch order.Status {
		case lifecycle.StatusConfirmed, lifecycle.StatusVendorAssigned:
			order, err = d.machine.Transition(ctx, order.ID, lifecycle.Change{
				To:       lifecycle.StatusVendorAssigned,
				VendorID: sel.Chosen,
				Actor:    "system",
				Reason:   "selected by " + string(sel.Strategy) + " strategy",
			})
			if err != nil {
				return Outcome{}, err
			}
		default:
			return d.settleProgressed(ctx, wf, order, dec)
		}

		if err = d.journal.Advance(ctx, wf.ID, StepNotify, wf.StepState); err != nil {
			return Outcome{}, err
		}
		step = StepNotify
	}

	// StepNotify.
	d.notifyConfirmed(ctx, req.Channel, order)
	if order.VendorID != nil {
		d.notifyVendorAssigned(ctx, order, retailer.BusinessName)
	}
	if err = d.journal.Complete(ctx, wf.ID); err != nil {
		return Outcome{}, err
	}
	return d.settle(wf, Outcome{Kind: OutcomeAccepted, Order: order, Decision: dec}), nil
}

// price resolves each line's unit price to the product's market average.
// A product with no offers at all cannot be priced or fulfilled; its name is
// returned so the rejection can say which line failed.
func (d *Dispatcher) price(ctx context.Context, items []parser.Item) ([]pricedLine, string, error) {
	var lines = make([]pricedLine, len(items))
	for i, it := range items {
		if it.Quantity <= 0 {
			return nil, "", errs.New(errs.Validation, "item %q has no quantity", it.Name)
		}
		avg, err := d.catalog.MarketAverage(ctx, it.ProductID)
		if err != nil {
			return nil, "", err
		}
		if avg.IsZero() {
			return nil, it.Name, nil
		}
		lines[i] = pricedLine{
			ProductID: it.ProductID,
			Name:      it.Name,
			Quantity:  it.Quantity,
			Unit:      it.Unit,
			UnitPrice: avg,
		}
	}
	return lines, "", nil
}

// reject persists the rejection keyed on the would-be order id, tells the
// retailer why, and completes the workflow.
func (d *Dispatcher) reject(ctx context.Context, wf journal.Workflow, req dispatchRequest, dec admission.Decision) (Outcome, error) {
	var rej, err = d.rejected.Persist(ctx, req.OrderID, req.RetailerID, req.Source, dec,
		map[string]interface{}{"items": req.Items})
	if err != nil {
		return Outcome{}, err
	}

	var msg = notify.Notification{
		Recipient: req.Channel,
		Template:  notify.TemplateOrderRejected,
		OrderID:   req.OrderID,
		Data:      map[string]interface{}{"reason": dec.Reason},
	}
	if dec.ReasonCode == admission.CodeCreditLimitExceeded {
		msg.Template = notify.TemplateInsufficientCredit
		msg.Data = map[string]interface{}{"available": dec.Available.StringFixed(2)}
	}
	d.send(ctx, msg)

	if err = d.journal.Complete(ctx, wf.ID); err != nil {
		return Outcome{}, err
	}
	return d.settle(wf, Outcome{Kind: OutcomeRejected, Decision: dec, Rejection: rej}), nil
}

// hold parks an order needing manual approval: the draft stays DRAFT, the
// retailer is told, and the admin queue gets it.
func (d *Dispatcher) hold(ctx context.Context, wf journal.Workflow, req dispatchRequest, o lifecycle.Order, dec admission.Decision) (Outcome, error) {
	d.send(ctx, notify.Notification{
		Recipient: req.Channel,
		Template:  notify.TemplateHeldForApproval,
		OrderID:   o.ID,
		Data: map[string]interface{}{
			"order_number": o.OrderNumber,
			"total":        o.Total.StringFixed(2),
		},
	})
	d.escalator.Escalate(ctx, queue.Escalation{
		Kind:    queue.EscalationApproval,
		OrderID: o.ID,
		Reason:  dec.Reason,
		At:      d.clock.Now(),
	})
	if err := d.journal.Complete(ctx, wf.ID); err != nil {
		return Outcome{}, err
	}
	return d.settle(wf, Outcome{Kind: OutcomeHeld, Order: o, Decision: dec}), nil
}

// noVendor settles a dispatch whose candidate list came up empty: the order
// stays CONFIRMED for the recovery worker to retry, the retailer still gets
// the confirmation, and the admin queue is told.
func (d *Dispatcher) noVendor(ctx context.Context, wf journal.Workflow, req dispatchRequest, o lifecycle.Order, dec admission.Decision) (Outcome, error) {
	d.notifyConfirmed(ctx, req.Channel, o)
	d.escalator.Escalate(ctx, queue.Escalation{
		Kind:    queue.EscalationNoVendor,
		OrderID: o.ID,
		Reason:  "no eligible vendor at dispatch",
		At:      d.clock.Now(),
	})
	if err := d.journal.Complete(ctx, wf.ID); err != nil {
		return Outcome{}, err
	}
	return d.settle(wf, Outcome{Kind: OutcomeNoVendor, Order: o, Decision: dec}), nil
}

// settleProgressed completes a replayed workflow whose order moved on outside
// it (accepted, cancelled, or re-assigned by another workflow meanwhile).
func (d *Dispatcher) settleProgressed(ctx context.Context, wf journal.Workflow, o lifecycle.Order, dec admission.Decision) (Outcome, error) {
	if err := d.journal.Complete(ctx, wf.ID); err != nil {
		return Outcome{}, err
	}
	var kind = OutcomeAccepted
	if o.Status == lifecycle.StatusCancelled {
		kind = OutcomeRejected
		dec = admission.Decision{
			Verdict: admission.Reject, ReasonCode: "CANCELLED", Reason: "order was cancelled",
		}
	}
	return d.settle(wf, Outcome{Kind: kind, Order: o, Decision: dec}), nil
}

func (d *Dispatcher) settle(wf journal.Workflow, out Outcome) Outcome {
	ops.OrdersDispatched.WithLabelValues(outcomeLabels[out.Kind]).Inc()
	log.WithFields(log.Fields{
		"workflow": wf.ID,
		"order":    out.Order.ID,
		"outcome":  out.Kind,
	}).Info("dispatch settled")
	return out
}

// abort fails a workflow whose journaled state cannot drive it further. This
// is a bug trap, not a business path.
func (d *Dispatcher) abort(ctx context.Context, wf journal.Workflow, cause string) error {
	if err := d.journal.Fail(ctx, wf.ID, cause); err != nil {
		return err
	}
	d.escalator.Escalate(ctx, queue.Escalation{
		Kind:   queue.EscalationWorkflowFailed,
		Reason: cause,
		At:     d.clock.Now(),
	})
	return errs.New(errs.Internal, "workflow %s: %s", wf.ID, cause)
}

func (d *Dispatcher) notifyConfirmed(ctx context.Context, channel string, o lifecycle.Order) {
	d.send(ctx, notify.Notification{
		Recipient: channel,
		Template:  notify.TemplateOrderConfirmed,
		OrderID:   o.ID,
		Data: map[string]interface{}{
			"order_number": o.OrderNumber,
			"total":        o.Total.StringFixed(2),
		},
	})
}

func (d *Dispatcher) notifyVendorAssigned(ctx context.Context, o lifecycle.Order, retailerName string) {
	var vendor, err = d.catalog.GetVendor(ctx, *o.VendorID)
	if err != nil {
		log.WithFields(log.Fields{"order": o.ID, "err": err}).
			Warn("resolving assigned vendor for notification")
		return
	}
	d.send(ctx, notify.Notification{
		Recipient: vendor.Phone,
		Template:  notify.TemplateVendorAssignment,
		OrderID:   o.ID,
		Data: map[string]interface{}{
			"order_number":  o.OrderNumber,
			"retailer_name": retailerName,
			"total":         o.Total.StringFixed(2),
		},
	})
}

// send submits a notification, logging instead of failing: delivery is
// best-effort and never blocks an order.
func (d *Dispatcher) send(ctx context.Context, msg notify.Notification) {
	if err := d.notifier.Send(ctx, msg); err != nil {
		log.WithFields(log.Fields{
			"template":  msg.Template,
			"recipient": msg.Recipient,
			"err":       err,
		}).Warn("notification not submitted")
	}
}
