package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/zoobzio/clockz"

	"github.com/mandihq/mandi/admission"
	"github.com/mandihq/mandi/catalog"
	"github.com/mandihq/mandi/errs"
	"github.com/mandihq/mandi/extract"
	"github.com/mandihq/mandi/journal"
	"github.com/mandihq/mandi/lifecycle"
	"github.com/mandihq/mandi/notify"
	"github.com/mandihq/mandi/parser"
	"github.com/mandihq/mandi/postgres"
	"github.com/mandihq/mandi/queue"
	"github.com/mandihq/mandi/selector"
	"github.com/mandihq/mandi/uploads"
)

// appliedChange is one transition the fake machine applied.
type appliedChange struct {
	OrderID string
	From    lifecycle.Status
	To      lifecycle.Status
	Actor   string
	Reason  string
}

// fixture backs every dispatcher dependency with in-memory state that keeps
// the stores' guarantees: guarded transitions, at most one PENDING attempt
// per order, idempotent draft creation, and journal step ordering.
type fixture struct {
	clock *clockz.FakeClock

	workflows map[string]*journal.Workflow
	wfSeq     int

	orders   map[string]lifecycle.Order
	orderSeq int

	retries  map[string]lifecycle.Retry
	retrySeq int

	retailers map[string]catalog.Retailer
	vendors   map[string]catalog.Vendor
	products  map[string]catalog.Product
	averages  map[string]decimal.Decimal

	selections  []selector.Decision
	selectReqs  []selector.Request
	selectCalls int

	sent        []notify.Notification
	escalations []queue.Escalation
	rejections  []admission.Rejection
	changes     []appliedChange

	extractor *fakeExtractor
	uploads   *fakeUploads
}

func newFixture() *fixture {
	var f = &fixture{
		clock:     clockz.NewFakeClock(),
		workflows: map[string]*journal.Workflow{},
		orders:    map[string]lifecycle.Order{},
		retries:   map[string]lifecycle.Retry{},
		retailers: map[string]catalog.Retailer{},
		vendors:   map[string]catalog.Vendor{},
		products:  map[string]catalog.Product{},
		averages:  map[string]decimal.Decimal{},
		extractor: &fakeExtractor{},
	}
	f.uploads = &fakeUploads{f: f}

	f.retailers["ret-1"] = catalog.Retailer{
		ID: "ret-1", Phone: "+919900000001", BusinessName: "Gupta General Store",
		CreditLimit: decimal.NewFromInt(50000), ScoreCategory: catalog.CategoryGood,
		Status: catalog.RetailerActive, LifetimeOrders: 12,
	}
	f.vendors["v-1"] = catalog.Vendor{ID: "v-1", Phone: "+918800000001", Name: "Sharma Traders", IsActive: true}
	f.vendors["v-2"] = catalog.Vendor{ID: "v-2", Phone: "+918800000002", Name: "Verma Wholesale", IsActive: true}
	f.products["p-rice"] = catalog.Product{ID: "p-rice", Name: "Basmati Rice", Unit: catalog.UnitKG, Aliases: []string{"rice"}}
	f.products["p-oil"] = catalog.Product{ID: "p-oil", Name: "Sunflower Oil", Unit: catalog.UnitL, Aliases: []string{"oil"}}
	f.averages["p-rice"] = decimal.NewFromInt(52)
	f.averages["p-oil"] = decimal.NewFromInt(140)

	f.selections = []selector.Decision{{
		Strategy:   selector.RoundRobin,
		Candidates: []selector.Candidate{{VendorID: "v-1"}, {VendorID: "v-2"}},
		Ranked:     []string{"v-1", "v-2"},
		Chosen:     "v-1",
	}}
	return f
}

func (f *fixture) dispatcher(t *testing.T) *Dispatcher {
	var ctl, err = admission.NewController(admission.DefaultPolicies)
	require.NoError(t, err)

	var prods = make([]catalog.Product, 0, len(f.products))
	for _, p := range f.products {
		prods = append(prods, p)
	}
	d, err := New(Deps{
		Clock:     f.clock,
		Catalog:   f,
		Parser:    parser.New(catalog.NewResolver(prods)),
		Admission: ctl,
		Rejected:  f,
		Selector:  f,
		Machine:   f,
		Orders:    f,
		Retries:   f,
		Journal:   f,
		Notifier:  f,
		Escalator: f,
		Extractor: f.extractor,
		Uploads:   f.uploads,
	})
	require.NoError(t, err)
	return d
}

func cloneState(s journal.State) journal.State {
	var out = journal.State{}
	for k, v := range s {
		out[k] = append(json.RawMessage(nil), v...)
	}
	return out
}

func stepIndex(steps []string, step string) int {
	for i, s := range steps {
		if s == step {
			return i
		}
	}
	return -1
}

// Journals.

func (f *fixture) Begin(ctx context.Context, wfType string, orderID *string, state journal.State) (journal.Workflow, error) {
	var steps, ok = WorkflowTypes[wfType]
	if !ok {
		return journal.Workflow{}, errs.New(errs.Validation, "unknown workflow type %q", wfType)
	}
	f.wfSeq++
	var wf = journal.Workflow{
		ID:          fmt.Sprintf("wf-%d", f.wfSeq),
		OrderID:     orderID,
		Type:        wfType,
		CurrentStep: steps[0],
		StepState:   cloneState(state),
		Status:      journal.StatusInProgress,
		Attempts:    1,
		StartedAt:   f.clock.Now(),
	}
	f.workflows[wf.ID] = &wf
	return wf, nil
}

func (f *fixture) BindOrder(ctx context.Context, id, orderID string) error {
	var wf, ok = f.workflows[id]
	if !ok {
		return errs.New(errs.NotFound, "workflow %s not found", id)
	}
	if wf.OrderID == nil {
		wf.OrderID = &orderID
	}
	return nil
}

func (f *fixture) Advance(ctx context.Context, id, step string, state journal.State) error {
	var wf, ok = f.workflows[id]
	if !ok {
		return errs.New(errs.NotFound, "workflow %s not found", id)
	}
	if wf.Status != journal.StatusInProgress {
		return errs.New(errs.Conflict, "workflow %s is %s", id, wf.Status)
	}
	var steps = WorkflowTypes[wf.Type]
	var next = stepIndex(steps, step)
	if next < 0 {
		return errs.New(errs.Validation, "workflow type %s has no step %q", wf.Type, step)
	}
	if next < stepIndex(steps, wf.CurrentStep) {
		return errs.New(errs.Conflict, "workflow %s cannot regress to %s", id, step)
	}
	wf.CurrentStep = step
	wf.StepState = cloneState(state)
	return nil
}

func (f *fixture) SaveState(ctx context.Context, id string, state journal.State) error {
	var wf, ok = f.workflows[id]
	if !ok || wf.Status != journal.StatusInProgress {
		return errs.New(errs.Conflict, "workflow %s is not in progress", id)
	}
	wf.StepState = cloneState(state)
	return nil
}

func (f *fixture) Complete(ctx context.Context, id string) error {
	var wf, ok = f.workflows[id]
	if !ok {
		return errs.New(errs.NotFound, "workflow %s not found", id)
	}
	wf.Status = journal.StatusCompleted
	return nil
}

func (f *fixture) Fail(ctx context.Context, id, cause string) error {
	var wf, ok = f.workflows[id]
	if !ok {
		return errs.New(errs.NotFound, "workflow %s not found", id)
	}
	wf.Status = journal.StatusFailed
	wf.LastError = &cause
	return nil
}

// Transitions.

func (f *fixture) Transition(ctx context.Context, orderID string, ch lifecycle.Change) (lifecycle.Order, error) {
	var o, ok = f.orders[orderID]
	if !ok {
		return lifecycle.Order{}, errs.New(errs.NotFound, "order %s not found", orderID)
	}
	var from = o.Status

	var reassigned = from == lifecycle.StatusVendorAssigned && ch.To == lifecycle.StatusVendorAssigned &&
		ch.VendorID != "" && (o.VendorID == nil || *o.VendorID != ch.VendorID)
	if from == ch.To && !reassigned {
		return o, nil
	}
	if from != ch.To && !lifecycle.CanTransition(from, ch.To) {
		return lifecycle.Order{}, errs.New(errs.Conflict,
			"cannot transition order %s from %s to %s", o.OrderNumber, from, ch.To)
	}

	if ch.To == lifecycle.StatusVendorAssigned {
		if r, open := f.pendingRetry(orderID); open {
			if r.VendorID != ch.VendorID {
				return lifecycle.Order{}, errs.New(errs.Conflict,
					"order %s already has a pending assignment for another vendor", orderID)
			}
		} else {
			f.retrySeq++
			f.retries[fmt.Sprintf("retry-%d", f.retrySeq)] = lifecycle.Retry{
				ID:               fmt.Sprintf("retry-%d", f.retrySeq),
				OrderID:          orderID,
				Attempt:          f.attemptCount(orderID) + 1,
				VendorID:         ch.VendorID,
				AssignedAt:       f.clock.Now(),
				ResponseDeadline: f.clock.Now().Add(lifecycle.ResponseTimeout),
				Status:           lifecycle.RetryPending,
			}
		}
		var v = ch.VendorID
		o.VendorID = &v
	}

	o.Status = ch.To
	o.LastTransitionAt = f.clock.Now()
	f.orders[orderID] = o
	f.changes = append(f.changes, appliedChange{orderID, from, ch.To, ch.Actor, ch.Reason})
	return o, nil
}

func (f *fixture) RecordVendorResponse(ctx context.Context, retryID string, outcome lifecycle.RetryStatus) (lifecycle.Retry, error) {
	var r, ok = f.retries[retryID]
	if !ok {
		return lifecycle.Retry{}, errs.New(errs.NotFound, "assignment attempt %s not found", retryID)
	}
	if r.Status != lifecycle.RetryPending {
		if r.Status == outcome {
			return r, nil
		}
		return lifecycle.Retry{}, errs.New(errs.Conflict,
			"assignment attempt %s already closed as %s", retryID, r.Status)
	}
	var now = f.clock.Now()
	r.Status = outcome
	r.RespondedAt = &now
	f.retries[retryID] = r
	return r, nil
}

func (f *fixture) Retreat(ctx context.Context, orderID, reason string, needsAdmin bool) (lifecycle.Order, error) {
	var o, ok = f.orders[orderID]
	if !ok {
		return lifecycle.Order{}, errs.New(errs.NotFound, "order %s not found", orderID)
	}
	if o.Status == lifecycle.StatusConfirmed {
		return o, nil
	}
	if o.Status != lifecycle.StatusVendorAssigned {
		return lifecycle.Order{}, errs.New(errs.Conflict,
			"cannot retreat order %s from %s", o.OrderNumber, o.Status)
	}
	if r, open := f.pendingRetry(orderID); open {
		var now = f.clock.Now()
		r.Status = lifecycle.RetryTimeout
		r.RespondedAt = &now
		f.retries[r.ID] = r
	}
	f.changes = append(f.changes, appliedChange{orderID, o.Status, lifecycle.StatusConfirmed, "system", reason})
	o.Status = lifecycle.StatusConfirmed
	o.VendorID = nil
	o.NeedsAdmin = o.NeedsAdmin || needsAdmin
	o.LastTransitionAt = f.clock.Now()
	f.orders[orderID] = o
	return o, nil
}

// Orders.

func (f *fixture) CreateDraft(ctx context.Context, q postgres.Queryer, d lifecycle.Draft) (lifecycle.Order, error) {
	if o, ok := f.orders[d.ID]; ok {
		return o, nil
	}
	f.orderSeq++
	var o = lifecycle.Order{
		ID:               d.ID,
		OrderNumber:      fmt.Sprintf("ORD-2026-%04d", f.orderSeq),
		RetailerID:       d.RetailerID,
		Status:           lifecycle.StatusDraft,
		Source:           d.Source,
		RequiresApproval: d.RequiresApproval,
		CreatedAt:        f.clock.Now(),
	}
	for i, it := range d.Items {
		var sub = it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))).RoundBank(2)
		o.Items = append(o.Items, lifecycle.Item{
			ID: fmt.Sprintf("%s-item-%d", d.ID, i), OrderID: d.ID, ProductID: it.ProductID,
			Position: i, Quantity: it.Quantity, Unit: it.Unit, UnitPrice: it.UnitPrice, Subtotal: sub,
		})
		o.Total = o.Total.Add(sub)
	}
	f.orders[d.ID] = o
	return o, nil
}

func (f *fixture) Get(ctx context.Context, id string) (lifecycle.Order, error) {
	if o, ok := f.orders[id]; ok {
		return o, nil
	}
	return lifecycle.Order{}, errs.New(errs.NotFound, "order %s not found", id)
}

func (f *fixture) GetByNumber(ctx context.Context, number string) (lifecycle.Order, error) {
	for _, o := range f.orders {
		if o.OrderNumber == number {
			return o, nil
		}
	}
	return lifecycle.Order{}, errs.New(errs.NotFound, "order %s not found", number)
}

func (f *fixture) Latest(ctx context.Context, retailerID string) (lifecycle.Order, error) {
	var latest lifecycle.Order
	var found bool
	for _, o := range f.orders {
		if o.RetailerID == retailerID && (!found || o.CreatedAt.After(latest.CreatedAt)) {
			latest, found = o, true
		}
	}
	if !found {
		return lifecycle.Order{}, errs.New(errs.NotFound, "retailer %s has no orders", retailerID)
	}
	return latest, nil
}

func (f *fixture) MarkNeedsAdmin(ctx context.Context, q postgres.Queryer, orderID string) error {
	var o, ok = f.orders[orderID]
	if !ok {
		return errs.New(errs.NotFound, "order %s not found", orderID)
	}
	o.NeedsAdmin = true
	f.orders[orderID] = o
	return nil
}

// Attempts.

func (f *fixture) pendingRetry(orderID string) (lifecycle.Retry, bool) {
	for _, r := range f.retries {
		if r.OrderID == orderID && r.Status == lifecycle.RetryPending {
			return r, true
		}
	}
	return lifecycle.Retry{}, false
}

func (f *fixture) attemptCount(orderID string) int {
	var n int
	for _, r := range f.retries {
		if r.OrderID == orderID {
			n++
		}
	}
	return n
}

func (f *fixture) Pending(ctx context.Context, orderID string) (lifecycle.Retry, bool, error) {
	var r, ok = f.pendingRetry(orderID)
	return r, ok, nil
}

func (f *fixture) PendingForVendor(ctx context.Context, vendorID string) (lifecycle.Retry, bool, error) {
	for _, r := range f.retries {
		if r.VendorID == vendorID && r.Status == lifecycle.RetryPending {
			return r, true, nil
		}
	}
	return lifecycle.Retry{}, false, nil
}

func (f *fixture) CountAttempts(ctx context.Context, q postgres.Queryer, orderID string) (int, error) {
	return f.attemptCount(orderID), nil
}

func (f *fixture) AttemptedVendors(ctx context.Context, orderID string) ([]string, error) {
	var seen = map[string]bool{}
	var out []string
	for _, r := range f.retries {
		if r.OrderID == orderID && !seen[r.VendorID] {
			seen[r.VendorID] = true
			out = append(out, r.VendorID)
		}
	}
	return out, nil
}

// Directory.

func (f *fixture) GetRetailer(ctx context.Context, id string) (catalog.Retailer, error) {
	if r, ok := f.retailers[id]; ok {
		return r, nil
	}
	return catalog.Retailer{}, errs.New(errs.NotFound, "retailer %s not found", id)
}

func (f *fixture) GetRetailerByPhone(ctx context.Context, phone string) (catalog.Retailer, error) {
	for _, r := range f.retailers {
		if r.Phone == phone {
			return r, nil
		}
	}
	return catalog.Retailer{}, errs.New(errs.NotFound, "no retailer with phone %s", phone)
}

func (f *fixture) GetVendor(ctx context.Context, id string) (catalog.Vendor, error) {
	if v, ok := f.vendors[id]; ok {
		return v, nil
	}
	return catalog.Vendor{}, errs.New(errs.NotFound, "vendor %s not found", id)
}

func (f *fixture) GetVendorByPhone(ctx context.Context, phone string) (catalog.Vendor, error) {
	for _, v := range f.vendors {
		if v.Phone == phone {
			return v, nil
		}
	}
	return catalog.Vendor{}, errs.New(errs.NotFound, "no vendor with phone %s", phone)
}

func (f *fixture) GetProduct(ctx context.Context, id string) (catalog.Product, error) {
	if p, ok := f.products[id]; ok {
		return p, nil
	}
	return catalog.Product{}, errs.New(errs.NotFound, "product %s not found", id)
}

func (f *fixture) MarketAverage(ctx context.Context, productID string) (decimal.Decimal, error) {
	return f.averages[productID], nil
}

// Selecting.

func (f *fixture) Select(ctx context.Context, req selector.Request) (selector.Decision, error) {
	f.selectCalls++
	f.selectReqs = append(f.selectReqs, req)
	if len(f.selections) == 0 {
		return selector.Decision{Strategy: selector.RoundRobin}, nil
	}
	var sel = f.selections[0]
	f.selections = f.selections[1:]
	return sel, nil
}

// Notifying, Escalating, Rejections.

func (f *fixture) Send(ctx context.Context, msg notify.Notification) error {
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fixture) Escalate(ctx context.Context, esc queue.Escalation) {
	f.escalations = append(f.escalations, esc)
}

func (f *fixture) Persist(ctx context.Context, id, retailerID, source string, d admission.Decision, intent interface{}) (admission.Rejection, error) {
	var raw, err = json.Marshal(intent)
	if err != nil {
		return admission.Rejection{}, err
	}
	var rej = admission.Rejection{
		ID: id, RetailerID: retailerID, ReasonCode: d.ReasonCode,
		Reason: d.Reason, Source: source, Intent: raw, CreatedAt: f.clock.Now(),
	}
	f.rejections = append(f.rejections, rej)
	return rej, nil
}

// fakeExtractor scripts the OCR service.
type fakeExtractor struct {
	on  bool
	res extract.Result
	err error
}

func (e *fakeExtractor) Enabled() bool { return e.on }

func (e *fakeExtractor) Extract(ctx context.Context, imageRef string) (extract.Result, error) {
	return e.res, e.err
}

// fakeUploads mirrors the uploaded-order store's settle guard: only a
// PROCESSING row settles.
type fakeUploads struct {
	f *fixture
	m map[string]uploads.Upload
}

func (u *fakeUploads) rows() map[string]uploads.Upload {
	if u.m == nil {
		u.m = map[string]uploads.Upload{}
	}
	return u.m
}

func (u *fakeUploads) Create(ctx context.Context, id, retailerID, imageRef string) (uploads.Upload, error) {
	if up, ok := u.rows()[id]; ok {
		return up, nil
	}
	var up = uploads.Upload{
		ID: id, RetailerID: retailerID, ImageRef: imageRef,
		Status: uploads.StatusProcessing, CreatedAt: u.f.clock.Now(),
	}
	u.rows()[id] = up
	return up, nil
}

func (u *fakeUploads) Get(ctx context.Context, id string) (uploads.Upload, error) {
	if up, ok := u.rows()[id]; ok {
		return up, nil
	}
	return uploads.Upload{}, errs.New(errs.NotFound, "uploaded order %s not found", id)
}

func (u *fakeUploads) settle(id string, status uploads.Status, orderID, cause *string) error {
	var up, ok = u.rows()[id]
	if !ok || up.Status != uploads.StatusProcessing {
		return nil
	}
	up.Status = status
	if orderID != nil {
		up.OrderID = orderID
	}
	up.LastError = cause
	u.rows()[id] = up
	return nil
}

func (u *fakeUploads) MarkCompleted(ctx context.Context, id, orderID string) error {
	return u.settle(id, uploads.StatusCompleted, &orderID, nil)
}

func (u *fakeUploads) MarkFailed(ctx context.Context, id, cause string) error {
	return u.settle(id, uploads.StatusFailed, nil, &cause)
}

func (u *fakeUploads) MarkPendingReview(ctx context.Context, id, cause string) error {
	return u.settle(id, uploads.StatusPendingReview, nil, &cause)
}

// Assertion helpers.

func (f *fixture) workflow(t *testing.T, id string) *journal.Workflow {
	var wf, ok = f.workflows[id]
	require.True(t, ok, "workflow %s not found", id)
	return wf
}

func (f *fixture) order(t *testing.T, id string) lifecycle.Order {
	var o, ok = f.orders[id]
	require.True(t, ok, "order %s not found", id)
	return o
}

func (f *fixture) sentTemplates() []notify.Template {
	var out = make([]notify.Template, len(f.sent))
	for i, msg := range f.sent {
		out[i] = msg.Template
	}
	return out
}

func riceItems(qty int) []parser.Item {
	return []parser.Item{{ProductID: "p-rice", Name: "Basmati Rice", Quantity: qty, Unit: catalog.UnitKG}}
}

func TestDispatchAssignsVendor(t *testing.T) {
	var f = newFixture()
	var d = f.dispatcher(t)

	var out, err = d.Dispatch(context.Background(), Request{
		OrderID:  "order-1",
		Retailer: f.retailers["ret-1"],
		Items:    riceItems(10),
		Source:   lifecycle.SourceText,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeAccepted, out.Kind)

	var o = f.order(t, "order-1")
	require.Equal(t, lifecycle.StatusVendorAssigned, o.Status)
	require.NotNil(t, o.VendorID)
	require.Equal(t, "v-1", *o.VendorID)
	require.Equal(t, "520", o.Total.String())

	r, open := f.pendingRetry("order-1")
	require.True(t, open)
	require.Equal(t, "v-1", r.VendorID)
	require.Equal(t, 1, r.Attempt)

	var wf = f.workflow(t, "wf-1")
	require.Equal(t, journal.StatusCompleted, wf.Status)
	require.NotNil(t, wf.OrderID)
	require.Equal(t, "order-1", *wf.OrderID)

	require.Equal(t, []appliedChange{
		{"order-1", lifecycle.StatusDraft, lifecycle.StatusConfirmed, "system", "admitted"},
		{"order-1", lifecycle.StatusConfirmed, lifecycle.StatusVendorAssigned, "system", "selected by round-robin strategy"},
	}, f.changes)

	require.Equal(t, []notify.Template{
		notify.TemplateOrderConfirmed,
		notify.TemplateVendorAssignment,
	}, f.sentTemplates())
	require.Equal(t, "+919900000001", f.sent[0].Recipient)
	require.Equal(t, "+918800000001", f.sent[1].Recipient)
}

func TestDispatchRejectsOverCredit(t *testing.T) {
	var f = newFixture()
	var broke = f.retailers["ret-1"]
	broke.ID, broke.Phone = "ret-2", "+919900000002"
	broke.CreditLimit = decimal.NewFromInt(100)
	f.retailers["ret-2"] = broke
	var d = f.dispatcher(t)

	var out, err = d.Dispatch(context.Background(), Request{
		OrderID:  "order-1",
		Retailer: broke,
		Items:    riceItems(10), // 520 against 100 available
		Source:   lifecycle.SourceText,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, out.Kind)
	require.Equal(t, admission.CodeCreditLimitExceeded, out.Decision.ReasonCode)

	require.Empty(t, f.orders, "no order row for a rejected dispatch")
	require.Len(t, f.rejections, 1)
	require.Equal(t, "order-1", f.rejections[0].ID)

	require.Equal(t, []notify.Template{notify.TemplateInsufficientCredit}, f.sentTemplates())
	require.Equal(t, "100.00", f.sent[0].Data["available"])
	require.Equal(t, journal.StatusCompleted, f.workflow(t, "wf-1").Status)
}

func TestDispatchRejectsUnpricedProduct(t *testing.T) {
	var f = newFixture()
	delete(f.averages, "p-rice") // nobody offers it
	var d = f.dispatcher(t)

	var out, err = d.Dispatch(context.Background(), Request{
		Retailer: f.retailers["ret-1"],
		Items:    riceItems(10),
		Source:   lifecycle.SourceText,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeRejected, out.Kind)
	require.Equal(t, CodeProductUnavailable, out.Decision.ReasonCode)
	require.Contains(t, out.Decision.Reason, "Basmati Rice")
	require.Empty(t, f.orders)
}

func TestDispatchHoldsForApproval(t *testing.T) {
	var f = newFixture()
	var fair = f.retailers["ret-1"]
	fair.ID, fair.Phone = "ret-3", "+919900000003"
	fair.ScoreCategory = catalog.CategoryFair
	f.retailers["ret-3"] = fair
	var d = f.dispatcher(t)

	// 500kg × 52 = 26000: above FAIR's approval threshold, below its maximum.
	var out, err = d.Dispatch(context.Background(), Request{
		OrderID:  "order-1",
		Retailer: fair,
		Items:    riceItems(500),
		Source:   lifecycle.SourceText,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeHeld, out.Kind)

	var o = f.order(t, "order-1")
	require.Equal(t, lifecycle.StatusDraft, o.Status)
	require.True(t, o.RequiresApproval)
	require.Empty(t, f.changes, "held orders take no transition")

	require.Len(t, f.escalations, 1)
	require.Equal(t, queue.EscalationApproval, f.escalations[0].Kind)
	require.Equal(t, []notify.Template{notify.TemplateHeldForApproval}, f.sentTemplates())
	require.Equal(t, journal.StatusCompleted, f.workflow(t, "wf-1").Status)
}

func TestDispatchNoEligibleVendor(t *testing.T) {
	var f = newFixture()
	f.selections = []selector.Decision{{Strategy: selector.RoundRobin}} // nobody chosen
	var d = f.dispatcher(t)

	var out, err = d.Dispatch(context.Background(), Request{
		OrderID:  "order-1",
		Retailer: f.retailers["ret-1"],
		Items:    riceItems(10),
		Source:   lifecycle.SourceText,
	})
	require.NoError(t, err)
	require.Equal(t, OutcomeNoVendor, out.Kind)

	var o = f.order(t, "order-1")
	require.Equal(t, lifecycle.StatusConfirmed, o.Status, "order parks in CONFIRMED for recovery")
	require.Len(t, f.escalations, 1)
	require.Equal(t, queue.EscalationNoVendor, f.escalations[0].Kind)
	require.Equal(t, []notify.Template{notify.TemplateOrderConfirmed}, f.sentTemplates())
	require.Equal(t, journal.StatusCompleted, f.workflow(t, "wf-1").Status)
}

func TestDispatchRequiresItems(t *testing.T) {
	var f = newFixture()
	var d = f.dispatcher(t)

	var _, err = d.Dispatch(context.Background(), Request{Retailer: f.retailers["ret-1"]})
	require.Equal(t, errs.Validation, errs.CodeOf(err))
	require.Empty(t, f.workflows, "nothing journaled for an empty request")
}

// seedDispatchWorkflow journals an order_dispatch workflow parked at |step|
// with the draft already persisted, the way a crashed run leaves it.
func seedDispatchWorkflow(t *testing.T, f *fixture, step string, orderStatus lifecycle.Status, extra func(journal.State)) journal.Workflow {
	var state = journal.State{}
	require.NoError(t, state.Set(keyRequest, dispatchRequest{
		OrderID:    "order-1",
		RetailerID: "ret-1",
		Channel:    "+919900000001",
		Source:     string(lifecycle.SourceText),
		Items:      riceItems(10),
	}))
	require.NoError(t, state.Set(keyPriced, []pricedLine{{
		ProductID: "p-rice", Name: "Basmati Rice", Quantity: 10,
		Unit: catalog.UnitKG, UnitPrice: decimal.NewFromInt(52),
	}}))
	require.NoError(t, state.Set(keyAdmission, admission.Decision{
		Verdict: admission.Accept, ReasonCode: admission.CodeAccepted, Reason: "within limits",
	}))
	if extra != nil {
		extra(state)
	}

	f.orders["order-1"] = lifecycle.Order{
		ID: "order-1", OrderNumber: "ORD-2026-0001", RetailerID: "ret-1",
		Status: orderStatus, Source: lifecycle.SourceText,
		Total: decimal.NewFromInt(520),
		Items: []lifecycle.Item{{
			ID: "order-1-item-0", OrderID: "order-1", ProductID: "p-rice",
			Quantity: 10, Unit: catalog.UnitKG,
			UnitPrice: decimal.NewFromInt(52), Subtotal: decimal.NewFromInt(520),
		}},
	}

	var orderID = "order-1"
	f.wfSeq++
	var wf = journal.Workflow{
		ID:          fmt.Sprintf("wf-%d", f.wfSeq),
		OrderID:     &orderID,
		Type:        TypeOrderDispatch,
		CurrentStep: step,
		StepState:   state,
		Status:      journal.StatusInProgress,
		Attempts:    2,
	}
	f.workflows[wf.ID] = &wf
	return wf
}

func TestResumeReusesJournaledSelection(t *testing.T) {
	var f = newFixture()
	f.selections = nil // a Select call would come up empty
	var d = f.dispatcher(t)

	var wf = seedDispatchWorkflow(t, f, StepSelectVendor, lifecycle.StatusConfirmed, func(state journal.State) {
		require.NoError(t, state.Set(keySelection, selector.Decision{
			Strategy: selector.LeastLoaded,
			Ranked:   []string{"v-2", "v-1"},
			Chosen:   "v-2",
		}))
	})

	require.NoError(t, d.Resume(context.Background(), wf))
	require.Zero(t, f.selectCalls, "journaled selection is reused, not re-ranked")

	var o = f.order(t, "order-1")
	require.Equal(t, lifecycle.StatusVendorAssigned, o.Status)
	require.Equal(t, "v-2", *o.VendorID)
	require.Equal(t, journal.StatusCompleted, f.workflow(t, wf.ID).Status)
}

func TestResumeSettlesWhenOrderMovedOn(t *testing.T) {
	var f = newFixture()
	var d = f.dispatcher(t)

	// The order was accepted through another workflow while this one slept.
	var vendor = "v-1"
	var wf = seedDispatchWorkflow(t, f, StepSelectVendor, lifecycle.StatusAccepted, nil)
	var o = f.orders["order-1"]
	o.VendorID = &vendor
	f.orders["order-1"] = o

	require.NoError(t, d.Resume(context.Background(), wf))
	require.Zero(t, f.selectCalls)
	require.Empty(t, f.changes, "no transition for an order that moved on")
	require.Equal(t, journal.StatusCompleted, f.workflow(t, wf.ID).Status)
}

func TestResumeReplaysDraftIdempotently(t *testing.T) {
	var f = newFixture()
	var d = f.dispatcher(t)

	// Crashed after CreateDraft committed but before the step advanced; the
	// replay must not duplicate the order.
	var wf = seedDispatchWorkflow(t, f, StepPersistDraft, lifecycle.StatusDraft, nil)

	require.NoError(t, d.Resume(context.Background(), wf))
	require.Len(t, f.orders, 1)

	var o = f.order(t, "order-1")
	require.Equal(t, lifecycle.StatusVendorAssigned, o.Status)
	require.Equal(t, journal.StatusCompleted, f.workflow(t, wf.ID).Status)
}

func TestResumeFailsUnknownWorkflowType(t *testing.T) {
	var f = newFixture()
	var d = f.dispatcher(t)

	f.workflows["wf-9"] = &journal.Workflow{
		ID: "wf-9", Type: "mystery", CurrentStep: "STEP", Status: journal.StatusInProgress,
	}
	require.NoError(t, d.Resume(context.Background(), *f.workflows["wf-9"]))
	require.Equal(t, journal.StatusFailed, f.workflow(t, "wf-9").Status)
}

func TestHeldOrderResumesPastApproval(t *testing.T) {
	var f = newFixture()
	var d = f.dispatcher(t)

	// An admin approved the held order (DRAFT → CONFIRMED) before the
	// workflow was resumed; it must proceed to selection, not re-hold.
	var wf = seedDispatchWorkflow(t, f, StepPersistDraft, lifecycle.StatusConfirmed, func(state journal.State) {
		require.NoError(t, state.Set(keyAdmission, admission.Decision{
			Verdict: admission.NeedsApproval, ReasonCode: admission.CodeApprovalRequired,
		}))
	})

	require.NoError(t, d.Resume(context.Background(), wf))

	var o = f.order(t, "order-1")
	require.Equal(t, lifecycle.StatusVendorAssigned, o.Status)
	require.Empty(t, f.escalations, "no second approval escalation on replay")
	require.Equal(t, journal.StatusCompleted, f.workflow(t, wf.ID).Status)
}

func TestDispatchOutcomeLabelsCoverAllKinds(t *testing.T) {
	for _, kind := range []OutcomeKind{OutcomeAccepted, OutcomeHeld, OutcomeRejected, OutcomeNoVendor} {
		require.NotEmpty(t, outcomeLabels[kind], "kind %s has no metric label", kind)
	}
}
