// Package recovery is the scan-and-resume loop that makes the durable
// queues self-healing. Each cycle drains due webhook events, reclaims
// abandoned workflows, closes expired vendor assignments, rescues stalled
// orders, refreshes stale vendor scores, and nudges idle retailers.
// Multiple workers coexist: every scan claims through a lease or guarded
// update, so two processes never act on the same item twice.
package recovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"

	"github.com/mandihq/mandi/catalog"
	"github.com/mandihq/mandi/errs"
	"github.com/mandihq/mandi/eventstore"
	"github.com/mandihq/mandi/journal"
	"github.com/mandihq/mandi/lifecycle"
	"github.com/mandihq/mandi/notify"
	"github.com/mandihq/mandi/ops"
	"github.com/mandihq/mandi/postgres"
	"github.com/mandihq/mandi/queue"
)

const (
	// DefaultInterval between cycles. Kick shortcuts it after an ingest.
	DefaultInterval = 2 * time.Minute
	// DefaultBatch bounds each pass's claim size so one cycle cannot hold
	// leases longer than the lease timeout.
	DefaultBatch = 50
	// DefaultStalledThreshold is how long a CONFIRMED order may sit without
	// vendor motion before re-entering selection.
	DefaultStalledThreshold = 15 * time.Minute
	// DefaultStalledEscalation is how long before a stalled order stops
	// cycling through selection and goes to the admin queue instead.
	DefaultStalledEscalation = 24 * time.Hour
	// DefaultNudgeAfter is how long a retailer must be idle before a
	// quick-reorder nudge. Also the dedup window between nudges.
	DefaultNudgeAfter = 7 * 24 * time.Hour
)

// Events is the webhook event store surface the worker drains.
type Events interface {
	ClaimPending(ctx context.Context, limit int) ([]eventstore.Event, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, cause string, nextAttemptAt time.Time) (bool, error)
}

// Journals is the workflow journal surface the worker reclaims from.
type Journals interface {
	ClaimStale(ctx context.Context, cutoff time.Time, limit int) ([]journal.Workflow, error)
	CountIncomplete(ctx context.Context) (int, error)
	Fail(ctx context.Context, id, cause string) error
}

// Dispatching is the slice of the dispatcher the worker drives: inbound
// events, resumed workflows, and vendor re-selection.
type Dispatching interface {
	HandleEvent(ctx context.Context, ev eventstore.Event) error
	Resume(ctx context.Context, wf journal.Workflow) error
	Reselect(ctx context.Context, orderID, retryID string, outcome lifecycle.RetryStatus) error
}

// Retries scans for vendor assignments whose response window lapsed.
type Retries interface {
	ExpiredPending(ctx context.Context, now time.Time, limit int) ([]lifecycle.Retry, error)
}

// Orders scans and flags stalled order rows, and reads the latest order
// per retailer for quick-reorder nudges.
type Orders interface {
	ListStalled(ctx context.Context, cutoff time.Time, limit int) ([]lifecycle.Order, error)
	MarkNeedsAdmin(ctx context.Context, q postgres.Queryer, orderID string) error
	Latest(ctx context.Context, retailerID string) (lifecycle.Order, error)
}

// Scores refreshes stale vendor score snapshots.
type Scores interface {
	RecomputeStale(ctx context.Context, limit int) (int, error)
}

// Directory lists idle retailers and resolves product names for nudges.
type Directory interface {
	ListIdleRetailers(ctx context.Context, before time.Time, limit int) ([]catalog.Retailer, error)
	GetProduct(ctx context.Context, id string) (catalog.Product, error)
}

// Notifying submits outbound messages.
type Notifying interface {
	Send(ctx context.Context, msg notify.Notification) error
}

// Escalating surfaces items to the admin queue.
type Escalating interface {
	Escalate(ctx context.Context, esc queue.Escalation)
}

// Config tunes the worker. Zero values take the defaults above.
type Config struct {
	Interval          time.Duration
	Batch             int
	StalledThreshold  time.Duration
	StalledEscalation time.Duration
	NudgeAfter        time.Duration
}

// Deps wires a Worker. Redis may be nil; nudge dedup then falls back to
// the in-process cache.
type Deps struct {
	DB         postgres.Queryer
	Clock      clockz.Clock
	Events     Events
	Journal    Journals
	Dispatcher Dispatching
	Retries    Retries
	Orders     Orders
	Scorer     Scores
	Catalog    Directory
	Notifier   Notifying
	Escalator  Escalating
	Redis      *redis.Client
}

// Worker runs recovery cycles until its context is done.
type Worker struct {
	db         postgres.Queryer
	clock      clockz.Clock
	events     Events
	journal    Journals
	dispatcher Dispatching
	retries    Retries
	orders     Orders
	scorer     Scores
	catalog    Directory
	notifier   Notifying
	escalator  Escalating
	redis      *redis.Client
	nudged     *lru.Cache[string, time.Time]
	cfg        Config
	wake       chan struct{}
}

func New(d Deps, cfg Config) (*Worker, error) {
	switch {
	case d.Events == nil, d.Journal == nil, d.Dispatcher == nil, d.Retries == nil,
		d.Orders == nil, d.Scorer == nil, d.Catalog == nil, d.Notifier == nil,
		d.Escalator == nil:
		return nil, errs.New(errs.Internal, "recovery worker is missing a dependency")
	}
	if d.Clock == nil {
		d.Clock = clockz.RealClock
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultBatch
	}
	if cfg.StalledThreshold <= 0 {
		cfg.StalledThreshold = DefaultStalledThreshold
	}
	if cfg.StalledEscalation <= 0 {
		cfg.StalledEscalation = DefaultStalledEscalation
	}
	if cfg.NudgeAfter <= 0 {
		cfg.NudgeAfter = DefaultNudgeAfter
	}

	var nudged, err = lru.New[string, time.Time](4096)
	if err != nil {
		return nil, fmt.Errorf("building nudge cache: %w", err)
	}
	return &Worker{
		db:         d.DB,
		clock:      d.Clock,
		events:     d.Events,
		journal:    d.Journal,
		dispatcher: d.Dispatcher,
		retries:    d.Retries,
		orders:     d.Orders,
		scorer:     d.Scorer,
		catalog:    d.Catalog,
		notifier:   d.Notifier,
		escalator:  d.Escalator,
		redis:      d.Redis,
		nudged:     nudged,
		cfg:        cfg,
		wake:       make(chan struct{}, 1),
	}, nil
}

// Kick wakes the worker ahead of its next interval. The webhook endpoint
// calls it after recording an event so ingest latency is not bounded by
// Interval. Kicks coalesce; a parked worker wakes once.
func (w *Worker) Kick() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run cycles until |ctx| is done: once immediately, then on every Interval
// tick or Kick. The first cycle also reclaims events and workflows whose
// leases expired while no process was running.
func (w *Worker) Run(ctx context.Context) error {
	if n, err := w.journal.CountIncomplete(ctx); err != nil {
		log.WithError(err).Warn("counting incomplete workflows")
	} else if n > 0 {
		log.WithField("count", n).Info("incomplete workflows awaiting recovery")
	}

	for {
		w.Cycle(ctx)

		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-w.clock.After(w.cfg.Interval):
		case <-w.wake:
		}
	}
}

// Cycle runs every pass once, in dependency order: events feed workflows,
// workflows feed assignments, assignments feed orders. A pass failure is
// logged and the cycle moves on; the next wake retries it.
func (w *Worker) Cycle(ctx context.Context) {
	var started = w.clock.Now()

	for _, pass := range []struct {
		name string
		run  func(context.Context) error
	}{
		{"events", w.drainEvents},
		{"workflows", w.resumeStaleWorkflows},
		{"retries", w.closeExpiredAssignments},
		{"stalled", w.rescueStalledOrders},
		{"scores", w.refreshScores},
		{"nudges", w.nudgeIdleRetailers},
	} {
		if ctx.Err() != nil {
			return
		}
		if err := pass.run(ctx); err != nil {
			log.WithField("pass", pass.name).WithError(err).Error("recovery pass failed")
		}
	}

	var took = w.clock.Now().Sub(started)
	ops.RecoveryCycles.Observe(took.Seconds())
	log.WithField("took", took).Debug("recovery cycle finished")
}

// drainEvents claims due webhook events and routes each through the
// dispatcher. Claims are leased: a crash mid-handle surfaces the event to
// another worker once the lease expires.
func (w *Worker) drainEvents(ctx context.Context) error {
	for {
		var events, err = w.events.ClaimPending(ctx, w.cfg.Batch)
		if err != nil {
			return err
		}
		for _, ev := range events {
			if ctx.Err() != nil {
				return nil
			}
			w.handleEvent(ctx, ev)
		}
		if len(events) < w.cfg.Batch {
			return nil
		}
	}
}

func (w *Worker) handleEvent(ctx context.Context, ev eventstore.Event) {
	var err = w.dispatcher.HandleEvent(ctx, ev)
	if err == nil {
		if err = w.events.Complete(ctx, ev.ID); err != nil {
			log.WithField("event", ev.ID).WithError(err).Error("completing webhook event")
			return
		}
		ops.EventsProcessed.WithLabelValues("completed").Inc()
		ops.RecoveryActions.WithLabelValues("events").Inc()
		return
	}

	var next = w.clock.Now().Add(eventstore.Backoff(ev.Attempts))
	dead, failErr := w.events.Fail(ctx, ev.ID, err.Error(), next)
	if failErr != nil {
		log.WithField("event", ev.ID).WithError(failErr).Error("failing webhook event")
		return
	}
	ops.RecoveryActions.WithLabelValues("events").Inc()

	if !dead {
		ops.EventsProcessed.WithLabelValues("failed").Inc()
		log.WithFields(log.Fields{
			"event":   ev.ID,
			"channel": ev.Channel,
			"retryAt": next,
		}).WithError(err).Warn("webhook event handling failed")
		return
	}
	ops.EventsProcessed.WithLabelValues("dead_letter").Inc()
	log.WithFields(log.Fields{
		"event":   ev.ID,
		"channel": ev.Channel,
	}).WithError(err).Error("webhook event dead-lettered")
	w.escalator.Escalate(ctx, queue.Escalation{
		Kind:    queue.EscalationDeadLetter,
		EventID: ev.ID,
		Reason:  err.Error(),
		At:      w.clock.Now(),
	})
}

// resumeStaleWorkflows reclaims journal entries whose owner stopped
// heartbeating and re-drives them. A workflow past MaxAttempts is failed
// and escalated instead; replaying it forever would mask a real defect.
func (w *Worker) resumeStaleWorkflows(ctx context.Context) error {
	var cutoff = w.clock.Now().Add(-journal.StaleThreshold)
	for {
		var stale, err = w.journal.ClaimStale(ctx, cutoff, w.cfg.Batch)
		if err != nil {
			return err
		}
		for _, wf := range stale {
			if ctx.Err() != nil {
				return nil
			}
			ops.RecoveryActions.WithLabelValues("workflows").Inc()

			if wf.Attempts > journal.MaxAttempts {
				w.failWorkflow(ctx, wf)
				continue
			}
			if err := w.dispatcher.Resume(ctx, wf); err != nil {
				log.WithFields(log.Fields{
					"workflow": wf.ID,
					"type":     wf.Type,
					"step":     wf.CurrentStep,
				}).WithError(err).Error("resuming workflow")
			}
		}
		if len(stale) < w.cfg.Batch {
			return nil
		}
	}
}

func (w *Worker) failWorkflow(ctx context.Context, wf journal.Workflow) {
	var cause = fmt.Sprintf("abandoned after %d attempts at step %s", wf.Attempts, wf.CurrentStep)
	if wf.LastError != nil {
		cause = fmt.Sprintf("%s: %s", cause, *wf.LastError)
	}
	if err := w.journal.Fail(ctx, wf.ID, cause); err != nil {
		log.WithField("workflow", wf.ID).WithError(err).Error("failing workflow")
		return
	}

	var esc = queue.Escalation{
		Kind:   queue.EscalationWorkflowFailed,
		Reason: fmt.Sprintf("workflow %s (%s) %s", wf.ID, wf.Type, cause),
		At:     w.clock.Now(),
	}
	if wf.OrderID != nil {
		esc.OrderID = *wf.OrderID
	}
	w.escalator.Escalate(ctx, esc)
	log.WithFields(log.Fields{
		"workflow": wf.ID,
		"type":     wf.Type,
		"attempts": wf.Attempts,
	}).Warn("workflow abandoned and escalated")
}

// closeExpiredAssignments routes PENDING vendor assignments whose response
// window lapsed through re-selection, which closes the attempt as TIMEOUT
// and scores the vendor's silence.
func (w *Worker) closeExpiredAssignments(ctx context.Context) error {
	var expired, err = w.retries.ExpiredPending(ctx, w.clock.Now(), w.cfg.Batch)
	if err != nil {
		return err
	}
	for _, r := range expired {
		if ctx.Err() != nil {
			return nil
		}
		ops.RecoveryActions.WithLabelValues("retries").Inc()
		log.WithFields(log.Fields{
			"order":   r.OrderID,
			"vendor":  r.VendorID,
			"attempt": r.Attempt,
		}).Info("vendor response window expired")

		if err := w.dispatcher.Reselect(ctx, r.OrderID, r.ID, lifecycle.RetryTimeout); err != nil {
			log.WithField("order", r.OrderID).WithError(err).Error("re-selecting after response timeout")
		}
	}
	return nil
}

// rescueStalledOrders re-enters selection for CONFIRMED orders that sat
// without vendor motion past StalledThreshold, and moves those older than
// StalledEscalation to the admin queue instead. MarkNeedsAdmin removes an
// order from this scan, so each escalates at most once.
func (w *Worker) rescueStalledOrders(ctx context.Context) error {
	var now = w.clock.Now()
	stalled, err := w.orders.ListStalled(ctx, now.Add(-w.cfg.StalledThreshold), w.cfg.Batch)
	if err != nil {
		return err
	}
	for _, o := range stalled {
		if ctx.Err() != nil {
			return nil
		}
		ops.RecoveryActions.WithLabelValues("stalled").Inc()

		if now.Sub(o.LastTransitionAt) >= w.cfg.StalledEscalation {
			if err := w.orders.MarkNeedsAdmin(ctx, w.db, o.ID); err != nil {
				log.WithField("order", o.ID).WithError(err).Error("flagging stalled order")
				continue
			}
			w.escalator.Escalate(ctx, queue.Escalation{
				Kind:    queue.EscalationStalledOrder,
				OrderID: o.ID,
				Reason: fmt.Sprintf("order %s has been CONFIRMED without a vendor since %s",
					o.OrderNumber, o.LastTransitionAt.Format(time.RFC3339)),
				At: now,
			})
			log.WithFields(log.Fields{
				"order": o.ID,
				"since": o.LastTransitionAt,
			}).Warn("stalled order escalated")
			continue
		}

		if err := w.dispatcher.Reselect(ctx, o.ID, "", ""); err != nil {
			log.WithField("order", o.ID).WithError(err).Error("re-selecting stalled order")
		}
	}
	return nil
}

// refreshScores recomputes dirty or expired vendor score snapshots,
// appending a PERIODIC score event for each.
func (w *Worker) refreshScores(ctx context.Context) error {
	var n, err = w.scorer.RecomputeStale(ctx, w.cfg.Batch)
	if err != nil {
		return err
	}
	if n > 0 {
		ops.RecoveryActions.WithLabelValues("scores").Add(float64(n))
		log.WithField("count", n).Debug("recomputed stale vendor scores")
	}
	return nil
}

// nudgeIdleRetailers offers a quick reorder of their latest order to
// retailers idle past NudgeAfter.
func (w *Worker) nudgeIdleRetailers(ctx context.Context) error {
	var now = w.clock.Now()
	idle, err := w.catalog.ListIdleRetailers(ctx, now.Add(-w.cfg.NudgeAfter), w.cfg.Batch)
	if err != nil {
		return err
	}
	for _, r := range idle {
		if ctx.Err() != nil {
			return nil
		}
		if w.nudgedRecently(ctx, r.ID) {
			continue
		}
		if err := w.nudge(ctx, now, r); err != nil {
			log.WithField("retailer", r.ID).WithError(err).Warn("building quick-reorder nudge")
		}
	}
	return nil
}

func (w *Worker) nudge(ctx context.Context, now time.Time, r catalog.Retailer) error {
	var last, err = w.orders.Latest(ctx, r.ID)
	if err != nil {
		return err
	}
	var lines = make([]string, 0, len(last.Items))
	for _, it := range last.Items {
		p, err := w.catalog.GetProduct(ctx, it.ProductID)
		if err != nil {
			return err
		}
		lines = append(lines, fmt.Sprintf("%d%s %s", it.Quantity, it.Unit, p.Name))
	}
	var days = int(now.Sub(*r.LastOrderAt).Hours() / 24)

	ops.RecoveryActions.WithLabelValues("nudges").Inc()
	log.WithFields(log.Fields{
		"retailer": r.ID,
		"days":     days,
	}).Info("nudging idle retailer")
	return w.notifier.Send(ctx, notify.Notification{
		Recipient: r.Phone,
		Template:  notify.TemplateQuickReorder,
		OrderID:   last.ID,
		Data: map[string]interface{}{
			"days":            days,
			"item_lines":      strings.Join(lines, ", "),
			"estimated_total": last.Total.StringFixed(2),
		},
	})
}

// nudgedRecently claims the retailer's nudge slot, via redis SETNX when
// available and the in-process LRU otherwise. Redis makes the claim
// cluster-wide; the LRU fallback still stops same-process repeats.
func (w *Worker) nudgedRecently(ctx context.Context, retailerID string) bool {
	var key = "nudge:" + retailerID
	if w.redis != nil {
		var fresh, err = w.redis.SetNX(ctx, key, "1", w.cfg.NudgeAfter).Result()
		if err == nil {
			return !fresh
		}
		log.WithError(err).Debug("redis nudge dedup unavailable, using local cache")
	}

	var now = w.clock.Now()
	if expiry, ok := w.nudged.Get(key); ok && now.Before(expiry) {
		return true
	}
	w.nudged.Add(key, now.Add(w.cfg.NudgeAfter))
	return false
}
