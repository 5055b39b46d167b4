package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/zoobzio/clockz"
	"github.com/zoobzio/pipz"

	"github.com/mandihq/mandi/ops"
)

const (
	// QueueDepth bounds the submit queue; a full queue drops with a warning
	// rather than blocking the caller.
	QueueDepth = 256
	// GatewayConcurrency workers drain the queue.
	GatewayConcurrency = 10
	// MaxAttempts per submission, with exponential backoff from BaseDelay.
	MaxAttempts = 5
	BaseDelay   = time.Second
	// ExternalTimeout caps each individual gateway call.
	ExternalTimeout = 30 * time.Second
	// DedupTTL is how long a (template, order, recipient) key suppresses
	// repeats. Covers workflow resumption replaying a NOTIFY step.
	DedupTTL = 6 * time.Hour
)

// Sender delivers one rendered message. *gateway.Client implements it.
type Sender interface {
	Send(ctx context.Context, channelID, text string) error
}

// Notification is one message to a recipient. OrderID scopes deduplication;
// notifications not tied to an order leave it empty and dedup on
// (template, recipient) alone.
type Notification struct {
	Recipient string
	Template  Template
	OrderID   string
	Data      map[string]interface{}
}

type submission struct {
	recipient string
	text      string
	template  Template
}

// Notifier renders synchronously and submits asynchronously.
type Notifier struct {
	sender   Sender
	redis    *redis.Client // nil when REDIS_URL is unset
	seen     *lru.Cache[string, time.Time]
	clock    clockz.Clock
	queue    chan submission
	pipeline pipz.Chainable[submission]
	wg       sync.WaitGroup
}

func New(sender Sender, rdb *redis.Client, clock clockz.Clock) (*Notifier, error) {
	if clock == nil {
		clock = clockz.RealClock
	}
	var seen, err = lru.New[string, time.Time](4096)
	if err != nil {
		return nil, fmt.Errorf("building dedup cache: %w", err)
	}

	var n = &Notifier{
		sender: sender,
		redis:  rdb,
		seen:   seen,
		clock:  clock,
		queue:  make(chan submission, QueueDepth),
	}
	n.pipeline = pipz.NewBackoff[submission]("notify-submit",
		pipz.NewTimeout[submission]("gateway-timeout",
			pipz.Apply("gateway-send", n.post),
			ExternalTimeout),
		MaxAttempts, BaseDelay)
	return n, nil
}

func (n *Notifier) post(ctx context.Context, s submission) (submission, error) {
	return s, n.sender.Send(ctx, s.recipient, s.text)
}

// Send renders, dedups, and enqueues one notification. Render failures
// return synchronously; everything past the queue is best-effort and never
// propagates to the caller.
func (n *Notifier) Send(ctx context.Context, msg Notification) error {
	var text, err = Render(msg.Template, msg.Data)
	if err != nil {
		return err
	}

	if n.isDuplicate(ctx, dedupKey(msg)) {
		ops.NotifySubmissions.WithLabelValues("deduped").Inc()
		log.WithFields(log.Fields{
			"template":  msg.Template,
			"order":     msg.OrderID,
			"recipient": msg.Recipient,
		}).Debug("suppressing duplicate notification")
		return nil
	}

	select {
	case n.queue <- submission{recipient: msg.Recipient, text: text, template: msg.Template}:
	default:
		ops.NotifySubmissions.WithLabelValues("dropped").Inc()
		log.WithFields(log.Fields{
			"template":  msg.Template,
			"recipient": msg.Recipient,
		}).Warn("notification queue full, dropping")
	}
	return nil
}

func dedupKey(msg Notification) string {
	return fmt.Sprintf("notify:%s:%s:%s", msg.Template, msg.OrderID, msg.Recipient)
}

// isDuplicate claims the dedup key, via redis SETNX when available and the
// in-process LRU otherwise. Redis makes the claim cluster-wide; the LRU
// fallback still stops same-process repeats.
func (n *Notifier) isDuplicate(ctx context.Context, key string) bool {
	if n.redis != nil {
		var fresh, err = n.redis.SetNX(ctx, key, "1", DedupTTL).Result()
		if err == nil {
			return !fresh
		}
		log.WithError(err).Debug("redis dedup unavailable, using local cache")
	}

	var now = n.clock.Now()
	if expiry, ok := n.seen.Get(key); ok && now.Before(expiry) {
		return true
	}
	n.seen.Add(key, now.Add(DedupTTL))
	return false
}

// Start launches the submit workers. They exit when |ctx| is cancelled;
// queued-but-unsent messages are dropped, which is the contract: outbound
// chat is best-effort.
func (n *Notifier) Start(ctx context.Context) {
	for i := 0; i < GatewayConcurrency; i++ {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case s := <-n.queue:
					n.deliver(ctx, s)
				}
			}
		}()
	}
}

// Wait blocks until every worker has exited.
func (n *Notifier) Wait() { n.wg.Wait() }

func (n *Notifier) deliver(ctx context.Context, s submission) {
	var _, err = n.pipeline.Process(ctx, s)
	if err != nil {
		ops.NotifySubmissions.WithLabelValues("failed").Inc()
		log.WithFields(log.Fields{
			"template":  s.template,
			"recipient": s.recipient,
		}).WithError(err).Error("notification delivery failed after retries")
		return
	}
	ops.NotifySubmissions.WithLabelValues("sent").Inc()
}
