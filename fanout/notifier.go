// Package fanout resolves the audience of an event and pushes it to the
// recipients' live connections off the caller's request path. Events are
// sharded by actor, so events from one actor are delivered in the order
// they were queued.
package fanout

import (
	"context"
	"fmt"
	"sync"

	"github.com/kasuganosora/friendhub/audience"
	"github.com/kasuganosora/friendhub/observability"
	"github.com/kasuganosora/friendhub/audit"
	"github.com/kasuganosora/friendhub/realtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Resolver computes the recipients of an event.
type Resolver interface {
	Resolve(ctx context.Context, ev audience.Event) ([]int64, error)
}

// Dispatcher delivers an event to a set of users.
type Dispatcher interface {
	Dispatch(kind string, payload interface{}, recipients []int64) (realtime.DispatchResult, error)
}

// Config sizes the worker pool. Queue is the total capacity, split evenly
// across the workers.
type Config struct {
	Workers int
	Queue   int
}

type job struct {
	ctx     context.Context
	ev      audience.Event
	payload interface{}
}

// Notifier runs fan-out jobs on a fixed pool of goroutines, each with its
// own queue. Failures are logged and counted; they never reach the code
// that triggered the event.
type Notifier struct {
	res  Resolver
	disp Dispatcher

	jobs   []chan job // one per worker
	stopCh chan struct{}
	once   sync.Once
	mu     sync.RWMutex // guards sends on jobs against Stop
	wg     sync.WaitGroup
	logger *zap.Logger
}

// New starts a Notifier with cfg.Workers goroutines.
func New(res Resolver, disp Dispatcher, cfg Config, logger *zap.Logger) *Notifier {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 1024
	}
	perWorker := cfg.Queue / cfg.Workers
	if perWorker < 1 {
		perWorker = 1
	}
	n := &Notifier{
		res:    res,
		disp:   disp,
		jobs:   make([]chan job, cfg.Workers),
		stopCh: make(chan struct{}),
		logger: logger,
	}
	for i := range n.jobs {
		n.jobs[i] = make(chan job, perWorker)
		n.wg.Add(1)
		go n.worker(n.jobs[i])
	}
	return n
}

// Notify queues ev on its actor's worker and returns immediately. The job
// outlives ctx's cancellation but keeps its values. When that worker's
// queue is full or the Notifier is stopped the event is dropped.
func (n *Notifier) Notify(ctx context.Context, ev audience.Event, payload interface{}) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	select {
	case <-n.stopCh:
		observability.IncNotifyFailure("stopped")
		return
	default:
	}
	select {
	case n.shard(ev.ActorID) <- job{ctx: context.WithoutCancel(ctx), ev: ev, payload: payload}:
	default:
		observability.IncNotifyFailure("queue_full")
		n.logger.Warn("notify queue full, dropping event",
			zap.String("kind", string(ev.Kind)),
			zap.Int64("actor_id", ev.ActorID))
	}
}

// NotifySync resolves and dispatches ev on the calling goroutine.
func (n *Notifier) NotifySync(ctx context.Context, ev audience.Event, payload interface{}) (res realtime.DispatchResult, err error) {
	ctx, span := observability.Tracer().Start(ctx, "fanout.notify", trace.WithAttributes(
		attribute.String("event.kind", string(ev.Kind)),
		attribute.Int64("event.actor_id", ev.ActorID),
		attribute.String("request.trace_id", audit.TraceIDFromCtx(ctx)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fanout panic: %v", r)
		}
	}()

	recipients, err := n.res.Resolve(ctx, ev)
	if err != nil {
		return res, err
	}
	res, err = n.disp.Dispatch(string(ev.Kind), payload, recipients)
	span.SetAttributes(
		attribute.Int("fanout.recipients", len(recipients)),
		attribute.Int("fanout.delivered", res.Delivered),
		attribute.Int("fanout.dropped", res.Dropped),
	)
	return res, err
}

// Stop rejects new events, finishes the queued ones and waits for the
// workers to exit.
func (n *Notifier) Stop() {
	n.once.Do(func() {
		n.mu.Lock()
		close(n.stopCh)
		for _, ch := range n.jobs {
			close(ch)
		}
		n.mu.Unlock()
	})
	n.wg.Wait()
}

func (n *Notifier) shard(actorID int64) chan job {
	return n.jobs[uint64(actorID)%uint64(len(n.jobs))]
}

func (n *Notifier) worker(jobs <-chan job) {
	defer n.wg.Done()
	for j := range jobs {
		n.run(j)
	}
}

func (n *Notifier) run(j job) {
	res, err := n.NotifySync(j.ctx, j.ev, j.payload)
	if err != nil {
		observability.IncNotifyFailure("error")
		n.logger.Error("fan-out failed",
			zap.String("kind", string(j.ev.Kind)),
			zap.Int64("actor_id", j.ev.ActorID),
			zap.Error(err))
		return
	}
	n.logger.Debug("fan-out done",
		zap.String("kind", string(j.ev.Kind)),
		zap.Int64("actor_id", j.ev.ActorID),
		zap.Int("delivered", res.Delivered),
		zap.Int("skipped", res.Skipped),
		zap.Int("dropped", res.Dropped))
}
