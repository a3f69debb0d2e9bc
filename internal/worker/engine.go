package worker

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/Cypherspark/notify-gateway/internal/core"
	"github.com/Cypherspark/notify-gateway/internal/metrics"
	"golang.org/x/time/rate"
)

// Recorder persists one delivery outcome.
type Recorder interface {
	RecordDelivery(ctx context.Context, ev core.DeliveryEvent) error
}

type Options struct {
	Concurrency  int           // number of writer goroutines
	QueueSize    int           // buffered events before Enqueue drops
	WriteQPS     float64       // sustained write rate, 0 = unlimited
	WriteBurst   int           // burst to allow short spikes
	WriteTimeout time.Duration // per-write timeout
	MaxAttempts  int
	BackoffMin   time.Duration
	BackoffMax   time.Duration
}

func (o *Options) setDefaults() {
	if o.Concurrency <= 0 {
		o.Concurrency = 4
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.WriteBurst <= 0 {
		o.WriteBurst = 1
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.BackoffMin <= 0 {
		o.BackoffMin = 200 * time.Millisecond
	}
	if o.BackoffMax < o.BackoffMin {
		o.BackoffMax = 5 * time.Second
	}
}

// Engine buffers delivery events from the subscriber callback and writes
// them with a fixed pool, so a slow database never blocks the event stream.
type Engine struct {
	rec     Recorder
	opt     Options
	jobs    chan core.DeliveryEvent
	limiter *rate.Limiter
	log     *slog.Logger
}

func New(rec Recorder, opt Options, log *slog.Logger) *Engine {
	opt.setDefaults()
	if log == nil {
		log = slog.Default()
	}
	lim := rate.NewLimiter(rate.Inf, opt.WriteBurst)
	if opt.WriteQPS > 0 {
		lim = rate.NewLimiter(rate.Limit(opt.WriteQPS), opt.WriteBurst)
	}
	return &Engine{
		rec:     rec,
		opt:     opt,
		jobs:    make(chan core.DeliveryEvent, opt.QueueSize),
		limiter: lim,
		log:     log,
	}
}

// Enqueue never blocks; it reports false when the queue is full and the
// event was dropped.
func (e *Engine) Enqueue(ev core.DeliveryEvent) bool {
	select {
	case e.jobs <- ev:
		metrics.DeliveryLogQueue.Set(float64(len(e.jobs)))
		return true
	default:
		metrics.DeliveryLogTotal.WithLabelValues("dropped").Inc()
		e.log.Warn("delivery log queue full, dropping event", "message_id", ev.MessageID)
		return false
	}
}

// Run writes queued events until ctx is canceled, then finishes what is
// already buffered and returns ctx.Err().
func (e *Engine) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	wg.Add(e.opt.Concurrency)
	for i := 0; i < e.opt.Concurrency; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-e.jobs:
					if ctx.Err() != nil {
						// leave it for drain
						e.Enqueue(ev)
						return
					}
					metrics.DeliveryLogQueue.Set(float64(len(e.jobs)))
					e.writeOne(ctx, ev)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	e.drain()
	return ctx.Err()
}

// drain flushes whatever is still buffered with a fresh, bounded context.
func (e *Engine) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), e.opt.WriteTimeout)
	defer cancel()
	for {
		select {
		case ev := <-e.jobs:
			e.writeOne(ctx, ev)
		default:
			metrics.DeliveryLogQueue.Set(0)
			return
		}
	}
}

func (e *Engine) writeOne(ctx context.Context, ev core.DeliveryEvent) {
	backoff := e.opt.BackoffMin
	for attempt := 1; ; attempt++ {
		if err := e.limiter.Wait(ctx); err != nil {
			metrics.DeliveryLogTotal.WithLabelValues("failed").Inc()
			return
		}
		wctx, cancel := context.WithTimeout(ctx, e.opt.WriteTimeout)
		err := e.rec.RecordDelivery(wctx, ev)
		cancel()
		if err == nil {
			metrics.DeliveryLogTotal.WithLabelValues("recorded").Inc()
			return
		}
		if attempt >= e.opt.MaxAttempts || ctx.Err() != nil {
			metrics.DeliveryLogTotal.WithLabelValues("failed").Inc()
			e.log.Error("delivery log write failed",
				"message_id", ev.MessageID, "attempts", attempt, "error", err)
			return
		}

		metrics.DeliveryLogTotal.WithLabelValues("retried").Inc()
		sleep := jitter(backoff, 0.20)
		e.log.Warn("delivery log write error, backing off",
			"message_id", ev.MessageID, "sleep", sleep, "error", err)
		select {
		case <-ctx.Done():
			metrics.DeliveryLogTotal.WithLabelValues("failed").Inc()
			return
		case <-time.After(sleep):
		}
		backoff = min(e.opt.BackoffMax, time.Duration(float64(backoff)*1.6))
	}
}

func jitter(d time.Duration, frac float64) time.Duration {
	if frac <= 0 {
		return d
	}
	delta := int64(float64(d) * frac)
	if delta <= 0 {
		return d
	}
	// random in [-delta, +delta]
	n := rand.Int64N(2*delta+1) - delta
	return d + time.Duration(n)
}
