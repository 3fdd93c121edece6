package journal

import (
	"context"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/coachpo/pocketoption/internal/session"
)

const (
	defaultBufferSize = 256
	saveTimeout       = 5 * time.Second
)

// OrderSaver persists one order.
type OrderSaver interface {
	SaveOrder(ctx context.Context, order session.Order) error
}

// Recorder journals settled orders off the socket's read path. Settled
// orders are queued and written by a single background writer; when the
// queue is full the order is dropped and logged.
type Recorder struct {
	saver  OrderSaver
	logger *zap.Logger
	queue  chan session.Order

	mu      sync.Mutex
	closed  bool
	started bool
	wg      conc.WaitGroup
	dropped int
}

// NewRecorder constructs a Recorder that writes through saver.
func NewRecorder(saver OrderSaver, bufferSize int, logger *zap.Logger) *Recorder {
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		saver:  saver,
		logger: logger.Named("journal"),
		queue:  make(chan session.Order, bufferSize),
	}
}

// Start launches the writer. Writes use ctx as their parent; the writer
// drains the queue once Close is called.
func (r *Recorder) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started || r.closed {
		return
	}
	r.started = true
	base := context.WithoutCancel(ctx)
	r.wg.Go(func() {
		for order := range r.queue {
			r.save(base, order)
		}
	})
}

// OrderSettled queues order for writing without blocking.
func (r *Recorder) OrderSettled(order session.Order) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	select {
	case r.queue <- order:
	default:
		r.dropped++
		r.logger.Warn("journal queue full, dropping order",
			zap.String("order_id", order.ID),
			zap.Int("dropped", r.dropped))
	}
}

// Dropped reports how many orders were discarded because the queue was full.
func (r *Recorder) Dropped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close stops accepting orders and waits for queued ones to be written.
func (r *Recorder) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	started := r.started
	r.mu.Unlock()

	if !started {
		for order := range r.queue {
			r.save(context.Background(), order)
		}
		return
	}
	r.wg.Wait()
}

func (r *Recorder) save(parent context.Context, order session.Order) {
	ctx, cancel := context.WithTimeout(parent, saveTimeout)
	defer cancel()
	if err := r.saver.SaveOrder(ctx, order); err != nil {
		r.logger.Error("journal write failed",
			zap.String("order_id", order.ID),
			zap.String("asset", order.Asset),
			zap.Error(err))
		return
	}
	r.logger.Debug("order journaled",
		zap.String("order_id", order.ID),
		zap.String("outcome", string(order.Outcome())))
}
