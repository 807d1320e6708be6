package dispatch

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/contextgate/types"
)

// Analysis is the payload handed to the downstream conversation analysis
// consumer after a successful call.
type Analysis struct {
	Messages    []types.Message
	FinalAnswer string
	Account     types.Account
}

// AnalysisFunc consumes one analysis payload.
type AnalysisFunc func(ctx context.Context, a Analysis)

// AnalysisQueue delivers analysis payloads to a single background consumer.
// Enqueue never blocks the request path: when the queue is full the payload
// is dropped.
type AnalysisQueue struct {
	ch     chan Analysis
	fn     AnalysisFunc
	logger *zap.Logger

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup
}

// NewAnalysisQueue starts the consumer goroutine. A size of zero or a nil
// fn returns nil, which disables analysis entirely.
func NewAnalysisQueue(size int, fn AnalysisFunc, logger *zap.Logger) *AnalysisQueue {
	if size <= 0 || fn == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &AnalysisQueue{
		ch:     make(chan Analysis, size),
		fn:     fn,
		logger: logger.With(zap.String("component", "analysis_queue")),
		done:   make(chan struct{}),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *AnalysisQueue) run() {
	defer q.wg.Done()
	ctx := context.Background()
	for {
		select {
		case a := <-q.ch:
			q.consume(ctx, a)
		case <-q.done:
			// Drain what is already queued before exiting.
			for {
				select {
				case a := <-q.ch:
					q.consume(ctx, a)
				default:
					return
				}
			}
		}
	}
}

// consume shields the request path from consumer panics.
func (q *AnalysisQueue) consume(ctx context.Context, a Analysis) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("analysis consumer panicked", zap.Any("panic", r))
		}
	}()
	q.fn(ctx, a)
}

// Enqueue hands off one payload without blocking. Safe on a nil queue.
func (q *AnalysisQueue) Enqueue(a Analysis) {
	if q == nil {
		return
	}
	select {
	case q.ch <- a:
	default:
		q.logger.Debug("analysis queue full, dropping payload")
	}
}

// Close stops the consumer after draining queued payloads. Safe on a nil
// queue and safe to call more than once.
func (q *AnalysisQueue) Close() {
	if q == nil {
		return
	}
	q.closeOnce.Do(func() { close(q.done) })
	q.wg.Wait()
}
