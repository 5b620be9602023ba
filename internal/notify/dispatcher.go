package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dj-oyu/accident-detector/internal/logger"
	"github.com/dj-oyu/accident-detector/internal/metrics"
	"github.com/dj-oyu/accident-detector/pkg/types"
)

var (
	ErrQueueFull = errors.New("notification queue full")
	ErrClosed    = errors.New("dispatcher closed")
)

// Handler consumes engine events
type Handler interface {
	Name() string
	Handle(ctx context.Context, ev types.Event) error
}

// Dispatcher fans events out to handlers on a background goroutine so a
// slow or failing handler never blocks frame processing.
type Dispatcher struct {
	handlers []Handler
	queue    chan types.Event
	timeout  time.Duration
	metrics  *metrics.Metrics

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewDispatcher starts a dispatcher with a queue of queueSize events.
// Each handler call is bounded by timeout.
func NewDispatcher(queueSize int, timeout time.Duration, m *metrics.Metrics, handlers ...Handler) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 16
	}
	if m == nil {
		m = metrics.New()
	}
	d := &Dispatcher{
		handlers: handlers,
		queue:    make(chan types.Event, queueSize),
		timeout:  timeout,
		metrics:  m,
	}
	d.wg.Add(1)
	go d.run()
	return d
}

// Notify queues ev without blocking
func (d *Dispatcher) Notify(ev types.Event) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for ev := range d.queue {
		for _, h := range d.handlers {
			d.deliver(h, ev)
		}
	}
}

func (d *Dispatcher) deliver(h Handler, ev types.Event) {
	ctx := context.Background()
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			d.metrics.CallbackErrors.Add(1)
			logger.Error("Notify", "Handler %s panicked on %s: %v", h.Name(), ev.Kind, r)
		}
	}()

	if err := h.Handle(ctx, ev); err != nil {
		d.metrics.CallbackErrors.Add(1)
		logger.Warn("Notify", "%s", fmt.Errorf("handler %s on %s: %w", h.Name(), ev.Kind, err))
	}
}

// Close stops accepting events and waits for queued ones to be delivered
func (d *Dispatcher) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}
