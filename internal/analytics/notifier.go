package analytics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// UsageEvent is a best-effort usage record dispatched after the core
// transaction commits. Losing one can never affect ledger or generation
// state.
type UsageEvent struct {
	UserID       int64
	GenerationID string
	Kind         string
	Status       string
	Credits      int64
	Duration     time.Duration
}

var (
	metricsOnce      sync.Once
	generationsTotal *prometheus.CounterVec
	creditsSpent     prometheus.Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		generationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelmint_generations_total",
			Help: "Generation outcomes by kind and status.",
		}, []string{"kind", "status"})
		creditsSpent = promauto.NewCounter(prometheus.CounterOpts{
			Name: "pixelmint_credits_spent_total",
			Help: "Credits billed for completed generations.",
		})
	})
}

// Notifier drains usage events on a background goroutine. Dispatch never
// blocks; events are dropped when the buffer is full.
type Notifier struct {
	ch     chan UsageEvent
	logger *zap.Logger
	wg     sync.WaitGroup
	once   sync.Once
}

func NewNotifier(logger *zap.Logger) *Notifier {
	initMetrics()
	n := &Notifier{
		ch:     make(chan UsageEvent, 1024),
		logger: logger,
	}
	n.wg.Add(1)
	go n.drain()
	return n
}

func (n *Notifier) drain() {
	defer n.wg.Done()
	for ev := range n.ch {
		generationsTotal.WithLabelValues(ev.Kind, ev.Status).Inc()
		if ev.Status == "completed" {
			creditsSpent.Add(float64(ev.Credits))
		}
		n.logger.Info("usage event",
			zap.Int64("user_id", ev.UserID),
			zap.String("generation_id", ev.GenerationID),
			zap.String("kind", ev.Kind),
			zap.String("status", ev.Status),
			zap.Int64("credits", ev.Credits),
			zap.Duration("duration", ev.Duration))
	}
}

// Dispatch enqueues the event without blocking the caller.
func (n *Notifier) Dispatch(ev UsageEvent) {
	select {
	case n.ch <- ev:
	default:
		n.logger.Warn("usage event dropped, buffer full",
			zap.String("generation_id", ev.GenerationID))
	}
}

// Close flushes pending events and stops the drain goroutine.
func (n *Notifier) Close() {
	n.once.Do(func() {
		close(n.ch)
	})
	n.wg.Wait()
}
