package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// StatusError carries an HTTP-like status code so the limiter can decide
// whether a failure is transient.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("provider returned status %d: %s", e.Code, e.Message)
}

// Retryable reports whether err is a transient provider failure (429 or 5xx).
func Retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code == 429 || se.Code >= 500
	}
	return false
}

// ClassConfig configures one provider class reservoir.
type ClassConfig struct {
	Capacity      int           // tokens per refill period
	Period        time.Duration // refill period
	MaxConcurrent int           // hard cap on in-flight tasks
	MaxRetries    int           // retry budget for 429/5xx failures
}

// EventKind identifies a task lifecycle event. Events are observability
// only and never affect control flow.
type EventKind string

const (
	EventDone    EventKind = "done"
	EventError   EventKind = "error"
	EventDropped EventKind = "dropped"
)

type Event struct {
	Class   string
	Kind    EventKind
	Attempt int
	Err     error
}

const (
	backoffBase = 1 * time.Second
	backoffCap  = 30 * time.Second
)

var (
	metricsOnce sync.Once
	tasksTotal  *prometheus.CounterVec
	inFlight    *prometheus.GaugeVec
)

func initMetrics() {
	metricsOnce.Do(func() {
		tasksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "pixelmint_limiter_tasks_total",
			Help: "Limiter task outcomes by provider class.",
		}, []string{"class", "outcome"})
		inFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pixelmint_limiter_in_flight",
			Help: "Tasks currently executing per provider class.",
		}, []string{"class"})
	})
}

type class struct {
	cfg       ClassConfig
	reservoir *rate.Limiter
	slots     chan struct{}
}

// Limiter bounds outbound call rate and concurrency per provider class and
// retries transient failures with exponential backoff. Construct one at
// process start and pass it by reference; there are no package globals.
type Limiter struct {
	classes map[string]*class
	logger  *zap.Logger
	hook    func(Event)
	sleep   func(ctx context.Context, d time.Duration) error
}

type Option func(*Limiter)

// WithEventHook registers an observer for task lifecycle events.
func WithEventHook(hook func(Event)) Option {
	return func(l *Limiter) { l.hook = hook }
}

// WithSleepFunc replaces the backoff sleep, used by tests to simulate time.
func WithSleepFunc(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(l *Limiter) { l.sleep = sleep }
}

func New(classes map[string]ClassConfig, logger *zap.Logger, opts ...Option) *Limiter {
	initMetrics()
	l := &Limiter{
		classes: make(map[string]*class, len(classes)),
		logger:  logger,
		sleep:   sleepCtx,
	}
	for name, cfg := range classes {
		l.classes[name] = &class{
			cfg:       cfg,
			reservoir: rate.NewLimiter(rate.Limit(float64(cfg.Capacity)/cfg.Period.Seconds()), cfg.Capacity),
			slots:     make(chan struct{}, cfg.MaxConcurrent),
		}
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Limiter) emit(ev Event) {
	tasksTotal.WithLabelValues(ev.Class, string(ev.Kind)).Inc()
	if l.hook != nil {
		l.hook(ev)
	}
}

// Do runs task under the class's reservoir and concurrency cap. The caller
// suspends until a token and a slot are both available, in token-availability
// order. Failures carrying status 429 or 5xx are retried in place up to the
// class retry budget with backoff min(base*2^attempt, cap); any other error
// propagates immediately. Exhausting retries surfaces the last error.
func (l *Limiter) Do(ctx context.Context, className string, task func(ctx context.Context) error) error {
	c, ok := l.classes[className]
	if !ok {
		return fmt.Errorf("unknown limiter class %q", className)
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		if err := c.reservoir.Wait(ctx); err != nil {
			return err
		}
		select {
		case c.slots <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}

		inFlight.WithLabelValues(className).Inc()
		err := task(ctx)
		inFlight.WithLabelValues(className).Dec()
		<-c.slots

		if err == nil {
			l.emit(Event{Class: className, Kind: EventDone, Attempt: attempt})
			return nil
		}
		lastErr = err

		if !Retryable(err) {
			l.emit(Event{Class: className, Kind: EventError, Attempt: attempt, Err: err})
			return err
		}
		if attempt >= c.cfg.MaxRetries {
			l.emit(Event{Class: className, Kind: EventDropped, Attempt: attempt, Err: err})
			l.logger.Warn("retry budget exhausted",
				zap.String("class", className),
				zap.Int("attempts", attempt+1),
				zap.Error(err))
			return lastErr
		}

		l.emit(Event{Class: className, Kind: EventError, Attempt: attempt, Err: err})
		delay := backoffBase << uint(attempt)
		if delay > backoffCap || delay <= 0 {
			delay = backoffCap
		}
		l.logger.Debug("retrying transient provider failure",
			zap.String("class", className),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := l.sleep(ctx, delay); err != nil {
			return err
		}
	}
}
