package ratelimit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

var ErrClosed = errors.New("rate limiter is closed")

const (
	defaultWindow        = time.Minute
	defaultCostRecheck   = time.Second
	defaultQueueCapacity = 4096
)

// Config describes the quota of one external service.
type Config struct {
	Service          string        `yaml:"service"`
	MaxPerWindow     int           `yaml:"max_per_window"`
	MaxCostPerWindow int           `yaml:"max_cost_per_window"`
	Window           time.Duration `yaml:"window"`
	CostRecheck      time.Duration `yaml:"cost_recheck"`
	QueueCapacity    int           `yaml:"queue_capacity"`
	// PollMaxPerWindow sizes a separate limiter for status checks. Zero leaves
	// checks unthrottled.
	PollMaxPerWindow int           `yaml:"poll_max_per_window"`
}

// Stats is a point-in-time view of a limiter for monitoring.
type Stats struct {
	Service            string  `json:"service"`
	QueueLength        int     `json:"queue_length"`
	DispatchedInWindow int     `json:"dispatched_in_window"`
	CostInWindow       int     `json:"cost_in_window"`
	MaxPerWindow       int     `json:"max_per_window"`
	MaxCostPerWindow   int     `json:"max_cost_per_window"`
	WindowSeconds      float64 `json:"window_seconds"`
	UtilizationPct     float64 `json:"utilization_pct"`
	CostUtilizationPct float64 `json:"cost_utilization_pct"`
}

type dispatch struct {
	at   time.Time
	cost int
}

const (
	admissionWaiting int32 = iota
	admissionGranted
	admissionAbandoned
)

type admission struct {
	ctx  context.Context
	cost int
	done chan error

	// state moves from waiting to granted or abandoned exactly once. Whoever
	// loses the race after a grant hands the slot back.
	state       atomic.Int32
	grantedAt   time.Time
	reservation *rate.Reservation
}

// Limiter admits callers in strict FIFO order while the trailing window has
// capacity. One drain goroutine owns admission; callers run their own work
// once admitted, so slow calls never hold up the queue.
type Limiter struct {
	cfg    Config
	queue  chan *admission
	spacer *rate.Limiter

	mu      sync.Mutex
	history []dispatch
	costSum int
	holding bool

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	now     func() time.Time
	onAdmit func(at time.Time, cost int)
}

func New(cfg Config) *Limiter {
	limiter := newLimiter(cfg, nil)
	go limiter.run()
	return limiter
}

func newLimiter(cfg Config, onAdmit func(time.Time, int)) *Limiter {
	if cfg.MaxPerWindow <= 0 {
		cfg.MaxPerWindow = 60
	}
	if cfg.Window <= 0 {
		cfg.Window = defaultWindow
	}
	if cfg.CostRecheck <= 0 {
		cfg.CostRecheck = defaultCostRecheck
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = defaultQueueCapacity
	}

	spacing := cfg.Window / time.Duration(cfg.MaxPerWindow)
	return &Limiter{
		cfg:     cfg,
		queue:   make(chan *admission, cfg.QueueCapacity),
		spacer:  rate.NewLimiter(rate.Every(spacing), 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		now:     time.Now,
		onAdmit: onAdmit,
	}
}

func (l *Limiter) Service() string {
	return l.cfg.Service
}

// Execute waits for this caller's turn, then runs fn. Errors from fn are
// returned unchanged; the limiter never retries.
func (l *Limiter) Execute(ctx context.Context, estimatedCost int, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if estimatedCost < 0 {
		estimatedCost = 0
	}

	request := &admission{
		ctx:  ctx,
		cost: estimatedCost,
		done: make(chan error, 1),
	}

	select {
	case <-l.done:
		return ErrClosed
	default:
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrClosed
	case l.queue <- request:
	}

	select {
	case err := <-request.done:
		if err != nil {
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			l.release(request)
			return ctxErr
		}
	case <-ctx.Done():
		if !request.state.CompareAndSwap(admissionWaiting, admissionAbandoned) {
			l.release(request)
		}
		return ctx.Err()
	case <-l.done:
		select {
		case err := <-request.done:
			if err != nil {
				return err
			}
		default:
			return ErrClosed
		}
	}

	return fn(ctx)
}

func (l *Limiter) Close() {
	l.closeOnce.Do(func() {
		close(l.stop)
		<-l.done
	})
}

func (l *Limiter) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.prune(l.now())
	stats := Stats{
		Service:            l.cfg.Service,
		QueueLength:        len(l.queue),
		DispatchedInWindow: len(l.history),
		CostInWindow:       l.costSum,
		MaxPerWindow:       l.cfg.MaxPerWindow,
		MaxCostPerWindow:   l.cfg.MaxCostPerWindow,
		WindowSeconds:      l.cfg.Window.Seconds(),
		UtilizationPct:     percentage(len(l.history), l.cfg.MaxPerWindow),
	}
	if l.holding {
		stats.QueueLength++
	}
	if l.cfg.MaxCostPerWindow > 0 {
		stats.CostUtilizationPct = percentage(l.costSum, l.cfg.MaxCostPerWindow)
	}
	return stats
}

func (l *Limiter) run() {
	defer close(l.done)

	for {
		select {
		case <-l.stop:
			l.rejectQueued()
			return
		case request := <-l.queue:
			l.setHolding(true)
			err := l.admit(request)
			l.setHolding(false)
			if err == nil && !request.state.CompareAndSwap(admissionWaiting, admissionGranted) {
				l.release(request)
			}
			request.done <- err
		}
	}
}

func (l *Limiter) admit(request *admission) error {
	for {
		if err := request.ctx.Err(); err != nil {
			return err
		}
		wait, ok := l.reserve(request)
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-l.stop:
			timer.Stop()
			return ErrClosed
		case <-request.ctx.Done():
			timer.Stop()
			return request.ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve records a dispatch when the window, the cost budget and the minimum
// spacing all allow it; otherwise it returns how long to wait before rechecking.
func (l *Limiter) reserve(request *admission) (time.Duration, bool) {
	cost := request.cost
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if len(l.history) >= l.cfg.MaxPerWindow {
		wait := l.history[0].at.Add(l.cfg.Window).Sub(now)
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		return wait, false
	}

	// A call larger than the whole budget still goes through once the window is empty.
	if l.cfg.MaxCostPerWindow > 0 && l.costSum > 0 && l.costSum+cost > l.cfg.MaxCostPerWindow {
		return l.cfg.CostRecheck, false
	}

	reservation := l.spacer.ReserveN(now, 1)
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return delay, false
	}

	l.history = append(l.history, dispatch{at: now, cost: cost})
	l.costSum += cost
	request.grantedAt = now
	request.reservation = reservation
	if l.onAdmit != nil {
		l.onAdmit(now, cost)
	}
	return 0, true
}

// release returns a granted slot whose caller gave up before running.
func (l *Limiter) release(request *admission) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i := len(l.history) - 1; i >= 0; i-- {
		if l.history[i].at.Equal(request.grantedAt) && l.history[i].cost == request.cost {
			l.history = append(l.history[:i], l.history[i+1:]...)
			l.costSum -= request.cost
			break
		}
	}
	if request.reservation != nil {
		request.reservation.CancelAt(l.now())
	}
}

func (l *Limiter) prune(now time.Time) {
	cut := 0
	for cut < len(l.history) && now.Sub(l.history[cut].at) >= l.cfg.Window {
		l.costSum -= l.history[cut].cost
		cut++
	}
	if cut > 0 {
		l.history = append(l.history[:0], l.history[cut:]...)
	}
}

func (l *Limiter) setHolding(value bool) {
	l.mu.Lock()
	l.holding = value
	l.mu.Unlock()
}

func (l *Limiter) rejectQueued() {
	for {
		select {
		case request := <-l.queue:
			request.done <- ErrClosed
		default:
			return
		}
	}
}

func percentage(value, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(value) * 100 / float64(limit)
}
