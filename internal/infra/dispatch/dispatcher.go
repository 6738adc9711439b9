// Package dispatch runs fire-and-forget side effects (audit writes, event
// mirroring, notifications) on a bounded worker pool.
package dispatch

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrClosed is returned by Close when called twice.
var ErrClosed = errors.New("dispatch: dispatcher closed")

// Job is one unit of background work. Run receives a context bounded by
// Config.Timeout and is retried while it returns an error.
type Job struct {
	Name string
	Run  func(ctx context.Context) error
}

// Config sizes the pool and its retry policy.
type Config struct {
	QueueSize   int
	Workers     int
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Timeout     time.Duration
}

func (c Config) withDefaults() Config {
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseBackoff <= 0 {
		c.BaseBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff < c.BaseBackoff {
		c.MaxBackoff = c.BaseBackoff
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	return c
}

// Dispatcher owns a queue and the workers draining it. Submit never blocks;
// Close stops intake and waits for queued jobs until its context ends.
type Dispatcher struct {
	cfg    Config
	logger *zap.Logger
	queue  chan Job

	mu     sync.RWMutex
	closed bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	onDrop func(Job)
	onFail func(Job, error)
	sleep  func(ctx context.Context, d time.Duration) error
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithDropHook is called for every job rejected by Submit.
func WithDropHook(fn func(Job)) Option {
	return func(d *Dispatcher) {
		d.onDrop = fn
	}
}

// WithFailureHook is called once a job has exhausted its retries.
func WithFailureHook(fn func(Job, error)) Option {
	return func(d *Dispatcher) {
		d.onFail = fn
	}
}

// WithSleep replaces the backoff wait, used in tests.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(d *Dispatcher) {
		if fn != nil {
			d.sleep = fn
		}
	}
}

// New starts the worker pool.
func New(cfg Config, opts ...Option) *Dispatcher {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	d := &Dispatcher{
		cfg:    cfg,
		logger: zap.NewNop(),
		queue:  make(chan Job, cfg.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		sleep:  sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}

	d.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go d.worker()
	}

	return d
}

// Submit enqueues job without blocking. It reports false when the queue is
// full or the dispatcher is closing; the job is then dropped.
func (d *Dispatcher) Submit(job Job) bool {
	if job.Run == nil {
		return false
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		d.drop(job, "dispatcher closed")
		return false
	}

	select {
	case d.queue <- job:
		return true
	default:
		d.drop(job, "queue full")
		return false
	}
}

// Pending reports the number of queued jobs.
func (d *Dispatcher) Pending() int {
	return len(d.queue)
}

// Close stops accepting jobs and drains the queue. If ctx ends first the
// in-flight jobs are cancelled and ctx.Err() is returned.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrClosed
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		d.logger.Warn("dispatcher drain interrupted", zap.Int("pending", len(d.queue)))
		return ctx.Err()
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.run(job)
	}
}

func (d *Dispatcher) run(job Job) {
	var err error
	for attempt := 0; attempt <= d.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			if sleepErr := d.sleep(d.ctx, d.backoff(attempt)); sleepErr != nil {
				err = sleepErr
				break
			}
		}

		err = d.runOnce(job)
		if err == nil {
			return
		}

		d.logger.Debug("background job attempt failed",
			zap.String("job", job.Name),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}

	d.logger.Error("background job failed",
		zap.String("job", job.Name),
		zap.Int("attempts", d.cfg.MaxRetries+1),
		zap.Error(err),
	)
	if d.onFail != nil {
		d.onFail(job, err)
	}
}

func (d *Dispatcher) runOnce(job Job) (err error) {
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.Timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("background job panicked", zap.String("job", job.Name), zap.Any("panic", r))
			err = errors.New("dispatch: job panicked")
		}
	}()

	return job.Run(ctx)
}

// backoff doubles from BaseBackoff and is capped at MaxBackoff.
func (d *Dispatcher) backoff(attempt int) time.Duration {
	delay := d.cfg.BaseBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= d.cfg.MaxBackoff {
			return d.cfg.MaxBackoff
		}
	}
	return delay
}

func (d *Dispatcher) drop(job Job, reason string) {
	d.logger.Warn("background job dropped", zap.String("job", job.Name), zap.String("reason", reason))
	if d.onDrop != nil {
		d.onDrop(job)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
