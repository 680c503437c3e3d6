package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dhcgn/mailzip-to-csv/stats"
)

// ErrHalt ends the pipeline early without failing it.
var ErrHalt = errors.New("pipeline halted")

type StageFunc func(context.Context) error

type stage struct {
	name string
	fn   StageFunc
}

// Runner executes stages one after another on the calling goroutine and fans
// emitted events out to stats subscribers running alongside.
type Runner struct {
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	stages []stage

	subscribers []chan stats.Event
	statsWG     sync.WaitGroup

	errMu sync.Mutex
	err   error

	closeEventsOnce sync.Once
	since           time.Time
}

func New(ctx context.Context, logger *slog.Logger) *Runner {
	ctx, cancel := context.WithCancel(ctx)
	return &Runner{
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

func (r *Runner) Logger() *slog.Logger {
	return r.logger
}

func (r *Runner) Context() context.Context {
	return r.ctx
}

func (r *Runner) EmitEvent(evt stats.Event) {
	for _, ch := range r.subscribers {
		select {
		case <-r.ctx.Done():
			return
		case ch <- evt:
		}
	}
}

// SubscribeStats registers fn to receive every event. Subscribers must be
// registered before Start.
func (r *Runner) SubscribeStats(name string, fn func(context.Context, <-chan stats.Event) error) {
	ch := make(chan stats.Event, 128)
	r.subscribers = append(r.subscribers, ch)

	r.statsWG.Add(1)
	go func() {
		defer r.statsWG.Done()
		if err := fn(r.ctx, ch); err != nil && !errors.Is(err, context.Canceled) {
			r.fail(fmt.Errorf("%s stats: %w", name, err))
		}
	}()
}

// AddStage appends a stage; stages run in the order they were added.
func (r *Runner) AddStage(name string, fn StageFunc) {
	r.stages = append(r.stages, stage{name: name, fn: fn})
}

// Start runs every stage in order. The first stage error stops the run and is
// returned; ErrHalt stops it successfully.
func (r *Runner) Start() error {
	r.since = time.Now()

	for _, s := range r.stages {
		if err := r.ctx.Err(); err != nil {
			r.fail(err)
			break
		}
		err := s.fn(r.ctx)
		if errors.Is(err, ErrHalt) {
			if r.logger != nil {
				r.logger.Debug("pipeline halted", "stage", s.name)
			}
			break
		}
		if err != nil {
			r.fail(fmt.Errorf("%s stage: %w", s.name, err))
			break
		}
	}

	r.closeEvents()
	r.statsWG.Wait()

	r.cancel()

	r.errMu.Lock()
	err := r.err
	r.errMu.Unlock()

	duration := time.Since(r.since)
	if err != nil {
		if r.logger != nil {
			r.logger.Error("pipeline failed", "duration", duration, "err", err)
		}
		return err
	}

	if r.logger != nil {
		r.logger.Info("pipeline completed", "duration", duration)
	}
	return nil
}

func (r *Runner) closeEvents() {
	r.closeEventsOnce.Do(func() {
		for _, ch := range r.subscribers {
			close(ch)
		}
	})
}

func (r *Runner) fail(err error) {
	if err == nil {
		return
	}
	r.errMu.Lock()
	if r.err == nil {
		r.err = err
	}
	r.errMu.Unlock()
}
