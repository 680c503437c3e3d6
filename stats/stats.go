package stats

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Stage string

const (
	StageConnect Stage = "connect"
	StageSearch  Stage = "search"
	StageFetch   Stage = "fetch"
	StageExtract Stage = "extract"
	StageCombine Stage = "combine"
)

type EventType string

const (
	EventTypeFound     EventType = "found"
	EventTypeFetched   EventType = "fetched"
	EventTypeSaved     EventType = "saved"
	EventTypeSkipped   EventType = "skipped"
	EventTypeTable     EventType = "table"
	EventTypeWritten   EventType = "written"
	EventTypeNoData    EventType = "no_data"
	EventTypeError     EventType = "error"
	EventTypeCompleted EventType = "completed"
)

// Event is emitted by the pipeline as it progresses. Total carries the
// number of matching messages on EventTypeFound and the row count on
// EventTypeWritten.
type Event struct {
	Stage     Stage
	Type      EventType
	MessageID string
	Path      string
	Total     int
	Err       error
	Detail    string
}

type Summary struct {
	Found       int
	Fetched     int
	Attachments int
	Skipped     int
	Tables      int
	Rows        int
	Errors      int
	Output      string
	LastError   error
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"found", s.Found,
		"fetched", s.Fetched,
		"attachments", s.Attachments,
		"skipped", s.Skipped,
		"tables", s.Tables,
		"rows", s.Rows,
		"errors", s.Errors,
	}
	if s.Output != "" {
		attrs = append(attrs, "output", s.Output)
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) Run(ctx context.Context, events <-chan Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			c.apply(evt)
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) apply(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch evt.Type {
	case EventTypeFound:
		c.summary.Found = evt.Total
	case EventTypeFetched:
		c.summary.Fetched++
	case EventTypeSaved:
		c.summary.Attachments++
	case EventTypeSkipped:
		c.summary.Skipped++
	case EventTypeTable:
		c.summary.Tables++
	case EventTypeWritten:
		c.summary.Rows = evt.Total
		c.summary.Output = evt.Path
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

type EventStream interface {
	SubscribeStats(name string, fn func(context.Context, <-chan Event) error)
}

type Reporter struct {
	collector *Collector
	logger    *slog.Logger
	started   time.Time
}

func NewReporter(stream EventStream, logger *slog.Logger) *Reporter {
	reporter := &Reporter{
		collector: NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}
	stream.SubscribeStats("stats-reporter", reporter.consume)
	return reporter
}

func (r *Reporter) consume(ctx context.Context, events <-chan Event) error {
	r.collector.Run(ctx, events)
	summary := r.collector.Snapshot()
	attrs := append(summary.LogAttrs(), "duration", time.Since(r.started))
	if ctx.Err() != nil {
		if r.logger != nil {
			r.logger.Debug("extraction stats interrupted", append(attrs, "err", ctx.Err())...)
		}
		return ctx.Err()
	}
	if r.logger == nil {
		return nil
	}
	if summary.Errors > 0 {
		r.logger.Warn("extraction summary", attrs...)
		return nil
	}
	r.logger.Info("extraction summary", attrs...)
	return nil
}

func (r *Reporter) Summary() Summary {
	return r.collector.Snapshot()
}
