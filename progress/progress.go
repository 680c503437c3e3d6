package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pterm/pterm"

	"github.com/dhcgn/mailzip-to-csv/stats"
)

// Bar manages a progress bar over the matching messages of one run.
type Bar struct {
	pb      *pterm.ProgressbarPrinter
	total   int
	done    int
	counted map[string]bool
	mu      sync.Mutex
	enabled bool
}

// New creates a progress bar that renders only when logLevel is "info". The
// bar starts once the number of matching messages is known.
func New(logLevel string) *Bar {
	return &Bar{enabled: logLevel == "info", counted: make(map[string]bool)}
}

// Update advances the progress bar based on the event type.
func (b *Bar) Update(evt stats.Event) {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch evt.Type {
	case stats.EventTypeFound:
		b.total = evt.Total
		pterm.Info.Printf("Matching messages: %d\n", evt.Total)
		if evt.Total == 0 {
			return
		}
		pb, _ := pterm.DefaultProgressbar.
			WithTotal(evt.Total).
			WithTitle("Fetching messages").
			Start()
		b.pb = pb
	case stats.EventTypeFetched:
		b.advance(evt.MessageID)
	case stats.EventTypeError:
		if evt.Stage == stats.StageFetch {
			b.advance(evt.MessageID)
		}
		if evt.Err != nil {
			pterm.Error.Printf("Error: %v\n", evt.Err)
		}
	case stats.EventTypeNoData:
		pterm.Warning.Println("No CSV data found in the attachments")
	}
}

// advance counts each message once, whether it was fetched or failed.
func (b *Bar) advance(id string) {
	if b.pb == nil {
		return
	}
	if id != "" {
		if b.counted[id] {
			return
		}
		b.counted[id] = true
	}
	b.done++
	b.pb.Increment()
	if id != "" {
		b.pb.UpdateTitle("Message " + id)
	}
}

// Stop finalizes the progress bar.
func (b *Bar) Stop() {
	if !b.enabled {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pb == nil {
		return
	}
	if b.pb.Current < b.total {
		b.pb.Current = b.total
	}
	_, _ = b.pb.Stop()
	b.pb = nil
	pterm.Success.Println("Processing complete!")
}

// Subscriber consumes stats events and updates the progress bar.
func (b *Bar) Subscriber(ctx context.Context, events <-chan stats.Event) error {
	defer b.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			b.Update(evt)
		}
	}
}

// ProgressReporter wraps the stats collector with a progress bar and a
// pterm summary printed at the end of the run.
type ProgressReporter struct {
	bar       *Bar
	collector *stats.Collector
	logger    *slog.Logger
	started   time.Time
}

// NewProgressReporter subscribes the bar and a summary printer to stream.
// Nothing is subscribed when the bar is disabled.
func NewProgressReporter(stream stats.EventStream, bar *Bar, logger *slog.Logger) *ProgressReporter {
	reporter := &ProgressReporter{
		bar:       bar,
		collector: stats.NewCollector(),
		logger:    logger,
		started:   time.Now(),
	}

	if bar != nil && bar.enabled {
		stream.SubscribeStats("progress-bar", bar.Subscriber)
		stream.SubscribeStats("progress-stats", reporter.collectStats)
	}

	return reporter
}

func (pr *ProgressReporter) collectStats(ctx context.Context, events <-chan stats.Event) error {
	pr.collector.Run(ctx, events)

	summary := pr.collector.Snapshot()
	duration := time.Since(pr.started).Round(time.Millisecond)

	pterm.Println()
	pterm.DefaultSection.Println("Summary Statistics")
	pterm.Info.Printf("Duration: %v\n", duration)
	pterm.Info.Printf("Matching messages: %d\n", summary.Found)
	pterm.Info.Printf("Fetched: %d\n", summary.Fetched)
	pterm.Info.Printf("Attachments saved: %d\n", summary.Attachments)
	pterm.Info.Printf("Messages without zip: %d\n", summary.Skipped)
	pterm.Info.Printf("CSV tables: %d\n", summary.Tables)
	pterm.Info.Printf("Rows written: %d\n", summary.Rows)
	if summary.Output != "" {
		pterm.Info.Printf("Output: %s\n", summary.Output)
	}
	pterm.Info.Printf("Errors: %d\n", summary.Errors)
	if summary.LastError != nil {
		pterm.Error.Printf("Last error: %v\n", summary.LastError)
	}

	return nil
}

// Summary returns the counts collected so far.
func (pr *ProgressReporter) Summary() stats.Summary {
	return pr.collector.Snapshot()
}
