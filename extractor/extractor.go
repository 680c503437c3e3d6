package extractor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/dhcgn/mailzip-to-csv/archive"
	"github.com/dhcgn/mailzip-to-csv/filter"
	"github.com/dhcgn/mailzip-to-csv/message"
	"github.com/dhcgn/mailzip-to-csv/model"
	"github.com/dhcgn/mailzip-to-csv/output"
	"github.com/dhcgn/mailzip-to-csv/runner"
	"github.com/dhcgn/mailzip-to-csv/stats"
	"github.com/dhcgn/mailzip-to-csv/table"
)

// Source is a mailbox the extractor can search and fetch from. Both the IMAP
// session and the mbox reader satisfy it.
type Source interface {
	Search(ctx context.Context, mailbox, subject string) ([]string, error)
	Fetch(ctx context.Context, id string) (model.Message, error)
	Close() error
}

// Connector opens a Source. It is called once per run.
type Connector func(ctx context.Context) (Source, error)

type Options struct {
	Mailbox     string
	Subject     string
	OutputDir   string
	OutputFile  string
	Mode        output.Mode
	EntryFilter *filter.Filter
}

// Extractor runs connect, search, fetch, extract and combine in order.
type Extractor struct {
	connect   Connector
	opts      Options
	logger    *slog.Logger
	observers []func(stats.EventStream)
}

func New(connect Connector, opts Options, logger *slog.Logger) *Extractor {
	if opts.Mailbox == "" {
		opts.Mailbox = "INBOX"
	}
	if opts.OutputFile == "" {
		opts.OutputFile = "combined_data.csv"
	}
	if opts.Mode == "" {
		opts.Mode = output.ModeOverwrite
	}
	return &Extractor{
		connect: connect,
		opts:    opts,
		logger:  logger,
	}
}

// Observe registers fn to attach stats subscribers to every run.
func (e *Extractor) Observe(fn func(stats.EventStream)) {
	e.observers = append(e.observers, fn)
}

// run carries the state of one pipeline execution between stages.
type run struct {
	*Extractor
	runner *runner.Runner
	report *model.Report
	source Source
	ids    []string
	zips   []string
	tables []*table.Table
}

// Run executes the pipeline once. Fatal failures (connect, login, search,
// output write) return an error together with the partial report; per
// message and per archive failures are recorded on the report instead.
func (e *Extractor) Run(ctx context.Context) (*model.Report, error) {
	report := &model.Report{
		RunID:     uuid.NewString(),
		Subject:   e.opts.Subject,
		Mailbox:   e.opts.Mailbox,
		StartedAt: time.Now(),
	}

	var logger *slog.Logger
	if e.logger != nil {
		logger = e.logger.With("run", report.RunID)
	}

	r := runner.New(ctx, logger)
	for _, observe := range e.observers {
		observe(r)
	}

	state := &run{Extractor: e, runner: r, report: report}
	r.AddStage(string(stats.StageConnect), state.connectStage)
	r.AddStage(string(stats.StageSearch), state.searchStage)
	r.AddStage(string(stats.StageFetch), state.fetchStage)
	r.AddStage(string(stats.StageExtract), state.extractStage)
	r.AddStage(string(stats.StageCombine), state.combineStage)

	err := r.Start()

	if state.source != nil {
		if closeErr := state.source.Close(); closeErr != nil && logger != nil {
			logger.Warn("closing mail source failed", "err", closeErr)
		}
	}

	report.FinishedAt = time.Now()
	if err != nil {
		report.Status = model.RunFailed
		report.Error = err.Error()
		return report, err
	}
	if report.Status == "" {
		report.Status = model.RunOK
	}
	return report, nil
}

func (s *run) log() *slog.Logger {
	return s.runner.Logger()
}

func (s *run) emit(evt stats.Event) {
	s.runner.EmitEvent(evt)
}

func (s *run) connectStage(ctx context.Context) error {
	source, err := s.connect(ctx)
	if err != nil {
		s.emit(stats.Event{Stage: stats.StageConnect, Type: stats.EventTypeError, Err: err})
		return err
	}
	if source == nil {
		return errors.New("connector returned no source")
	}
	s.source = source
	return nil
}

func (s *run) searchStage(ctx context.Context) error {
	ids, err := s.source.Search(ctx, s.opts.Mailbox, s.opts.Subject)
	if err != nil {
		s.emit(stats.Event{Stage: stats.StageSearch, Type: stats.EventTypeError, Err: err})
		return err
	}
	s.ids = ids
	s.emit(stats.Event{Stage: stats.StageSearch, Type: stats.EventTypeFound, Total: len(ids)})

	if len(ids) == 0 {
		if logger := s.log(); logger != nil {
			logger.Info("no emails found", "subject", s.opts.Subject, "mailbox", s.opts.Mailbox)
		}
		s.report.Status = model.RunNoMessages
		s.complete()
		return runner.ErrHalt
	}

	if logger := s.log(); logger != nil {
		logger.Info("found matching emails", "subject", s.opts.Subject, "count", len(ids))
	}
	return nil
}

func (s *run) fetchStage(ctx context.Context) error {
	saver := message.NewSaver(s.opts.OutputDir)

	for _, id := range s.ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		result := s.processMessage(ctx, saver, id)
		s.report.Messages = append(s.report.Messages, result)
	}
	return nil
}

func (s *run) processMessage(ctx context.Context, saver *message.Saver, id string) model.MessageResult {
	logger := s.log()
	result := model.MessageResult{ID: id}

	fail := func(err error) model.MessageResult {
		result.Status = model.MessageFailed
		result.Err = err
		if logger != nil {
			logger.Warn("skipping message", "id", id, "err", err)
		}
		s.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeError, MessageID: id, Err: err})
		return result
	}

	msg, err := s.source.Fetch(ctx, id)
	if err != nil {
		return fail(err)
	}
	s.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeFetched, MessageID: id, Total: int(msg.Size())})

	parsed, parseErr := message.Parse(msg.Raw)
	if parseErr != nil {
		parseErr = fmt.Errorf("parse message %s: %w", id, parseErr)
		if parsed == nil {
			return fail(parseErr)
		}
	}
	result.Subject = parsed.Subject
	if logger != nil {
		logger.Debug("processing email", "id", id, "subject", parsed.Subject, "attachments", len(parsed.Attachments))
	}

	paths, err := saver.Save(id, parsed.Attachments)
	result.Attachments = paths
	s.zips = append(s.zips, paths...)
	for _, path := range paths {
		if logger != nil {
			logger.Info("saved attachment", "id", id, "path", path)
		}
		s.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeSaved, MessageID: id, Path: path})
	}
	if err != nil {
		return fail(err)
	}

	if parseErr != nil {
		// Attachments read before the malformed part are still kept.
		if len(paths) == 0 {
			return fail(parseErr)
		}
		result.Err = parseErr
		if logger != nil {
			logger.Warn("message partially parsed", "id", id, "saved", len(paths), "err", parseErr)
		}
	}

	if len(paths) == 0 {
		result.Status = model.MessageSkipped
		s.emit(stats.Event{Stage: stats.StageFetch, Type: stats.EventTypeSkipped, MessageID: id})
		return result
	}
	result.Status = model.MessageSaved
	return result
}

func (s *run) extractStage(ctx context.Context) error {
	logger := s.log()

	var allow func(string) bool
	if s.opts.EntryFilter.Active() {
		allow = s.opts.EntryFilter.Allows
	}

	for _, path := range s.zips {
		if err := ctx.Err(); err != nil {
			return err
		}

		entries, err := archive.ReadTables(path, allow)
		result := model.ArchiveResult{Path: path, Err: err}
		for _, entry := range entries {
			result.Entries = append(result.Entries, entry.Name)
			s.tables = append(s.tables, entry.Table)
			s.emit(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeTable, Path: path, Detail: entry.Name, Total: entry.Table.Len()})
			if logger != nil {
				logger.Debug("read csv entry", "archive", path, "entry", entry.Name, "rows", entry.Table.Len())
			}
		}
		s.report.Archives = append(s.report.Archives, result)

		if err != nil {
			if logger != nil {
				logger.Error("error processing archive", "path", path, "err", err)
			}
			s.emit(stats.Event{Stage: stats.StageExtract, Type: stats.EventTypeError, Path: path, Err: err})
		}
	}

	s.report.Tables = len(s.tables)
	return nil
}

func (s *run) combineStage(_ context.Context) error {
	logger := s.log()

	if len(s.tables) == 0 {
		if logger != nil {
			logger.Warn("no CSV data found", "archives", len(s.zips))
		}
		s.report.Status = model.RunNoCSV
		s.emit(stats.Event{Stage: stats.StageCombine, Type: stats.EventTypeNoData})
		s.complete()
		return nil
	}

	combined := table.Concat(s.tables...)
	path, err := output.Write(s.opts.OutputDir, s.opts.OutputFile, s.opts.Mode, combined)
	if err != nil {
		s.emit(stats.Event{Stage: stats.StageCombine, Type: stats.EventTypeError, Path: path, Err: err})
		return fmt.Errorf("write combined csv: %w", err)
	}

	s.report.SetCombined(combined)
	s.report.OutputPath = path
	if logger != nil {
		logger.Info("combined csv written", "path", path, "tables", len(s.tables), "rows", combined.Len(), "mode", s.opts.Mode)
	}
	s.emit(stats.Event{Stage: stats.StageCombine, Type: stats.EventTypeWritten, Path: path, Total: combined.Len()})
	s.complete()
	return nil
}

func (s *run) complete() {
	status := s.report.Status
	if status == "" {
		status = model.RunOK
	}
	s.emit(stats.Event{Type: stats.EventTypeCompleted, Detail: string(status)})
}
