package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mailzip-to-csv/cmd"
	"github.com/dhcgn/mailzip-to-csv/config"
	"github.com/dhcgn/mailzip-to-csv/extractor"
	"github.com/dhcgn/mailzip-to-csv/filter"
	"github.com/dhcgn/mailzip-to-csv/history"
	"github.com/dhcgn/mailzip-to-csv/imap"
	"github.com/dhcgn/mailzip-to-csv/mbox"
	"github.com/dhcgn/mailzip-to-csv/model"
	"github.com/dhcgn/mailzip-to-csv/progress"
	"github.com/dhcgn/mailzip-to-csv/stats"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "mailzip-to-csv",
		Short: "Collect CSV files from zipped mail attachments into one combined CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadConfig(cmd)
			if err != nil {
				return err
			}

			logger, cleanup, err := setupLogger(cfg)
			if err != nil {
				return err
			}
			defer func() {
				_ = cleanup()
			}()

			slog.SetDefault(logger)
			logger.Info("starting mailzip-to-csv", "subject", cfg.Subject, "source", sourceName(cfg), "output", cfg.OutputDir, "mode", cfg.OutputMode)

			return run(cmd.Context(), cfg, logger)
		},
	}

	if err := config.RegisterFlags(rootCmd); err != nil {
		fmt.Fprintf(os.Stderr, "failed to register CLI flags: %v\n", err)
		os.Exit(1)
	}

	rootCmd.AddCommand(
		cmd.NewHistoryCommand(),
		cmd.NewInspectCommand(),
		cmd.NewCredentialCommand(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
	entryFilter, err := filter.New(filter.Options{
		Include: cfg.IncludeEntry,
		Exclude: cfg.ExcludeEntry,
	})
	if err != nil {
		return fmt.Errorf("filter.New: %w", err)
	}

	store, err := history.Open(cfg.History, cfg.HistoryPath)
	if err != nil {
		return fmt.Errorf("history.Open: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("closing history failed", "err", err)
		}
	}()

	ex := extractor.New(connector(cfg, logger), extractor.Options{
		Mailbox:     cfg.Mailbox,
		Subject:     cfg.Subject,
		OutputDir:   cfg.OutputDir,
		OutputFile:  cfg.OutputFile,
		Mode:        cfg.OutputMode,
		EntryFilter: entryFilter,
	}, logger)

	ex.Observe(func(stream stats.EventStream) {
		stats.NewReporter(stream, logger)
		if cfg.Progress {
			progress.NewProgressReporter(stream, progress.New(cfg.LogLevel), logger)
		}
	})

	report, runErr := ex.Run(ctx)
	if report != nil {
		if err := store.Record(context.WithoutCancel(ctx), report); err != nil {
			logger.Warn("recording run history failed", "err", err)
		}
		logReport(logger, report)
	}
	return runErr
}

func connector(cfg config.Config, logger *slog.Logger) extractor.Connector {
	if cfg.UsesMbox() {
		return func(context.Context) (extractor.Source, error) {
			source, err := mbox.Open(cfg.MboxPath, logger)
			if err != nil {
				return nil, err
			}
			return source, nil
		}
	}

	opts := imap.Options{
		Host:               cfg.IMAPHost,
		Port:               cfg.IMAPPort,
		Username:           cfg.IMAPUser,
		Password:           cfg.IMAPPass,
		UseTLS:             cfg.UseTLS,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
	}
	return func(ctx context.Context) (extractor.Source, error) {
		session, err := imap.Dial(ctx, opts, logger)
		if err != nil {
			return nil, err
		}
		return session, nil
	}
}

func logReport(logger *slog.Logger, report *model.Report) {
	for _, m := range report.Messages {
		if m.Status == model.MessageFailed {
			logger.Warn("message failed", "id", m.ID, "reason", m.Reason())
		}
	}
	for _, a := range report.FailedArchives() {
		logger.Warn("archive failed", "path", a.Path, "err", a.Err)
	}

	logger.Info("run finished",
		"run", report.RunID,
		"status", report.Status,
		"messages", len(report.Messages),
		"saved", report.CountMessages(model.MessageSaved),
		"skipped", report.CountMessages(model.MessageSkipped),
		"failed", report.CountMessages(model.MessageFailed),
		"tables", report.Tables,
		"rows", report.Rows,
		"output", report.OutputPath,
		"duration", report.Duration(),
	)
}

func sourceName(cfg config.Config) string {
	if cfg.UsesMbox() {
		return "mbox:" + cfg.MboxPath
	}
	return "imap:" + cfg.IMAPHost
}

func setupLogger(cfg config.Config) (*slog.Logger, func() error, error) {
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	switch cfg.LogLevel {
	case "debug":
		level.Set(slog.LevelDebug)
	case "info":
		level.Set(slog.LevelInfo)
	case "warn":
		level.Set(slog.LevelWarn)
	case "error":
		level.Set(slog.LevelError)
	}

	opts := &slog.HandlerOptions{Level: level}
	cleanup := func() error { return nil }

	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, cleanup, err
		}

		logFilePath := filepath.Join(cfg.LogDir, fmt.Sprintf("mailzip-to-csv-%s.log", time.Now().Format("20060102T150405")))
		file, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, cleanup, err
		}

		handler := slog.NewTextHandler(io.MultiWriter(os.Stdout, file), opts)
		cleanup = func() error {
			return file.Close()
		}
		return slog.New(handler), cleanup, nil
	}

	handler := slog.NewTextHandler(os.Stdout, opts)
	return slog.New(handler), cleanup, nil
}
