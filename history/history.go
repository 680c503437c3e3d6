package history

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dhcgn/mailzip-to-csv/model"
)

type Kind string

const (
	KindNone   Kind = "none"
	KindJSONL  Kind = "jsonl"
	KindSQLite Kind = "sqlite"
)

func ParseKind(s string) (Kind, error) {
	switch kind := Kind(strings.ToLower(strings.TrimSpace(s))); kind {
	case KindNone, KindJSONL, KindSQLite:
		return kind, nil
	case "":
		return KindNone, nil
	default:
		return "", fmt.Errorf("unknown history kind %q", s)
	}
}

// DefaultFile returns the file name a store of kind uses inside a directory.
func DefaultFile(kind Kind) string {
	switch kind {
	case KindSQLite:
		return "history.db"
	default:
		return "history.jsonl"
	}
}

// Store keeps a record of past extraction runs.
type Store interface {
	Record(ctx context.Context, report *model.Report) error
	Runs(ctx context.Context, limit int) ([]Run, error)
	Close() error
}

// Run is the persisted summary of one report.
type Run struct {
	ID         string          `json:"id"`
	Subject    string          `json:"subject"`
	Mailbox    string          `json:"mailbox"`
	Status     string          `json:"status"`
	Error      string          `json:"error,omitempty"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Tables     int             `json:"tables"`
	Rows       int             `json:"rows"`
	OutputPath string          `json:"output_path,omitempty"`
	Messages   []MessageRecord `json:"messages,omitempty"`
}

type MessageRecord struct {
	ID          string   `json:"id"`
	Subject     string   `json:"subject"`
	Status      string   `json:"status"`
	Attachments []string `json:"attachments,omitempty"`
	Error       string   `json:"error,omitempty"`
}

// Failed returns how many messages of the run failed.
func (r Run) Failed() int {
	n := 0
	for _, m := range r.Messages {
		if m.Status == string(model.MessageFailed) {
			n++
		}
	}
	return n
}

// RunFromReport flattens a report for persistence.
func RunFromReport(report *model.Report) Run {
	run := Run{
		ID:         report.RunID,
		Subject:    report.Subject,
		Mailbox:    report.Mailbox,
		Status:     string(report.Status),
		Error:      report.Error,
		StartedAt:  report.StartedAt.UTC(),
		FinishedAt: report.FinishedAt.UTC(),
		Tables:     report.Tables,
		Rows:       report.Rows,
		OutputPath: report.OutputPath,
	}
	for _, m := range report.Messages {
		run.Messages = append(run.Messages, MessageRecord{
			ID:          m.ID,
			Subject:     m.Subject,
			Status:      string(m.Status),
			Attachments: m.Attachments,
			Error:       m.Reason(),
		})
	}
	return run
}

// Open returns the store for kind at path. KindNone yields a store that
// records nothing.
func Open(kind Kind, path string) (Store, error) {
	switch kind {
	case KindNone, "":
		return nopStore{}, nil
	case KindJSONL:
		return NewFileStore(path)
	case KindSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown history kind %q", kind)
	}
}

type nopStore struct{}

func (nopStore) Record(context.Context, *model.Report) error { return nil }
func (nopStore) Runs(context.Context, int) ([]Run, error) { return nil, nil }
func (nopStore) Close() error { return nil }
