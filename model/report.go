package model

import (
	"errors"
	"time"

	"github.com/dhcgn/mailzip-to-csv/table"
)

// ErrNoCombinedData is returned when a run produced no combined table.
var ErrNoCombinedData = errors.New("no combined csv data")

type MessageStatus string

const (
	MessageSaved   MessageStatus = "saved"
	MessageSkipped MessageStatus = "skipped"
	MessageFailed  MessageStatus = "failed"
)

// MessageResult records what happened to one matching message.
type MessageResult struct {
	ID          string
	Subject     string
	Status      MessageStatus
	Attachments []string
	Err         error
}

// Reason returns the failure text, or an empty string.
func (m MessageResult) Reason() string {
	if m.Err == nil {
		return ""
	}
	return m.Err.Error()
}

// ArchiveResult records the CSV members read from one saved archive.
type ArchiveResult struct {
	Path    string
	Entries []string
	Err     error
}

type RunStatus string

const (
	RunOK         RunStatus = "ok"
	RunNoMessages RunStatus = "no_messages"
	RunNoCSV      RunStatus = "no_csv"
	RunFailed     RunStatus = "failed"
)

// Report is the outcome of one extraction run.
type Report struct {
	RunID      string
	Subject    string
	Mailbox    string
	StartedAt  time.Time
	FinishedAt time.Time
	Status     RunStatus
	Error      string

	Messages []MessageResult
	Archives []ArchiveResult

	Tables     int
	Rows       int
	OutputPath string

	combined *table.Table
}

// SetCombined stores the combined table on the report.
func (r *Report) SetCombined(t *table.Table) {
	r.combined = t
	r.Rows = t.Len()
}

// Combined returns the combined table, or ErrNoCombinedData when the run
// found no CSV data.
func (r *Report) Combined() (*table.Table, error) {
	if r == nil || r.combined == nil {
		return nil, ErrNoCombinedData
	}
	return r.combined, nil
}

// CountMessages returns how many messages ended with status.
func (r *Report) CountMessages(status MessageStatus) int {
	n := 0
	for _, m := range r.Messages {
		if m.Status == status {
			n++
		}
	}
	return n
}

// FailedArchives returns the archives that could not be read completely.
func (r *Report) FailedArchives() []ArchiveResult {
	var failed []ArchiveResult
	for _, a := range r.Archives {
		if a.Err != nil {
			failed = append(failed, a)
		}
	}
	return failed
}

// Duration returns the run's wall-clock time.
func (r *Report) Duration() time.Duration {
	if r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
