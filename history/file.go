package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dhcgn/mailzip-to-csv/model"
)

// FileStore appends one JSON line per run.
type FileStore struct {
	path    string
	file    *os.File
	writer  *bufio.Writer
	writeMu sync.Mutex
}

func NewFileStore(path string) (*FileStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("history path is empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create history directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open history file for append: %w", err)
	}

	return &FileStore{
		path:   path,
		file:   file,
		writer: bufio.NewWriterSize(file, 64*1024),
	}, nil
}

func (f *FileStore) Record(_ context.Context, report *model.Report) error {
	data, err := json.Marshal(RunFromReport(report))
	if err != nil {
		return fmt.Errorf("encode history record: %w", err)
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	if _, err := f.writer.Write(data); err != nil {
		return fmt.Errorf("write history record: %w", err)
	}
	if err := f.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write newline: %w", err)
	}
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("flush history file: %w", err)
	}
	return nil
}

// Runs returns up to limit runs, newest first. A limit of zero or less
// returns every run.
func (f *FileStore) Runs(ctx context.Context, limit int) ([]Run, error) {
	f.writeMu.Lock()
	flushErr := f.writer.Flush()
	f.writeMu.Unlock()
	if flushErr != nil {
		return nil, fmt.Errorf("flush history file: %w", flushErr)
	}

	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open history file: %w", err)
	}
	defer file.Close()

	var runs []Run
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for line := 1; scanner.Scan(); line++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		text := scanner.Bytes()
		if len(text) == 0 {
			continue
		}

		var run Run
		if err := json.Unmarshal(text, &run); err != nil {
			return nil, fmt.Errorf("parse history line %d: %w", line, err)
		}
		runs = append(runs, run)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read history file: %w", err)
	}

	for i, j := 0, len(runs)-1; i < j; i, j = i+1, j-1 {
		runs[i], runs[j] = runs[j], runs[i]
	}
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

// Close flushes and closes the history file.
func (f *FileStore) Close() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	var firstErr error
	if err := f.writer.Flush(); err != nil {
		firstErr = fmt.Errorf("flush history file: %w", err)
	}
	if err := f.file.Sync(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("sync history file: %w", err)
	}
	if err := f.file.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close history file: %w", err)
	}
	return firstErr
}
