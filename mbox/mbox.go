package mbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	mboxlib "github.com/emersion/go-mbox"

	"github.com/dhcgn/mailzip-to-csv/message"
	"github.com/dhcgn/mailzip-to-csv/model"
)

var ErrMessageNotFound = errors.New("mbox message not found")

// Source serves messages from a local mbox archive. Message identifiers are
// 1-based positions in the archive.
type Source struct {
	path     string
	logger   *slog.Logger
	messages [][]byte
}

// Open reads every message of the mbox file at path into memory.
func Open(path string, logger *slog.Logger) (*Source, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("mbox path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open mbox: %w", err)
	}
	defer file.Close()

	return load(file, path, logger)
}

// Load reads every message from r.
func Load(r io.Reader, logger *slog.Logger) (*Source, error) {
	return load(r, "", logger)
}

func load(r io.Reader, path string, logger *slog.Logger) (*Source, error) {
	reader := mboxlib.NewReader(r)
	s := &Source{path: path, logger: logger}

	for idx := 0; ; idx++ {
		msgReader, err := reader.NextMessage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("message %d: %w", idx, err)
		}

		raw, err := io.ReadAll(msgReader)
		if err != nil {
			return nil, fmt.Errorf("message %d read: %w", idx, err)
		}
		s.messages = append(s.messages, raw)
	}

	if logger != nil {
		logger.Debug("mbox loaded", "path", s.path, "messages", len(s.messages))
	}
	return s, nil
}

// Len returns the number of messages in the archive.
func (s *Source) Len() int {
	return len(s.messages)
}

// Search returns the identifiers of messages whose decoded Subject contains
// subject, ignoring case. The mailbox argument is ignored: an mbox file is a
// single folder.
func (s *Source) Search(ctx context.Context, _ string, subject string) ([]string, error) {
	needle := strings.ToLower(subject)
	var ids []string
	for idx, raw := range s.messages {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		got, err := message.Subject(raw)
		if err != nil {
			if s.logger != nil {
				s.logger.Debug("mbox message unreadable", "path", s.path, "index", idx+1, "err", err)
			}
			continue
		}
		if strings.Contains(strings.ToLower(got), needle) {
			ids = append(ids, strconv.Itoa(idx+1))
		}
	}
	return ids, nil
}

func (s *Source) Fetch(ctx context.Context, id string) (model.Message, error) {
	if err := ctx.Err(); err != nil {
		return model.Message{}, err
	}
	n, err := strconv.Atoi(id)
	if err != nil || n < 1 || n > len(s.messages) {
		return model.Message{}, fmt.Errorf("%w: %q", ErrMessageNotFound, id)
	}
	return model.Message{ID: id, Raw: s.messages[n-1]}, nil
}

func (s *Source) Close() error {
	s.messages = nil
	return nil
}
