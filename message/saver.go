package message

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// FileName returns the on-disk name for the n-th ZIP of message id.
func FileName(id string, n int) string {
	return fmt.Sprintf("email_%s_attachment_%d.zip", sanitizeID(id), n)
}

// Saver persists attachments into a single output directory.
type Saver struct {
	dir string
}

func NewSaver(dir string) *Saver {
	return &Saver{dir: dir}
}

// Save writes attachments for message id, numbering them from 1, and returns
// the written paths in order. Existing files with the same name are replaced.
func (s *Saver) Save(id string, attachments []Attachment) ([]string, error) {
	if len(attachments) == 0 {
		return nil, nil
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachment directory: %w", err)
	}

	paths := make([]string, 0, len(attachments))
	for i, att := range attachments {
		path := filepath.Join(s.dir, FileName(id, i+1))
		if err := os.WriteFile(path, att.Data, 0o644); err != nil {
			return paths, fmt.Errorf("write attachment %s: %w", att.Filename, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '_'
		}
		return r
	}, id)
}
