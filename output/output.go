package output

import (
	"bufio"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/dhcgn/mailzip-to-csv/table"
)

var (
	ErrUnknownMode    = errors.New("unknown output mode")
	ErrColumnMismatch = errors.New("combined columns not present in existing output")
)

// Mode selects what happens when the combined output file already exists.
type Mode string

const (
	ModeOverwrite Mode = "overwrite"
	ModeVersion   Mode = "version"
	ModeAppend    Mode = "append"
)

func ParseMode(s string) (Mode, error) {
	switch mode := Mode(strings.ToLower(strings.TrimSpace(s))); mode {
	case ModeOverwrite, ModeVersion, ModeAppend:
		return mode, nil
	case "":
		return ModeOverwrite, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, s)
	}
}

// Write persists t as CSV under dir/name according to mode and returns the
// path actually written.
func Write(dir, name string, mode Mode, t *table.Table) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(dir, name)

	switch mode {
	case ModeOverwrite, "":
		return path, overwrite(path, t)
	case ModeVersion:
		return version(path, t)
	case ModeAppend:
		return path, appendRows(path, t)
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

func overwrite(path string, t *table.Table) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp output: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := writeTable(tmp, t); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp output: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod output: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace output: %w", err)
	}
	return nil
}

func version(path string, t *table.Table) (string, error) {
	ext := filepath.Ext(path)
	base := strings.TrimSuffix(path, ext)

	candidate := path
	for n := 1; ; n++ {
		file, err := os.OpenFile(candidate, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if errors.Is(err, os.ErrExist) {
			candidate = base + "." + strconv.Itoa(n) + ext
			continue
		}
		if err != nil {
			return "", fmt.Errorf("create output %s: %w", candidate, err)
		}

		werr := writeTable(file, t)
		if cerr := file.Close(); werr == nil && cerr != nil {
			werr = fmt.Errorf("close output: %w", cerr)
		}
		return candidate, werr
	}
}

func appendRows(path string, t *table.Table) error {
	header, endsWithNewline, err := readHeader(path)
	if errors.Is(err, os.ErrNotExist) || (err == nil && header == nil) {
		return overwrite(path, t)
	}
	if err != nil {
		return err
	}

	existing := &table.Table{Columns: header}
	mapping := make([]int, len(t.Columns))
	var missing []string
	for i, col := range t.Columns {
		idx, ok := existing.ColumnIndex(col)
		if !ok {
			missing = append(missing, col)
			continue
		}
		mapping[i] = idx
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrColumnMismatch, strings.Join(missing, ", "))
	}

	file, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open output for append: %w", err)
	}
	defer file.Close()

	if !endsWithNewline {
		if _, err := file.WriteString("\n"); err != nil {
			return fmt.Errorf("append newline: %w", err)
		}
	}

	writer := csv.NewWriter(file)
	for _, src := range t.Rows {
		row := make([]string, len(header))
		for i, cell := range src {
			row[mapping[i]] = cell
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("append row: %w", err)
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return fmt.Errorf("append rows: %w", err)
	}
	return file.Sync()
}

// readHeader returns the first CSV record of path, or nil for an empty file,
// and whether the file's last byte is a newline.
func readHeader(path string) ([]string, bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, false, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, false, fmt.Errorf("stat output: %w", err)
	}
	if info.Size() == 0 {
		return nil, true, nil
	}

	last := make([]byte, 1)
	if _, err := file.ReadAt(last, info.Size()-1); err != nil {
		return nil, false, fmt.Errorf("read output tail: %w", err)
	}

	header, err := csv.NewReader(bufio.NewReader(file)).Read()
	if errors.Is(err, io.EOF) {
		return nil, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("read existing header: %w", err)
	}
	return header, last[0] == '\n', nil
}

func writeTable(w io.Writer, t *table.Table) error {
	bw := bufio.NewWriter(w)
	if err := t.WriteCSV(bw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flush output: %w", err)
	}
	return nil
}
