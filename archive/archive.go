package archive

import (
	"archive/zip"
	"fmt"
	"strings"

	"github.com/dhcgn/mailzip-to-csv/table"
)

// Entry is one CSV member of an archive decoded into a table.
type Entry struct {
	Name  string
	Table *table.Table
}

// IsCSV reports whether an archive member name has a .csv extension.
func IsCSV(name string) bool {
	return strings.HasSuffix(strings.ToLower(name), ".csv")
}

// ReadTables opens the ZIP at path and decodes every CSV member, in archive
// order, straight from the archive stream. allow may narrow the members that
// are read; nil allows all of them. On error the entries decoded before the
// failing member are returned alongside it.
func ReadTables(path string, allow func(name string) bool) ([]Entry, error) {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("open archive %s: %w", path, err)
	}
	defer reader.Close()

	var entries []Entry
	for _, file := range reader.File {
		if file.FileInfo().IsDir() || !IsCSV(file.Name) {
			continue
		}
		if allow != nil && !allow(file.Name) {
			continue
		}

		tbl, err := readMember(file)
		if err != nil {
			return entries, fmt.Errorf("read %s from %s: %w", file.Name, path, err)
		}
		entries = append(entries, Entry{Name: file.Name, Table: tbl})
	}

	return entries, nil
}

func readMember(file *zip.File) (*table.Table, error) {
	rc, err := file.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	return table.ReadCSV(rc)
}
