package table

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadCSV(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		wantColumns []string
		wantRows    [][]string
		wantErr     error
	}{
		{
			name:        "header and rows",
			input:       "a,b\n1,2\n3,4\n",
			wantColumns: []string{"a", "b"},
			wantRows:    [][]string{{"1", "2"}, {"3", "4"}},
		},
		{
			name:        "utf8 bom stripped",
			input:       "\xEF\xBB\xBFa,b\n1,2\n",
			wantColumns: []string{"a", "b"},
			wantRows:    [][]string{{"1", "2"}},
		},
		{
			name:        "short row padded",
			input:       "a,b,c\n1\n",
			wantColumns: []string{"a", "b", "c"},
			wantRows:    [][]string{{"1", "", ""}},
		},
		{
			name:        "blank lines skipped",
			input:       "a\n\n1\n\n2\n",
			wantColumns: []string{"a"},
			wantRows:    [][]string{{"1"}, {"2"}},
		},
		{
			name:        "header only",
			input:       "a,b\n",
			wantColumns: []string{"a", "b"},
		},
		{
			name:        "duplicate headers",
			input:       "a,a,b,a\n1,2,3,4\n",
			wantColumns: []string{"a", "a.1", "b", "a.2"},
			wantRows:    [][]string{{"1", "2", "3", "4"}},
		},
		{
			name:        "bare quote inside unquoted field",
			input:       "a,b\n1,5\" pipe\n2,x\n",
			wantColumns: []string{"a", "b"},
			wantRows:    [][]string{{"1", "5\" pipe"}, {"2", "x"}},
		},
		{
			name:    "empty input",
			input:   "",
			wantErr: ErrEmptyCSV,
		},
		{
			name:    "row wider than header",
			input:   "a,b\n1,2,3\n",
			wantErr: ErrTooManyFields,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ReadCSV(strings.NewReader(tt.input))
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantColumns, got.Columns)
			assert.Equal(t, tt.wantRows, got.Rows)
		})
	}
}

func TestConcat_SameColumns(t *testing.T) {
	first := &Table{Columns: []string{"a", "b"}, Rows: [][]string{{"1", "2"}}}
	second := &Table{Columns: []string{"a", "b"}, Rows: [][]string{{"3", "4"}}}

	got := Concat(first, second)

	assert.Equal(t, []string{"a", "b"}, got.Columns)
	assert.Equal(t, [][]string{{"1", "2"}, {"3", "4"}}, got.Rows)
	assert.Equal(t, 2, got.Len())

	idx, ok := got.ColumnIndex("b")
	require.True(t, ok)
	assert.Equal(t, 1, idx)
	_, ok = got.ColumnIndex("missing")
	assert.False(t, ok)
}

func TestConcat_MismatchedColumns(t *testing.T) {
	first := &Table{Columns: []string{"a", "b"}, Rows: [][]string{{"1", "2"}}}
	second := &Table{Columns: []string{"b", "c"}, Rows: [][]string{{"3", "4"}}}

	got := Concat(first, second)

	assert.Equal(t, []string{"a", "b", "c"}, got.Columns)
	assert.Equal(t, [][]string{{"1", "2", ""}, {"", "3", "4"}}, got.Rows)
}

func TestConcat_DoesNotAliasInputs(t *testing.T) {
	src := &Table{Columns: []string{"a"}, Rows: [][]string{{"1"}}}
	got := Concat(src)
	got.Rows[0][0] = "changed"
	assert.Equal(t, "1", src.Rows[0][0])
}

func TestConcat_Empty(t *testing.T) {
	got := Concat()
	assert.Empty(t, got.Columns)
	assert.Equal(t, 0, got.Len())
}

func TestWriteCSV(t *testing.T) {
	tbl := &Table{Columns: []string{"a", "b"}, Rows: [][]string{{"1", "x,y"}, {"3", ""}}}

	var buf bytes.Buffer
	require.NoError(t, tbl.WriteCSV(&buf))

	assert.Equal(t, "a,b\n1,\"x,y\"\n3,\n", buf.String())
}

func TestReadWriteKeepsContent(t *testing.T) {
	input := "id,amount,note\n1,10.5,\"multi\nline\"\n2,3,plain\n"
	tbl, err := ReadCSV(strings.NewReader(input))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, tbl.WriteCSV(&buf))
	assert.Equal(t, input, buf.String())
}
