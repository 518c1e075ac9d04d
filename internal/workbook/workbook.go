// Package workbook converts spreadsheet files into one delimited text
// block per worksheet. Cell reading, formatting and merged cells stay in
// this package; the extractor only sees model.SheetText.
package workbook

import (
	"bytes"
	"encoding/csv"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
	"golang.org/x/text/encoding/charmap"

	"github.com/sells-group/quote-extract/internal/model"
)

// CellSeparator joins the cells of one row.
const CellSeparator = " | "

// Open reads the workbook at path. CSV files become a single sheet named
// after the file.
func Open(path string) ([]model.SheetText, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "workbook: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	return Read(f, filepath.Base(path))
}

// Read converts the workbook in r. name is used to detect the format by
// extension and as the sheet name for CSV input.
func Read(r io.Reader, name string) ([]model.SheetText, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".csv", ".txt":
		return readCSV(r, strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)))
	default:
		return readXLSX(r)
	}
}

func readXLSX(r io.Reader) ([]model.SheetText, error) {
	f, err := excelize.OpenReader(r)
	if err != nil {
		return nil, eris.Wrap(err, "workbook: open xlsx")
	}
	defer f.Close() //nolint:errcheck

	var sheets []model.SheetText
	for _, name := range f.GetSheetList() {
		rows, err := f.GetRows(name)
		if err != nil {
			return nil, eris.Wrapf(err, "workbook: read sheet %q", name)
		}
		sheets = append(sheets, FromRows(name, rows))
	}

	zap.L().Debug("workbook: converted", zap.Int("sheets", len(sheets)))
	return sheets, nil
}

func readCSV(r io.Reader, name string) ([]model.SheetText, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, eris.Wrap(err, "workbook: read csv")
	}
	raw = bytes.TrimPrefix(raw, []byte("\ufeff"))

	// Spreadsheet exports from Spanish-locale Excel are usually Windows-1252.
	if !utf8.Valid(raw) {
		raw, err = charmap.Windows1252.NewDecoder().Bytes(raw)
		if err != nil {
			return nil, eris.Wrap(err, "workbook: decode csv")
		}
	}

	reader := csv.NewReader(bytes.NewReader(raw))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.Comma = sniffDelimiter(raw)

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, eris.Wrap(err, "workbook: parse csv")
	}
	return []model.SheetText{FromRows(name, rows)}, nil
}

// sniffDelimiter picks ';' when the first line has more semicolons than
// commas, which is what Excel writes under decimal-comma locales.
func sniffDelimiter(raw []byte) rune {
	line := raw
	if i := bytes.IndexByte(raw, '\n'); i >= 0 {
		line = raw[:i]
	}
	if bytes.Count(line, []byte(";")) > bytes.Count(line, []byte(",")) {
		return ';'
	}
	return ','
}

// FromRows renders rows as delimited text. Trailing empty cells are
// trimmed, fully empty rows are skipped and embedded newlines are folded
// so that each row stays on one line. RowCount counts the rendered lines,
// header included.
func FromRows(name string, rows [][]string) model.SheetText {
	var b strings.Builder
	count := 0
	for _, row := range rows {
		line := renderRow(row)
		if line == "" {
			continue
		}
		if count > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(line)
		count++
	}
	return model.SheetText{Name: name, Content: b.String(), RowCount: count}
}

func renderRow(row []string) string {
	end := len(row)
	for end > 0 && strings.TrimSpace(row[end-1]) == "" {
		end--
	}
	if end == 0 {
		return ""
	}

	cells := make([]string, end)
	for i, c := range row[:end] {
		c = strings.ReplaceAll(c, "\r\n", " ")
		c = strings.ReplaceAll(c, "\n", " ")
		cells[i] = strings.TrimSpace(c)
	}
	return strings.Join(cells, CellSeparator)
}
