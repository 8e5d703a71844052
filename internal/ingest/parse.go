package ingest

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/tealeg/xlsx/v2"

	"campaign-dialer/internal/campaign"
)

// Table is a parsed upload: a header row plus records keyed by header.
// Records keep source order.
type Table struct {
	Headers []string
	Records []map[string]string
}

type fileFormat int

const (
	formatCSV fileFormat = iota
	formatTSV
	formatXLSX
)

var zipMagic = []byte("PK\x03\x04")

func detectFormat(fileName string, data []byte) fileFormat {
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".xlsx", ".xlsm":
		return formatXLSX
	case ".tsv", ".tab":
		return formatTSV
	case ".csv", ".txt":
		return formatCSV
	}
	if bytes.HasPrefix(data, zipMagic) {
		return formatXLSX
	}
	return formatCSV
}

// Parse reads a CSV/TSV or XLSX upload into a Table.
func Parse(data []byte, fileName string) (*Table, error) {
	const op = "parse upload"
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, campaign.Parsef(op, "file %q is empty", fileName)
	}

	var (
		grid [][]string
		err  error
	)
	switch detectFormat(fileName, data) {
	case formatXLSX:
		grid, err = readXLSX(data)
	case formatTSV:
		grid, err = readDelimited(data, '\t')
	default:
		grid, err = readDelimited(data, ',')
	}
	if err != nil {
		return nil, campaign.ParseError(op, err)
	}
	return buildTable(grid)
}

func readDelimited(data []byte, delim rune) ([][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	reader := csv.NewReader(bytes.NewReader(data))
	reader.Comma = delim
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1

	var grid [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			return grid, nil
		}
		if err != nil {
			return nil, fmt.Errorf("csv: read row: %w", err)
		}
		grid = append(grid, record)
	}
}

// readXLSX returns the first worksheet that has any non-blank cell.
func readXLSX(data []byte) ([][]string, error) {
	f, err := xlsx.OpenBinary(data)
	if err != nil {
		return nil, fmt.Errorf("xlsx: open workbook: %w", err)
	}
	if len(f.Sheets) == 0 {
		return nil, fmt.Errorf("xlsx: workbook has no worksheets")
	}
	for _, sheet := range f.Sheets {
		grid := make([][]string, 0, len(sheet.Rows))
		for _, row := range sheet.Rows {
			if row == nil {
				grid = append(grid, nil)
				continue
			}
			cells := make([]string, len(row.Cells))
			for j, cell := range row.Cells {
				if cell != nil {
					cells[j] = cell.String()
				}
			}
			grid = append(grid, cells)
		}
		if hasContent(grid) {
			return grid, nil
		}
	}
	return nil, fmt.Errorf("xlsx: no worksheet contains data")
}

func hasContent(grid [][]string) bool {
	for _, row := range grid {
		if !blank(row) {
			return true
		}
	}
	return false
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

func buildTable(grid [][]string) (*Table, error) {
	const op = "parse upload"
	start := -1
	for i, row := range grid {
		if !blank(row) {
			start = i
			break
		}
	}
	if start < 0 {
		return nil, campaign.Parsef(op, "no header row found")
	}

	headers := normalizeHeaders(grid[start])
	t := &Table{Headers: headers}
	for _, row := range grid[start+1:] {
		if blank(row) {
			continue
		}
		rec := make(map[string]string, len(headers))
		for i, h := range headers {
			if i < len(row) {
				rec[h] = strings.TrimSpace(row[i])
			} else {
				rec[h] = ""
			}
		}
		t.Records = append(t.Records, rec)
	}
	if len(t.Records) == 0 {
		return nil, campaign.Parsef(op, "no data rows found")
	}
	return t, nil
}

// normalizeHeaders trims headers, names blank ones "Column N" and suffixes
// repeats so every header is a unique record key.
func normalizeHeaders(row []string) []string {
	out := make([]string, len(row))
	seen := make(map[string]int, len(row))
	for i, h := range row {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("Column %d", i+1)
		}
		key := strings.ToLower(h)
		if n := seen[key]; n > 0 {
			h = fmt.Sprintf("%s (%d)", h, n+1)
		}
		seen[key]++
		out[i] = h
	}
	return out
}
