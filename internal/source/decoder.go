package source

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
)

type Format string

const (
	FormatCSV   Format = "csv"
	FormatJSONL Format = "jsonl"
)

// DetectFormat picks the format from the file extension of location.
func DetectFormat(location string) (Format, error) {
	switch strings.ToLower(path.Ext(location)) {
	case ".csv":
		return FormatCSV, nil
	case ".jsonl", ".ndjson":
		return FormatJSONL, nil
	default:
		return "", fmt.Errorf("unsupported source format: %s", location)
	}
}

// rowDecoder yields raw rows in source order. A row that cannot be decoded
// is returned as a *RowError and the decoder moves past it; any other error
// is fatal.
type rowDecoder interface {
	next(offset int64) (map[string]interface{}, error)
}

func newDecoder(format Format, r io.Reader) (rowDecoder, error) {
	switch format {
	case FormatCSV:
		return newCSVDecoder(r)
	case FormatJSONL:
		return &jsonlDecoder{r: bufio.NewReader(r)}, nil
	default:
		return nil, fmt.Errorf("unsupported source format: %s", format)
	}
}

type csvDecoder struct {
	r      *csv.Reader
	header []string
}

func newCSVDecoder(r io.Reader) (*csvDecoder, error) {
	cr := csv.NewReader(r)
	cr.LazyQuotes = true
	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("missing header row")
		}
		return nil, fmt.Errorf("read header: %w", err)
	}
	for i := range header {
		header[i] = normalizeHeader(header[i])
	}
	// every data row must carry as many cells as the header
	cr.FieldsPerRecord = len(header)
	return &csvDecoder{r: cr, header: header}, nil
}

func (d *csvDecoder) next(offset int64) (map[string]interface{}, error) {
	cells, err := d.r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			return nil, malformed(offset, "%v", perr.Err)
		}
		return nil, err
	}
	row := make(map[string]interface{}, len(cells))
	for i, cell := range cells {
		if d.header[i] == "" {
			continue
		}
		row[d.header[i]] = cell
	}
	return row, nil
}

func (d *csvDecoder) hasColumn(name string) bool {
	for _, h := range d.header {
		if h == name {
			return true
		}
	}
	return false
}

type jsonlDecoder struct {
	r *bufio.Reader
}

func (d *jsonlDecoder) next(offset int64) (map[string]interface{}, error) {
	for {
		line, err := d.r.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			if errors.Is(err, io.EOF) {
				return nil, io.EOF
			}
			continue
		}
		raw := map[string]interface{}{}
		if jerr := json.Unmarshal(line, &raw); jerr != nil {
			return nil, malformed(offset, "invalid json: %v", jerr)
		}
		row := make(map[string]interface{}, len(raw))
		for name, value := range raw {
			row[normalizeHeader(name)] = value
		}
		return row, nil
	}
}
