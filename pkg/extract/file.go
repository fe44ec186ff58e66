// pkg/extract/file.go
package extract

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/openroll/datasync/pkg/model"
)

// FileSource extracts rows from a local file. The format is chosen by
// extension: delimited text (csv, tsv, txt, dat), xlsx, json, or xml.
// Delimited files sniff their separator from the header line.
type FileSource struct {
	path   string
	logger *zap.Logger
}

// NewFileSource creates an extractor over a file path.
func NewFileSource(path string, logger *zap.Logger) *FileSource {
	return &FileSource{path: path, logger: logger.Named("file_extractor")}
}

// Extract decodes the whole file and serves it in batches. The watermark is
// ignored; file imports are always full loads of the file's contents.
func (s *FileSource) Extract(ctx context.Context, table *model.TableConfig, _ *time.Time) (Batches, error) {
	ext := strings.ToLower(filepath.Ext(s.path))

	var rows []model.Row
	var err error
	switch ext {
	case ".csv", ".tsv", ".txt", ".dat":
		rows, err = s.readDelimited()
	case ".xlsx":
		rows, err = s.readExcel()
	case ".json":
		rows, err = s.readJSON()
	case ".xml":
		rows, err = s.readXML()
	default:
		err = fmt.Errorf("unsupported file format: %s", ext)
	}
	if err != nil {
		return nil, &ExtractError{Table: table.Name, Offset: 0, Cause: err}
	}

	s.logger.Info("File decoded",
		zap.String("path", s.path),
		zap.String("table", table.Name),
		zap.Int("rows", len(rows)))

	return newSliceBatches(rows, table.BatchSize), nil
}

// readDelimited parses header-first delimited text. The delimiter is
// detected from the first non-empty line: tab, then pipe, then comma.
func (s *FileSource) readDelimited() ([]model.Row, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	delim := DetectDelimiter(string(data))
	r := csv.NewReader(strings.NewReader(string(data)))
	r.Comma = delim
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var rows []model.Row
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read record %d: %w", len(rows)+2, err)
		}
		row := make(model.Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = strings.TrimSpace(record[i])
			} else {
				row[col] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// DetectDelimiter inspects the first non-empty line and picks the first
// of tab, pipe, comma that appears in it. Comma is the fallback.
func DetectDelimiter(data string) rune {
	for _, line := range strings.Split(data, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch {
		case strings.ContainsRune(line, '\t'):
			return '\t'
		case strings.ContainsRune(line, '|'):
			return '|'
		default:
			return ','
		}
	}
	return ','
}

// readExcel reads the first sheet of an xlsx workbook, header row first.
func (s *FileSource) readExcel() ([]model.Row, error) {
	f, err := excelize.OpenFile(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	sheets := f.GetSheetList()
	if len(sheets) == 0 {
		return nil, fmt.Errorf("workbook has no sheets")
	}

	cells, err := f.GetRows(sheets[0])
	if err != nil {
		return nil, err
	}
	if len(cells) == 0 {
		return nil, nil
	}

	header := cells[0]
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	rows := make([]model.Row, 0, len(cells)-1)
	for _, record := range cells[1:] {
		row := make(model.Row, len(header))
		for i, col := range header {
			if i < len(record) {
				row[col] = strings.TrimSpace(record[i])
			} else {
				row[col] = ""
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// readJSON accepts either a top-level array of objects or an object with
// a "records" array.
func (s *FileSource) readJSON() ([]model.Row, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, err
	}

	var direct []model.Row
	if err := json.Unmarshal(data, &direct); err == nil {
		return direct, nil
	}

	var wrapped struct {
		Records []model.Row `json:"records"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("file is neither a JSON array nor a records object: %w", err)
	}
	return wrapped.Records, nil
}

// xmlRecord captures one repeated element as name/value pairs.
type xmlRecord struct {
	Fields []xmlField `xml:",any"`
}

type xmlField struct {
	XMLName xml.Name
	Value   string `xml:",chardata"`
}

// readXML treats every repeated child of the document root as one row and
// each of its child elements as a column.
func (s *FileSource) readXML() ([]model.Row, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := xml.NewDecoder(f)

	// Skip to the document root, then decode each child element.
	depth := 0
	var rows []model.Row
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch tok.(type) {
		case xml.StartElement:
			depth++
			if depth == 2 {
				start := tok.(xml.StartElement)
				var rec xmlRecord
				if err := dec.DecodeElement(&rec, &start); err != nil {
					return nil, err
				}
				depth--
				row := make(model.Row, len(rec.Fields))
				for _, field := range rec.Fields {
					row[field.XMLName.Local] = strings.TrimSpace(field.Value)
				}
				rows = append(rows, row)
			}
		case xml.EndElement:
			depth--
		}
	}
	return rows, nil
}
