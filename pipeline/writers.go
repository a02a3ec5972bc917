package pipeline

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/aluiziolira/go-price-scout/models"
)

// OutputWriter defines the interface for listing output.
type OutputWriter interface {
	Write(results []models.StoreResult) error
	Close() error
	Validate() error
}

// NewOutputWriter picks a writer for format: csv, json, dual or table.
// File formats write to filename; dual derives the .jsonl sibling from it.
func NewOutputWriter(format, filename string, stdout io.Writer) (OutputWriter, error) {
	switch format {
	case "csv":
		return NewCSVWriter(filename)
	case "json":
		return NewJSONWriter(filename)
	case "dual":
		ext := filepath.Ext(filename)
		base := filename[:len(filename)-len(ext)]
		return NewDualWriter(base+".csv", base+".jsonl")
	case "table", "":
		return NewTableWriter(stdout), nil
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

// FormatPrice renders minor units as a two-decimal amount.
func FormatPrice(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

var csvHeader = []string{"store_id", "title", "price", "currency", "condition", "set_code", "collector_number", "catalog_id", "image_url", "url"}

// CSVWriter writes records to CSV.
type CSVWriter struct {
	file   *os.File
	writer *csv.Writer
	mu     sync.Mutex
}

// NewCSVWriter initialises a CSV writer and writes the header row.
func NewCSVWriter(filename string) (*CSVWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create csv file: %w", err)
	}

	writer := csv.NewWriter(f)
	if err := writer.Write(csvHeader); err != nil {
		f.Close()
		return nil, fmt.Errorf("write csv header: %w", err)
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		f.Close()
		return nil, fmt.Errorf("flush csv header: %w", err)
	}

	return &CSVWriter{
		file:   f,
		writer: writer,
	}, nil
}

// Write appends listings to the CSV output.
func (cw *CSVWriter) Write(results []models.StoreResult) error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	for _, r := range results {
		record := []string{
			r.StoreID,
			r.Title,
			FormatPrice(r.Price),
			r.Currency,
			string(r.Condition),
			r.SetCode,
			r.CollectorNumber,
			r.CatalogID,
			r.ImageURL,
			r.URL,
		}
		if err := cw.writer.Write(record); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Validate ensures the file has content besides the header.
func (cw *CSVWriter) Validate() error {
	info, err := cw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("csv file is empty")
	}
	return nil
}

// JSONWriter writes newline-delimited JSON records.
type JSONWriter struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
	mu      sync.Mutex
}

// NewJSONWriter initialises the JSON writer.
func NewJSONWriter(filename string) (*JSONWriter, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}

	f, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("create json file: %w", err)
	}

	buffer := bufio.NewWriter(f)
	return &JSONWriter{
		file:    f,
		writer:  buffer,
		encoder: json.NewEncoder(buffer),
	}, nil
}

// Write appends listings in JSONL format.
func (jw *JSONWriter) Write(results []models.StoreResult) error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	for _, r := range results {
		if err := jw.encoder.Encode(r); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
	}

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}

	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONWriter) Close() error {
	jw.mu.Lock()
	defer jw.mu.Unlock()

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// Validate ensures the JSON file has data.
func (jw *JSONWriter) Validate() error {
	info, err := jw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat json file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("json file is empty")
	}
	return nil
}

// TableWriter collects listings and renders them as one table on Close.
type TableWriter struct {
	out  table.Writer
	rows int
	mu   sync.Mutex
}

// NewTableWriter renders to w.
func NewTableWriter(w io.Writer) *TableWriter {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(w)
	t.AppendHeader(table.Row{"Store", "Title", "Price", "Condition", "Set", "#"})
	return &TableWriter{out: t}
}

func (tw *TableWriter) Write(results []models.StoreResult) error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	for _, r := range results {
		tw.out.AppendRow(table.Row{
			r.StoreID,
			r.Title,
			FormatPrice(r.Price) + " " + r.Currency,
			r.Condition,
			r.SetCode,
			r.CollectorNumber,
		})
		tw.rows++
	}
	return nil
}

func (tw *TableWriter) Close() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()

	tw.out.AppendFooter(table.Row{"", fmt.Sprintf("%d listings", tw.rows)})
	tw.out.Render()
	return nil
}

func (tw *TableWriter) Validate() error {
	return nil
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
