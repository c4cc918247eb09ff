// Package reporting writes the run's result document and the extracted quotes.
package reporting

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/quotebot/internal/booking"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Reporter writes result documents to an output.
type Reporter interface {
	Write(doc *Document) error
	// Close flushes and releases the underlying output.
	Close() error
}

// nopWriteCloser wraps an io.Writer and provides a no-op Close method.
type nopWriteCloser struct {
	io.Writer
}

func (nwc *nopWriteCloser) Close() error {
	return nil
}

// New creates a reporter for format writing to outputPath. An empty path or
// "stdout" writes to standard output.
func New(format, outputPath string) (Reporter, error) {
	if format != "" && format != "json" {
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}

	if outputPath == "" || outputPath == "stdout" {
		return NewJSONReporter(&nopWriteCloser{os.Stdout}), nil
	}

	f, err := create(outputPath)
	if err != nil {
		return nil, err
	}
	return NewJSONReporter(f), nil
}

// JSONReporter writes indented JSON documents.
type JSONReporter struct {
	w io.WriteCloser
}

// NewJSONReporter takes ownership of w.
func NewJSONReporter(w io.WriteCloser) *JSONReporter {
	return &JSONReporter{w: w}
}

func (r *JSONReporter) Write(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("nil result document")
	}
	enc := json.NewEncoder(r.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode result document: %w", err)
	}
	return nil
}

func (r *JSONReporter) Close() error {
	return r.w.Close()
}

// WriteDocument writes doc to path in one go.
func WriteDocument(path string, doc Document) error {
	r, err := New("json", path)
	if err != nil {
		return err
	}
	if err := r.Write(&doc); err != nil {
		r.Close()
		return err
	}
	return r.Close()
}

// WriteQuotes writes quotes as a JSON array. Nothing is written for an empty list.
func WriteQuotes(path string, quotes []booking.Quote) error {
	if len(quotes) == 0 {
		return nil
	}
	raw, err := json.MarshalIndent(quotes, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode quotes: %w", err)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create quotes directory: %w", err)
		}
	}
	if err := os.WriteFile(path, append(raw, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write quotes file %s: %w", path, err)
	}
	return nil
}

func create(path string) (*os.File, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create output directory %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create output file %s: %w", path, err)
	}
	return f, nil
}
