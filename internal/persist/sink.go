package persist

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// Sink receives batches from the queue writer. WriteBatch is only ever
// called from one goroutine.
type Sink interface {
	WriteBatch(records []Record) error
	Close() error
}

// Exporter is implemented by sinks that can reproduce everything they were
// given as a CSV document.
type Exporter interface {
	Export(w io.Writer) error
}

// WriteError is a failed flush. The rows in the batch are lost.
type WriteError struct {
	Path string
	Rows int
	Err  error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("failed to write %d rows to %s: %v", e.Rows, e.Path, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// CSVSink appends to a CSV file, fsyncing after every batch. The header is
// written on the first batch unless the file already has content.
type CSVSink struct {
	path          string
	f             *os.File
	out           io.Writer // f, swapped in tests
	headerWritten bool
}

// NewCSVSink opens (creating if needed) path for appending.
func NewCSVSink(path string) (*CSVSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	return &CSVSink{path: path, f: f, out: f, headerWritten: info.Size() > 0}, nil
}

// Path returns the file being written.
func (s *CSVSink) Path() string { return s.path }

func (s *CSVSink) WriteBatch(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	if s.f == nil {
		return &WriteError{Path: s.path, Rows: len(records), Err: os.ErrClosed}
	}
	cw := &countingWriter{w: s.out}
	err := writeCSV(cw, records, !s.headerWritten)
	// a partial write may already have put the header on disk
	if cw.n > 0 {
		s.headerWritten = true
	}
	if err != nil {
		return &WriteError{Path: s.path, Rows: len(records), Err: err}
	}
	if err := s.f.Sync(); err != nil {
		return &WriteError{Path: s.path, Rows: len(records), Err: err}
	}
	return nil
}

func (s *CSVSink) Close() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// Export copies the file as written so far.
func (s *CSVSink) Export(w io.Writer) error {
	f, err := os.Open(s.path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}

// MemorySink keeps every record in memory until exported.
type MemorySink struct {
	mu      sync.Mutex
	records []Record
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) WriteBatch(records []Record) error {
	s.mu.Lock()
	s.records = append(s.records, records...)
	s.mu.Unlock()
	return nil
}

func (s *MemorySink) Close() error { return nil }

// Records returns a copy of everything written.
func (s *MemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Record(nil), s.records...)
}

func (s *MemorySink) Export(w io.Writer) error {
	return writeCSV(w, s.Records(), true)
}

// MemberError reports a MultiSink batch that some of its members failed to
// store.
type MemberError struct {
	Failed  int
	Members int
	Err     error
}

func (e *MemberError) Error() string {
	return fmt.Sprintf("%d of %d sinks failed: %v", e.Failed, e.Members, e.Err)
}

func (e *MemberError) Unwrap() error { return e.Err }

// MultiSink fans batches out to several sinks. Every sink sees every batch;
// failures come back as a *MemberError.
type MultiSink []Sink

func (m MultiSink) WriteBatch(records []Record) error {
	var errs []error
	for _, s := range m {
		if err := s.WriteBatch(records); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return &MemberError{Failed: len(errs), Members: len(m), Err: errors.Join(errs...)}
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Export uses the first member that can export.
func (m MultiSink) Export(w io.Writer) error {
	for _, s := range m {
		if e, ok := s.(Exporter); ok {
			return e.Export(w)
		}
	}
	return errors.New("no exportable sink")
}
