package measurement

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// CSVSink appends rows to a CSV file. The header is written only when the
// file is empty, so reopening an existing log keeps appending to it.
type CSVSink struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *csv.Writer
}

// OpenCSV opens or creates the log at path.
func OpenCSV(path string) (*CSVSink, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open measurement log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("stat measurement log: %w", err)
	}

	s := &CSVSink{path: path, file: f, w: csv.NewWriter(f)}
	if info.Size() == 0 {
		if err := s.write(Header); err != nil {
			_ = f.Close()
			return nil, err
		}
	}
	return s, nil
}

// Path returns the file path.
func (s *CSVSink) Path() string { return s.path }

// Append writes one row and flushes it.
func (s *CSVSink) Append(row Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return fmt.Errorf("measurement log %s is closed", s.path)
	}
	return s.write(row.Cells())
}

func (s *CSVSink) write(cells []string) error {
	if err := s.w.Write(cells); err != nil {
		return fmt.Errorf("write measurement row: %w", err)
	}
	s.w.Flush()
	if err := s.w.Error(); err != nil {
		return fmt.Errorf("flush measurement row: %w", err)
	}
	return nil
}

// Close flushes and closes the file.
func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return nil
	}
	s.w.Flush()
	err := s.file.Close()
	s.file = nil
	return err
}
