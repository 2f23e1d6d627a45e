package listings

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// maxLineSize bounds one JSON line of a listing feed
const maxLineSize = 1 << 20

// Source yields feed records one at a time. Next returns io.EOF at the end.
// Errors wrapping ErrInvalidRecord concern a single record and the source
// can be read further.
type Source interface {
	Next(ctx context.Context) (*Record, error)
	Close() error
}

// ReaderSource reads one JSON record per line
type ReaderSource struct {
	scanner *bufio.Scanner
	closer  io.Closer
	line    int
}

// NewReaderSource reads JSON lines from r
func NewReaderSource(r io.Reader) *ReaderSource {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	src := &ReaderSource{scanner: scanner}
	if closer, ok := r.(io.Closer); ok {
		src.closer = closer
	}
	return src
}

// OpenFile opens a JSON lines feed file
func OpenFile(path string) (*ReaderSource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open listing feed: %w", err)
	}
	return NewReaderSource(file), nil
}

// Next decodes the next non-blank line
func (s *ReaderSource) Next(ctx context.Context) (*Record, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !s.scanner.Scan() {
			if err := s.scanner.Err(); err != nil {
				return nil, fmt.Errorf("failed to read listing feed at line %d: %w", s.line+1, err)
			}
			return nil, io.EOF
		}
		s.line++

		line := bytes.TrimSpace(s.scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidRecord, s.line, err)
		}
		return &rec, nil
	}
}

// Close closes the underlying reader when it is closable
func (s *ReaderSource) Close() error {
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}
