package llm

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DataPrefix marks every event line of a llama.cpp completion stream.
const DataPrefix = "data: "

// maxLineSize bounds a single event line. Lines carry one token plus timings,
// and the final line may echo generation settings.
const maxLineSize = 1024 * 1024

// TokenRecord is one decoded event. Only Content is used; the rest is server
// bookkeeping kept for logging.
type TokenRecord struct {
	Content string `json:"content"`
	Stop    bool   `json:"stop"`
	Model   string `json:"model,omitempty"`
}

// StreamReader turns a line oriented completion stream into text fragments.
// It is single pass and stops at the first malformed line.
type StreamReader struct {
	scanner  *bufio.Scanner
	fragment string
	line     int
	err      error
	done     bool
}

func NewStreamReader(r io.Reader) *StreamReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	return &StreamReader{scanner: scanner}
}

// Next advances to the next non-empty fragment. It returns false when the
// stream is exhausted or a line could not be decoded; Err tells which.
func (s *StreamReader) Next() bool {
	if s.done {
		return false
	}
	for s.scanner.Scan() {
		s.line++
		line := bytes.TrimRight(s.scanner.Bytes(), " \t\r")
		if len(line) == 0 {
			// keep-alive or event boundary
			continue
		}

		record, err := decodeLine(line)
		if err != nil {
			s.fail(fmt.Errorf("line %d: %w", s.line, err))
			return false
		}
		if record.Content == "" {
			continue
		}
		s.fragment = record.Content
		return true
	}

	if err := s.scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			s.fail(fmt.Errorf("line %d: %w: %v", s.line+1, ErrMalformedStream, err))
			return false
		}
		s.fail(fmt.Errorf("stream read error: %w", classifyError(err)))
		return false
	}
	s.done = true
	s.fragment = ""
	return false
}

// Fragment returns the text produced by the last successful Next.
func (s *StreamReader) Fragment() string {
	return s.fragment
}

func (s *StreamReader) Err() error {
	return s.err
}

func (s *StreamReader) fail(err error) {
	s.err = err
	s.done = true
	s.fragment = ""
}

func decodeLine(line []byte) (TokenRecord, error) {
	var record TokenRecord
	if !bytes.HasPrefix(line, []byte(DataPrefix)) {
		return record, fmt.Errorf("%w: missing %q prefix", ErrMalformedStream, DataPrefix)
	}
	if err := json.Unmarshal(line[len(DataPrefix):], &record); err != nil {
		return record, fmt.Errorf("%w: %v", ErrMalformedStream, err)
	}
	return record, nil
}
