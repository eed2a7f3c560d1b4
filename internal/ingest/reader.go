// Package ingest streams the CSV inputs of the linker in fixed-size chunks.
//
// Rows that cannot be parsed or fail validation are logged, counted and
// skipped; only I/O failures and a missing required column end a read.
package ingest

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ErrMalformed marks a record that was skipped because it could not be
// parsed or failed validation.
var ErrMalformed = errors.New("malformed record")

// RecordError locates a malformed record in its input.
type RecordError struct {
	Line int
	Err  error
}

func (e *RecordError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

// Unwrap exposes both ErrMalformed and the underlying cause.
func (e *RecordError) Unwrap() []error {
	return []error{ErrMalformed, e.Err}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Row is one CSV record with case-insensitive access by column name.
type Row struct {
	line   int
	cols   map[string]int
	record []string
}

// Get returns the trimmed value of column name, or "" if the column is
// absent or the row is short.
func (r Row) Get(name string) string {
	i, ok := r.cols[strings.ToLower(name)]
	if !ok || i >= len(r.record) {
		return ""
	}
	return strings.TrimSpace(r.record[i])
}

// Line returns the 1-based input line the row starts on.
func (r Row) Line() int {
	return r.line
}

// Parser maps a Row to a record.
type Parser[T any] func(Row) (T, error)

// Reader yields parsed records of type T in chunks.
type Reader[T any] struct {
	name      string
	csv       *csv.Reader
	cols      map[string]int
	parse     Parser[T]
	chunkSize int
	logger    *zap.Logger

	read    int
	skipped int
	eof     bool
}

// NewReader reads the header from r and checks that every required column
// is present. name identifies the input in logs.
func NewReader[T any](name string, r io.Reader, required []string, parse Parser[T], chunkSize int, logger *zap.Logger) (*Reader[T], error) {
	if chunkSize <= 0 {
		return nil, fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%s: empty input, no header", name)
		}
		return nil, fmt.Errorf("%s: failed to read header: %w", name, err)
	}

	// Create column mapping
	cols := make(map[string]int, len(header))
	for i, col := range header {
		col = strings.TrimPrefix(col, "\ufeff")
		cols[strings.ToLower(strings.TrimSpace(col))] = i
	}
	for _, col := range required {
		if _, ok := cols[col]; !ok {
			return nil, fmt.Errorf("%s: missing required column %q", name, col)
		}
	}

	return &Reader[T]{
		name:      name,
		csv:       cr,
		cols:      cols,
		parse:     parse,
		chunkSize: chunkSize,
		logger:    logger.With(zap.String("input", name)),
	}, nil
}

// Next returns the next chunk of up to chunkSize valid records. It returns
// io.EOF, and no records, once the input is exhausted.
func (r *Reader[T]) Next() ([]T, error) {
	if r.eof {
		return nil, io.EOF
	}

	chunk := make([]T, 0, min(r.chunkSize, 4096))
	for len(chunk) < r.chunkSize {
		record, err := r.csv.Read()
		if errors.Is(err, io.EOF) {
			r.eof = true
			break
		}

		var perr *csv.ParseError
		if errors.As(err, &perr) {
			r.skip(&RecordError{Line: perr.StartLine, Err: perr.Err})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%s: failed to read record: %w", r.name, err)
		}
		line, _ := r.csv.FieldPos(0)

		v, err := r.parse(Row{line: line, cols: r.cols, record: record})
		if err == nil {
			err = validationError(validate.Struct(v))
		}
		if err != nil {
			r.skip(&RecordError{Line: line, Err: err})
			continue
		}

		chunk = append(chunk, v)
		r.read++
	}

	if len(chunk) == 0 && r.eof {
		return nil, io.EOF
	}
	return chunk, nil
}

func (r *Reader[T]) skip(err *RecordError) {
	r.skipped++
	r.logger.Warn("Skipping malformed record",
		zap.Int("line", err.Line),
		zap.Error(err.Err))
}

// Read returns the number of records returned so far.
func (r *Reader[T]) Read() int {
	return r.read
}

// Skipped returns the number of malformed records skipped so far.
func (r *Reader[T]) Skipped() int {
	return r.skipped
}

// ReadAll drains r into a single slice.
func ReadAll[T any](r *Reader[T]) ([]T, error) {
	var all []T
	for {
		chunk, err := r.Next()
		if errors.Is(err, io.EOF) {
			return all, nil
		}
		if err != nil {
			return nil, err
		}
		all = append(all, chunk...)
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("field %s failed rule %q (got %v)", fe.StructField(), fe.Tag(), fe.Value()))
	}
	return errors.New(strings.Join(msgs, "; "))
}
