package match

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"

	"github.com/entitylink/internal/model"
)

// MatchColumns is the header of the match output file.
var MatchColumns = []string{"domain", "url", "abn", "entity_name", "trading_name", "score", "matched_on", "tied"}

// Writer writes match records as CSV.
type Writer struct {
	w       *csv.Writer
	written int
}

// NewWriter writes the header and returns a Writer.
func NewWriter(w io.Writer) (*Writer, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(MatchColumns); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	return &Writer{w: cw}, nil
}

// Write appends records.
func (mw *Writer) Write(recs []model.MatchRecord) error {
	for _, r := range recs {
		row := []string{
			r.Domain,
			r.URL,
			"",
			optional(r.EntityName),
			optional(r.TradingName),
			strconv.FormatFloat(r.Score, 'f', 2, 64),
			r.MatchedOn,
			strconv.Itoa(r.Tied),
		}
		if r.ABN != nil {
			row[2] = strconv.FormatInt(*r.ABN, 10)
		}
		if err := mw.w.Write(row); err != nil {
			return fmt.Errorf("failed to write match for %s: %w", r.Domain, err)
		}
		mw.written++
	}
	return nil
}

// Flush flushes buffered rows.
func (mw *Writer) Flush() error {
	mw.w.Flush()
	return mw.w.Error()
}

// Written returns the number of records written.
func (mw *Writer) Written() int {
	return mw.written
}

func optional(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
