package ingest

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/entitylink/internal/model"
)

// Registry export column names.
const (
	ColABN               = "abn"
	ColEntityName        = "entity_name"
	ColEntityType        = "entity_type"
	ColEntityTypeCode    = "entity_type_code"
	ColABNStatus         = "abn_status"
	ColABNStatusFrom     = "abn_status_from"
	ColASICNumber        = "asic_number"
	ColGSTStatus         = "gst_status"
	ColGSTFrom           = "gst_from"
	ColState             = "state"
	ColPostcode          = "postcode"
	ColRecordLastUpdated = "record_last_updated"
	ColTradingNames      = "trading_names"
)

// TradingNameSeparator separates trading names within the registry column.
const TradingNameSeparator = ";"

// NewEntityReader reads registry records.
func NewEntityReader(r io.Reader, chunkSize int, logger *zap.Logger) (*Reader[model.Entity], error) {
	return NewReader("entities", r, []string{ColABN, ColEntityName}, ParseEntity, chunkSize, logger)
}

// ParseEntity maps a registry row to an Entity.
func ParseEntity(row Row) (model.Entity, error) {
	var e model.Entity
	var err error

	if e.ABN, err = parseID(row.Get(ColABN)); err != nil {
		return e, fmt.Errorf("invalid %s: %w", ColABN, err)
	}
	e.EntityName = row.Get(ColEntityName)
	e.EntityType = row.Get(ColEntityType)
	e.EntityTypeCode = row.Get(ColEntityTypeCode)
	e.ABNStatus = row.Get(ColABNStatus)
	e.GSTStatus = row.Get(ColGSTStatus)
	e.State = row.Get(ColState)
	e.Postcode = trimFloatSuffix(row.Get(ColPostcode))

	if asic := row.Get(ColASICNumber); asic != "" && !isNull(asic) {
		n, err := parseID(asic)
		if err != nil {
			return e, fmt.Errorf("invalid %s: %w", ColASICNumber, err)
		}
		e.ASICNumber = &n
	}

	dates := []struct {
		col string
		dst **time.Time
	}{
		{ColABNStatusFrom, &e.ABNStatusFrom},
		{ColGSTFrom, &e.GSTFrom},
		{ColRecordLastUpdated, &e.RecordLastUpdated},
	}
	for _, d := range dates {
		if *d.dst, err = ParseDate(row.Get(d.col)); err != nil {
			return e, fmt.Errorf("invalid %s: %w", d.col, err)
		}
	}

	e.TradingNames = SplitTradingNames(row.Get(ColTradingNames))
	return e, nil
}

// SplitTradingNames splits the registry trading names column, dropping
// blanks and repeats.
func SplitTradingNames(s string) []string {
	if s == "" || isNull(s) {
		return nil
	}
	var names []string
	seen := make(map[string]struct{})
	for _, tn := range strings.Split(s, TradingNameSeparator) {
		tn = strings.TrimSpace(tn)
		if tn == "" {
			continue
		}
		if _, dup := seen[tn]; dup {
			continue
		}
		seen[tn] = struct{}{}
		names = append(names, tn)
	}
	return names
}

var dateFormats = []string{
	"2006-01-02",
	"20060102",
	"02/01/2006",
	"2006-01-02 15:04:05",
	time.RFC3339,
}

// ParseDate parses the date formats found in registry exports. Empty
// values and the registry's 19000101 placeholder yield nil.
func ParseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" || isNull(s) || s == "19000101" || s == "1900-01-01" {
		return nil, nil
	}
	s = trimFloatSuffix(s)
	for _, format := range dateFormats {
		if t, err := time.Parse(format, s); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("unrecognised date %q", s)
}

// parseID parses a numeric identifier, tolerating the "123.0" form that
// spreadsheet and dataframe exports write for integer columns.
func parseID(s string) (int64, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), " ", "")
	if s == "" {
		return 0, fmt.Errorf("empty value")
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != math.Trunc(f) || math.Abs(f) > 1<<53 {
		return 0, fmt.Errorf("not an integer: %q", s)
	}
	return int64(f), nil
}

func trimFloatSuffix(s string) string {
	if trimmed, ok := strings.CutSuffix(s, ".0"); ok {
		if _, err := strconv.ParseInt(trimmed, 10, 64); err == nil {
			return trimmed
		}
	}
	return s
}

func isNull(s string) bool {
	switch strings.ToLower(s) {
	case "nan", "none", "null", "<na>":
		return true
	}
	return false
}
