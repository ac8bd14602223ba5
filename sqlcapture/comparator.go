package sqlcapture

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// CursorType is the ordering class of a cursor column, which determines how two
// cursor values in their database text representation are compared.
type CursorType string

const (
	CursorTypeNumeric     CursorType = "numeric"
	CursorTypeText        CursorType = "text"
	CursorTypeDate        CursorType = "date"
	CursorTypeTime        CursorType = "time"
	CursorTypeTimeTZ      CursorType = "timetz"
	CursorTypeTimestamp   CursorType = "timestamp"
	CursorTypeTimestampTZ CursorType = "timestamptz"
)

// CompareCursors returns -1, 0, or +1 as a sorts before, equal to, or after b
// according to the ordering of the cursor type. Equal values are expected: many
// rows may share a single cursor value.
func CompareCursors(a, b string, typ CursorType) (int, error) {
	switch typ {
	case CursorTypeNumeric:
		return compareNumeric(a, b)
	case CursorTypeText:
		return strings.Compare(a, b), nil
	case CursorTypeDate:
		return compareParsed(a, b, parseDate)
	case CursorTypeTime:
		return compareParsed(a, b, parseTimeOfDay)
	case CursorTypeTimeTZ:
		return compareParsed(a, b, parseTimeOfDayTZ)
	case CursorTypeTimestamp:
		return compareParsed(a, b, parseTimestamp)
	case CursorTypeTimestampTZ:
		return compareParsed(a, b, parseTimestampTZ)
	}
	return 0, fmt.Errorf("unsupported cursor type %q", typ)
}

// numericValue is a parsed numeric cursor. Postgres sorts NaN above every other
// value, including infinity.
type numericValue struct {
	rank int // -1 for -Infinity, 0 for finite values, 1 for Infinity, 2 for NaN
	rat  *big.Rat
}

func parseNumeric(s string) (numericValue, error) {
	switch strings.TrimSpace(s) {
	case "NaN":
		return numericValue{rank: 2}, nil
	case "Infinity", "+Infinity", "inf", "+inf":
		return numericValue{rank: 1}, nil
	case "-Infinity", "-inf":
		return numericValue{rank: -1}, nil
	}
	var r, ok = new(big.Rat).SetString(strings.TrimSpace(s))
	if !ok {
		return numericValue{}, fmt.Errorf("invalid numeric cursor value %q", s)
	}
	return numericValue{rat: r}, nil
}

func compareNumeric(a, b string) (int, error) {
	x, err := parseNumeric(a)
	if err != nil {
		return 0, err
	}
	y, err := parseNumeric(b)
	if err != nil {
		return 0, err
	}
	if x.rank != y.rank {
		if x.rank < y.rank {
			return -1, nil
		}
		return 1, nil
	} else if x.rank != 0 {
		return 0, nil
	}
	return x.rat.Cmp(y.rat), nil
}

// parsedTime is a parsed temporal cursor. Infinite values sort outside every finite one.
type parsedTime struct {
	rank int // -1 for -infinity, 0 for finite values, 1 for infinity
	t    time.Time
}

func compareParsed(a, b string, parse func(string) (parsedTime, error)) (int, error) {
	x, err := parse(a)
	if err != nil {
		return 0, err
	}
	y, err := parse(b)
	if err != nil {
		return 0, err
	}
	if x.rank != y.rank {
		if x.rank < y.rank {
			return -1, nil
		}
		return 1, nil
	} else if x.rank != 0 {
		return 0, nil
	}
	return x.t.Compare(y.t), nil
}

func parseInfinity(s string) (parsedTime, bool) {
	switch s {
	case "infinity":
		return parsedTime{rank: 1}, true
	case "-infinity":
		return parsedTime{rank: -1}, true
	}
	return parsedTime{}, false
}

// parseWithLayouts parses a temporal value with the first matching layout. Values
// ending in " BC" are years before the common era.
func parseWithLayouts(kind, s string, layouts []string) (parsedTime, error) {
	s = strings.TrimSpace(s)
	if inf, ok := parseInfinity(s); ok {
		return inf, nil
	}
	var bc bool
	if trimmed, ok := strings.CutSuffix(s, " BC"); ok {
		s, bc = trimmed, true
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			if bc {
				// 1 BC is year 0 of the proleptic Gregorian calendar.
				t = t.AddDate(1-2*t.Year(), 0, 0)
			}
			return parsedTime{t: t}, nil
		}
	}
	return parsedTime{}, fmt.Errorf("invalid %s cursor value %q", kind, s)
}

var (
	dateLayouts        = []string{"2006-01-02"}
	timeLayouts        = []string{"15:04:05.999999999", "15:04"}
	timeTZLayouts      = []string{"15:04:05.999999999-07", "15:04:05.999999999-07:00", "15:04:05.999999999-07:00:00"}
	timestampLayouts   = []string{"2006-01-02 15:04:05.999999999", "2006-01-02T15:04:05.999999999"}
	timestampTZLayouts = []string{
		"2006-01-02 15:04:05.999999999-07",
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05.999999999-07:00:00",
		time.RFC3339Nano,
	}
)

func parseDate(s string) (parsedTime, error) {
	return parseWithLayouts("date", s, dateLayouts)
}

func parseTimeOfDay(s string) (parsedTime, error) {
	// Postgres accepts 24:00:00 as the end of the day.
	if strings.HasPrefix(strings.TrimSpace(s), "24:00:00") {
		return parsedTime{t: time.Date(0, 1, 2, 0, 0, 0, 0, time.UTC)}, nil
	}
	return parseWithLayouts("time", s, timeLayouts)
}

func parseTimeOfDayTZ(s string) (parsedTime, error) {
	var p, err = parseWithLayouts("timetz", s, timeTZLayouts)
	if err != nil {
		return p, err
	}
	p.t = p.t.UTC()
	return p, nil
}

func parseTimestamp(s string) (parsedTime, error) {
	return parseWithLayouts("timestamp", s, timestampLayouts)
}

func parseTimestampTZ(s string) (parsedTime, error) {
	return parseWithLayouts("timestamptz", s, timestampTZLayouts)
}
