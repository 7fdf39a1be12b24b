package importer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/openroute/gasflow/core"
)

// eraOffset converts the legacy local-era year to Gregorian.
const eraOffset = 1911

// ParseLegacyDate converts a legacy calendar value to a Gregorian date.
// Accepted forms:
//
//	1130215        7-digit integer, 3-digit era year
//	990215         6-digit integer, 2-digit era year
//	"113/02/15"    era year with / . - separators
//	"2024-02-15"   already Gregorian, passed through
func ParseLegacyDate(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case int:
		return eraDigits(t)
	case int64:
		return eraDigits(int(t))
	case float64:
		return eraDigits(int(t))
	case string:
		return parseDateString(strings.TrimSpace(t))
	case time.Time:
		return t, nil
	default:
		return time.Time{}, &core.DomainError{Op: "importer.ParseLegacyDate", Kind: "validation",
			Message: fmt.Sprintf("unsupported date value %v", v), Err: core.ErrValidation}
	}
}

func eraDigits(n int) (time.Time, error) {
	if n < 10101 || n > 9991231 {
		return time.Time{}, badDate(strconv.Itoa(n))
	}
	year := n/10000 + eraOffset
	month := n / 100 % 100
	day := n % 100
	return makeDate(year, month, day, strconv.Itoa(n))
}

func parseDateString(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, badDate(s)
	}

	// Gregorian forms pass through untouched.
	for _, layout := range []string{"2006-01-02", "2006/01/02", time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}

	norm := strings.NewReplacer(".", "/", "-", "/").Replace(s)
	parts := strings.Split(norm, "/")
	if len(parts) == 3 {
		year, err1 := strconv.Atoi(parts[0])
		month, err2 := strconv.Atoi(parts[1])
		day, err3 := strconv.Atoi(parts[2])
		if err1 == nil && err2 == nil && err3 == nil {
			if year >= 1000 {
				// Four-digit years are already Gregorian.
				return makeDate(year, month, day, s)
			}
			return makeDate(year+eraOffset, month, day, s)
		}
		return time.Time{}, badDate(s)
	}

	// Bare digit runs are the integer forms serialized as text.
	if n, err := strconv.Atoi(norm); err == nil {
		return eraDigits(n)
	}
	return time.Time{}, badDate(s)
}

func makeDate(year, month, day int, raw string) (time.Time, error) {
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, badDate(raw)
	}
	t := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// Reject overflow like day 31 in a 30-day month.
	if t.Day() != day || int(t.Month()) != month {
		return time.Time{}, badDate(raw)
	}
	return t, nil
}

func badDate(raw string) error {
	return &core.DomainError{Op: "importer.ParseLegacyDate", Kind: "validation",
		Message: fmt.Sprintf("unparseable legacy date %q", raw), Err: core.ErrValidation}
}
