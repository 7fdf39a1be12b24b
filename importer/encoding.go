// Package importer streams legacy workbooks into the database: Big5 text,
// era-calendar dates, foreign keys resolved through pre-loaded code maps,
// batched inserts with a resumable checkpoint sidecar, and restore points
// for rollback.
package importer

import (
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/traditionalchinese"
	"golang.org/x/text/transform"
)

// DecodeBig5 converts Big5-encoded text to UTF-8. Undecodable byte
// sequences become the Unicode replacement character instead of failing
// the row.
func DecodeBig5(raw []byte) string {
	decoded, _, err := transform.Bytes(traditionalchinese.Big5.NewDecoder(), raw)
	if err != nil {
		// The decoder substitutes what it can; fall back to a lossy pass
		// over the raw bytes for anything that still failed.
		return strings.ToValidUTF8(string(decoded), string(utf8.RuneError))
	}
	return string(decoded)
}

// NormalizeText decodes cell when it is not already valid UTF-8 and trims
// surrounding whitespace.
func NormalizeText(cell string) string {
	if !utf8.ValidString(cell) {
		cell = DecodeBig5([]byte(cell))
	}
	return strings.TrimSpace(cell)
}
