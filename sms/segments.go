// Package sms is the outbound text gateway: a provider registry with
// priority and success-rate selection, per-provider rate limits and circuit
// breakers, weighted A/B message templates, and delivery-receipt handling.
package sms

const (
	gsmSingleSegment = 160
	gsmMultiSegment  = 153
	ucsSingleSegment = 70
	ucsMultiSegment  = 67
)

// gsm7Basic is the GSM 03.38 basic character set.
var gsm7Basic = map[rune]bool{}

// gsm7Extended characters cost two septets each.
var gsm7Extended = map[rune]bool{
	'€': true, '[': true, ']': true, '{': true, '}': true,
	'~': true, '\\': true, '^': true, '|': true, '\f': true,
}

func init() {
	const basic = "@£$¥èéùìòÇ\nØø\rÅåΔ_ΦΓΛΩΠΨΣΘΞÆæßÉ !\"#¤%&'()*+,-./0123456789:;<=>?" +
		"¡ABCDEFGHIJKLMNOPQRSTUVWXYZÄÖÑÜ§¿abcdefghijklmnopqrstuvwxyzäöñüà"
	for _, r := range basic {
		gsm7Basic[r] = true
	}
}

// isGSM7 reports whether the body fits the 7-bit GSM alphabet.
func isGSM7(body string) bool {
	for _, r := range body {
		if !gsm7Basic[r] && !gsm7Extended[r] {
			return false
		}
	}
	return true
}

// gsm7Length counts septets; extended characters cost two.
func gsm7Length(body string) int {
	n := 0
	for _, r := range body {
		if gsm7Extended[r] {
			n += 2
		} else {
			n++
		}
	}
	return n
}

// Segments computes the number of SMS segments for a body: 160/153
// characters under the 7-bit GSM alphabet, 70/67 under UCS-2. It is
// monotonic non-decreasing in body length.
func Segments(body string) int {
	if body == "" {
		return 0
	}

	var length, single, multi int
	if isGSM7(body) {
		length, single, multi = gsm7Length(body), gsmSingleSegment, gsmMultiSegment
	} else {
		length = len([]rune(body))
		single, multi = ucsSingleSegment, ucsMultiSegment
	}

	if length <= single {
		return 1
	}
	return (length + multi - 1) / multi
}
