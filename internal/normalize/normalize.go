// Package normalize canonicalizes message text for name matching.
// Arabic text in group chats arrives with inconsistent diacritics, hamza
// seats and digit scripts; matching happens on the canonical form only.
package normalize

import (
	"strings"
	"unicode"
)

// letterFold maps Arabic letter variants to one canonical form per
// phoneme group: hamza carriers fold to bare alef, alef maqsura to yaa,
// taa marbuta to haa, waw/yaa hamza to their base letters.
var letterFold = map[rune]rune{
	'أ': 'ا',
	'إ': 'ا',
	'آ': 'ا',
	'ٱ': 'ا',
	'ى': 'ي',
	'ة': 'ه',
	'ؤ': 'و',
	'ئ': 'ي',
}

// arabicDigits maps Arabic-Indic digits to their ASCII equivalents.
var arabicDigits = map[rune]rune{
	'٠': '0', '١': '1', '٢': '2', '٣': '3', '٤': '4',
	'٥': '5', '٦': '6', '٧': '7', '٨': '8', '٩': '9',
}

// isBidiControl reports whether r is a zero-width or directional control
// character (ZWNJ, ZWJ, LRM, RLM, LRE..RLO range).
func isBidiControl(r rune) bool {
	switch r {
	case '‌', '‍', '‎', '‏':
		return true
	}
	return r >= '‪' && r <= '‮'
}

// isDiacritic reports whether r is an Arabic vowel mark (fatha through
// sukun), the dagger alef, or the tatweel elongation character.
func isDiacritic(r rune) bool {
	if r >= 'ً' && r <= 'ْ' {
		return true
	}
	return r == 'ٰ' || r == 'ـ'
}

// Normalize returns the canonical form of s: control and diacritic marks
// stripped, letter variants folded, Arabic digits mapped to ASCII,
// punctuation replaced by spaces, whitespace collapsed, lowercased.
// Normalize is idempotent: Normalize(Normalize(s)) == Normalize(s).
func Normalize(s string) string {
	if s == "" {
		return ""
	}

	var b strings.Builder
	b.Grow(len(s))

	space := true // collapse leading whitespace
	for _, r := range s {
		if isBidiControl(r) || isDiacritic(r) {
			continue
		}
		if f, ok := letterFold[r]; ok {
			r = f
		}
		if d, ok := arabicDigits[r]; ok {
			r = d
		}
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) {
			if !space {
				b.WriteRune(' ')
				space = true
			}
			continue
		}
		b.WriteRune(unicode.ToLower(r))
		space = false
	}

	return strings.TrimRight(b.String(), " ")
}

// Plain is the reduced canonical form used when Arabic normalization is
// disabled: lowercase with collapsed whitespace, nothing else touched.
// Plain is idempotent.
func Plain(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// Fold applies Normalize when arabic is true and Plain otherwise.
func Fold(s string, arabic bool) string {
	if arabic {
		return Normalize(s)
	}
	return Plain(s)
}
