package lang

// Script detectors classify text by Unicode block. They are used both for
// context bias (channel names, captions) and for classifying recognizer
// output before it is fed back into the language histograms.

// HasThai reports whether s contains Thai script characters.
func HasThai(s string) bool { return containsRange(s, thaiRanges) }

// HasJapanese reports whether s contains Hiragana, Katakana, Katakana
// phonetic extensions, or half-width Katakana.
func HasJapanese(s string) bool { return containsRange(s, kanaRanges) }

// HasChinese reports whether s contains CJK Unified Ideographs. Note that
// Japanese text with Kanji also matches; check HasJapanese first when the
// distinction matters.
func HasChinese(s string) bool { return containsRange(s, cjkRanges) }

// HasKorean reports whether s contains Hangul syllables.
func HasKorean(s string) bool { return containsRange(s, hangulRanges) }

// HasCyrillic reports whether s contains Cyrillic characters.
func HasCyrillic(s string) bool { return containsRange(s, cyrillicRanges) }

// HasUkrainian reports whether s contains letters specific to the Ukrainian
// alphabet (ҐЄІЇ and their lowercase forms). These never occur in Russian.
func HasUkrainian(s string) bool {
	for _, r := range s {
		switch r {
		case 'Ґ', 'ґ', 'Є', 'є', 'І', 'і', 'Ї', 'ї':
			return true
		}
	}
	return false
}

// HasKhmer reports whether s contains Khmer script characters.
func HasKhmer(s string) bool { return containsRange(s, khmerRanges) }

// HasMyanmar reports whether s contains Myanmar script characters.
func HasMyanmar(s string) bool { return containsRange(s, myanmarRanges) }

// HasDevanagari reports whether s contains Devanagari script characters.
func HasDevanagari(s string) bool { return containsRange(s, devanagariRanges) }

// HasArabic reports whether s contains Arabic script characters.
func HasArabic(s string) bool { return containsRange(s, arabicRanges) }

type runeRange struct{ lo, hi rune }

var (
	thaiRanges = []runeRange{{0x0E00, 0x0E7F}}
	kanaRanges = []runeRange{
		{0x3040, 0x30FF}, // Hiragana + Katakana
		{0x31F0, 0x31FF}, // Katakana phonetic extensions
		{0xFF66, 0xFF9F}, // half-width Katakana
	}
	cjkRanges        = []runeRange{{0x4E00, 0x9FFF}}
	hangulRanges     = []runeRange{{0xAC00, 0xD7AF}}
	cyrillicRanges   = []runeRange{{0x0400, 0x04FF}}
	khmerRanges      = []runeRange{{0x1780, 0x17FF}, {0x19E0, 0x19FF}}
	myanmarRanges    = []runeRange{{0x1000, 0x109F}}
	devanagariRanges = []runeRange{{0x0900, 0x097F}}
	arabicRanges     = []runeRange{{0x0600, 0x06FF}, {0x0750, 0x077F}, {0x08A0, 0x08FF}}
)

func containsRange(s string, ranges []runeRange) bool {
	for _, r := range s {
		for _, rr := range ranges {
			if r >= rr.lo && r <= rr.hi {
				return true
			}
		}
	}
	return false
}
