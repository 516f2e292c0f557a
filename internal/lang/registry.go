// Package lang selects spoken-language codes for speech recognition. It
// combines script detection over context text (user name, channel name,
// caption, file name) with per-user and per-channel language histograms to
// pick a primary BCP-47 code and up to two rounds of alternate codes.
package lang

import "strings"

// Defaults for the resolver knobs.
const (
	DefaultPrimary          = "th-TH"
	DefaultStrictConfidence = 2.0
	maxAlternatesPerRound   = 3
)

// FallbackOrder is the ordered pool used to top up alternate language lists
// when context and history produce fewer than three positive candidates.
var FallbackOrder = []string{
	"en-US", "ja-JP", "cmn-Hans-CN", "cmn-Hant-TW", "yue-Hant-HK",
	"ru-RU", "ko-KR", "vi-VN",
}

// primaryCandidates is the set considered when dynamically picking the
// primary language from combined context and history weights.
var primaryCandidates = []string{
	"th-TH", "ja-JP", "cmn-Hans-CN", "ko-KR", "ru-RU", "vi-VN", "en-US",
}

// supportedCodes lists every BCP-47 code the resolver can emit.
var supportedCodes = []string{
	"th-TH", "en-US", "ja-JP", "ko-KR", "vi-VN", "id-ID", "fil-PH",
	"km-KH", "my-MM", "hi-IN", "ar-SA", "ru-RU", "uk-UA",
	"fr-FR", "de-DE", "es-ES", "it-IT", "pt-PT", "pl-PL",
	"cmn-Hans-CN", "cmn-Hant-TW", "yue-Hant-HK",
}

// aliases maps short or legacy language codes to their canonical BCP-47 form.
var aliases = map[string]string{
	"th":  "th-TH",
	"en":  "en-US",
	"ja":  "ja-JP",
	"jp":  "ja-JP",
	"zh":  "cmn-Hans-CN",
	"ko":  "ko-KR",
	"vi":  "vi-VN",
	"id":  "id-ID",
	"fil": "fil-PH",
	"tl":  "fil-PH",
	"kh":  "km-KH",
	"km":  "km-KH",
	"my":  "my-MM",
	"hi":  "hi-IN",
	"ar":  "ar-SA",
	"ru":  "ru-RU",
	"uk":  "uk-UA",
	"fr":  "fr-FR",
	"de":  "de-DE",
	"es":  "es-ES",
	"it":  "it-IT",
	"pt":  "pt-PT",
	"pl":  "pl-PL",
}

// latinHint is a closed set of frequent words for a Latin-script language,
// matched case-insensitively as substrings of the context blob.
type latinHint struct {
	code   string
	weight float64
	words  []string
}

// latinHints covers the Latin-script languages the recognizer supports.
// Weights reflect how distinctive the word set is: diacritic-heavy
// Vietnamese words are near-unambiguous, plain Romance stopwords less so.
var latinHints = []latinHint{
	{"vi-VN", 1.5, []string{"anh", "em", "và", "của", "không", "được", "cảm", "ơn"}},
	{"id-ID", 1.2, []string{"yang", "tidak", "dengan", "saya", "kamu", "terima kasih"}},
	{"fil-PH", 1.2, []string{"ang", "nga", "hindi", "salamat", "kayo", "naman"}},
	{"fr-FR", 1.0, []string{"bonjour", "merci", "oui", "avec", "c'est", "vous"}},
	{"de-DE", 1.0, []string{"und", "nicht", "danke", "hallo", "ich", "über"}},
	{"es-ES", 1.0, []string{"hola", "gracias", "pero", "usted", "está", "qué"}},
	{"it-IT", 1.0, []string{"ciao", "grazie", "perché", "sono", "questo"}},
	{"pt-PT", 1.0, []string{"obrigado", "você", "não", "está", "isso"}},
	{"pl-PL", 1.2, []string{"dzień", "dziękuję", "nie", "jest", "cześć"}},
}

// Normalize maps a short or aliased language code to its canonical BCP-47
// form. Unknown codes are returned unchanged.
func Normalize(code string) string {
	c := strings.TrimSpace(code)
	if c == "" {
		return ""
	}
	if full, ok := aliases[strings.ToLower(c)]; ok {
		return full
	}
	base, _, found := strings.Cut(strings.ToLower(c), "-")
	if found {
		for _, s := range supportedCodes {
			if strings.EqualFold(s, c) {
				return s
			}
		}
		if full, ok := aliases[base]; ok {
			return full
		}
	}
	return c
}

// Supported reports whether code is one of the resolver's known BCP-47 codes.
func Supported(code string) bool {
	for _, s := range supportedCodes {
		if s == code {
			return true
		}
	}
	return false
}

// baseOf returns the language subtag of a BCP-47 code ("th-TH" → "th").
func baseOf(code string) string {
	base, _, _ := strings.Cut(strings.ToLower(code), "-")
	return base
}
