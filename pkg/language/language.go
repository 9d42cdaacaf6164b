// Package language normalises subtitle language codes. The catalogue
// speaks 3-letter ISO 639-2 codes; everything internal is 2-letter
// ISO 639-1.
package language

import (
	"log/slog"
	"strings"
)

// iso3to2 maps the catalogue's 3-letter codes (both bibliographic and
// terminologic variants where they differ) to ISO 639-1.
var iso3to2 = map[string]string{
	"eng": "en",
	"spa": "es",
	"fre": "fr", "fra": "fr",
	"ger": "de", "deu": "de",
	"ita": "it",
	"por": "pt",
	"rus": "ru",
	"jpn": "ja",
	"chi": "zh", "zho": "zh",
	"kor": "ko",
	"ara": "ar",
	"heb": "he",
	"dut": "nl", "nld": "nl",
	"pol": "pl",
	"tur": "tr",
	"swe": "sv",
	"nor": "no",
	"dan": "da",
	"fin": "fi",
	"cze": "cs", "ces": "cs",
	"gre": "el", "ell": "el",
	"hun": "hu",
	"rum": "ro", "ron": "ro",
	"ukr": "uk",
	"vie": "vi",
	"tha": "th",
	"ind": "id",
	"hin": "hi",
	"ben": "bn",
	"per": "fa", "fas": "fa",
	"bul": "bg",
	"hrv": "hr",
	"srp": "sr",
	"slo": "sk", "slk": "sk",
	"slv": "sl",
	"lit": "lt",
	"lav": "lv",
	"est": "et",
	"cat": "ca",
	"baq": "eu", "eus": "eu",
	"glg": "gl",
	"ice": "is", "isl": "is",
	"may": "ms", "msa": "ms",
	"tam": "ta",
	"tel": "te",
	"urd": "ur",
}

// Normalize converts a language code of either length to 2-letter ISO
// 639-1, lowercased. Already-2-letter codes pass through. Unknown
// 3-letter codes fall back to their first two letters with a warning.
func Normalize(code string) string {
	c := strings.ToLower(strings.TrimSpace(code))
	if len(c) == 2 {
		return c
	}
	if two, ok := iso3to2[c]; ok {
		return two
	}
	if len(c) > 2 {
		slog.Warn("Unknown 3-letter language code, truncating", "code", code)
		return c[:2]
	}
	return c
}

// IsTwoLetter reports whether code is exactly two lowercase ASCII letters.
func IsTwoLetter(code string) bool {
	if len(code) != 2 {
		return false
	}
	for i := 0; i < 2; i++ {
		if code[i] < 'a' || code[i] > 'z' {
			return false
		}
	}
	return true
}
