package protocol

import "unicode"

// Detection is the outcome of a script-based language guess
type Detection struct {
	Language   string
	Confidence float64
}

// DetectLanguage guesses the language of text from the scripts it contains. Kana wins
// over Han so that Japanese with kanji is not reported as Chinese.
func DetectLanguage(text string) Detection {
	var han, hangul bool
	for _, r := range text {
		switch {
		case unicode.In(r, unicode.Hiragana, unicode.Katakana):
			return Detection{Language: "ja", Confidence: 0.8}
		case unicode.Is(unicode.Han, r):
			han = true
		case unicode.Is(unicode.Hangul, r):
			hangul = true
		}
	}

	switch {
	case han:
		return Detection{Language: "zh", Confidence: 0.8}
	case hangul:
		return Detection{Language: "ko", Confidence: 0.8}
	default:
		return Detection{Language: "en", Confidence: 0.6}
	}
}
