package nlp

import "github.com/abadojack/whatlanggo"

// Language is a closed set of language tags recognized by the pipeline.
// Anything outside this set maps to LangUnknown and receives the default
// segmentation strategy.
type Language uint8

const (
	// LangUnknown selects the default segmentation with no stemming.
	LangUnknown Language = iota
	LangEnglish
	LangFrench
	LangSpanish
	LangRussian
	LangSwedish
	LangHungarian
	LangChinese
	LangJapanese
)

// String returns the lowercase English name of the language.
func (l Language) String() string {
	switch l {
	case LangEnglish:
		return "english"
	case LangFrench:
		return "french"
	case LangSpanish:
		return "spanish"
	case LangRussian:
		return "russian"
	case LangSwedish:
		return "swedish"
	case LangHungarian:
		return "hungarian"
	case LangChinese:
		return "chinese"
	case LangJapanese:
		return "japanese"
	default:
		return "unknown"
	}
}

// logographic reports whether the language uses a script that is segmented
// by overlapping bigrams instead of word boundaries.
func (l Language) logographic() bool {
	return l == LangChinese || l == LangJapanese
}

// snowballName returns the stemmer name understood by the snowball
// library, or "" when no stemmer exists for the language.
func (l Language) snowballName() string {
	switch l {
	case LangEnglish, LangFrench, LangSpanish, LangRussian, LangSwedish, LangHungarian:
		return l.String()
	default:
		return ""
	}
}

// minDetectConfidence is the whatlanggo confidence below which detection
// is treated as inconclusive and the default strategy is used.
const minDetectConfidence = 0.5

// Detect guesses the language of text. Inconclusive detection returns
// LangUnknown rather than an error; the pipeline degrades to the default
// segmentation in that case.
func Detect(text string) Language {
	info := whatlanggo.Detect(text)
	if info.Confidence < minDetectConfidence {
		return LangUnknown
	}
	switch info.Lang {
	case whatlanggo.Eng:
		return LangEnglish
	case whatlanggo.Fra:
		return LangFrench
	case whatlanggo.Spa:
		return LangSpanish
	case whatlanggo.Rus:
		return LangRussian
	case whatlanggo.Swe:
		return LangSwedish
	case whatlanggo.Hun:
		return LangHungarian
	case whatlanggo.Cmn:
		return LangChinese
	case whatlanggo.Jpn:
		return LangJapanese
	default:
		return LangUnknown
	}
}
