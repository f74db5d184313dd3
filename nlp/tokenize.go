package nlp

import (
	"iter"
	"strings"
	"unicode"
)

const (
	// minTokenRunes drops single-rune noise tokens.
	minTokenRunes = 2
	// maxTokenRunes drops pathological tokens (base64 runs, minified
	// content) that would bloat the term dictionary.
	maxTokenRunes = 40
	// maxFieldRunes bounds how much of a single text field is indexed.
	// Anything past it (huge bodies, attachments pasted as text) adds
	// index weight without adding search value.
	maxFieldRunes = 1 << 16
)

// Token is one normalized term with its ordinal position in the input.
type Token struct {
	Term string
	Pos  int
}

// Tokenize segments text into normalized, stemmed terms.
//
// When hint is LangUnknown the language is detected from the text itself;
// inconclusive detection falls back to default word segmentation with no
// stemming. Text beyond maxFieldRunes runes is not indexed. The returned
// sequence is lazy and single-use; iterating it has no side effects.
func Tokenize(text string, hint Language) iter.Seq[Token] {
	text = truncateRunes(text, maxFieldRunes)
	lang := hint
	if lang == LangUnknown && text != "" {
		lang = Detect(text)
	}
	if lang.logographic() {
		return bigramTokens(text, lang)
	}
	return wordTokens(text, lang)
}

// truncateRunes cuts text after max runes, on a rune boundary.
func truncateRunes(text string, max int) string {
	if len(text) <= max {
		return text // every rune is at least one byte
	}
	n := 0
	for i := range text {
		if n == max {
			return text[:i]
		}
		n++
	}
	return text
}

// wordTokens segments space-delimited scripts on letter/digit boundaries,
// lowercases, filters stop words, and stems.
func wordTokens(text string, lang Language) iter.Seq[Token] {
	stemmer := lang.snowballName()
	stop := stopWords(lang)
	return func(yield func(Token) bool) {
		var sb strings.Builder
		pos := 0
		runes := 0
		emit := func() bool {
			if sb.Len() == 0 {
				return true
			}
			word := sb.String()
			sb.Reset()
			n := runes
			runes = 0
			if n < minTokenRunes || n > maxTokenRunes {
				return true
			}
			if _, isStop := stop[word]; isStop {
				return true
			}
			if stemmer != "" {
				word = stem(word, stemmer)
			}
			ok := yield(Token{Term: word, Pos: pos})
			pos++
			return ok
		}
		for _, r := range text {
			if unicode.IsLetter(r) || unicode.IsDigit(r) {
				sb.WriteRune(unicode.ToLower(r))
				runes++
				continue
			}
			if !emit() {
				return
			}
		}
		emit()
	}
}

// bigramTokens segments logographic scripts (Han, Kana) into overlapping
// bigrams; a run of a single logographic character is emitted as-is. Runs
// of non-logographic letters and digits embedded in the text (latin words,
// numbers) are emitted as whole lowercase tokens.
func bigramTokens(text string, lang Language) iter.Seq[Token] {
	return func(yield func(Token) bool) {
		var prev rune
		runLen := 0
		var sb strings.Builder
		pos := 0
		runes := 0
		emitWord := func() bool {
			if sb.Len() == 0 {
				return true
			}
			word := sb.String()
			sb.Reset()
			n := runes
			runes = 0
			if n < minTokenRunes || n > maxTokenRunes {
				return true
			}
			ok := yield(Token{Term: word, Pos: pos})
			pos++
			return ok
		}
		endRun := func() bool {
			// A lone logographic character has no bigram; emit it alone.
			if runLen == 1 {
				if !yield(Token{Term: string(prev), Pos: pos}) {
					return false
				}
				pos++
			}
			prev = 0
			runLen = 0
			return true
		}
		for _, r := range text {
			switch {
			case isLogographic(r):
				if !emitWord() {
					return
				}
				if runLen > 0 {
					if !yield(Token{Term: string([]rune{prev, r}), Pos: pos}) {
						return
					}
					pos++
				}
				prev = r
				runLen++
			case unicode.IsLetter(r) || unicode.IsDigit(r):
				if !endRun() {
					return
				}
				sb.WriteRune(unicode.ToLower(r))
				runes++
			default:
				if !endRun() {
					return
				}
				if !emitWord() {
					return
				}
			}
		}
		if !endRun() {
			return
		}
		emitWord()
	}
}

func isLogographic(r rune) bool {
	return unicode.Is(unicode.Han, r) ||
		unicode.Is(unicode.Hiragana, r) ||
		unicode.Is(unicode.Katakana, r)
}
