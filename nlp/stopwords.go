package nlp

// English stop words are filtered before stemming. Other languages rely on
// their stemmer alone; an over-inclusive index is harmless, a missing
// posting is not.
var englishStopWords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {},
	"be": {}, "by": {}, "for": {}, "from": {}, "has": {}, "he": {},
	"in": {}, "is": {}, "it": {}, "its": {}, "of": {}, "on": {},
	"or": {}, "that": {}, "the": {}, "to": {}, "was": {}, "were": {},
	"will": {}, "with": {}, "this": {}, "but": {}, "they": {},
	"have": {}, "had": {}, "what": {}, "when": {}, "where": {},
	"who": {}, "which": {}, "their": {}, "if": {}, "each": {},
	"do": {}, "not": {}, "no": {}, "so": {}, "can": {},
}

func stopWords(lang Language) map[string]struct{} {
	if lang == LangEnglish {
		return englishStopWords
	}
	return nil
}
