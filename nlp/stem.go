package nlp

import "github.com/kljensen/snowball"

// stem reduces word to its snowball stem. On stemmer failure the
// lower-cased word passes through unchanged; a bad token never fails a
// commit.
func stem(word, language string) string {
	stemmed, err := snowball.Stem(word, language, false)
	if err != nil || stemmed == "" {
		return word
	}
	return stemmed
}
