// Package nlp turns raw text into normalized, searchable terms.
//
// The pipeline is language aware: the input language is detected
// automatically (or supplied as a hint by the caller), the text is
// segmented with a strategy appropriate for its script, and each token is
// stemmed where a stemmer exists for the language. Languages without a
// stemmer pass through lower-cased.
//
// Tokenization is a pure function over its input: the same (text,
// language) pair always produces the same term sequence. Output is a lazy
// iterator, so large inputs (extracted attachment text) are segmented
// incrementally without materializing the full token slice.
//
//	for tok := range nlp.Tokenize(text, nlp.LangUnknown) {
//	    fmt.Println(tok.Term)
//	}
package nlp
