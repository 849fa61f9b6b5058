package scout

import (
	"regexp"
	"strings"
	"unicode"
)

// Tokenizer splits a frame's inner text into countable words (§4.8 step 7).
type Tokenizer interface {
	Tokenize(text string) []string
}

// delimiterPattern matches any run of non-letter Unicode code points,
// mirroring the source's code-point-by-code-point delimiter scan without
// paying its O(maxunicode) setup cost: unicode.IsLetter already answers
// the same "is this code point category L*" question per rune.
var delimiterPattern = regexp.MustCompile(`[^\p{L}]+`)

// DefaultTokenizer splits on every non-letter code point and drops empty
// results, the fallback strategy when Japanese segmentation is disabled.
type DefaultTokenizer struct{}

func (DefaultTokenizer) Tokenize(text string) []string {
	parts := delimiterPattern.Split(strings.ToLower(text), -1)
	words := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			words = append(words, p)
		}
	}
	return words
}

// JapaneseSegmenter is the optional morphological-analysis collaborator
// (fugashi in the source) that splits Japanese text into surface words.
// Its absence is not an error: the scout falls back to DefaultTokenizer
// for text it is given, segment by segment, rather than requiring a
// language-wide decision up front.
type JapaneseSegmenter interface {
	// Segment splits text into known-word surfaces. ok is false when the
	// segmenter can't confidently tokenize text (e.g. fewer than two
	// segments recognized), signaling the caller to keep text whole.
	Segment(text string) (words []string, ok bool)
}

// JapaneseTokenizer defers to an external segmenter for each delimiter-
// split chunk of text, falling back to the whole chunk when the segmenter
// isn't confident, matching the source's "len(word_list) < 2" fallback.
type JapaneseTokenizer struct {
	Segmenter JapaneseSegmenter
}

func (t JapaneseTokenizer) Tokenize(text string) []string {
	parts := delimiterPattern.Split(strings.ToLower(text), -1)
	var words []string
	for _, p := range parts {
		if p == "" {
			continue
		}
		if t.Segmenter != nil {
			if segmented, ok := t.Segmenter.Segment(p); ok && len(segmented) >= 2 {
				words = append(words, segmented...)
				continue
			}
		}
		words = append(words, p)
	}
	return words
}

// isLetterRune reports whether r belongs to a Unicode letter category;
// kept distinct from the regex pattern above for direct rune-level checks.
func isLetterRune(r rune) bool {
	return unicode.IsLetter(r)
}
