package keyword

import (
	"log/slog"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var nonTokenChars = regexp.MustCompile(`[^\pL\pN\s]+`)

// Splits free-form text in to tokens, including lower-case, unicode normalization, and some unicode folding.
//
// Punctuation splits tokens rather than joining them, so "can't" becomes ["can", "t"] and "well-done" becomes ["well", "done"]. Catalog phrases are run through the same function, which keeps both sides of a match consistent.
func TokenizeText(text string) []string {
	// this needs to be re-defined in every call to prevent a race condition
	normFunc := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	split := strings.ToLower(nonTokenChars.ReplaceAllString(text, " "))
	out, _, err := transform.String(normFunc, split)
	if err != nil {
		slog.Warn("unicode normalization error", "err", err)
		out = split
	}
	return strings.Fields(out)
}

// Singular strips a single trailing "s" from tokens long enough that doing so is unlikely to mangle them ("kills" but not "is").
func Singular(tok string) string {
	if utf8.RuneCountInString(tok) > 3 {
		return strings.TrimSuffix(tok, "s")
	}
	return tok
}

// MatchExact reports whether tok is term, or a plural of it.
func MatchExact(tok, term string) bool {
	return tok == term || Singular(tok) == term
}

// MatchPrefix reports whether tok starts with term. Used for stem-style lists ("learn" matching "learning").
func MatchPrefix(tok, term string) bool {
	return strings.HasPrefix(tok, term)
}

// ContainsSequence reports whether seq appears as a contiguous run in tokens. The final element of seq is compared with last, all others must match exactly (modulo plurals).
func ContainsSequence(tokens, seq []string, last func(tok, term string) bool) bool {
	if len(seq) == 0 || len(seq) > len(tokens) {
		return false
	}
	for i := 0; i+len(seq) <= len(tokens); i++ {
		ok := true
		for j, term := range seq {
			tok := tokens[i+j]
			if j == len(seq)-1 {
				ok = last(tok, term)
			} else {
				ok = MatchExact(tok, term)
			}
			if !ok {
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

// Longest returns the rune length of the longest token.
func Longest(tokens []string) int {
	n := 0
	for _, tok := range tokens {
		if l := utf8.RuneCountInString(tok); l > n {
			n = l
		}
	}
	return n
}
