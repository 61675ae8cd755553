package compiler

import (
	"regexp"
	"strings"
)

// Placeholder tokens substituted by Normalize.
const (
	PlaceholderPath = "<path>"
	PlaceholderLine = "<line>"
	PlaceholderCol  = "<col>"
	PlaceholderAddr = "<addr>"
	PlaceholderNum  = "<num>"
)

var (
	// file.c:12:5 and file.c:12 location prefixes
	reLocation = regexp.MustCompile(`(?:[A-Za-z]:)?[\w./\\-]*\.(?:c|cc|cpp|cxx|h|hh|hpp|hxx|o|obj|a|so)\b(?::\d+)?(?::\d+)?`)
	rePath     = regexp.MustCompile(`(?:[A-Za-z]:\\|/|\./|\.\./)[^\s:'"‘’]+`)
	reLineWord = regexp.MustCompile(`(?i)\bline\s+\d+`)
	reColWord  = regexp.MustCompile(`(?i)\bcolumn\s+\d+`)
	reHex      = regexp.MustCompile(`\b0[xX][0-9a-fA-F]+\b`)
	reNumber   = regexp.MustCompile(`\b\d+\b`)
	reSpace    = regexp.MustCompile(`\s+`)
)

// Normalize reduces an error message to a signature that is stable across
// locations and addresses, so that the same mistake made twice compares
// equal. Normalize(Normalize(s)) == Normalize(s).
func Normalize(message string) string {
	s := normalizePass(message)
	// A placeholder can complete a path with the text next to it, so
	// passes repeat until nothing changes.
	for range maxNormalizePasses {
		next := normalizePass(s)
		if next == s {
			break
		}
		s = next
	}
	return s
}

const maxNormalizePasses = 8

func normalizePass(s string) string {
	s = strings.TrimSpace(s)
	s = reLocation.ReplaceAllString(s, PlaceholderPath)
	s = rePath.ReplaceAllString(s, PlaceholderPath)
	s = reLineWord.ReplaceAllString(s, "line "+PlaceholderLine)
	s = reColWord.ReplaceAllString(s, "column "+PlaceholderCol)
	s = reHex.ReplaceAllString(s, PlaceholderAddr)
	s = reNumber.ReplaceAllString(s, PlaceholderNum)
	s = reSpace.ReplaceAllString(s, " ")
	return s
}
