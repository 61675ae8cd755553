// Package compiler classifies C and C++ compiler diagnostics.
package compiler

import "strings"

// Language identifies the toolchain that produced a compile event.
// The ordinals are part of the session export format.
type Language int

const (
	LangCPP Language = iota
	LangC
)

func (l Language) String() string {
	if l == LangC {
		return "c"
	}
	return "c++"
}

// ParseLanguage accepts "c", "c++", "cpp" and "cxx" (case-insensitive).
// Anything else is reported as not ok and LangCPP is returned.
func ParseLanguage(s string) (Language, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "c":
		return LangC, true
	case "c++", "cpp", "cxx":
		return LangCPP, true
	}
	return LangCPP, false
}

// ErrorKind is the classified category of a compiler error message.
// The ordinals are part of the session export format.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindSyntax
	KindMissingSemicolon
	KindUndefinedReference
	KindMissingHeader
	KindSegfault
	KindNullPointer
	KindBounds
	KindUninitialized
	KindMemoryLeak
	KindBufferOverflow
	KindTypeMismatch
	KindNoMatch
	KindAmbiguous
	KindRedefinition
	KindUndeclared
	KindIncompleteType
)

var kindNames = [...]string{
	KindUnknown:            "unknown",
	KindSyntax:             "syntax",
	KindMissingSemicolon:   "missing_semicolon",
	KindUndefinedReference: "undefined_reference",
	KindMissingHeader:      "missing_header",
	KindSegfault:           "segfault",
	KindNullPointer:        "null_pointer",
	KindBounds:             "bounds",
	KindUninitialized:      "uninitialized",
	KindMemoryLeak:         "memory_leak",
	KindBufferOverflow:     "buffer_overflow",
	KindTypeMismatch:       "type_mismatch",
	KindNoMatch:            "no_match",
	KindAmbiguous:          "ambiguous",
	KindRedefinition:       "redefinition",
	KindUndeclared:         "undeclared",
	KindIncompleteType:     "incomplete_type",
}

func (k ErrorKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return kindNames[KindUnknown]
	}
	return kindNames[k]
}

type pattern struct {
	substr string
	kind   ErrorKind
}

// patterns is scanned in order; the first contained substring wins, so the
// more specific phrases come before the generic ones they overlap with.
var patterns = []pattern{
	{"expected ';'", KindMissingSemicolon},
	{"missing semicolon", KindMissingSemicolon},
	{"expected ‘;’", KindMissingSemicolon},
	{"undefined reference", KindUndefinedReference},
	{"unresolved external symbol", KindUndefinedReference},
	{"no such file or directory", KindMissingHeader},
	{"file not found", KindMissingHeader},
	{"segmentation fault", KindSegfault},
	{"sigsegv", KindSegfault},
	{"null pointer", KindNullPointer},
	{"array bounds", KindBounds},
	{"out of bounds", KindBounds},
	{"out of range", KindBounds},
	{"uninitialized", KindUninitialized},
	{"memory leak", KindMemoryLeak},
	{"buffer overflow", KindBufferOverflow},
	{"stack smashing", KindBufferOverflow},
	{"cannot convert", KindTypeMismatch},
	{"incompatible type", KindTypeMismatch},
	{"type mismatch", KindTypeMismatch},
	{"no matching function", KindNoMatch},
	{"no matching constructor", KindNoMatch},
	{"ambiguous", KindAmbiguous},
	{"redefinition", KindRedefinition},
	{"multiple definition", KindRedefinition},
	{"was not declared", KindUndeclared},
	{"undeclared", KindUndeclared},
	{"incomplete type", KindIncompleteType},
	{"syntax error", KindSyntax},
	{"expected", KindSyntax},
}

// Classify maps an error message to its kind. Matching is case-insensitive
// substring containment and the first pattern in table order wins.
func Classify(message string) ErrorKind {
	if message == "" {
		return KindUnknown
	}
	lower := strings.ToLower(message)
	for _, p := range patterns {
		if strings.Contains(lower, p.substr) {
			return p.kind
		}
	}
	return KindUnknown
}
