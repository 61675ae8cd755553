package compiler

import (
	"bufio"
	"regexp"
	"strings"
)

// Result is what a compile's raw output yields after parsing.
type Result struct {
	ErrorCount   int
	WarningCount int
	FirstError   string
	Kind         ErrorKind
	Signature    string
}

var (
	// GCC/Clang: "file:line:col: error: msg", "fatal error: msg", "error: msg"
	reGNUError   = regexp.MustCompile(`(?:^|:\s*)(?:fatal\s+)?error:\s*(.*)$`)
	reGNUWarning = regexp.MustCompile(`(?:^|:\s*)warning:\s*(.*)$`)
	// MSVC: "file(12): error C2065: msg"
	reMSVCError   = regexp.MustCompile(`\berror\s+[A-Z]+\d+\s*:\s*(.*)$`)
	reMSVCWarning = regexp.MustCompile(`\bwarning\s+[A-Z]+\d+\s*:`)
	// GNU ld reports unresolved symbols without an "error:" marker.
	reLinker = regexp.MustCompile(`(?i)undefined reference to`)
)

// Parse counts diagnostics in raw compiler output and classifies the first
// error. Unrecognised output is not an error: it yields zero counts and
// KindUnknown. The language selects nothing today because GCC, Clang and
// MSVC print C and C++ diagnostics the same way; it is accepted so callers
// do not need to care.
func Parse(output string, _ Language) Result {
	var r Result

	sc := bufio.NewScanner(strings.NewReader(output))
	sc.Buffer(make([]byte, 0, 4096), 1<<20)
	for sc.Scan() {
		line := strings.TrimRight(sc.Text(), "\r")
		if line == "" {
			continue
		}

		if msg, ok := matchError(line); ok {
			r.ErrorCount++
			if r.FirstError == "" {
				r.FirstError = msg
			}
			continue
		}
		if reGNUWarning.MatchString(line) || reMSVCWarning.MatchString(line) {
			r.WarningCount++
		}
	}

	if r.FirstError != "" {
		r.Kind = Classify(r.FirstError)
		r.Signature = Normalize(r.FirstError)
	}
	return r
}

func matchError(line string) (string, bool) {
	// "ld returned 1 exit status" summarises errors already counted.
	if strings.Contains(line, "exit status") {
		return "", false
	}
	if m := reMSVCError.FindStringSubmatch(line); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	if m := reGNUError.FindStringSubmatch(line); m != nil {
		return strings.TrimSpace(m[1]), true
	}
	if reLinker.MatchString(line) {
		return strings.TrimSpace(line), true
	}
	return "", false
}
