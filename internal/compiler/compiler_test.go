package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		msg  string
		want ErrorKind
	}{
		{"expected ';' before '}' token", KindMissingSemicolon},
		{"undefined reference to `foo'", KindUndefinedReference},
		{"stdio.hh: No such file or directory", KindMissingHeader},
		{"Segmentation fault (core dumped)", KindSegfault},
		{"dereferencing NULL POINTER", KindNullPointer},
		{"array subscript is above array bounds", KindBounds},
		{"'x' is used uninitialized", KindUninitialized},
		{"memory leak of 4 bytes", KindMemoryLeak},
		{"stack smashing detected", KindBufferOverflow},
		{"cannot convert 'char*' to 'int'", KindTypeMismatch},
		{"no matching function for call to 'f(int)'", KindNoMatch},
		{"call of overloaded 'f(int)' is ambiguous", KindAmbiguous},
		{"redefinition of 'int main()'", KindRedefinition},
		{"'x' was not declared in this scope", KindUndeclared},
		{"use of undeclared identifier 'y'", KindUndeclared},
		{"invalid use of incomplete type 'struct S'", KindIncompleteType},
		{"syntax error before token", KindSyntax},
		{"expected primary-expression", KindSyntax},
		{"something entirely different", KindUnknown},
		{"", KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.msg))
		})
	}
}

func TestClassifyFirstMatchWins(t *testing.T) {
	// Contains both "expected" (syntax) and "expected ';'" (semicolon).
	assert.Equal(t, KindMissingSemicolon, Classify("expected ';' after expression"))
	// "ambiguous" is listed before "redefinition".
	assert.Equal(t, KindAmbiguous, Classify("ambiguous redefinition"), "table order decides, not message order")
}

func TestErrorKindString(t *testing.T) {
	assert.Equal(t, "undeclared", KindUndeclared.String())
	assert.Equal(t, "unknown", ErrorKind(99).String())
	assert.Equal(t, "unknown", ErrorKind(-1).String())
}

func TestParseLanguage(t *testing.T) {
	l, ok := ParseLanguage("C")
	assert.True(t, ok)
	assert.Equal(t, LangC, l)

	l, ok = ParseLanguage("cpp")
	assert.True(t, ok)
	assert.Equal(t, LangCPP, l)

	_, ok = ParseLanguage("rust")
	assert.False(t, ok)

	assert.Equal(t, 0, int(LangCPP))
	assert.Equal(t, 1, int(LangC))
}

func TestNormalizeLocationsCompareEqual(t *testing.T) {
	a := Normalize("main.cpp:12:5: 'x' was not declared in this scope")
	b := Normalize("src/other/util.cpp:310:17: 'x' was not declared in this scope")
	assert.Equal(t, a, b)
	assert.Contains(t, a, PlaceholderPath)
}

func TestNormalizePlaceholders(t *testing.T) {
	got := Normalize("invalid read at 0x7ffd1234 in /usr/include/foo.h line 42 column 7, 16 bytes")
	assert.Contains(t, got, PlaceholderAddr)
	assert.Contains(t, got, PlaceholderPath)
	assert.Contains(t, got, "line "+PlaceholderLine)
	assert.Contains(t, got, "column "+PlaceholderCol)
	assert.Contains(t, got, PlaceholderNum+" bytes")
	assert.NotContains(t, got, "0x7ffd1234")
	assert.NotContains(t, got, "42")
}

func TestNormalizeIdempotent(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"main.c:3:1: expected ';' before '}' token", "<path>: expected ';' before '}' token"},
		{"  access at 0xdeadBEEF   line 9 ", "access at <addr> line <line>"},
		{"C:\\proj\\a.cpp(12): error C2065: 'q': undeclared identifier", "<path>(<num>): error C2065: 'q': undeclared identifier"},
		{"nothing to normalise", "nothing to normalise"},
		{"", ""},
		// An object name glued to a relative path.
		{"x.oc:9./x.o ", "<path><path>"},
		{"a.c/b.h:3 ./q.o", "<path> <path>"},
		{"foo.cpp:1:2: ../x.h", "<path>: <path>"},
	}
	for _, tt := range tests {
		once := Normalize(tt.in)
		assert.Equal(t, tt.want, once, "input %q", tt.in)
		assert.Equal(t, once, Normalize(once), "input %q", tt.in)
	}
}

func TestParseGCCOutput(t *testing.T) {
	out := `main.cpp: In function 'int main()':
main.cpp:5:3: error: 'foo' was not declared in this scope
main.cpp:7:10: warning: unused variable 'y' [-Wunused-variable]
main.cpp:9:1: error: expected ';' before '}' token
`
	r := Parse(out, LangCPP)
	assert.Equal(t, 2, r.ErrorCount)
	assert.Equal(t, 1, r.WarningCount)
	assert.Equal(t, "'foo' was not declared in this scope", r.FirstError)
	assert.Equal(t, KindUndeclared, r.Kind)
	assert.Equal(t, Normalize(r.FirstError), r.Signature)
}

func TestParseLinkerOutput(t *testing.T) {
	out := "/usr/bin/ld: /tmp/ccA.o: in function `main':\n" +
		"main.c:(.text+0x1e): undefined reference to `helper'\n" +
		"collect2: error: ld returned 1 exit status\n"
	r := Parse(out, LangC)
	require.Equal(t, 1, r.ErrorCount)
	assert.Equal(t, KindUndefinedReference, r.Kind)
}

func TestParseFatalAndMSVC(t *testing.T) {
	r := Parse("a.c:1:10: fatal error: missing.h: No such file or directory\n", LangC)
	assert.Equal(t, 1, r.ErrorCount)
	assert.Equal(t, KindMissingHeader, r.Kind)

	r = Parse("C:\\src\\a.cpp(12): error C2065: 'q': undeclared identifier\r\n"+
		"C:\\src\\a.cpp(13): warning C4101: 'z': unreferenced local variable\r\n", LangCPP)
	assert.Equal(t, 1, r.ErrorCount)
	assert.Equal(t, 1, r.WarningCount)
	assert.Equal(t, KindUndeclared, r.Kind)
}

func TestParseMalformed(t *testing.T) {
	for _, out := range []string{"", "\n\n", "Build finished.", "error:"} {
		r := Parse(out, LangCPP)
		assert.Equal(t, KindUnknown, r.Kind, "output %q", out)
	}
}
