package intervention

import (
	"math/rand/v2"
	"strings"

	"stressd/internal/compiler"
)

// GeneralHint is returned when no hint matches an error type.
const GeneralHint = "Take a deep breath. Try breaking down the problem into smaller parts."

type hint struct {
	keys []string
	text string
}

// hints is scanned in order. Each entry matches its wire name, its
// human-readable phrase and the compiler kind name.
var hints = []hint{
	{[]string{"syntax_error", "syntax error", "syntax"}, "Check for missing semicolons, brackets, or parentheses"},
	{[]string{"missing_semicolon", "missing semicolon"}, "You might be missing a semicolon at the end of a statement"},
	{[]string{"undefined_reference", "undefined reference"}, "You might be missing a header file or library link"},
	{[]string{"missing_header", "missing header"}, "Check if you've included the necessary header files"},
	{[]string{"segmentation_fault", "segmentation fault", "segfault"}, "Check for null pointers or array bounds"},
	{[]string{"null_pointer", "null pointer"}, "Make sure to initialize pointers before using them"},
	{[]string{"array_bounds", "array bounds", "bounds"}, "Ensure array indices are within bounds"},
	{[]string{"uninitialized"}, "Initialize variables before using them"},
	{[]string{"memory_leak", "memory leak"}, "Remember to free allocated memory"},
	{[]string{"buffer_overflow", "buffer overflow"}, "Check array sizes and string lengths"},
	{[]string{"type_mismatch", "type mismatch"}, "Ensure types are compatible"},
	{[]string{"no_matching_function", "no matching function", "no_match"}, "Check function parameters and overloads"},
	{[]string{"ambiguous"}, "Make the call more specific"},
	{[]string{"redefinition"}, "Remove duplicate declarations"},
	{[]string{"undeclared"}, "Declare variables before using them"},
	{[]string{"incomplete_type", "incomplete type"}, "Include the full type definition"},
}

// HintFor returns advice for an error type. The lowercased type is
// searched for each known key in table order.
func HintFor(errorType string) string {
	lower := strings.ToLower(errorType)
	if lower == "" {
		return GeneralHint
	}
	for _, h := range hints {
		for _, k := range h.keys {
			if strings.Contains(lower, k) {
				return h.text
			}
		}
	}
	return GeneralHint
}

// HintForKind returns advice for a classified compiler error.
func HintForKind(k compiler.ErrorKind) string {
	if k == compiler.KindUnknown {
		return GeneralHint
	}
	return HintFor(k.String())
}

var relaxationMessages = []string{
	"Take a deep breath. The solution is often simpler than it seems.",
	"Consider taking a 2-minute break to clear your mind.",
	"Try breaking the problem down into smaller parts.",
	"Sometimes walking away for a moment helps. Why not stretch?",
	"You've solved harder problems before. You can do this!",
	"Take a moment to review your logic step by step.",
	"Remember: every expert was once a beginner.",
	"Try explaining the problem to someone (or to a rubber duck).",
	"Your brain needs rest. A short break will help.",
	"Progress, not perfection. You're getting there!",
}

var encouragementMessages = []string{
	"You're making great progress!",
	"Keep up the good work!",
	"Every error is a learning opportunity.",
	"You've got this!",
	"Persistence pays off!",
	"Your code is getting better with every line!",
	"Debugging is just problem-solving in disguise.",
	"You're building something great!",
	"Small steps lead to big achievements.",
}

var successMessages = []string{
	"Great job fixing that error!",
	"You're making excellent progress!",
	"Keep up the good work!",
	"Another problem solved!",
	"Well done! That error won't stop you!",
}

// Catalog holds the message pools interventions are built from.
type Catalog struct {
	Relaxation    []string `toml:"relaxation" json:"relaxation" yaml:"relaxation"`
	Encouragement []string `toml:"encouragement" json:"encouragement" yaml:"encouragement"`
	Success       []string `toml:"success" json:"success" yaml:"success"`

	// pick returns an index in [0, n).
	pick func(n int) int
}

// DefaultCatalog returns the built-in messages.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Relaxation:    append([]string(nil), relaxationMessages...),
		Encouragement: append([]string(nil), encouragementMessages...),
		Success:       append([]string(nil), successMessages...),
	}
}

// Merge replaces each non-empty pool of c with the one from o.
func (c *Catalog) Merge(o *Catalog) {
	if o == nil {
		return
	}
	if len(o.Relaxation) > 0 {
		c.Relaxation = o.Relaxation
	}
	if len(o.Encouragement) > 0 {
		c.Encouragement = o.Encouragement
	}
	if len(o.Success) > 0 {
		c.Success = o.Success
	}
}

func (c *Catalog) choose(pool []string, fallback string) string {
	if len(pool) == 0 {
		return fallback
	}
	pick := c.pick
	if pick == nil {
		pick = rand.IntN
	}
	return pool[pick(len(pool))]
}

// RelaxationMessage returns a break suggestion.
func (c *Catalog) RelaxationMessage() string {
	return c.choose(c.Relaxation, GeneralHint)
}

// EncouragementMessage returns an encouragement.
func (c *Catalog) EncouragementMessage() string {
	return c.choose(c.Encouragement, "You've got this!")
}

// SuccessMessage returns a celebration message.
func (c *Catalog) SuccessMessage() string {
	return c.choose(c.Success, "Another problem solved!")
}
