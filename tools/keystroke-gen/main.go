// keystroke-gen writes a synthetic host event stream for `stressd run`, so
// the detection loop can be exercised without a real editor.
//
// Usage:
//
//	go run ./tools/keystroke-gen -profile struggling -count 400 > events.jsonl
//	go run ./tools/keystroke-gen -profile calm -seed 7 | stressd run --monitor
//	go run ./tools/keystroke-gen -list
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"os"
	"slices"
	"time"

	"github.com/spf13/cobra"
)

// event mirrors the stressd host line protocol.
type event struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Char      string    `json:"char,omitempty"`
	Backspace bool      `json:"backspace,omitempty"`
	KeyCode   int       `json:"key_code,omitempty"`
	Output    string    `json:"output,omitempty"`
	Success   bool      `json:"success,omitempty"`
	Language  string    `json:"language,omitempty"`
}

// profile shapes the typing rhythm and compile outcomes.
type profile struct {
	Description      string
	MedianIntervalMs float64
	IntervalStdDevMs float64
	BackspaceProb    float64
	PauseProb        float64
	PauseMaxMs       float64
	BurstProb        float64
	BurstIntervalMs  float64
	CompileEvery     int     // keystrokes between compiles
	CompileFailProb  float64 // chance a compile fails
	RepeatErrorProb  float64 // chance a failure repeats the previous error
}

var profiles = map[string]profile{
	"calm": {
		Description:      "Steady typing, rare mistakes, compiles pass",
		MedianIntervalMs: 180,
		IntervalStdDevMs: 60,
		BackspaceProb:    0.04,
		PauseProb:        0.01,
		PauseMaxMs:       4000,
		BurstProb:        0.05,
		BurstIntervalMs:  90,
		CompileEvery:     120,
		CompileFailProb:  0.1,
		RepeatErrorProb:  0.1,
	},
	"steady": {
		Description:      "Normal pace with some corrections and the odd failed build",
		MedianIntervalMs: 220,
		IntervalStdDevMs: 120,
		BackspaceProb:    0.1,
		PauseProb:        0.03,
		PauseMaxMs:       8000,
		BurstProb:        0.08,
		BurstIntervalMs:  100,
		CompileEvery:     80,
		CompileFailProb:  0.3,
		RepeatErrorProb:  0.3,
	},
	"struggling": {
		Description:      "Slow, erratic typing with heavy backspacing and repeated errors",
		MedianIntervalMs: 420,
		IntervalStdDevMs: 400,
		BackspaceProb:    0.3,
		PauseProb:        0.08,
		PauseMaxMs:       20000,
		BurstProb:        0.1,
		BurstIntervalMs:  70,
		CompileEvery:     30,
		CompileFailProb:  0.8,
		RepeatErrorProb:  0.7,
	},
	"panicking": {
		Description:      "Frantic bursts, constant deletion, every build fails the same way",
		MedianIntervalMs: 300,
		IntervalStdDevMs: 500,
		BackspaceProb:    0.45,
		PauseProb:        0.05,
		PauseMaxMs:       10000,
		BurstProb:        0.3,
		BurstIntervalMs:  40,
		CompileEvery:     15,
		CompileFailProb:  0.95,
		RepeatErrorProb:  0.9,
	},
}

var compileErrors = []string{
	"main.c:%d:5: error: expected ';' before '}' token",
	"main.c:%d:12: error: 'count' undeclared (first use in this function)",
	"main.c:%d:9: error: incompatible types when assigning to type 'int' from type 'char *'",
	"main.c:%d:1: error: expected declaration or statement at end of input",
	"main.c:%d:3: error: too few arguments to function 'parse'",
}

const text = "for (int i = 0; i < n; i++) { total += values[i]; }\n"

func main() {
	var (
		count   int
		name    string
		output  string
		seed    uint64
		start   string
		lang    string
		list    bool
		session bool
	)

	cmd := &cobra.Command{
		Use:   "keystroke-gen",
		Short: "Generate a synthetic stressd host event stream",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if list {
				return listProfiles(cmd.OutOrStdout())
			}
			p, ok := profiles[name]
			if !ok {
				return fmt.Errorf("unknown profile %q (use -list)", name)
			}
			at := time.Now()
			if start != "" {
				t, err := time.Parse(time.RFC3339, start)
				if err != nil {
					return fmt.Errorf("start: %w", err)
				}
				at = t
			}
			if seed == 0 {
				seed = uint64(time.Now().UnixNano())
			}

			events := generate(rand.New(rand.NewPCG(seed, seed>>1)), p, count, at, lang)
			if session {
				events = slices.Insert(events, 0, event{Kind: "start"})
				events = append(events, event{Kind: "check"}, event{Kind: "stop"})
			}

			out := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			if err := write(out, events); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "profile %s, seed %d: %s\n", name, seed, summarize(events))
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVarP(&count, "count", "n", 300, "number of keystrokes")
	f.StringVarP(&name, "profile", "p", "steady", "typing profile")
	f.StringVarP(&output, "output", "o", "-", "output file")
	f.Uint64Var(&seed, "seed", 0, "random seed; 0 uses the clock")
	f.StringVar(&start, "start", "", "first timestamp (RFC 3339); default now")
	f.StringVar(&lang, "language", "c", "compile language (c or cpp)")
	f.BoolVar(&list, "list", false, "list profiles")
	f.BoolVar(&session, "session", true, "wrap the stream in start, check and stop")

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func listProfiles(w io.Writer) error {
	names := make([]string, 0, len(profiles))
	for n := range profiles {
		names = append(names, n)
	}
	slices.Sort(names)
	for _, n := range names {
		if _, err := fmt.Fprintf(w, "  %-12s %s\n", n, profiles[n].Description); err != nil {
			return err
		}
	}
	return nil
}

func generate(rng *rand.Rand, p profile, count int, at time.Time, lang string) []event {
	events := make([]event, 0, count+count/max(p.CompileEvery, 1))
	burst := 0
	pos := 0
	lastErr := -1
	line := 10

	for i := range count {
		var ms float64
		switch {
		case burst > 0:
			ms = p.BurstIntervalMs * (0.5 + rng.Float64())
			burst--
		case rng.Float64() < p.PauseProb:
			ms = p.MedianIntervalMs + rng.Float64()*p.PauseMaxMs
		case rng.Float64() < p.BurstProb:
			burst = 3 + rng.IntN(10)
			ms = p.BurstIntervalMs * (0.5 + rng.Float64())
		default:
			ms = logNormal(rng, p.MedianIntervalMs, p.IntervalStdDevMs)
		}
		at = at.Add(time.Duration(ms * float64(time.Millisecond)))

		if rng.Float64() < p.BackspaceProb {
			events = append(events, event{Kind: "keystroke", Timestamp: at, Backspace: true, KeyCode: 8})
			pos = max(pos-1, 0)
		} else {
			c := text[pos%len(text)]
			events = append(events, event{Kind: "keystroke", Timestamp: at, Char: string(c), KeyCode: int(c)})
			pos++
		}

		if p.CompileEvery > 0 && (i+1)%p.CompileEvery == 0 {
			at = at.Add(time.Duration(500+rng.IntN(1500)) * time.Millisecond)
			ev := event{Kind: "compile", Timestamp: at, Language: lang, Success: true}
			if rng.Float64() < p.CompileFailProb {
				ev.Success = false
				if lastErr < 0 || rng.Float64() >= p.RepeatErrorProb {
					lastErr = rng.IntN(len(compileErrors))
					line = 5 + rng.IntN(60)
				}
				ev.Output = fmt.Sprintf(compileErrors[lastErr], line)
			}
			events = append(events, ev)
		}
	}
	return events
}

// logNormal samples a log-normal interval with the given median.
func logNormal(rng *rand.Rand, median, stdDev float64) float64 {
	mu := math.Log(median)
	sigma := max(math.Log(1+stdDev/median), 0.1)
	return math.Exp(mu + sigma*rng.NormFloat64())
}

func write(w io.Writer, events []event) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for _, e := range events {
		if err := enc.Encode(e); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func summarize(events []event) string {
	var keys, backspaces, compiles, failed int
	var first, last time.Time
	for _, e := range events {
		if e.Timestamp.IsZero() {
			continue
		}
		if first.IsZero() {
			first = e.Timestamp
		}
		last = e.Timestamp
		switch e.Kind {
		case "keystroke":
			keys++
			if e.Backspace {
				backspaces++
			}
		case "compile":
			compiles++
			if !e.Success {
				failed++
			}
		}
	}
	return fmt.Sprintf("%d keystrokes (%d backspaces), %d compiles (%d failed) over %s",
		keys, backspaces, compiles, failed, last.Sub(first).Round(time.Second))
}
