package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"stressd/internal/compiler"
	"stressd/internal/intervention"
	"stressd/internal/keystroke"
	"stressd/internal/monitor"
)

// errEndOfInput ends the run when the host closes stdin.
var errEndOfInput = errors.New("end of input")

const maxEventLine = 1 << 20

// hostEvent is one line of host input.
type hostEvent struct {
	Kind      string    `json:"kind"`
	Timestamp time.Time `json:"timestamp,omitzero"`

	// keystroke
	Char      string `json:"char,omitempty"`
	Backspace bool   `json:"backspace,omitempty"`
	KeyCode   int    `json:"key_code,omitempty"`
	Modifiers int64  `json:"modifiers,omitempty"`

	// compile
	Output   string `json:"output,omitempty"`
	Success  bool   `json:"success,omitempty"`
	Language string `json:"language,omitempty"`

	// respond, feedback
	ID       string `json:"id,omitempty"`
	Accepted bool   `json:"accepted,omitempty"`
	Relief   *int   `json:"relief,omitempty"`
	Rating   int    `json:"rating,omitempty"`
	Comment  string `json:"comment,omitempty"`
}

// hostReply is one line of output.
type hostReply struct {
	Event   string `json:"event"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
}

type calibrationReply struct {
	Session      string                    `json:"session"`
	Intervention intervention.Intervention `json:"intervention"`
}

// statisticsReply flattens the statistics next to the notice showing them.
type statisticsReply struct {
	monitor.Statistics
	Intervention intervention.Intervention `json:"intervention"`
}

// host bridges the line protocol to the engine. Output lines are written
// whole under mu since interventions arrive from the engine's goroutine.
type host struct {
	engine *monitor.Engine
	log    *slog.Logger

	mu  sync.Mutex
	enc *json.Encoder
}

func newHost(engine *monitor.Engine, out io.Writer, log *slog.Logger) *host {
	return &host{engine: engine, log: log, enc: json.NewEncoder(out)}
}

func (h *host) emit(event string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if err := h.enc.Encode(hostReply{Event: event, Data: data}); err != nil {
		h.log.Warn("write reply", "event", event, "err", err)
	}
}

func (h *host) fail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if werr := h.enc.Encode(hostReply{Event: "error", Message: err.Error()}); werr != nil {
		h.log.Warn("write reply", "event", "error", "err", werr)
	}
}

// onIntervention is registered with the engine.
func (h *host) onIntervention(req monitor.Request) {
	h.emit("intervention", req)
}

// serve reads events until r is exhausted or ctx is done. Reading happens
// on its own goroutine so a blocked read does not hold up shutdown.
func (h *host) serve(ctx context.Context, r io.Reader) error {
	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(r)
		sc.Buffer(make([]byte, 0, 64*1024), maxEventLine)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("read events: %w", err)
			}
			return errEndOfInput
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			var ev hostEvent
			if err := json.Unmarshal(line, &ev); err != nil {
				h.fail(fmt.Errorf("decode event: %w", err))
				continue
			}
			if err := h.handle(ctx, ev); err != nil {
				h.fail(err)
			}
		}
	}
}

func (h *host) handle(ctx context.Context, ev hostEvent) error {
	switch ev.Kind {
	case "keystroke":
		char, _ := utf8.DecodeRuneInString(ev.Char)
		if char == utf8.RuneError {
			char = 0
		}
		h.engine.Ingest(keystroke.KeystrokeEvent{
			Timestamp:   ev.Timestamp,
			Char:        char,
			IsBackspace: ev.Backspace,
			KeyCode:     ev.KeyCode,
			Modifiers:   ev.Modifiers,
		})

	case "compile":
		lang, ok := compiler.ParseLanguage(ev.Language)
		if !ok && ev.Language != "" {
			return fmt.Errorf("unknown language %q", ev.Language)
		}
		h.engine.Ingest(keystroke.NewCompileEvent(ev.Timestamp, ev.Output, ev.Success, lang))

	case "start":
		if !h.engine.StartMonitoring() {
			return errors.New("already monitoring")
		}
		h.emit("started", h.engine.CurrentSession().ID)

	case "stop":
		res, err := h.engine.StopMonitoring(ctx)
		if errors.Is(err, monitor.ErrNotMonitoring) {
			return err
		}
		h.emit("stopped", res)
		if err != nil {
			return err
		}

	case "calibrate":
		iv := h.engine.Calibrate(ctx)
		h.emit("calibrating", calibrationReply{
			Session:      h.engine.CurrentSession().ID,
			Intervention: iv,
		})

	case "check":
		// An approved intervention is emitted by the engine callback.
		_, ok, err := h.engine.Check(ctx)
		if err != nil {
			return err
		}
		if !ok {
			h.emit("no_intervention", nil)
		}

	case "features":
		h.emit("features", h.engine.ExtractFeatures().Map())

	case "stats":
		st, iv := h.engine.ShowStatistics(ctx)
		h.emit("statistics", statisticsReply{Statistics: st, Intervention: iv})

	case "respond":
		relief := intervention.NoRelief
		if ev.Relief != nil {
			relief = *ev.Relief
		}
		iv, err := h.engine.RespondToIntervention(ctx, ev.ID, ev.Accepted, relief)
		if err != nil {
			return err
		}
		h.emit("responded", iv)

	case "feedback":
		fb, err := h.engine.SubmitFeedback(ctx, ev.ID, ev.Rating, ev.Comment)
		if err != nil {
			return err
		}
		h.emit("feedback", fb)

	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return nil
}
