// Package ipc is the channel between stressd and the prediction service: a
// child process reached over a Unix domain socket, or a named pipe on
// Windows, exchanging one JSON object per message.
//
// Messages are written as compact JSON followed by a newline. Readers decode
// exactly one JSON value per message, so peers that write message-mode pipe
// frames without a trailing newline are understood too.
package ipc

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"stressd/internal/anxiety"
)

// ProtocolVersion is sent with every request. Peers ignore unknown fields,
// so older services simply disregard it.
const ProtocolVersion = 1

// DefaultMaxMessageSize bounds a single response read.
const DefaultMaxMessageSize = 64 * 1024

// Request types.
const (
	TypeInitialize = "initialize"
	TypeAnalyze    = "analyze"
	TypeGetHint    = "get_hint"
	TypeShutdown   = "shutdown"
)

// Response statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Protocol errors.
var (
	ErrMessageTooLarge = errors.New("ipc: message exceeds size limit")
	ErrEmptyMessage    = errors.New("ipc: empty message")
	ErrInvalidResponse = errors.New("ipc: response does not match schema")
)

// Request is a message sent to the prediction service.
type Request struct {
	Type            string    `json:"type"`
	ProtocolVersion int       `json:"protocol_version"`
	ModelDir        string    `json:"model_dir,omitempty"`
	Features        []float64 `json:"features,omitempty"`
	ErrorType       string    `json:"error_type,omitempty"`
}

// NewRequest returns a request of the given type stamped with the protocol
// version.
func NewRequest(typ string) *Request {
	return &Request{Type: typ, ProtocolVersion: ProtocolVersion}
}

// Response is a message received from the prediction service.
type Response struct {
	Status          string          `json:"status"`
	Message         string          `json:"message,omitempty"`
	Hint            string          `json:"hint,omitempty"`
	Prediction      *PredictionBody `json:"prediction,omitempty"`
	ShouldIntervene *bool           `json:"should_intervene,omitempty"`
}

// OK reports whether the service accepted the request.
func (r *Response) OK() bool {
	return r != nil && r.Status == StatusOK
}

// PredictionBody is the nested prediction object of an analyze response.
type PredictionBody struct {
	Level             string      `json:"level"`
	Confidence        float64     `json:"confidence"`
	TriggeredFeatures FeatureList `json:"triggered_features,omitempty"`
	ShouldIntervene   *bool       `json:"should_intervene,omitempty"`
	Timestamp         string      `json:"timestamp,omitempty"`
}

// FeatureList is the triggered-feature evidence. It is written as an array
// and read from either an array or a single comma-separated string.
type FeatureList []string

// UnmarshalJSON implements json.Unmarshaler.
func (f *FeatureList) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = nil
		for _, part := range strings.Split(s, ",") {
			if part = strings.TrimSpace(part); part != "" {
				*f = append(*f, part)
			}
		}
		return nil
	}
	var list []string
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*f = list
	return nil
}

// String joins the features with ", ".
func (f FeatureList) String() string {
	return strings.Join(f, ", ")
}

// ToPrediction converts an ok analyze response into a Prediction. A
// top-level should_intervene takes precedence over the nested one. ok is
// false when the response carries no prediction.
func (r *Response) ToPrediction() (anxiety.Prediction, bool) {
	if !r.OK() || r.Prediction == nil {
		return anxiety.Prediction{}, false
	}
	p := anxiety.Prediction{
		Level:             anxiety.ParseLevel(r.Prediction.Level),
		Confidence:        r.Prediction.Confidence,
		TriggeredFeatures: r.Prediction.TriggeredFeatures.String(),
	}
	switch {
	case r.ShouldIntervene != nil:
		p.ShouldIntervene = *r.ShouldIntervene
	case r.Prediction.ShouldIntervene != nil:
		p.ShouldIntervene = *r.Prediction.ShouldIntervene
	}
	return p, true
}

//go:embed schema/response.schema.json
var responseSchemaJSON []byte

const responseSchemaURL = "https://stressd.local/schema/response-v1.json"

var (
	schemaOnce     sync.Once
	responseSchema *jsonschema.Schema
	schemaErr      error
)

// ResponseSchema returns the compiled response schema.
func ResponseSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(responseSchemaURL, bytes.NewReader(responseSchemaJSON)); err != nil {
			schemaErr = fmt.Errorf("add response schema: %w", err)
			return
		}
		responseSchema, schemaErr = c.Compile(responseSchemaURL)
	})
	return responseSchema, schemaErr
}

// DecodeResponse validates raw against the response schema and decodes it.
func DecodeResponse(raw []byte) (*Response, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrEmptyMessage
	}
	schema, err := ResponseSchema()
	if err != nil {
		return nil, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// Codec reads and writes framed messages on one connection. Reads and
// writes may run concurrently with each other but not with themselves.
type Codec struct {
	w   io.Writer
	lim *boundedReader
	dec *json.Decoder
	max int64
}

// NewCodec wraps rw. max bounds each read; zero means DefaultMaxMessageSize.
func NewCodec(rw io.ReadWriter, max int64) *Codec {
	if max <= 0 {
		max = DefaultMaxMessageSize
	}
	lim := &boundedReader{r: rw}
	return &Codec{w: rw, lim: lim, dec: json.NewDecoder(lim), max: max}
}

// Write sends v as one message.
func (c *Codec) Write(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	data = append(data, '\n')
	n, err := c.w.Write(data)
	if err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("write message: %w", io.ErrShortWrite)
	}
	return nil
}

// ReadRaw reads one message without interpreting it.
func (c *Codec) ReadRaw() (json.RawMessage, error) {
	c.lim.n = c.max
	var raw json.RawMessage
	if err := c.dec.Decode(&raw); err != nil {
		if errors.Is(err, errLimit) {
			return nil, ErrMessageTooLarge
		}
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyMessage
		}
		return nil, fmt.Errorf("read message: %w", err)
	}
	return raw, nil
}

// ReadResponse reads and validates one response.
func (c *Codec) ReadResponse() (*Response, error) {
	raw, err := c.ReadRaw()
	if err != nil {
		return nil, err
	}
	return DecodeResponse(raw)
}

// ReadRequest reads one request.
func (c *Codec) ReadRequest() (*Request, error) {
	raw, err := c.ReadRaw()
	if err != nil {
		return nil, err
	}
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("decode request: %w", err)
	}
	return &req, nil
}

var errLimit = errors.New("read limit reached")

// boundedReader fails once n bytes have been read since the last reset.
type boundedReader struct {
	r io.Reader
	n int64
}

func (b *boundedReader) Read(p []byte) (int, error) {
	if b.n <= 0 {
		return 0, errLimit
	}
	if int64(len(p)) > b.n {
		p = p[:b.n]
	}
	n, err := b.r.Read(p)
	b.n -= int64(n)
	return n, err
}
