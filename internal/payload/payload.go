// Package payload defines the closed set of generated content variants that
// flow through the cache, the job orchestrator and the review workflow.
//
// Every variant is stored as an Envelope ({"kind": ..., "data": ...}) and is
// validated whenever it crosses a boundary: when a provider response is
// parsed, when an envelope is decoded from storage, and when a reviewer
// submits an edit.
package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid payload")

// Kind identifies a payload variant.
type Kind string

const (
	KindVisionAnnotation Kind = "vision_annotation"
	KindFillInBlank      Kind = "fill_in_blank"
	KindMultipleChoice   Kind = "multiple_choice"
)

// Kinds lists every supported variant.
var Kinds = []Kind{KindVisionAnnotation, KindFillInBlank, KindMultipleChoice}

// ParseKind converts s into a Kind, rejecting unknown variants.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.TrimSpace(strings.ToLower(s)))
	for _, known := range Kinds {
		if k == known {
			return k, nil
		}
	}
	return "", fmt.Errorf("%w: unknown kind %q", ErrInvalid, s)
}

// Payload is implemented by every content variant.
type Payload interface {
	Kind() Kind
	Validate() error
}

// Envelope is the persisted form of a Payload.
type Envelope struct {
	Kind Kind            `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// Encode validates p and serializes it into an envelope.
func Encode(p Payload) ([]byte, error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalid)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s payload: %w", p.Kind(), err)
	}
	return json.Marshal(Envelope{Kind: p.Kind(), Data: data})
}

// Decode parses an envelope and validates the contained variant.
func Decode(b []byte) (Payload, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("%w: decoding envelope: %v", ErrInvalid, err)
	}
	return DecodeKind(env.Kind, env.Data)
}

// DecodeKind parses raw variant data of the given kind and validates it.
func DecodeKind(kind Kind, data []byte) (Payload, error) {
	var p Payload
	switch kind {
	case KindVisionAnnotation:
		var v VisionAnnotation
		if err := strictUnmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, kind, err)
		}
		p = &v
	case KindFillInBlank:
		var v FillInBlank
		if err := strictUnmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, kind, err)
		}
		p = &v
	case KindMultipleChoice:
		var v MultipleChoice
		if err := strictUnmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, kind, err)
		}
		p = &v
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", ErrInvalid, kind)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func strictUnmarshal(data []byte, v any) error {
	if len(data) == 0 {
		return errors.New("empty data")
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// Split breaks a generation result into the units a reviewer decides on.
// Vision annotations become one payload per annotation; exercises are
// already atomic.
func Split(p Payload) []Payload {
	v, ok := p.(*VisionAnnotation)
	if !ok || len(v.Annotations) <= 1 {
		return []Payload{p}
	}
	out := make([]Payload, len(v.Annotations))
	for i, a := range v.Annotations {
		out[i] = &VisionAnnotation{ImageID: v.ImageID, Annotations: []Annotation{a}}
	}
	return out
}

// Confidence returns the model-reported confidence of p in [0, 1].
// Vision payloads report the mean of their annotations.
func Confidence(p Payload) float64 {
	switch v := p.(type) {
	case *VisionAnnotation:
		if len(v.Annotations) == 0 {
			return 0
		}
		var sum float64
		for _, a := range v.Annotations {
			sum += a.Confidence
		}
		return sum / float64(len(v.Annotations))
	case *FillInBlank:
		return v.Confidence
	case *MultipleChoice:
		return v.Confidence
	}
	return 0
}

func invalidf(kind Kind, format string, args ...any) error {
	return fmt.Errorf("%w: %s: %s", ErrInvalid, kind, fmt.Sprintf(format, args...))
}

func checkUnit(kind Kind, name string, v float64) error {
	if v < 0 || v > 1 {
		return invalidf(kind, "%s %v outside [0,1]", name, v)
	}
	return nil
}

func checkDifficulty(kind Kind, d int) error {
	if d < 0 || d > 5 {
		return invalidf(kind, "difficulty %d outside 0..5", d)
	}
	return nil
}
