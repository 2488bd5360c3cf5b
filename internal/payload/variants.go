package payload

import "strings"

// BlankMarker marks the gap in a fill-in-blank sentence.
const BlankMarker = "___"

// AnnotationTypes are the accepted values of Annotation.Type.
var AnnotationTypes = []string{"anatomical", "color", "pattern", "behavioral", "habitat"}

// Box is a bounding box in image-normalized coordinates.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Annotation is a single labelled region of an image.
type Annotation struct {
	Term        string  `json:"term"`
	Translation string  `json:"translation,omitempty"`
	Type        string  `json:"type"`
	BoundingBox Box     `json:"bounding_box"`
	Confidence  float64 `json:"confidence"`
	Difficulty  int     `json:"difficulty,omitempty"`
}

// VisionAnnotation is the result of annotating one image.
type VisionAnnotation struct {
	ImageID     string       `json:"image_id"`
	Annotations []Annotation `json:"annotations"`
}

func (*VisionAnnotation) Kind() Kind { return KindVisionAnnotation }

func (v *VisionAnnotation) Validate() error {
	if strings.TrimSpace(v.ImageID) == "" {
		return invalidf(KindVisionAnnotation, "image_id is required")
	}
	if len(v.Annotations) == 0 {
		return invalidf(KindVisionAnnotation, "at least one annotation is required")
	}
	for i, a := range v.Annotations {
		if strings.TrimSpace(a.Term) == "" {
			return invalidf(KindVisionAnnotation, "annotation %d: term is required", i)
		}
		if !validAnnotationType(a.Type) {
			return invalidf(KindVisionAnnotation, "annotation %d: unknown type %q", i, a.Type)
		}
		b := a.BoundingBox
		for _, c := range []struct {
			name string
			v    float64
		}{{"x", b.X}, {"y", b.Y}, {"width", b.Width}, {"height", b.Height}} {
			if err := checkUnit(KindVisionAnnotation, c.name, c.v); err != nil {
				return err
			}
		}
		if b.X+b.Width > 1 || b.Y+b.Height > 1 {
			return invalidf(KindVisionAnnotation, "annotation %d: bounding box exceeds image", i)
		}
		if err := checkUnit(KindVisionAnnotation, "confidence", a.Confidence); err != nil {
			return err
		}
		if err := checkDifficulty(KindVisionAnnotation, a.Difficulty); err != nil {
			return err
		}
	}
	return nil
}

func validAnnotationType(t string) bool {
	for _, known := range AnnotationTypes {
		if t == known {
			return true
		}
	}
	return false
}

// FillInBlank is a sentence with one gap to complete.
type FillInBlank struct {
	Sentence   string  `json:"sentence"`
	Answer     string  `json:"answer"`
	Hint       string  `json:"hint,omitempty"`
	Difficulty int     `json:"difficulty,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

func (*FillInBlank) Kind() Kind { return KindFillInBlank }

func (f *FillInBlank) Validate() error {
	if n := strings.Count(f.Sentence, BlankMarker); n != 1 {
		return invalidf(KindFillInBlank, "sentence must contain exactly one %q, found %d", BlankMarker, n)
	}
	if strings.TrimSpace(f.Answer) == "" {
		return invalidf(KindFillInBlank, "answer is required")
	}
	if err := checkDifficulty(KindFillInBlank, f.Difficulty); err != nil {
		return err
	}
	return checkUnit(KindFillInBlank, "confidence", f.Confidence)
}

// MultipleChoice is a question with a single correct option.
type MultipleChoice struct {
	Question     string   `json:"question"`
	Options      []string `json:"options"`
	CorrectIndex int      `json:"correct_index"`
	Explanation  string   `json:"explanation,omitempty"`
	Difficulty   int      `json:"difficulty,omitempty"`
	Confidence   float64  `json:"confidence,omitempty"`
}

func (*MultipleChoice) Kind() Kind { return KindMultipleChoice }

func (m *MultipleChoice) Validate() error {
	if strings.TrimSpace(m.Question) == "" {
		return invalidf(KindMultipleChoice, "question is required")
	}
	if len(m.Options) < 2 || len(m.Options) > 6 {
		return invalidf(KindMultipleChoice, "need 2..6 options, got %d", len(m.Options))
	}
	seen := make(map[string]bool, len(m.Options))
	for i, o := range m.Options {
		norm := strings.ToLower(strings.TrimSpace(o))
		if norm == "" {
			return invalidf(KindMultipleChoice, "option %d is empty", i)
		}
		if seen[norm] {
			return invalidf(KindMultipleChoice, "duplicate option %q", o)
		}
		seen[norm] = true
	}
	if m.CorrectIndex < 0 || m.CorrectIndex >= len(m.Options) {
		return invalidf(KindMultipleChoice, "correct_index %d out of range", m.CorrectIndex)
	}
	if err := checkDifficulty(KindMultipleChoice, m.Difficulty); err != nil {
		return err
	}
	return checkUnit(KindMultipleChoice, "confidence", m.Confidence)
}
