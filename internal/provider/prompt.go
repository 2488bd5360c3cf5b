package provider

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/kalambet/genreview/internal/payload"
)

const visionPrompt = `You are an annotation engine for language-learning material. Look at the image and label the visible features of the subject. Your output must be ONLY a single valid JSON object with this shape:

{"annotations": [{"term": string, "translation": string, "type": one of "anatomical" | "color" | "pattern" | "behavioral" | "habitat", "bounding_box": {"x": number, "y": number, "width": number, "height": number}, "confidence": number, "difficulty": integer}]}

Rules:
- Bounding box coordinates are fractions of the image size in [0,1] and must stay inside the image.
- confidence is your certainty in [0,1]; difficulty is 1 (easy) to 5 (hard).
- Do not include any other text, prose, or markdown.`

const fillInBlankPrompt = `You are an exercise writer for language learners. Write one fill-in-the-blank exercise about the subject. Your output must be ONLY a single valid JSON object with this shape:

{"sentence": string, "answer": string, "hint": string, "difficulty": integer, "confidence": number}

Rules:
- The sentence contains exactly one gap written as ___ (three underscores).
- answer is the word or phrase that fills the gap.
- difficulty is 1 (easy) to 5 (hard); confidence is your certainty in [0,1].
- Do not include any other text, prose, or markdown.`

const multipleChoicePrompt = `You are an exercise writer for language learners. Write one multiple-choice question about the subject. Your output must be ONLY a single valid JSON object with this shape:

{"question": string, "options": [string], "correct_index": integer, "explanation": string, "difficulty": integer, "confidence": number}

Rules:
- Provide 2 to 6 distinct options; correct_index is the zero-based index of the right one.
- difficulty is 1 (easy) to 5 (hard); confidence is your certainty in [0,1].
- Do not include any other text, prose, or markdown.`

func systemPrompt(kind payload.Kind) string {
	switch kind {
	case payload.KindVisionAnnotation:
		return visionPrompt
	case payload.KindMultipleChoice:
		return multipleChoicePrompt
	default:
		return fillInBlankPrompt
	}
}

// userPrompt renders the request context. image_url is sent separately as an
// image part, so it is left out here.
func userPrompt(req Request) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Subject: %s\n", req.TargetID)

	keys := make([]string, 0, len(req.Params))
	for k := range req.Params {
		if k == "image_url" || k == "passage" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, "%s: %s\n", k, renderParam(req.Params[k]))
	}
	if passage := req.Param("passage"); passage != "" {
		fmt.Fprintf(&sb, "\n[Source passage]\n%s\n", passage)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func renderParam(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case []string:
		return strings.Join(x, ", ")
	case []any:
		parts := make([]string, len(x))
		for i, e := range x {
			parts[i] = fmt.Sprint(e)
		}
		return strings.Join(parts, ", ")
	default:
		return fmt.Sprint(x)
	}
}

// ParseContent turns a model's text reply into a validated payload.
// Vision replies get the image id filled in from the request target.
func ParseContent(kind payload.Kind, targetID, content string) (payload.Payload, error) {
	content = stripFences(content)
	if content == "" {
		return nil, fmt.Errorf("%w: %s: empty model reply", payload.ErrInvalid, kind)
	}

	var p payload.Payload
	switch kind {
	case payload.KindVisionAnnotation:
		var v payload.VisionAnnotation
		if err := json.Unmarshal([]byte(content), &v); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", payload.ErrInvalid, kind, err)
		}
		if v.ImageID == "" {
			v.ImageID = targetID
		}
		p = &v
	case payload.KindFillInBlank:
		var v payload.FillInBlank
		if err := json.Unmarshal([]byte(content), &v); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", payload.ErrInvalid, kind, err)
		}
		p = &v
	case payload.KindMultipleChoice:
		var v payload.MultipleChoice
		if err := json.Unmarshal([]byte(content), &v); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", payload.ErrInvalid, kind, err)
		}
		p = &v
	default:
		return nil, fmt.Errorf("%w: unknown kind %q", payload.ErrInvalid, kind)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// stripFences removes a surrounding markdown code fence, which some models
// add despite being told not to.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
