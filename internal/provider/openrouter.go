package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/genreview/internal/payload"
)

const (
	defaultOpenRouterURL = "https://openrouter.ai/api/v1"
	openRouterName       = "openrouter"
)

// OpenRouter generates content through the OpenRouter chat completions API.
type OpenRouter struct {
	apiKey      string
	baseURL     string
	textModel   string
	visionModel string
	httpClient  *http.Client
	referer     string
	title       string
}

// NewOpenRouter creates a client. An empty baseURL uses the public endpoint.
func NewOpenRouter(apiKey, baseURL, textModel, visionModel string) *OpenRouter {
	if baseURL == "" {
		baseURL = defaultOpenRouterURL
	}
	return &OpenRouter{
		apiKey:      apiKey,
		baseURL:     strings.TrimRight(baseURL, "/"),
		textModel:   textModel,
		visionModel: visionModel,
		// Per-call deadlines come from the caller's context.
		httpClient: &http.Client{},
		referer:    "https://github.com/kalambet/genreview",
		title:      "genreview",
	}
}

type orContentPart struct {
	Type     string      `json:"type"`
	Text     string      `json:"text,omitempty"`
	ImageURL *orImageURL `json:"image_url,omitempty"`
}

type orImageURL struct {
	URL string `json:"url"`
}

type orMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"` // string or []orContentPart
}

type orRequest struct {
	Model          string         `json:"model"`
	Messages       []orMessage    `json:"messages"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
	Usage          map[string]any `json:"usage,omitempty"`
}

type orResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int     `json:"prompt_tokens"`
		CompletionTokens int     `json:"completion_tokens"`
		Cost             float64 `json:"cost"`
	} `json:"usage"`
}

func (c *OpenRouter) model(req Request) string {
	if req.Model != "" {
		return req.Model
	}
	if req.Kind == payload.KindVisionAnnotation {
		return c.visionModel
	}
	return c.textModel
}

func (c *OpenRouter) buildRequest(req Request) (orRequest, error) {
	user := orMessage{Role: "user", Content: userPrompt(req)}
	if req.Kind == payload.KindVisionAnnotation {
		img := req.Param("image_url")
		if img == "" {
			return orRequest{}, &Error{Kind: KindValidation, Provider: openRouterName,
				Err: fmt.Errorf("vision request for %s has no image_url", req.TargetID)}
		}
		user.Content = []orContentPart{
			{Type: "text", Text: userPrompt(req)},
			{Type: "image_url", ImageURL: &orImageURL{URL: img}},
		}
	}
	return orRequest{
		Model: c.model(req),
		Messages: []orMessage{
			{Role: "system", Content: systemPrompt(req.Kind)},
			user,
		},
		ResponseFormat: map[string]any{"type": "json_object"},
		Usage:          map[string]any{"include": true},
	}, nil
}

// Generate sends one chat completion and parses the reply into a payload.
// It never retries; the orchestrator owns the retry schedule.
func (c *OpenRouter) Generate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	body, err := c.buildRequest(req)
	if err != nil {
		return Result{}, err
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Result{}, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(raw))
	if err != nil {
		return Result{}, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, transportError(ctx, openRouterName, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, transportError(ctx, openRouterName, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, statusError(openRouterName, resp, respBody)
	}

	var out orResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Result{}, &Error{Kind: KindValidation, Provider: openRouterName, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if len(out.Choices) == 0 {
		return Result{}, &Error{Kind: KindValidation, Provider: openRouterName, Err: fmt.Errorf("response has no choices")}
	}
	p, err := ParseContent(req.Kind, req.TargetID, out.Choices[0].Message.Content)
	if err != nil {
		return Result{}, &Error{Kind: KindValidation, Provider: openRouterName, Err: err}
	}

	model := out.Model
	if model == "" {
		model = body.Model
	}
	return Result{
		Payload:    p,
		CostUSD:    out.Usage.Cost,
		DurationMs: time.Since(start).Milliseconds(),
		Model:      model,
	}, nil
}

func (c *OpenRouter) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)
}
