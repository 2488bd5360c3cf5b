package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/genreview/internal/payload"
)

const ollamaName = "ollama"

// Ollama generates content with a local Ollama instance. Local generation
// has no upstream cost.
type Ollama struct {
	baseURL    string
	model      string
	httpClient *http.Client
}

func NewOllama(baseURL, model string) *Ollama {
	return &Ollama{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{},
	}
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
}

type ollamaChatResponse struct {
	Model   string        `json:"model"`
	Message ollamaMessage `json:"message"`
}

// IsRunning returns true if the Ollama server responds to GET /api/tags with 200.
func (c *Ollama) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// HasModel reports whether name is available locally, with or without a tag suffix.
func (c *Ollama) HasModel(ctx context.Context, name string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false, fmt.Errorf("creating request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("requesting model list: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var tags struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return false, fmt.Errorf("decoding response: %w", err)
	}
	for _, m := range tags.Models {
		if m.Name == name || strings.HasPrefix(m.Name, name+":") {
			return true, nil
		}
	}
	return false, nil
}

// PullProgress is one line of the streamed pull response.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// PullModel downloads a model, reading the streamed progress to completion.
func (c *Ollama) PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error {
	body, err := json.Marshal(map[string]any{"name": name, "stream": true})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/pull", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating pull request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pulling model %s: %w", name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("pull %s: unexpected status %d", name, resp.StatusCode)
	}

	dec := json.NewDecoder(resp.Body)
	for {
		var p PullProgress
		if err := dec.Decode(&p); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("reading pull progress: %w", err)
		}
		if onProgress != nil {
			onProgress(p)
		}
	}
	return nil
}

// EnsureModel checks that Ollama is running and pulls the configured model
// if it is missing, writing progress to w.
func (c *Ollama) EnsureModel(ctx context.Context, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return fmt.Errorf("Ollama is not running at %s. Start it with: ollama serve", c.baseURL)
	}
	ok, err := c.HasModel(ctx, c.model)
	if err != nil {
		return err
	}
	if ok {
		fmt.Fprintf(w, "model %s: ready\n", c.model)
		return nil
	}

	fmt.Fprintf(w, "model %s: pulling...\n", c.model)
	err = c.PullModel(ctx, c.model, func(p PullProgress) {
		if p.Total > 0 {
			fmt.Fprintf(w, "  %s %d%%\n", p.Status, p.Completed*100/p.Total)
		}
	})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", c.model, err)
	}
	fmt.Fprintf(w, "model %s: ready\n", c.model)
	return nil
}

func (c *Ollama) Generate(ctx context.Context, req Request) (Result, error) {
	start := time.Now()
	model := req.Model
	if model == "" {
		model = c.model
	}

	user := ollamaMessage{Role: "user", Content: userPrompt(req)}
	if req.Kind == payload.KindVisionAnnotation {
		img, err := c.loadImage(ctx, req.Param("image_url"))
		if err != nil {
			return Result{}, err
		}
		user.Images = []string{img}
	}
	body, err := json.Marshal(ollamaChatRequest{
		Model: model,
		Messages: []ollamaMessage{
			{Role: "system", Content: systemPrompt(req.Kind)},
			user,
		},
		Format: "json",
	})
	if err != nil {
		return Result{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("creating chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, transportError(ctx, ollamaName, err)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, transportError(ctx, ollamaName, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, statusError(ollamaName, resp, respBody)
	}

	var out ollamaChatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return Result{}, &Error{Kind: KindValidation, Provider: ollamaName, Err: fmt.Errorf("decoding chat response: %w", err)}
	}
	p, err := ParseContent(req.Kind, req.TargetID, out.Message.Content)
	if err != nil {
		return Result{}, &Error{Kind: KindValidation, Provider: ollamaName, Err: err}
	}
	return Result{Payload: p, DurationMs: time.Since(start).Milliseconds(), Model: model}, nil
}

// loadImage returns the base64 image bytes Ollama expects. Data URLs are
// decoded in place; http(s) URLs are fetched.
func (c *Ollama) loadImage(ctx context.Context, ref string) (string, error) {
	if ref == "" {
		return "", &Error{Kind: KindValidation, Provider: ollamaName, Err: fmt.Errorf("vision request has no image_url")}
	}
	if strings.HasPrefix(ref, "data:") {
		comma := strings.IndexByte(ref, ',')
		if comma < 0 || !strings.Contains(ref[:comma], ";base64") {
			return "", &Error{Kind: KindValidation, Provider: ollamaName, Err: fmt.Errorf("unsupported data URL")}
		}
		return ref[comma+1:], nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return "", &Error{Kind: KindValidation, Provider: ollamaName, Err: fmt.Errorf("image url: %w", err)}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", transportError(ctx, ollamaName, fmt.Errorf("fetching image: %w", err))
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 20<<20))
	if err != nil {
		return "", transportError(ctx, ollamaName, fmt.Errorf("reading image: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return "", statusError(ollamaName, resp, data)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
