package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/genreview/internal/api"
	"github.com/kalambet/genreview/internal/source"
)

// --- generate ---

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate content for a target, using the cache when possible",
	Long: `Generate content for a target, using the cache when possible.

Examples:
  genreview generate --target cardinal --kind vision_annotation --image-url https://example.com/cardinal.jpg
  genreview generate --target ch3 --kind fill_in_blank --passage-pdf ./chapter3.pdf --param blanks=5
  genreview generate --target ch3 --kind multiple_choice --param difficulty=hard --provider ollama`,
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("target")
		kind, _ := cmd.Flags().GetString("kind")
		prov, _ := cmd.Flags().GetString("provider")
		model, _ := cmd.Flags().GetString("model")
		rawParams, _ := cmd.Flags().GetStringArray("param")
		imageURL, _ := cmd.Flags().GetString("image-url")
		pdfPath, _ := cmd.Flags().GetString("passage-pdf")
		asJSON, _ := cmd.Flags().GetBool("json")

		if target == "" || kind == "" {
			return fmt.Errorf("--target and --kind are required")
		}
		params, err := parseParams(rawParams)
		if err != nil {
			return err
		}
		if imageURL != "" {
			params["image_url"] = imageURL
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if pdfPath != "" {
			data, err := os.ReadFile(pdfPath)
			if err != nil {
				return fmt.Errorf("reading passage: %w", err)
			}
			printStep("Extracting passage from %s", pdfPath)
			resp, err := client.postRaw(ctx, "/v1/passages/extract", "application/pdf", data)
			if err != nil {
				return err
			}
			var p api.Passage
			if err := decodeJSON(resp, &p); err != nil {
				return err
			}
			params["passage"] = p.Text
		}

		body := map[string]any{"target_id": target, "kind": kind}
		if prov != "" {
			body["provider"] = prov
		}
		if model != "" {
			body["model"] = model
		}
		if len(params) > 0 {
			body["params"] = params
		}

		resp, err := client.post(ctx, "/v1/generate", body)
		if err != nil {
			return err
		}
		var result api.GenerateResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if asJSON {
			return printJSON(os.Stdout, result)
		}
		j := result.Job
		if j.Status != "completed" {
			printError("Job %s %s: %s (%s)", j.ID, j.Status, j.ErrorMessage, j.ErrorKind)
			return fmt.Errorf("generation failed")
		}
		origin := "generated"
		if j.CacheHit {
			origin = "cache hit"
		}
		printSuccess("Job %s completed (%s, %s, %dms)", j.ID, origin, j.Provider, j.DurationMs)
		for _, id := range result.ContentIDs {
			printStatus("Content", "%s (pending review)", id)
		}
		if len(j.Response) > 0 {
			return printJSON(os.Stdout, j.Response)
		}
		return nil
	},
}

func init() {
	generateCmd.Flags().String("target", "", "target id the content is generated for")
	generateCmd.Flags().String("kind", "", "vision_annotation, fill_in_blank or multiple_choice")
	generateCmd.Flags().String("provider", "", "provider name (default from config)")
	generateCmd.Flags().String("model", "", "model override")
	generateCmd.Flags().StringArray("param", nil, "request parameter as key=value (repeatable)")
	generateCmd.Flags().String("image-url", "", "image URL for vision annotations")
	generateCmd.Flags().String("passage-pdf", "", "PDF whose text becomes the passage parameter")
	generateCmd.Flags().Bool("json", false, "print the full response as JSON")
}

// parseParams turns key=value pairs into request parameters. Values that
// parse as JSON numbers, booleans or arrays keep their type.
func parseParams(pairs []string) (map[string]any, error) {
	params := make(map[string]any, len(pairs))
	for _, p := range pairs {
		key, val, ok := strings.Cut(p, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --param %q, want key=value", p)
		}
		params[key] = paramValue(val)
	}
	return params, nil
}

func paramValue(s string) any {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if strings.HasPrefix(s, "[") {
		var arr []any
		if json.Unmarshal([]byte(s), &arr) == nil {
			return arr
		}
	}
	return s
}

// --- passage ---

var passageCmd = &cobra.Command{
	Use:   "passage <file.pdf>",
	Short: "Print the text extracted from a PDF, as generate --passage-pdf would send it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		maxChars, _ := cmd.Flags().GetInt("max-chars")
		text, err := source.ExtractPDFText(args[0], maxChars)
		if err != nil {
			return err
		}
		fmt.Println(text)
		printStatus("Characters", "%d", len([]rune(text)))
		return nil
	},
}

func init() {
	passageCmd.Flags().Int("max-chars", maxPassageChars, "truncate the passage to this many characters (0 for no limit)")
}

func queryString(values map[string]string) string {
	q := url.Values{}
	for k, v := range values {
		if v != "" {
			q.Set(k, v)
		}
	}
	if len(q) == 0 {
		return ""
	}
	return "?" + q.Encode()
}
