package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/genreview/internal/api"
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Submit and monitor batch generations",
}

var batchSubmitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a batch of targets for background generation",
	Long: `Submit a batch of targets for background generation.

Parameters may reference the current target with {target_id}.

Examples:
  genreview batch submit --kind vision_annotation --targets cardinal,robin \
    --param image_url=https://img.example.com/{target_id}.jpg
  genreview batch submit --kind multiple_choice --file targets.txt --wait`,
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		targetsStr, _ := cmd.Flags().GetString("targets")
		file, _ := cmd.Flags().GetString("file")
		prov, _ := cmd.Flags().GetString("provider")
		model, _ := cmd.Flags().GetString("model")
		rawParams, _ := cmd.Flags().GetStringArray("param")
		wait, _ := cmd.Flags().GetBool("wait")

		if kind == "" {
			return fmt.Errorf("--kind is required")
		}
		targets := splitList(targetsStr)
		if file != "" {
			fromFile, err := readTargetsFile(file)
			if err != nil {
				return err
			}
			targets = append(targets, fromFile...)
		}
		if len(targets) == 0 {
			return fmt.Errorf("one of --targets or --file is required")
		}
		params, err := parseParams(rawParams)
		if err != nil {
			return err
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		body := map[string]any{"target_ids": targets, "kind": kind}
		if prov != "" {
			body["provider"] = prov
		}
		if model != "" {
			body["model"] = model
		}
		if len(params) > 0 {
			body["params"] = params
		}
		resp, err := client.post(ctx, "/v1/batches", body)
		if err != nil {
			return err
		}
		var b api.Batch
		if err := decodeJSON(resp, &b); err != nil {
			return err
		}
		printSuccess("Batch %s queued with %d items", b.ID, b.TotalItems)
		if !wait {
			return nil
		}

		b, err = waitForBatch(ctx, client, b.ID, 2*time.Second)
		if err != nil {
			return err
		}
		printBatch(b)
		return nil
	},
}

var batchStatusCmd = &cobra.Command{
	Use:   "status [id]",
	Short: "Show one batch, or list recent batches",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if len(args) == 1 {
			b, err := fetchBatch(ctx, client, args[0])
			if err != nil {
				return err
			}
			printBatch(b)
			return nil
		}

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		resp, err := client.get(ctx, "/v1/batches"+queryString(map[string]string{
			"status": status,
			"limit":  fmt.Sprint(limit),
		}))
		if err != nil {
			return err
		}
		var list []api.Batch
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}
		if len(list) == 0 {
			fmt.Println("No batches.")
			return nil
		}
		tw := newTable(os.Stdout)
		fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tDONE\tOK\tFAILED\tCREATED")
		for _, b := range list {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%d\t%d\t%s\n",
				b.ID, b.Kind, statusColor(b.Status), b.ProcessedItems, b.TotalItems,
				b.SuccessfulItems, b.FailedItems, b.CreatedAt.Local().Format(time.DateTime))
		}
		return tw.Flush()
	},
}

var batchItemsCmd = &cobra.Command{
	Use:   "items <id>",
	Short: "List the items of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/batches/"+args[0]+"/items")
		if err != nil {
			return err
		}
		var items []api.BatchItem
		if err := decodeJSON(resp, &items); err != nil {
			return err
		}
		tw := newTable(os.Stdout)
		fmt.Fprintln(tw, "#\tTARGET\tSTATUS\tATTEMPTS\tJOB")
		for _, it := range items {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%s\n", it.Position, it.ItemID, statusColor(it.Status), it.Attempts, it.JobID)
		}
		return tw.Flush()
	},
}

var batchErrorsCmd = &cobra.Command{
	Use:   "errors <id>",
	Short: "Show the per-attempt error log of a batch",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/batches/"+args[0]+"/errors")
		if err != nil {
			return err
		}
		var errs []api.BatchItemError
		if err := decodeJSON(resp, &errs); err != nil {
			return err
		}
		if len(errs) == 0 {
			printSuccess("No errors recorded")
			return nil
		}
		tw := newTable(os.Stdout)
		fmt.Fprintln(tw, "TARGET\tATTEMPT\tKIND\tMESSAGE")
		for _, e := range errs {
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\n", e.ItemID, e.AttemptNumber, e.ErrorKind, e.Message)
		}
		return tw.Flush()
	},
}

var batchCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a batch; items already in flight finish",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/batches/"+args[0]+"/cancel", nil)
		if err != nil {
			return err
		}
		var b api.Batch
		if err := decodeJSON(resp, &b); err != nil {
			return err
		}
		printSuccess("Cancellation requested for batch %s (%s)", b.ID, b.Status)
		return nil
	},
}

func init() {
	batchSubmitCmd.Flags().String("kind", "", "vision_annotation, fill_in_blank or multiple_choice")
	batchSubmitCmd.Flags().String("targets", "", "comma-separated target ids")
	batchSubmitCmd.Flags().String("file", "", "file with one target id per line")
	batchSubmitCmd.Flags().String("provider", "", "provider name (default from config)")
	batchSubmitCmd.Flags().String("model", "", "model override")
	batchSubmitCmd.Flags().StringArray("param", nil, "request parameter as key=value (repeatable)")
	batchSubmitCmd.Flags().Bool("wait", false, "poll until the batch finishes")

	batchStatusCmd.Flags().String("status", "", "filter by status")
	batchStatusCmd.Flags().Int("limit", 20, "maximum number of batches to list")

	batchCmd.AddCommand(batchSubmitCmd)
	batchCmd.AddCommand(batchStatusCmd)
	batchCmd.AddCommand(batchItemsCmd)
	batchCmd.AddCommand(batchErrorsCmd)
	batchCmd.AddCommand(batchCancelCmd)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// readTargetsFile reads one target id per line, skipping blanks and
// #-comments.
func readTargetsFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading targets: %w", err)
	}
	defer f.Close()

	var targets []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		targets = append(targets, line)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("reading targets: %w", err)
	}
	return targets, nil
}

func fetchBatch(ctx context.Context, client *apiClient, id string) (api.Batch, error) {
	resp, err := client.get(ctx, "/v1/batches/"+id)
	if err != nil {
		return api.Batch{}, err
	}
	var b api.Batch
	err = decodeJSON(resp, &b)
	return b, err
}

func batchDone(status string) bool {
	return status == "completed" || status == "failed" || status == "cancelled"
}

// waitForBatch polls until the batch reaches a terminal state or ctx ends.
func waitForBatch(ctx context.Context, client *apiClient, id string, every time.Duration) (api.Batch, error) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	last := -1
	for {
		b, err := fetchBatch(ctx, client, id)
		if err != nil {
			return api.Batch{}, err
		}
		if batchDone(b.Status) {
			return b, nil
		}
		if b.ProcessedItems != last {
			printStep("%d/%d processed", b.ProcessedItems, b.TotalItems)
			last = b.ProcessedItems
		}
		select {
		case <-ctx.Done():
			return b, ctx.Err()
		case <-ticker.C:
		}
	}
}

func printBatch(b api.Batch) {
	printStatus("Batch", "%s", b.ID)
	printStatus("Kind", "%s via %s", b.Kind, b.Provider)
	status := statusColor(b.Status)
	if b.CancelRequested && !batchDone(b.Status) {
		status += " (cancelling)"
	}
	printStatus("Status", "%s", status)
	printStatus("Progress", "%d/%d processed, %d succeeded, %d failed",
		b.ProcessedItems, b.TotalItems, b.SuccessfulItems, b.FailedItems)
	if b.CompletedAt != nil && b.StartedAt != nil {
		printStatus("Took", "%s", b.CompletedAt.Sub(*b.StartedAt).Round(time.Second))
	}
}
