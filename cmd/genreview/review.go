package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/genreview/internal/api"
	"github.com/kalambet/genreview/internal/review"
	"github.com/kalambet/genreview/internal/storage"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Work the human review queue",
}

var reviewQueueCmd = &cobra.Command{
	Use:   "queue",
	Short: "List content waiting for review, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, _ := cmd.Flags().GetString("kind")
		target, _ := cmd.Flags().GetString("target")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/review/queue"+queryString(map[string]string{
			"kind":      kind,
			"target_id": target,
			"limit":     fmt.Sprint(limit),
			"offset":    fmt.Sprint(offset),
		}))
		if err != nil {
			return err
		}
		var q review.Queue
		if err := decodeJSON(resp, &q); err != nil {
			return err
		}

		if len(q.Items) == 0 {
			fmt.Println("Review queue is empty.")
		} else {
			tw := newTable(os.Stdout)
			fmt.Fprintln(tw, "ID\tTARGET\tKIND\tCONFIDENCE\tCREATED")
			for _, it := range q.Items {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%s\n",
					it.ID, it.TargetID, it.Kind, it.Confidence, it.CreatedAt.Local().Format(time.DateTime))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			printStatus("Pending", "%d total", q.Total)
		}
		if q.FailedJobs > 0 {
			printWarning("%d generation jobs have failed", q.FailedJobs)
			for _, f := range q.RecentFailures {
				printStatus(f.TargetID, "%s %s: %s", f.Kind, f.ErrorKind, f.ErrorMessage)
			}
		}
		return nil
	},
}

var reviewShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a content item as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/review/items/"+args[0])
		if err != nil {
			return err
		}
		var item storage.ContentItem
		if err := decodeJSON(resp, &item); err != nil {
			return err
		}
		return printJSON(os.Stdout, item)
	},
}

var reviewApproveCmd = &cobra.Command{
	Use:   "approve <id>",
	Short: "Approve a pending item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		actor, notes := reviewActor(cmd), flagString(cmd, "notes")
		return reviewAction(cmd, args[0], "approve", api.ReviewAction{Actor: actor, Notes: notes})
	},
}

var reviewRejectCmd = &cobra.Command{
	Use:   "reject <id>",
	Short: "Reject a pending item with a reason",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason := flagString(cmd, "reason")
		if reason == "" {
			return fmt.Errorf("--reason is required")
		}
		return reviewAction(cmd, args[0], "reject", api.ReviewAction{Actor: reviewActor(cmd), Reason: reason})
	},
}

var reviewEditCmd = &cobra.Command{
	Use:   "edit <id>",
	Short: "Replace an item's payload",
	Long: `Replace an item's payload with the JSON in --file (or - for stdin).

The edit is validated against the item's kind and recorded in its history.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		file := flagString(cmd, "file")
		if file == "" {
			return fmt.Errorf("--file is required")
		}
		var (
			data []byte
			err  error
		)
		if file == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(file)
		}
		if err != nil {
			return fmt.Errorf("reading payload: %w", err)
		}
		if !json.Valid(data) {
			return fmt.Errorf("payload in %s is not valid JSON", file)
		}
		return reviewAction(cmd, args[0], "edit", api.EditRequest{
			Actor:   reviewActor(cmd),
			Payload: json.RawMessage(data),
			Notes:   flagString(cmd, "notes"),
		})
	},
}

var reviewBulkApproveCmd = &cobra.Command{
	Use:   "bulk-approve <id>...",
	Short: "Approve several items; failures are reported per item",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return reviewBulk(cmd, "bulk-approve", api.BulkRequest{
			IDs:   args,
			Actor: reviewActor(cmd),
			Notes: flagString(cmd, "notes"),
		})
	},
}

var reviewBulkRejectCmd = &cobra.Command{
	Use:   "bulk-reject <id>...",
	Short: "Reject several items with one reason",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason := flagString(cmd, "reason")
		if reason == "" {
			return fmt.Errorf("--reason is required")
		}
		return reviewBulk(cmd, "bulk-reject", api.BulkRequest{
			IDs:    args,
			Actor:  reviewActor(cmd),
			Reason: reason,
		})
	},
}

var reviewHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show the audit trail of an item",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/review/items/"+args[0]+"/history")
		if err != nil {
			return err
		}
		var hist []storage.ReviewHistoryEntry
		if err := decodeJSON(resp, &hist); err != nil {
			return err
		}
		if len(hist) == 0 {
			fmt.Println("No review history.")
			return nil
		}
		tw := newTable(os.Stdout)
		fmt.Fprintln(tw, "WHEN\tACTOR\tCHANGE\tNOTES")
		for _, h := range hist {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", h.CreatedAt.Local().Format(time.DateTime), h.Actor, h.ChangeType, h.Notes)
		}
		return tw.Flush()
	},
}

func init() {
	reviewQueueCmd.Flags().String("kind", "", "filter by kind")
	reviewQueueCmd.Flags().String("target", "", "filter by target id")
	reviewQueueCmd.Flags().Int("limit", 20, "maximum number of items")
	reviewQueueCmd.Flags().Int("offset", 0, "items to skip")

	for _, c := range []*cobra.Command{reviewApproveCmd, reviewRejectCmd, reviewEditCmd, reviewBulkApproveCmd, reviewBulkRejectCmd} {
		c.Flags().String("actor", "", "reviewer name (default $USER)")
	}
	reviewApproveCmd.Flags().String("notes", "", "review notes")
	reviewEditCmd.Flags().String("notes", "", "review notes")
	reviewBulkApproveCmd.Flags().String("notes", "", "review notes")
	reviewRejectCmd.Flags().String("reason", "", "why the item is rejected")
	reviewBulkRejectCmd.Flags().String("reason", "", "why the items are rejected")
	reviewEditCmd.Flags().String("file", "", "JSON payload file, or - for stdin")

	reviewCmd.AddCommand(reviewQueueCmd)
	reviewCmd.AddCommand(reviewShowCmd)
	reviewCmd.AddCommand(reviewApproveCmd)
	reviewCmd.AddCommand(reviewRejectCmd)
	reviewCmd.AddCommand(reviewEditCmd)
	reviewCmd.AddCommand(reviewBulkApproveCmd)
	reviewCmd.AddCommand(reviewBulkRejectCmd)
	reviewCmd.AddCommand(reviewHistoryCmd)
}

func flagString(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

func reviewActor(cmd *cobra.Command) string {
	if actor := flagString(cmd, "actor"); actor != "" {
		return actor
	}
	return os.Getenv("USER")
}

func reviewAction(cmd *cobra.Command, id, action string, body any) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(cmd.Context(), "/v1/review/items/"+id+"/"+action, body)
	if err != nil {
		return err
	}
	var item storage.ContentItem
	if err := decodeJSON(resp, &item); err != nil {
		return err
	}
	printSuccess("%s is now %s", item.ID, statusColor(string(item.Status)))
	return nil
}

func reviewBulk(cmd *cobra.Command, action string, body api.BulkRequest) error {
	client, err := newAPIClient()
	if err != nil {
		return err
	}
	resp, err := client.post(cmd.Context(), "/v1/review/"+action, body)
	if err != nil {
		return err
	}
	var sum review.BulkSummary
	if err := decodeJSON(resp, &sum); err != nil {
		return err
	}
	for _, r := range sum.Results {
		if r.Error != "" {
			printError("%s: %s", r.ItemID, r.Error)
		}
	}
	printSuccess("%d succeeded, %d failed", sum.Succeeded, sum.Failed)
	if sum.Failed > 0 {
		return fmt.Errorf("%d of %d items failed", sum.Failed, len(body.IDs))
	}
	return nil
}
