package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/genreview/internal/cache"
	"github.com/kalambet/genreview/internal/stats"
)

// --- cache ---

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and maintain the generation cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache efficiency per provider",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/v1/cache/stats")
		if err != nil {
			return err
		}
		var st []cache.ProviderStats
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		printCacheStats(st)
		return nil
	},
}

var cacheExpireCmd = &cobra.Command{
	Use:   "expire",
	Short: "Remove expired entries now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/cache/expire", nil)
		if err != nil {
			return err
		}
		var out struct {
			Removed int `json:"removed"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Removed %d expired entries", out.Removed)
		return nil
	},
}

var cacheEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Evict least recently used entries above a bound",
	RunE: func(cmd *cobra.Command, args []string) error {
		maxEntries, _ := cmd.Flags().GetInt("max-entries")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var body any
		if maxEntries > 0 {
			body = map[string]int{"max_entries": maxEntries}
		}
		resp, err := client.post(cmd.Context(), "/v1/cache/evict", body)
		if err != nil {
			return err
		}
		var out struct {
			Removed    int `json:"removed"`
			MaxEntries int `json:"max_entries"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Evicted %d entries (bound %d)", out.Removed, out.MaxEntries)
		return nil
	},
}

var cacheInvalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Drop one cache entry, by key or by the request that produced it",
	Long: `Drop one cache entry, by key or by the request that produced it.

Examples:
  genreview cache invalidate --key 3f2a...
  genreview cache invalidate --target cardinal --kind vision_annotation \
    --param image_url=https://example.com/cardinal.jpg`,
	RunE: func(cmd *cobra.Command, args []string) error {
		key := flagString(cmd, "key")
		target := flagString(cmd, "target")
		kind := flagString(cmd, "kind")
		rawParams, _ := cmd.Flags().GetStringArray("param")

		body := map[string]any{}
		switch {
		case key != "":
			body["key"] = key
		case target != "" && kind != "":
			params, err := parseParams(rawParams)
			if err != nil {
				return err
			}
			body["target_id"] = target
			body["kind"] = kind
			if p := flagString(cmd, "provider"); p != "" {
				body["provider"] = p
			}
			if m := flagString(cmd, "model"); m != "" {
				body["model"] = m
			}
			if len(params) > 0 {
				body["params"] = params
			}
		default:
			return fmt.Errorf("either --key or --target with --kind is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/v1/cache/invalidate", body)
		if err != nil {
			return err
		}
		var out struct {
			Key string `json:"key"`
		}
		if err := decodeJSON(resp, &out); err != nil {
			return err
		}
		printSuccess("Invalidated %s", out.Key)
		return nil
	},
}

func init() {
	cacheEvictCmd.Flags().Int("max-entries", 0, "entries to keep (default from server config)")

	cacheInvalidateCmd.Flags().String("key", "", "cache key")
	cacheInvalidateCmd.Flags().String("target", "", "target id of the original request")
	cacheInvalidateCmd.Flags().String("kind", "", "kind of the original request")
	cacheInvalidateCmd.Flags().String("provider", "", "provider of the original request")
	cacheInvalidateCmd.Flags().String("model", "", "model of the original request")
	cacheInvalidateCmd.Flags().StringArray("param", nil, "parameter of the original request as key=value")

	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheExpireCmd)
	cacheCmd.AddCommand(cacheEvictCmd)
	cacheCmd.AddCommand(cacheInvalidateCmd)
}

func printCacheStats(st []cache.ProviderStats) {
	if len(st) == 0 {
		fmt.Println("Cache is empty.")
		return
	}
	tw := newTable(os.Stdout)
	fmt.Fprintln(tw, "PROVIDER\tENTRIES\tACCESSES\tHIT RATE\tSAVED\tAVG GEN")
	for _, s := range st {
		fmt.Fprintf(tw, "%s\t%d\t%d\t%.1f%%\t$%.4f\t%s\n",
			s.Provider, s.ActiveEntries, s.TotalAccesses, s.HitRate*100, s.CostSaved,
			(time.Duration(s.AvgGenerationTimeMs) * time.Millisecond).Round(time.Millisecond))
	}
	tw.Flush()
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show the generation and review dashboard",
	RunE: func(cmd *cobra.Command, args []string) error {
		snapshot, _ := cmd.Flags().GetBool("snapshot")
		history, _ := cmd.Flags().GetInt("history")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		ctx := cmd.Context()

		if history > 0 {
			resp, err := client.get(ctx, fmt.Sprintf("/v1/stats/snapshot?history=%d", history))
			if err != nil {
				return err
			}
			var hist []stats.Dashboard
			if err := decodeJSON(resp, &hist); err != nil {
				return err
			}
			if asJSON {
				return printJSON(os.Stdout, hist)
			}
			tw := newTable(os.Stdout)
			fmt.Fprintln(tw, "TAKEN\tQUEUE\tOLDEST\tSTUCK")
			for _, d := range hist {
				fmt.Fprintf(tw, "%s\t%d\t%s\t%d\n", d.GeneratedAt.Local().Format(time.DateTime),
					d.Queue.Depth, formatAge(d.Queue.OldestAgeSeconds), len(d.StuckJobs))
			}
			return tw.Flush()
		}

		var d stats.Dashboard
		if snapshot {
			resp, err := client.get(ctx, "/v1/stats/snapshot")
			if err != nil {
				return err
			}
			err = decodeJSON(resp, &d)
			if isStatus(err, 404) {
				printWarning("No snapshot recorded yet")
				return nil
			}
			if err != nil {
				return err
			}
		} else if d, err = fetchDashboard(ctx, client); err != nil {
			return err
		}

		if asJSON {
			return printJSON(os.Stdout, d)
		}
		printDashboard(d)
		return nil
	},
}

func init() {
	statsCmd.Flags().Bool("snapshot", false, "read the latest stored snapshot instead of computing live")
	statsCmd.Flags().Int("history", 0, "show the last n stored snapshots")
	statsCmd.Flags().Bool("json", false, "print as JSON")
}

func fetchDashboard(ctx context.Context, client *apiClient) (stats.Dashboard, error) {
	resp, err := client.get(ctx, "/v1/stats")
	if err != nil {
		return stats.Dashboard{}, err
	}
	var d stats.Dashboard
	err = decodeJSON(resp, &d)
	return d, err
}

func printDashboard(d stats.Dashboard) {
	fmt.Println(colorize(colorBold, "Cache"))
	printCacheStats(d.Cache)

	fmt.Println()
	fmt.Println(colorize(colorBold, "Jobs"))
	tw := newTable(os.Stdout)
	fmt.Fprintln(tw, "STATUS\tPROVIDER\tJOBS\tCACHE HITS\tAVG\tCOST")
	for _, j := range d.Jobs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t$%.4f\n", statusColor(string(j.Status)), j.Provider, j.Jobs, j.CacheHits,
			(time.Duration(j.AvgDurationMs) * time.Millisecond).Round(time.Millisecond), j.TotalCostUSD)
	}
	tw.Flush()

	if len(d.Reviewers) > 0 {
		fmt.Println()
		fmt.Println(colorize(colorBold, "Reviewers"))
		tw = newTable(os.Stdout)
		fmt.Fprintln(tw, "REVIEWER\tAPPROVED\tREJECTED\tTOTAL\tAVG LATENCY")
		for _, r := range d.Reviewers {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%s\n", r.Reviewer, r.Approved, r.Rejected, r.Total,
				(time.Duration(r.AvgLatencyMs) * time.Millisecond).Round(time.Second))
		}
		tw.Flush()
	}

	fmt.Println()
	printStatus("Review queue", "%d pending", d.Queue.Depth)
	if d.Queue.OldestCreatedAt != nil {
		printStatus("Oldest pending", "%s", formatAge(d.Queue.OldestAgeSeconds))
	}
	for _, s := range d.StuckJobs {
		printWarning("job %s for %s stuck for %s", s.JobID, s.TargetID, formatAge(s.AgeSeconds))
	}
}
