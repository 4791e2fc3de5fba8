package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/kalambet/tubescope/internal/config"
	"github.com/kalambet/tubescope/internal/jobs"
	"github.com/kalambet/tubescope/internal/quota"
	"github.com/kalambet/tubescope/internal/reports"
	"github.com/kalambet/tubescope/internal/settings"
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- reports ---

var reportsCmd = &cobra.Command{
	Use:   "reports",
	Short: "Browse and manage cached channel reports",
}

var reportsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List cached reports, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		channel, _ := cmd.Flags().GetString("channel")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		if channel != "" {
			q.Set("channel", channel)
		}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		path := "/reports"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var list []reports.Summary
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		if len(list) == 0 {
			fmt.Println("No cached reports.")
			return nil
		}
		for _, s := range list {
			fmt.Printf("%s  %-24s  %d  %s\n",
				colorize(colorCyan, s.ChannelID),
				truncate(s.BrandName, 24),
				s.Timestamp,
				ago(s.Timestamp),
			)
		}
		return nil
	},
}

var reportsShowCmd = &cobra.Command{
	Use:   "show <channel-id|@handle>",
	Short: "Show the newest cached report of a channel as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		at, _ := cmd.Flags().GetInt64("at")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/reports/" + url.PathEscape(args[0])
		if at > 0 {
			path += "/" + strconv.FormatInt(at, 10)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var report reports.Report
		if err := decodeJSON(resp, &report); err != nil {
			return err
		}
		return printJSON(report)
	},
}

var reportsDeleteCmd = &cobra.Command{
	Use:   "delete <channel-id|@handle>",
	Short: "Delete every cached report of a channel, or one with --at",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		at, _ := cmd.Flags().GetInt64("at")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/reports/" + url.PathEscape(args[0])
		if at > 0 {
			resp, err := client.delete(cmd.Context(), path+"/"+strconv.FormatInt(at, 10))
			if err != nil {
				return err
			}
			if err := decodeJSON(resp, nil); err != nil {
				return err
			}
			printSuccess("Deleted report %s at %d", args[0], at)
			return nil
		}

		resp, err := client.delete(cmd.Context(), path)
		if err != nil {
			return err
		}
		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Deleted %d report(s) for %s", result["deleted"], args[0])
		return nil
	},
}

var reportsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove expired and unreadable reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/reports/prune", nil)
		if err != nil {
			return err
		}
		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Pruned %d report(s)", result["deleted"])
		return nil
	},
}

var reportsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all cached reports (aliases are kept)",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL cached reports. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/reports")
		if err != nil {
			return err
		}
		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Cleared %d report(s)", result["deleted"])
		return nil
	},
}

var reportsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show report cache occupancy",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/reports/stats")
		if err != nil {
			return err
		}
		var stats reports.Stats
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}
		fprintKV(os.Stdout, "Reports", fmt.Sprintf("%d / %d", stats.Count, stats.MaxItems))
		fprintKV(os.Stdout, "Channels", strconv.Itoa(stats.Channels))
		fprintKV(os.Stdout, "Newest", ago(stats.Newest))
		fprintKV(os.Stdout, "Oldest", ago(stats.Oldest))
		return nil
	},
}

func init() {
	reportsListCmd.Flags().String("channel", "", "only reports of this channel ID or @handle")
	reportsListCmd.Flags().Int("limit", 0, "maximum number of reports to list")
	reportsShowCmd.Flags().Int64("at", 0, "report timestamp in epoch milliseconds")
	reportsDeleteCmd.Flags().Int64("at", 0, "delete only the report with this timestamp")
	reportsClearCmd.Flags().Bool("confirm", false, "confirm clearing the cache")

	reportsCmd.AddCommand(reportsListCmd)
	reportsCmd.AddCommand(reportsShowCmd)
	reportsCmd.AddCommand(reportsDeleteCmd)
	reportsCmd.AddCommand(reportsPruneCmd)
	reportsCmd.AddCommand(reportsClearCmd)
	reportsCmd.AddCommand(reportsStatsCmd)
}

// --- alias ---

var aliasCmd = &cobra.Command{
	Use:   "alias",
	Short: "Map URL identifiers such as @handles to channel IDs",
}

var aliasSetCmd = &cobra.Command{
	Use:   "set <url-id> <channel-id>",
	Short: "Record an alias",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.put(cmd.Context(), "/aliases/"+url.PathEscape(args[0]), map[string]string{"channelId": args[1]})
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("%s → %s", args[0], args[1])
		return nil
	},
}

var aliasResolveCmd = &cobra.Command{
	Use:   "resolve <url-id>",
	Short: "Print the channel ID an alias points to",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/aliases/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		fmt.Println(result["channelId"])
		return nil
	},
}

func init() {
	aliasCmd.AddCommand(aliasSetCmd)
	aliasCmd.AddCommand(aliasResolveCmd)
}

// --- jobs ---

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect video generation job history",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent jobs, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		active, _ := cmd.Flags().GetBool("active")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		path := "/jobs"
		if active {
			path += "?active=true"
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}
		var list []jobs.Job
		if err := decodeJSON(resp, &list); err != nil {
			return err
		}

		if len(list) == 0 {
			fmt.Println("No jobs found.")
			return nil
		}
		for _, j := range list {
			fmt.Printf("%s  %-9s  %d/%d  %-14s  %s\n",
				colorize(colorCyan, shortID(j.ID)),
				jobStatus(j.Status),
				j.CompletedScenes, j.TotalScenes,
				ago(j.UpdatedAt),
				truncate(j.Prompt, 60),
			)
		}
		return nil
	},
}

func jobStatus(s jobs.Status) string {
	switch s {
	case jobs.StatusCompleted:
		return colorize(colorGreen, string(s))
	case jobs.StatusFailed:
		return colorize(colorRed, string(s))
	default:
		return colorize(colorYellow, string(s))
	}
}

var jobsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		var job jobs.Job
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}
		return printJSON(job)
	},
}

var jobsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Remove a job from the history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted job %s", args[0])
		return nil
	},
}

var jobsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the whole job history",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL job history. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/jobs")
		if err != nil {
			return err
		}
		var result map[string]int
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}
		printSuccess("Cleared %d job(s)", result["deleted"])
		return nil
	},
}

func init() {
	jobsListCmd.Flags().Bool("active", false, "only pending and running jobs")
	jobsClearCmd.Flags().Bool("confirm", false, "confirm clearing the history")
	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	jobsCmd.AddCommand(jobsDeleteCmd)
	jobsCmd.AddCommand(jobsClearCmd)
}

// --- quota ---

var quotaCmd = &cobra.Command{
	Use:   "quota",
	Short: "Show and adjust locally tracked API quota",
}

func printQuota(status []quota.ProviderStatus) {
	for _, p := range status {
		fmt.Printf("  %-13s %s %3d%%  %d/%d  (%d left)\n",
			colorize(colorBold, string(p.Provider)),
			quotaBar(p.Percentage, p.Color),
			p.Percentage, p.Used, p.Total, p.Remaining,
		)
	}
}

var quotaShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show quota usage",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/quota")
		if err != nil {
			return err
		}
		var status []quota.ProviderStatus
		if err := decodeJSON(resp, &status); err != nil {
			return err
		}
		printQuota(status)
		return nil
	},
}

var quotaRecordCmd = &cobra.Command{
	Use:       "record <youtube|gemini>",
	Short:     "Record API usage",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{string(quota.YouTube), string(quota.Gemini)},
	RunE: func(cmd *cobra.Command, args []string) error {
		cost, _ := cmd.Flags().GetInt("cost")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var body any
		if args[0] == string(quota.YouTube) && cost > 0 {
			body = map[string]int{"cost": cost}
		}
		resp, err := client.post(cmd.Context(), "/quota/"+args[0], body)
		if err != nil {
			return err
		}
		var status []quota.ProviderStatus
		if err := decodeJSON(resp, &status); err != nil {
			return err
		}
		printQuota(status)
		return nil
	},
}

var quotaResetCmd = &cobra.Command{
	Use:       "reset <youtube|gemini|gemini_daily>",
	Short:     "Zero one usage counter",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{string(quota.YouTube), string(quota.Gemini), string(quota.GeminiDaily)},
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/quota/"+args[0])
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Reset %s", args[0])
		return nil
	},
}

var quotaLimitsCmd = &cobra.Command{
	Use:   "limits",
	Short: "List known Gemini request limits per model and tier",
	Run: func(cmd *cobra.Command, args []string) {
		for _, model := range quota.Models() {
			free := quota.Limits(model, quota.TierFree)
			paid := quota.Limits(model, quota.TierPaid1)
			fmt.Printf("  %-24s free %4d/min %6d/day   tier1 %5d/min %6d/day\n",
				colorize(colorBold, model), free.PerMinute, free.PerDay, paid.PerMinute, paid.PerDay)
		}
	},
}

func init() {
	quotaRecordCmd.Flags().Int("cost", 0, "YouTube units to record (default: one channel analysis)")
	quotaCmd.AddCommand(quotaShowCmd)
	quotaCmd.AddCommand(quotaRecordCmd)
	quotaCmd.AddCommand(quotaResetCmd)
	quotaCmd.AddCommand(quotaLimitsCmd)
}

// --- settings ---
//
// Settings commands work on the local store directly so credentials never
// cross the HTTP API.

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Manage stored API keys and model choice",
}

var openSettings = func() (*settings.Store, config.Config, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, cfg, nil, err
	}
	svc, err := openServices(cfg)
	if err != nil {
		return nil, cfg, nil, err
	}
	return svc.settings, cfg, func() { svc.Close() }, nil
}

func maskKey(key string) string {
	if key == "" {
		return "(not set)"
	}
	if len(key) <= 8 {
		return strings.Repeat("•", len(key))
	}
	return key[:4] + strings.Repeat("•", 8) + key[len(key)-4:]
}

var settingsShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show settings with keys masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, closeFn, err := openSettings()
		if err != nil {
			return err
		}
		defer closeFn()

		s, err := store.Load(cmd.Context())
		if err != nil {
			return err
		}
		model := s.GeminiModel
		if model == "" {
			model = "(default)"
		}
		fprintKV(os.Stdout, "YouTube API key", maskKey(s.YouTubeAPIKey))
		fprintKV(os.Stdout, "Gemini API key", maskKey(s.GeminiAPIKey))
		fprintKV(os.Stdout, "Gemini model", model)
		return nil
	},
}

var settingsSetKeyCmd = &cobra.Command{
	Use:       "set-key <youtube|gemini> <key>",
	Short:     "Store an API key (encrypted at rest)",
	Args:      cobra.ExactArgs(2),
	ValidArgs: []string{"youtube", "gemini"},
	RunE: func(cmd *cobra.Command, args []string) error {
		store, _, closeFn, err := openSettings()
		if err != nil {
			return err
		}
		defer closeFn()

		s, err := store.Load(cmd.Context())
		if err != nil {
			return err
		}
		switch args[0] {
		case "youtube":
			s.YouTubeAPIKey = args[1]
		case "gemini":
			s.GeminiAPIKey = args[1]
		default:
			return fmt.Errorf("unknown provider %q (want youtube or gemini)", args[0])
		}
		if err := store.Save(cmd.Context(), s); err != nil {
			return fmt.Errorf("saving settings: %w", err)
		}
		printSuccess("Stored %s API key", args[0])
		return nil
	},
}

var settingsSetModelCmd = &cobra.Command{
	Use:   "set-model <model>",
	Short: "Choose the Gemini model and update its quota limits",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, cfg, closeFn, err := openSettings()
		if err != nil {
			return err
		}
		defer closeFn()

		s, err := store.Load(cmd.Context())
		if err != nil {
			return err
		}
		s.GeminiModel = args[0]
		if err := store.Save(cmd.Context(), s); err != nil {
			return fmt.Errorf("saving settings: %w", err)
		}
		printSuccess("Gemini model set to %s", args[0])

		pushGeminiLimits(cmd.Context(), args[0], cfg.Gemini.Tier)
		return nil
	},
}

// pushGeminiLimits tells a running server about the new model. A stopped
// server picks the model up from settings on its next start.
func pushGeminiLimits(ctx context.Context, model, tier string) {
	client, err := newAPIClient()
	if err != nil {
		return
	}
	resp, err := client.put(ctx, "/quota/gemini/limits", map[string]string{"model": model, "tier": tier})
	if err != nil {
		return
	}
	if err := decodeJSON(resp, nil); err != nil {
		printWarning("server did not accept new limits: %v", err)
	}
}

var settingsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all stored settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete stored API keys. Use --confirm to proceed.")
			return nil
		}
		store, _, closeFn, err := openSettings()
		if err != nil {
			return err
		}
		defer closeFn()

		store.Clear()
		printSuccess("Settings cleared")
		return nil
	},
}

func init() {
	settingsClearCmd.Flags().Bool("confirm", false, "confirm deleting settings")
	settingsCmd.AddCommand(settingsShowCmd)
	settingsCmd.AddCommand(settingsSetKeyCmd)
	settingsCmd.AddCommand(settingsSetModelCmd)
	settingsCmd.AddCommand(settingsClearCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s  %s\n", colorize(colorBold, k.Key), k.Value, colorize(colorCyan, "$"+k.EnvVar))
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a configuration value so its default applies",
	Args:  cobra.ExactArgs(1),
	ValidArgsFunction: func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		if len(args) == 0 {
			return config.ValidKeys(), cobra.ShellCompDirectiveNoFileComp
		}
		return nil, cobra.ShellCompDirectiveNoFileComp
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
