package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/orchmem/internal/api"
	"github.com/kalambet/orchmem/internal/config"
	"github.com/kalambet/orchmem/internal/recommend"
	"github.com/kalambet/orchmem/internal/search"
	"github.com/kalambet/orchmem/internal/storage"
	"github.com/kalambet/orchmem/internal/usage"
)

// --- save ---

var saveCmd = &cobra.Command{
	Use:   "save [file]",
	Short: "Save a completed orchestration record",
	Long: `Save a completed orchestration record. The record is read as JSON from
the given file, or from stdin when no file is given.

Examples:
  orchmem save run.json
  my-orchestrator --dump | orchmem save`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var in io.Reader = cmd.InOrStdin()
		if len(args) == 1 {
			f, err := os.Open(args[0])
			if err != nil {
				return fmt.Errorf("reading record: %w", err)
			}
			defer f.Close()
			in = f
		}
		var req api.SaveRequest
		if err := json.NewDecoder(in).Decode(&req); err != nil {
			return fmt.Errorf("invalid record JSON: %w", err)
		}
		if req.Pattern == "" {
			return fmt.Errorf("pattern is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var result map[string]string
		if err := client.postJSON(cmd.Context(), "/orchestrations", req, &result); err != nil {
			return err
		}
		printSuccess("Saved orchestration %s", result["id"])
		return nil
	},
}

// --- list / show ---

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List saved orchestrations, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		q := filterQuery(cmd)
		q.Set("limit", strconv.Itoa(limit))

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var recs []storage.Record
		if err := client.getJSON(cmd.Context(), "/orchestrations?"+q.Encode(), &recs); err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("No orchestrations found.")
			return nil
		}
		for _, r := range recs {
			fmt.Printf("%s  %s  %-12s %s  %s\n",
				colorize(colorCyan, shortID(r.ID)),
				r.EndedAt.Format(time.DateTime),
				r.Pattern,
				outcome(r.Success),
				truncate(r.Task, 80),
			)
		}
		return nil
	},
}

var showCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single orchestration with its observations",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var rec storage.Record
		if err := client.getJSON(cmd.Context(), "/orchestrations/"+url.PathEscape(args[0]), &rec); err != nil {
			return err
		}
		var obs []storage.Observation
		if err := client.getJSON(cmd.Context(), "/orchestrations/"+url.PathEscape(args[0])+"/observations", &obs); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			storage.Record
			Observations []storage.Observation `json:"observations"`
		}{rec, obs})
	},
}

func init() {
	listCmd.Flags().Int("limit", 20, "maximum number of orchestrations to list")
	addFilterFlags(listCmd)
}

// --- search ---

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "Search past orchestrations",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		mode, _ := cmd.Flags().GetString("mode")

		q := filterQuery(cmd)
		q.Set("q", strings.Join(args, " "))
		q.Set("limit", strconv.Itoa(limit))
		q.Set("mode", mode)

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var res search.Result
		if err := client.getJSON(cmd.Context(), "/search?"+q.Encode(), &res); err != nil {
			return err
		}
		for _, d := range res.Degraded {
			printWarning("%s", d)
		}
		if len(res.Hits) == 0 {
			fmt.Println("No results found.")
			return nil
		}
		for i, h := range res.Hits {
			fmt.Printf("%s %s [score: %.3f]\n",
				colorize(colorBold, fmt.Sprintf("%2d.", i+1)),
				colorize(colorCyan, h.ID),
				h.Score,
			)
		}
		return nil
	},
}

func init() {
	searchCmd.Flags().Int("limit", 10, "maximum number of results")
	searchCmd.Flags().String("mode", search.ModeHybrid, "search mode: hybrid or keyword")
	addFilterFlags(searchCmd)
}

// --- context ---

var contextCmd = &cobra.Command{
	Use:   "context <task>",
	Short: "Print the memory context an orchestrator would load for a task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		budget, _ := cmd.Flags().GetInt("budget")
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var resp api.ContextResponse
		req := api.ContextRequest{Task: strings.Join(args, " "), Budget: budget}
		if err := client.postJSON(cmd.Context(), "/context", req, &resp); err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(resp.Payload)
		}
		if resp.Text == "" {
			fmt.Println("No relevant past orchestrations.")
			return nil
		}
		fmt.Print(resp.Text)
		return nil
	},
}

func init() {
	contextCmd.Flags().Int("budget", 0, "token budget (default from config)")
	contextCmd.Flags().Bool("json", false, "print the structured payload")
}

// --- recommend ---

var recommendCmd = &cobra.Command{
	Use:   "recommend <task>",
	Short: "Recommend patterns and teams for a task",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var recs []recommend.Recommendation
		q := url.Values{"task": {strings.Join(args, " ")}}
		if err := client.getJSON(cmd.Context(), "/recommend?"+q.Encode(), &recs); err != nil {
			return err
		}
		if len(recs) == 0 {
			fmt.Println("Not enough history to recommend a pattern.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PATTERN\tTEAM\tRUNS\tSUCCESS\tCONFIDENCE\tAVG COST")
		for _, r := range recs {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%.0f%%\t%.2f\t$%.2f\n",
				r.Pattern, r.Team, r.Attempts, 100*r.SuccessRate, r.Confidence, r.AvgCost)
		}
		return tw.Flush()
	},
}

// --- usage ---

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Show spend against the configured budget",
}

var usageStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Today's and this month's spend",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var st usage.Status
		if err := client.getJSON(cmd.Context(), "/usage/status", &st); err != nil {
			return err
		}
		printUsageStatus(st)
		return nil
	},
}

var usageReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Spend grouped by pattern or agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		period, _ := cmd.Flags().GetString("period")
		by, _ := cmd.Flags().GetString("by")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var rows []usage.ReportRow
		q := url.Values{"period": {period}, "by": {by}}
		if err := client.getJSON(cmd.Context(), "/usage/report?"+q.Encode(), &rows); err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("No usage recorded.")
			return nil
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "%s\tCOST\tTOKENS\tRUNS\tSUCCESS\n", strings.ToUpper(by))
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t$%.2f\t%d\t%d\t%.0f%%\n", r.Key, r.Cost, r.Tokens, r.Orchestrations, 100*r.SuccessRate)
		}
		return tw.Flush()
	},
}

var usageProjectionCmd = &cobra.Command{
	Use:   "projection",
	Short: "Projected month-end spend",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var p usage.Projection
		if err := client.getJSON(cmd.Context(), "/usage/projection", &p); err != nil {
			return err
		}
		printStatus("Month", "%s (day %d of %d)", p.Month, p.DaysElapsed, p.DaysInMonth)
		printStatus("Month to date", "$%.2f", p.MonthToDate)
		printStatus("Daily average", "$%.2f", p.DailyAverage)
		projected := fmt.Sprintf("$%.2f", p.ProjectedMonthEnd)
		if p.MonthlyBudget > 0 {
			projected += fmt.Sprintf(" (%.0f%% of $%.2f)", p.ProjectedPercent, p.MonthlyBudget)
		}
		if p.OverBudget {
			projected = colorize(colorRed, projected)
		}
		printStatus("Projected", "%s", projected)
		return nil
	},
}

func printUsageStatus(st usage.Status) {
	c := alertColor(st.AlertLevel)
	printStatus("Today", "%s", colorize(c, fmt.Sprintf("$%.2f of %s (%.0f%%)", st.DailySpend, budgetLabel(st.DailyBudget), st.DailyPercent)))
	printStatus("This month", "%s", colorize(c, fmt.Sprintf("$%.2f of %s (%.0f%%)", st.MonthlySpend, budgetLabel(st.MonthlyBudget), st.MonthlyPercent)))
	printStatus("Alert", "%s", colorize(c, st.AlertLevel))
}

func init() {
	usageReportCmd.Flags().String("period", usage.PeriodMonth, "day, month or all")
	usageReportCmd.Flags().String("by", usage.GroupByPattern, "pattern or agent")
	usageCmd.AddCommand(usageStatusCmd, usageReportCmd, usageProjectionCmd)
}

// --- stats ---

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Success rates and costs of past orchestrations",
}

var statsPatternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "Per pattern and team",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var stats []storage.PatternStat
		if err := client.getJSON(cmd.Context(), "/stats/patterns?"+filterQuery(cmd).Encode(), &stats); err != nil {
			return err
		}
		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PATTERN\tTEAM\tRUNS\tSUCCESS\tAVG COST")
		for _, s := range stats {
			fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t$%.2f\n", s.Pattern, s.Team, s.Attempts, s.Successes, s.AvgCost)
		}
		return tw.Flush()
	},
}

var statsAgentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "Per agent",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var stats []json.RawMessage
		if err := client.getJSON(cmd.Context(), "/stats/agents?"+filterQuery(cmd).Encode(), &stats); err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	},
}

func init() {
	addFilterFlags(statsPatternsCmd)
	addFilterFlags(statsAgentsCmd)
	statsCmd.AddCommand(statsPatternsCmd, statsAgentsCmd)
}

// --- prune / reindex ---

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete orchestrations older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetString("older-than")
		if olderThan != "" {
			if _, err := api.ParseAge(olderThan); err != nil {
				return err
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		var res storage.PruneResult
		body := map[string]string{"older_than": olderThan}
		if err := client.postJSON(cmd.Context(), "/prune", body, &res); err != nil {
			return err
		}
		printSuccess("Pruned %d orchestrations, %d usage entries, %d jobs", len(res.RecordIDs), res.UsageEntries, res.Jobs)
		return nil
	},
}

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Re-embed every stored orchestration",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		client.httpClient.Timeout = 0
		var out map[string]int
		if err := client.postJSON(cmd.Context(), "/reindex", nil, &out); err != nil {
			return err
		}
		printSuccess("Reindexed %d orchestrations", out["indexed"])
		return nil
	},
}

func init() {
	pruneCmd.Flags().String("older-than", "", "age cutoff such as 30d or 720h (default: configured retention)")
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
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

// --- helpers ---

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().String("agent", "", "only orchestrations this agent took part in")
	cmd.Flags().String("pattern", "", "only orchestrations using this pattern")
	cmd.Flags().String("from", "", "only orchestrations ended at or after this date")
	cmd.Flags().String("to", "", "only orchestrations ended before this date")
	cmd.Flags().String("success", "", "true or false to filter by outcome")
}

// filterQuery turns the filter flags that were set into query parameters.
func filterQuery(cmd *cobra.Command) url.Values {
	q := url.Values{}
	for _, name := range []string{"agent", "pattern", "from", "to", "success"} {
		if f := cmd.Flags().Lookup(name); f != nil && f.Value.String() != "" {
			q.Set(name, f.Value.String())
		}
	}
	return q
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func outcome(success bool) string {
	if success {
		return colorize(colorGreen, "ok  ")
	}
	return colorize(colorRed, "fail")
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
