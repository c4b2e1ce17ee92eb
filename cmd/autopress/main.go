package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/TobiSchelling/autopress/internal/approval"
	"github.com/TobiSchelling/autopress/internal/config"
	"github.com/TobiSchelling/autopress/internal/database"
	"github.com/TobiSchelling/autopress/internal/logging"
	"github.com/TobiSchelling/autopress/internal/scheduler"
	"github.com/TobiSchelling/autopress/internal/server"
)

var version = "dev"

var (
	verbose    bool
	configPath string
	cfg        *config.Config
	logger     = zap.NewNop()
)

func main() {
	err := rootCmd.Execute()
	_ = logger.Sync()
	if err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "autopress",
	Short:   "Automated blog content pipeline",
	Long:    "autopress generates blog drafts on a schedule, mails one-click approval links and publishes scheduled posts.",
	Version: version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// Skip config loading for init and version
		if cmd.Name() == "init" || cmd.Name() == "version" {
			return nil
		}

		path, err := config.ResolveConfigPath(configPath)
		if err != nil {
			return err
		}
		cfg, err = config.Load(path)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		level := cfg.Logging.Level
		if verbose {
			level = "debug"
		}
		logger = logging.New(level, verbose)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(triggerCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(reconcileCmd)
	rootCmd.AddCommand(automationCmd)
	rootCmd.AddCommand(tokensCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("autopress", version)
	},
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize configuration in ~/.config/autopress/",
	RunE: func(cmd *cobra.Command, args []string) error {
		target := filepath.Join(config.ConfigDir(), "config.yaml")
		if _, err := os.Stat(target); err == nil {
			fmt.Printf("Config already exists: %s\n", target)
			return nil
		}

		if err := os.MkdirAll(config.ConfigDir(), 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}

		if err := os.WriteFile(target, config.DefaultConfigYAML, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Printf("Created config: %s\n", target)
		fmt.Println("Edit it to configure the generation backend, SMTP relay and automation.")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show posts, tokens and automation status",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		now := time.Now()
		stats, err := a.db.GetStats(ctx, now)
		if err != nil {
			return fmt.Errorf("getting stats: %w", err)
		}
		auto, err := a.newScheduler(nil).Config(ctx)
		if err != nil {
			return err
		}

		fmt.Println("Posts:")
		fmt.Printf("  Drafts: %d\n", stats.Drafts)
		fmt.Printf("  Scheduled: %d\n", stats.Scheduled)
		fmt.Printf("  Published: %d\n", stats.Published)
		fmt.Printf("  AI generated: %d\n", stats.AIGenerated)
		fmt.Println("\nApproval tokens:")
		fmt.Printf("  Valid: %d\n", stats.ValidTokens)
		fmt.Println("\nAutomation:")
		printAutomation(auto, now)
		return nil
	},
}

// --- serve command ---

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler and the approval/automation HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		var runner scheduler.Runner
		cycle, err := a.newCycle(ctx)
		if err != nil {
			logger.Warn("generation disabled until restart", zap.Error(err))
			runner = unavailableRunner{err: err}
		} else {
			runner = cycle
		}

		sched := a.newScheduler(runner)
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		defer sched.Stop()

		srv, err := server.New(a.approvals, sched, logger.Named("http"))
		if err != nil {
			return err
		}

		port := cfg.Server.Port
		if cmd.Flags().Changed("port") {
			port = servePort
		}
		fmt.Println("Press Ctrl+C to stop")
		return srv.ListenAndServe(ctx, fmt.Sprintf("127.0.0.1:%d", port))
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 8000, "Port to run server on")
}

// --- trigger command ---

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Run one generation cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		cycle, err := a.newCycle(ctx)
		if err != nil {
			return err
		}

		if cfg.Scheduler.CycleTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.Scheduler.CycleTimeout)
			defer cancel()
		}

		result, err := a.newScheduler(cycle).Trigger(ctx)
		if errors.Is(err, scheduler.ErrAutomationDisabled) {
			return fmt.Errorf("%w; enable it with 'autopress automation set --enabled'", err)
		}
		if result != nil {
			for i, step := range result.Steps {
				fmt.Printf("\nStep %d/%d: %s\n", i+1, len(result.Steps), step.Name)
				if step.Err != nil {
					fmt.Printf("  Error: %v\n", step.Err)
				} else {
					fmt.Printf("  %s\n", step.Summary)
				}
			}
		}
		if err != nil {
			return err
		}
		fmt.Printf("\nDraft created in category %s.\n", result.Category)
		return nil
	},
}

// --- approve command ---

var approveCmd = &cobra.Command{
	Use:   "approve <postID> <token>",
	Short: "Publish a draft using its approval token",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		post, err := a.approvals.Consume(ctx, args[0], args[1])
		if errors.Is(err, approval.ErrInvalidToken) {
			return errors.New("approval token is invalid, expired or already used")
		}
		if err != nil {
			return err
		}
		fmt.Printf("Published %q as /%s\n", post.Title, post.Slug)
		return nil
	},
}

// --- reconcile command ---

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Publish scheduled posts that are due and purge expired tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		r, err := a.newScheduler(nil).Reconcile(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Scanned %d scheduled post(s): %d published, %d failed\n", r.Scanned, r.Published, r.Failed)
		fmt.Printf("Purged %d expired token(s)\n", r.Purged)
		return nil
	},
}

// --- automation command ---

var automationCmd = &cobra.Command{
	Use:   "automation",
	Short: "Show or change the automation settings",
}

var automationShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the automation settings",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		auto, err := a.newScheduler(nil).Config(ctx)
		if err != nil {
			return err
		}
		printAutomation(auto, time.Now())
		return nil
	},
}

var setFlags struct {
	enabled     bool
	cadence     string
	timeOfDay   string
	keywords    []string
	contentType string
	wordCount   int
	categories  []string
	adminEmail  string
}

var automationSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change automation settings; only the given flags are updated",
	RunE: func(cmd *cobra.Command, args []string) error {
		upd := automationUpdate(cmd)
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		auto, err := a.newScheduler(nil).UpdateConfig(ctx, upd)
		if err != nil {
			return err
		}
		fmt.Println("Automation settings saved. A running server re-arms its timer on restart,")
		fmt.Println("or immediately when changed through PUT /api/automation/config.")
		fmt.Println()
		printAutomation(*auto, time.Now())
		return nil
	},
}

// automationUpdate builds an update from the flags that were set.
func automationUpdate(cmd *cobra.Command) scheduler.ConfigUpdate {
	var upd scheduler.ConfigUpdate
	flags := cmd.Flags()
	if flags.Changed("enabled") {
		upd.Enabled = &setFlags.enabled
	}
	if flags.Changed("cadence") {
		upd.Cadence = &setFlags.cadence
	}
	if flags.Changed("time") {
		upd.TimeOfDay = &setFlags.timeOfDay
	}
	if flags.Changed("keywords") {
		upd.Keywords = append([]string{}, setFlags.keywords...)
	}
	if flags.Changed("content-type") {
		upd.ContentType = &setFlags.contentType
	}
	if flags.Changed("word-count") {
		upd.WordCount = &setFlags.wordCount
	}
	if flags.Changed("categories") {
		upd.Categories = append([]string{}, setFlags.categories...)
	}
	if flags.Changed("admin-email") {
		upd.AdminEmail = &setFlags.adminEmail
	}
	return upd
}

func init() {
	f := automationSetCmd.Flags()
	f.BoolVar(&setFlags.enabled, "enabled", false, "Enable or disable scheduled generation")
	f.StringVar(&setFlags.cadence, "cadence", "", "daily, twice-daily, weekly or monthly")
	f.StringVar(&setFlags.timeOfDay, "time", "", "Time of day as HH:MM in the scheduler timezone")
	f.StringSliceVar(&setFlags.keywords, "keywords", nil, "Comma-separated keywords; empty to clear")
	f.StringVar(&setFlags.contentType, "content-type", "", "Content type, e.g. article or tutorial")
	f.IntVar(&setFlags.wordCount, "word-count", 0, "Target word count")
	f.StringSliceVar(&setFlags.categories, "categories", nil, "Comma-separated categories; empty to clear")
	f.StringVar(&setFlags.adminEmail, "admin-email", "", "Address that receives approval requests")

	automationCmd.AddCommand(automationShowCmd)
	automationCmd.AddCommand(automationSetCmd)
}

func printAutomation(c database.AutomationConfig, now time.Time) {
	state := "disabled"
	if c.Enabled {
		state = "enabled"
	}
	fmt.Printf("  State: %s\n", state)
	fmt.Printf("  Cadence: %s at %s (%s)\n", c.Cadence, c.TimeOfDay, cfg.Scheduler.Location())
	fmt.Printf("  Content: %s, %d words\n", orDash(c.ContentType), c.WordCount)
	fmt.Printf("  Keywords: %s\n", orDash(strings.Join(c.Keywords, ", ")))
	fmt.Printf("  Categories: %s\n", orDash(strings.Join(c.Categories, ", ")))
	fmt.Printf("  Admin email: %s\n", orDash(c.AdminEmail))
	if c.Enabled {
		loc := cfg.Scheduler.Location()
		next := scheduler.DeriveRule(c.Cadence, c.TimeOfDay).Next(now, loc)
		fmt.Printf("  Next run: %s\n", next.In(loc).Format("2006-01-02 15:04 MST"))
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// --- tokens command ---

var tokensCmd = &cobra.Command{
	Use:   "tokens",
	Short: "Manage approval tokens",
}

var tokensPurgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Delete expired approval tokens",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		a, err := openApp(ctx)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.approvals.Purge(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("Purged %d expired token(s)\n", n)
		return nil
	},
}

func init() {
	tokensCmd.AddCommand(tokensPurgeCmd)
}
