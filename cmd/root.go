package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lepinkainen/humanlog"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/akorhonen/bibfill/internal/backfill"
	"github.com/akorhonen/bibfill/internal/book"
	"github.com/akorhonen/bibfill/internal/catalog"
	"github.com/akorhonen/bibfill/internal/config"
	"github.com/akorhonen/bibfill/internal/generate"
	"github.com/akorhonen/bibfill/internal/provider"
	"github.com/akorhonen/bibfill/internal/quota"
	"github.com/akorhonen/bibfill/internal/resolve"
)

// CLI represents the complete command structure for the bibfill application
type CLI struct {
	// Global flags
	Debug       bool   `help:"Enable debug logging"`
	DatabaseURL string `help:"Postgres connection string (overrides config)"`
	RedisAddr   string `help:"Redis address for quota counters (overrides config)"`

	// Cache flags
	CacheDBFile string `help:"Path to cache SQLite database file" default:"./cache.db"`

	Backfill BackfillCmd `cmd:"" help:"Run the backfill scheduler over a year range"`
	Sweep    SweepCmd    `cmd:"" help:"Revert stale unit claims to pending"`
	Status   StatusCmd   `cmd:"" help:"Show unit states and resolution counts"`
	Quota    QuotaCmd    `cmd:"" help:"Show per-provider quota usage"`
}

// BackfillCmd runs the scheduler until the range is drained or the process
// is interrupted.
type BackfillCmd struct {
	FromYear int  `help:"First publication year to backfill" required:""`
	ToYear   int  `help:"Last publication year to backfill" required:""`
	Once     bool `help:"Process at most one unit and exit"`
	DryRun   bool `help:"Use canned candidates and make no provider calls"`
}

// SweepCmd runs only the staleness sweep.
type SweepCmd struct {
	OlderThan time.Duration `help:"Claims older than this are reverted" default:"30m"`
}

// StatusCmd reports unit and log aggregates.
type StatusCmd struct {
	Year int `help:"Restrict the report to one publication year"`
}

// QuotaCmd reports metered provider usage.
type QuotaCmd struct{}

// Execute runs the Kong-based CLI
func Execute() {
	initLogging(false)
	initConfig()

	var cli CLI

	ctx := kong.Parse(&cli,
		kong.Name("bibfill"),
		kong.Description("Backfills historical book metadata through a quota-aware provider cascade."),
		kong.UsageOnError(),
	)

	updateGlobalConfig(&cli)
	if cli.Debug {
		initLogging(true)
	}

	err := ctx.Run()
	if err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

func initConfig() {
	// Enable environment variable support
	viper.AutomaticEnv()
	for key, env := range map[string]string{
		"openai.api_key":      "OPENAI_API_KEY",
		"isbndb.api_key":      "ISBNDB_API_KEY",
		"googlebooks.api_key": "GOOGLE_BOOKS_API_KEY",
		"database.url":        "DATABASE_URL",
		"redis.addr":          "REDIS_ADDR",
	} {
		if err := viper.BindEnv(key, env); err != nil {
			slog.Error("Failed to bind environment variable", "env", env, "error", err)
		}
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			slog.Info("Config file not found, writing default config file...")
			if err := viper.SafeWriteConfig(); err != nil {
				slog.Error("Error writing config file", "error", err)
			}
		} else {
			slog.Error("Fatal error config file", "error", err)
			os.Exit(1)
		}
	}

	// Initialize global config
	config.InitConfig()
}

func updateGlobalConfig(cli *CLI) {
	if cli.DatabaseURL != "" {
		viper.Set("database.url", cli.DatabaseURL)
		config.DatabaseURL = cli.DatabaseURL
	}
	if cli.RedisAddr != "" {
		viper.Set("redis.addr", cli.RedisAddr)
		config.RedisAddr = cli.RedisAddr
	}
	viper.Set("cache.dbfile", cli.CacheDBFile)
}

// openStores connects the unit store and catalog on one shared Postgres
// connection and ensures the schema exists.
func openStores(ctx context.Context) (*backfill.PGUnitStore, *catalog.Store, error) {
	units, err := backfill.NewPGUnitStore(config.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	if err := units.CreateTables(ctx); err != nil {
		_ = units.Close()
		return nil, nil, err
	}
	cat := catalog.NewStoreWithDB(units.DB())
	if err := cat.CreateTables(ctx); err != nil {
		_ = units.Close()
		return nil, nil, err
	}
	return units, cat, nil
}

func newQuotaManager() *quota.Manager {
	client := redis.NewClient(&redis.Options{Addr: config.RedisAddr})
	limits := map[string]quota.Limits{}
	for _, name := range []string{provider.NameISBNdb, provider.NameGoogleBooks} {
		limits[name] = quota.Limits{
			Daily:        config.DailyLimit(name),
			SafetyBuffer: config.SafetyBuffer(name),
		}
	}
	return quota.NewManager(client, limits)
}

func newRegistry(q *quota.Manager) *provider.Registry {
	return provider.NewRegistry(
		provider.NewISBNdb(q),
		provider.NewOpenLibrary(),
		provider.NewGoogleBooks(q),
		provider.NewWikidata(),
	)
}

func (b *BackfillCmd) Run() error {
	if b.FromYear > b.ToYear {
		return fmt.Errorf("--from-year %d is after --to-year %d", b.FromYear, b.ToYear)
	}
	config.SetDryRun(b.DryRun)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	units, cat, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = units.Close() }()

	if err := units.EnsureRange(ctx, b.FromYear, b.ToYear); err != nil {
		return err
	}

	var generator generate.Generator
	if b.DryRun {
		slog.Info("Dry run: using canned candidates, no provider calls")
		generator = &generate.Fixed{Candidates: []book.Candidate{
			{Author: "Homer", Title: "The Odyssey", ISBNs: []string{"9780140447934"}},
		}}
	} else {
		generator = generate.NewOpenAI(generate.OpenAIConfig{APIKey: config.OpenAIAPIKey})
	}

	q := newQuotaManager()
	var resolver backfill.Resolver
	if b.DryRun {
		resolver = resolve.New(provider.NewRegistry(), q, config.Workers())
	} else {
		resolver = resolve.New(newRegistry(q), q, config.Workers())
	}

	scheduler := backfill.NewScheduler(units, cat, generator, resolver)
	if b.Once {
		processed, err := scheduler.RunOnce(ctx)
		if err != nil {
			return err
		}
		if !processed {
			slog.Info("No pending units to process")
		}
		return nil
	}
	return scheduler.Run(ctx)
}

func (s *SweepCmd) Run() error {
	ctx := context.Background()
	units, _, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = units.Close() }()

	swept, err := units.SweepStale(ctx, s.OlderThan)
	if err != nil {
		return err
	}
	fmt.Printf("Reverted %d stale claim(s) to pending\n", swept)
	return nil
}

func (s *StatusCmd) Run() error {
	ctx := context.Background()
	units, cat, err := openStores(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = units.Close() }()

	stats, err := units.Stats(ctx, s.Year)
	if err != nil {
		return err
	}
	works, synthetic, err := cat.CountWorks(ctx, s.Year)
	if err != nil {
		return err
	}

	fmt.Printf("Units: %d total (%d pending, %d claimed, %d processing, %d completed, %d failed)\n",
		stats.Months(), stats.Pending, stats.Claimed, stats.Processing, stats.Completed, stats.Failed)
	fmt.Printf("Candidates: %d generated, %d resolved, %d unresolved\n",
		stats.Candidates, stats.Resolved, stats.Unresolved)
	fmt.Printf("Works: %d total, %d synthetic\n", works, synthetic)
	return nil
}

func (q *QuotaCmd) Run() error {
	ctx := context.Background()
	manager := newQuotaManager()

	for _, name := range manager.Providers() {
		usage, err := manager.CurrentUsage(ctx, name)
		if err != nil {
			return fmt.Errorf("reading usage for %s: %w", name, err)
		}
		fmt.Printf("%-12s %d/%d used (effective limit %d, committed %d, resets %s)\n",
			usage.Provider, usage.Used, usage.Limit, usage.Effective, usage.Committed,
			usage.ResetsAt.Format(time.RFC3339))
	}
	return nil
}

func initLogging(debug bool) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	// Create a human-readable handler for logging
	handler := humanlog.NewHandler(os.Stdout, &humanlog.Options{
		Level: level,
	})

	// Set the default logger
	slog.SetDefault(slog.New(handler))
}
