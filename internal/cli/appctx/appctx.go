// Package appctx provides a shared bootstrap helper for CLI commands.
// It centralizes config loading, logger construction, journal opening and
// session setup to reduce boilerplate across commands.
package appctx

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lherron/dhismig/internal/config"
	"github.com/lherron/dhismig/internal/conflicts"
	"github.com/lherron/dhismig/internal/db"
	"github.com/lherron/dhismig/internal/ledger"
	"github.com/lherron/dhismig/internal/logging"
	"github.com/lherron/dhismig/internal/metrics"
	"github.com/lherron/dhismig/internal/migrate"
	"github.com/lherron/dhismig/internal/render"
	"github.com/lherron/dhismig/internal/resolve"
	"github.com/lherron/dhismig/internal/restructure"
	"github.com/lherron/dhismig/internal/session"
	"github.com/lherron/dhismig/internal/store"
	"github.com/lherron/dhismig/internal/values"
)

// App holds the shared application context for commands.
type App struct {
	// Config is the loaded configuration
	Config *config.Config

	// Logger is the structured logger; never nil
	Logger *zap.Logger

	// DB and Store are the run journal (nil if NeedsJournal is false)
	DB    *db.DB
	Store *store.Store

	// API talks to the configured instances (nil if NeedsAPI is false)
	API *session.Manager
}

// Close releases resources held by the App and flushes metrics.
// Safe to call multiple times.
func (a *App) Close() {
	if a.Config != nil && a.Config.MetricsFile != "" {
		if err := metrics.WriteTextfile(a.Config.MetricsFile); err != nil && a.Logger != nil {
			a.Logger.Warn("metrics not written", zap.Error(err))
		}
	}
	if a.DB != nil {
		a.DB.Close()
		a.DB = nil
		a.Store = nil
	}
	if a.Logger != nil {
		_ = a.Logger.Sync()
	}
}

// Options configures the bootstrap behavior.
type Options struct {
	// NeedsJournal opens the run journal, creating it on first use.
	NeedsJournal bool

	// NeedsAPI validates the configuration and builds the HTTP sessions.
	NeedsAPI bool
}

// Full returns options for commands that talk to DHIS2 and journal runs.
func Full() Options {
	return Options{NeedsJournal: true, NeedsAPI: true}
}

// RunFunc is the signature for command run functions.
type RunFunc func(app *App, cmd *cobra.Command, args []string) error

// WithApp wraps a command's run function with shared bootstrap logic.
// The App is closed automatically when the wrapped function returns.
func WithApp(opts Options, fn RunFunc) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, args []string) error {
		app, err := Bootstrap(cmd, opts)
		if err != nil {
			return err
		}
		defer app.Close()

		return fn(app, cmd, args)
	}
}

func flagString(cmd *cobra.Command, name string) string {
	if f := cmd.Flag(name); f != nil {
		return f.Value.String()
	}
	return ""
}

// Bootstrap initializes the App according to the given options.
// Callers are responsible for calling App.Close() when done.
func Bootstrap(cmd *cobra.Command, opts Options) (*App, error) {
	app := &App{}

	cfg, err := config.Load(flagString(cmd, "config"))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if v := flagString(cmd, "journal"); v != "" {
		cfg.JournalPath = v
	}
	if v := flagString(cmd, "log-level"); v != "" {
		cfg.LogLevel = v
	}
	if v := flagString(cmd, "output"); v != "" {
		cfg.Output = v
	}
	app.Config = cfg

	logger, err := logging.New(logging.Options{Level: cfg.LogLevel, File: cfg.LogFile, Console: true})
	if err != nil {
		return nil, err
	}
	app.Logger = logger

	if opts.NeedsAPI {
		if err := cfg.Validate(); err != nil {
			app.Close()
			return nil, err
		}
		api, err := session.New(Endpoints(cfg), SessionOptions(cfg), logger.Named("session"))
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("failed to set up sessions: %w", err)
		}
		app.API = api
	}

	if opts.NeedsJournal {
		database, err := OpenJournal(cfg.JournalPath)
		if err != nil {
			app.Close()
			return nil, err
		}
		app.DB = database
		app.Store = store.New(database)
	}

	return app, nil
}

// OpenJournal opens the journal at path. A journal without any schema is
// initialized; a partially migrated one is rejected.
func OpenJournal(path string) (*db.DB, error) {
	database, err := db.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	applied, _, err := database.MigrationStatus()
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to check migration status: %w", err)
	}
	if len(applied) == 0 {
		if err := database.Migrate(); err != nil {
			database.Close()
			return nil, fmt.Errorf("failed to initialize journal: %w", err)
		}
	}
	if err := database.RequiresMigrationError(); err != nil {
		database.Close()
		return nil, err
	}
	return database, nil
}

// Endpoints maps the configured instances onto session sides.
func Endpoints(cfg *config.Config) map[session.Side]session.Endpoint {
	out := map[session.Side]session.Endpoint{
		session.Source:      endpoint(cfg.Source),
		session.Destination: endpoint(cfg.Destination),
	}
	if cfg.Reference.Configured() {
		out[session.Reference] = endpoint(cfg.Reference)
	}
	return out
}

func endpoint(e config.Endpoint) session.Endpoint {
	return session.Endpoint{BaseURL: e.URL, Username: e.Username, Password: e.Password}
}

// SessionOptions returns the HTTP tuning of cfg.
func SessionOptions(cfg *config.Config) session.Options {
	return session.Options{
		MetadataTimeout:   cfg.MetadataTimeout,
		ValuesTimeout:     cfg.ValuesTimeout,
		RequestsPerSecond: cfg.RequestsPerSecond,
	}
}

// Ledger returns the artifact files named by cfg.
func Ledger(cfg *config.Config) *ledger.Ledger {
	l := ledger.New(cfg.ConflictsFile, cfg.RenamesFile, cfg.PostedFile)
	l.ProblemsPath = cfg.ProblemsFile
	return l
}

// ConflictOptions returns the remediation settings of cfg.
func ConflictOptions(cfg *config.Config) conflicts.Options {
	return conflicts.Options{ExcludeOptions: cfg.ExcludeOptions, AllowList: cfg.AllowList}
}

// YearPlan returns the value windows selected by cfg.
func YearPlan(cfg *config.Config) values.YearPlan {
	return values.YearPlan{
		Specific: cfg.Years.Specific,
		Back:     cfg.Years.Back,
		Months:   cfg.Years.MonthList(),
		Days:     cfg.Years.Days,
	}
}

// MigrateOptions converts cfg into driver options.
func MigrateOptions(cfg *config.Config) (migrate.Options, error) {
	mode, err := restructure.ParseMode(cfg.RestructureMode)
	if err != nil {
		return migrate.Options{}, err
	}
	return migrate.Options{
		DatasetName:      cfg.DatasetName,
		GroupName:        cfg.GroupName,
		ElementSuffix:    cfg.ElementSuffix,
		NameAttribute:    cfg.NameAttribute,
		ProgramAttribute: cfg.ProgramAttribute,
		ProgramValue:     cfg.ProgramValue,
		SkipRestructure:  cfg.SkipRestructure,
		SkipValues:       !cfg.ProcessValues,
		SpecificCOCs:     cfg.SpecificCOCs,
		Mode:             mode,
		Years:            YearPlan(cfg),
		Now:              time.Now,
		Resolve: resolve.Options{
			Lookup:               session.Side(cfg.LookupSide),
			MaxDisambiguation:    cfg.MaxDisambiguation,
			DatasetPeriodType:    cfg.DatasetPeriodType,
			DatasetCategoryCombo: cfg.DatasetCategoryCombo,
		},
		Values: values.Options{
			OrgUnitGroup: cfg.OrgUnitGroup,
			BatchSize:    cfg.BatchSize,
			MaxAttempts:  cfg.MaxAttempts,
		},
	}, nil
}

// Renderer returns a renderer for the configured output format.
func (a *App) Renderer(cmd *cobra.Command) (*render.Renderer, error) {
	format, err := render.ParseFormat(a.Config.Output)
	if err != nil {
		return nil, err
	}
	return render.NewRenderer(cmd.OutOrStdout(), format), nil
}

// Context returns the command context, or a background one.
func Context(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
