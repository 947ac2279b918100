package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/ReferralPipe/internal/api"
	"github.com/BTreeMap/ReferralPipe/internal/lockfile"
	"github.com/BTreeMap/ReferralPipe/internal/referrals"
	"github.com/BTreeMap/ReferralPipe/internal/runlock"
	"github.com/BTreeMap/ReferralPipe/internal/schedule"
	"github.com/BTreeMap/ReferralPipe/internal/scheduler"
	"github.com/BTreeMap/ReferralPipe/internal/store"
	"github.com/BTreeMap/ReferralPipe/internal/trace"
	"github.com/BTreeMap/ReferralPipe/internal/twiliosms"
	"github.com/BTreeMap/ReferralPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ReferralPipe state data
	DefaultStateDir = "/var/lib/referralpipe"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "referralpipe.db"
)

// Process exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	// exitBusy means another run held the lease; retry later.
	exitBusy = 75
)

func main() {
	initializeLogger()
	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(os.Args[1:], config)
	if err != nil {
		slog.Error("Invalid command line", "error", err)
		os.Exit(2)
	}
	if err := ensureDirectoriesExist(flags); err != nil {
		slog.Error("Failed to create required directories", "error", err)
		os.Exit(exitFailed)
	}
	os.Exit(run(flags, config))
}

// Config holds environment configuration
type Config struct {
	StateDir        string
	DatabaseURL     string
	RedisURL        string
	APIAddr         string
	RunSchedule     string
	LinkBaseURL     string
	CallbackBaseURL string
	CallFlowURL     string
	TwilioAuthToken string
	LockDelay       time.Duration
	LinkIDLength    int
	Windows         schedule.Windows
	IgnoreStatus    bool
}

// Flags holds command line flag values
type Flags struct {
	stateDir      *string
	dbDSN         *string
	apiAddr       *string
	schedule      *string
	runOnce       *bool
	referralID    *string
	traceFile     *string
	referralsFile *string
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	defaults := schedule.DefaultWindows()
	config := Config{
		StateDir:        os.Getenv("REFERRALPIPE_STATE_DIR"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		APIAddr:         os.Getenv("API_ADDR"),
		RunSchedule:     os.Getenv("RUN_SCHEDULE"),
		LinkBaseURL:     os.Getenv("CONTACT_LINK_BASE_URL"),
		CallbackBaseURL: os.Getenv("CALLBACK_BASE_URL"),
		CallFlowURL:     os.Getenv("TWILIO_CALL_FLOW_URL"),
		TwilioAuthToken: os.Getenv("TWILIO_AUTH_TOKEN"),
		LockDelay:       util.ParseDurationEnv("RUN_LOCK_DELAY", schedule.DefaultLockDelay),
		LinkIDLength:    util.ParseIntEnv("LINK_ID_LENGTH", schedule.DefaultLinkIDLength),
		IgnoreStatus:    util.ParseBoolEnv("IGNORE_STATUS_REQUIREMENT_FOR_UPDATE", false),
		Windows: schedule.Windows{
			MinHoursBeforeNextStage: time.Duration(util.ParseIntEnv("MIN_HOURS_BEFORE_NEXT_STAGE",
				int(defaults.MinHoursBeforeNextStage/time.Hour))) * time.Hour,
			MinHoursBeforeTextMessage3: time.Duration(util.ParseIntEnv("MIN_HOURS_BEFORE_TEXTMESSAGE3",
				int(defaults.MinHoursBeforeTextMessage3/time.Hour))) * time.Hour,
			MaxDaysSinceInitialContactForMessage3: time.Duration(util.ParseIntEnv("MAX_DAYS_SINCE_INITIAL_CONTACT_FOR_MESSAGE3",
				int(defaults.MaxDaysSinceInitialContactForMessage3/(24*time.Hour)))) * 24 * time.Hour,
		},
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No REFERRALPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.RunSchedule == "" {
		config.RunSchedule = api.DefaultRunSchedule
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"REFERRALPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", os.Getenv("DATABASE_URL") != "",
		"REDIS_URL_SET", config.RedisURL != "",
		"API_ADDR", config.APIAddr,
		"RUN_SCHEDULE", config.RunSchedule,
		"RUN_LOCK_DELAY", config.LockDelay,
		"IGNORE_STATUS_REQUIREMENT_FOR_UPDATE", config.IgnoreStatus,
		"TWILIO_AUTH_TOKEN_SET", config.TwilioAuthToken != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(args []string, config Config) (Flags, error) {
	fs := flag.NewFlagSet("ReferralPipe", flag.ContinueOnError)
	flags := Flags{
		stateDir:      fs.String("state-dir", config.StateDir, "state directory for ReferralPipe data (overrides $REFERRALPIPE_STATE_DIR)"),
		dbDSN:         fs.String("db-dsn", config.DatabaseURL, "SQLite path or PostgreSQL DSN (overrides $DATABASE_URL)"),
		apiAddr:       fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		schedule:      fs.String("schedule", config.RunSchedule, "cron schedule for contact scheduling runs (overrides $RUN_SCHEDULE)"),
		runOnce:       fs.Bool("run-once", false, "execute one contact scheduling run and exit"),
		referralID:    fs.String("referral-id", "", "limit -run-once to a single referral"),
		traceFile:     fs.String("trace-file", "", "apply a JSON array of trace results and exit"),
		referralsFile: fs.String("referrals-file", "", "import a JSON array of referrals and exit"),
	}
	if err := fs.Parse(args); err != nil {
		return flags, err
	}
	if *flags.referralID != "" && !*flags.runOnce {
		return flags, errors.New("-referral-id requires -run-once")
	}
	if err := scheduler.ValidateExpr(*flags.schedule); err != nil {
		return flags, err
	}

	// The default SQLite path follows a changed state directory.
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"schedule", *flags.schedule,
		"runOnce", *flags.runOnce,
		"referralID", *flags.referralID,
		"traceFile", *flags.traceFile,
		"referralsFile", *flags.referralsFile)
	return flags, nil
}

// batchMode reports whether the flags ask for one-off work instead of serving.
func (f Flags) batchMode() bool {
	return *f.runOnce || *f.traceFile != "" || *f.referralsFile != ""
}

// ensureDirectoriesExist creates the state directory and, for SQLite, the
// database directory.
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", *flags.stateDir, err)
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		return nil
	}
	dir := filepath.Dir(*flags.dbDSN)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory %s: %w", dir, err)
	}
	return nil
}

// buildStoreOptions constructs store configuration options
func buildStoreOptions(flags Flags) []store.Option {
	var storeOpts []store.Option
	if *flags.dbDSN == "" {
		return storeOpts
	}
	if store.DetectDSNType(*flags.dbDSN) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store", "dsn_set", true)
		storeOpts = append(storeOpts, store.WithPostgresDSN(*flags.dbDSN))
	} else {
		slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", *flags.dbDSN)
		storeOpts = append(storeOpts, store.WithSQLiteDSN(*flags.dbDSN))
	}
	return storeOpts
}

// buildAPIOptions constructs application configuration options
func buildAPIOptions(flags Flags, config Config) []api.Option {
	opts := []api.Option{
		api.WithRunSchedule(*flags.schedule),
		api.WithWindows(config.Windows),
		api.WithLockDelay(config.LockDelay),
		api.WithLinkIDLength(config.LinkIDLength),
		api.WithIgnoreStatusRequirement(config.IgnoreStatus),
		api.WithLinkBaseURL(config.LinkBaseURL),
	}
	if *flags.apiAddr != "" {
		opts = append(opts, api.WithAddr(*flags.apiAddr))
	}
	if config.RedisURL != "" {
		opts = append(opts, api.WithRedisURL(config.RedisURL))
	}
	if config.CallbackBaseURL != "" {
		opts = append(opts, api.WithCallbackBaseURL(config.CallbackBaseURL))
		if config.TwilioAuthToken != "" {
			opts = append(opts, api.WithWebhookToken(config.TwilioAuthToken))
		}
	}
	if config.CallFlowURL != "" {
		opts = append(opts, api.WithTwilioOptions(twiliosms.WithCallFlowURL(config.CallFlowURL)))
	}
	return opts
}

// run serves until signalled, or performs the requested batch work.
func run(flags Flags, config Config) int {
	storeOpts := buildStoreOptions(flags)
	apiOpts := buildAPIOptions(flags, config)

	if flags.batchMode() {
		return runBatch(context.Background(), flags, storeOpts, apiOpts)
	}

	lock, err := lockfile.AcquireLock(*flags.stateDir)
	if err != nil {
		slog.Error("Failed to lock state directory", "error", err)
		return exitFailed
	}
	defer lock.Release()

	slog.Info("Bootstrapping ReferralPipe", "state_dir", *flags.stateDir, "api_addr", *flags.apiAddr, "schedule", *flags.schedule)
	if err := api.Run(storeOpts, apiOpts...); err != nil {
		slog.Error("ReferralPipe failed to run", "error", err)
		return exitFailed
	}
	slog.Info("ReferralPipe exited successfully")
	return exitOK
}

// runBatch imports referrals, applies trace results and runs scheduling, in
// that order, for whichever of them the flags request.
func runBatch(ctx context.Context, flags Flags, storeOpts []store.Option, apiOpts []api.Option) int {
	app, err := api.NewApp(ctx, storeOpts, apiOpts...)
	if err != nil {
		slog.Error("Failed to start ReferralPipe", "error", err)
		return exitFailed
	}
	defer app.Close()

	if *flags.referralsFile != "" {
		inputs, err := readJSONFile[referrals.Input](*flags.referralsFile)
		if err != nil {
			slog.Error("Failed to read referrals file", "error", err)
			return exitFailed
		}
		created, rejected, err := app.Import(ctx, inputs)
		if err != nil {
			slog.Error("Referral import failed", "error", err, "created", created)
			return exitFailed
		}
		slog.Info("Referral import finished", "created", created, "rejected", rejected)
	}

	if *flags.traceFile != "" {
		results, err := readJSONFile[trace.TraceResult](*flags.traceFile)
		if err != nil {
			slog.Error("Failed to read trace file", "error", err)
			return exitFailed
		}
		sum, err := app.Trace(ctx, results)
		if err != nil {
			slog.Error("Trace batch rejected", "error", err)
			return exitFailed
		}
		slog.Info("Trace batch applied", "traced", sum.Traced, "untraced", sum.Untraced, "duplicates", sum.Duplicates)
	}

	if *flags.runOnce {
		n, err := app.RunOnce(ctx, schedule.Scope{ReferralID: *flags.referralID})
		if errors.Is(err, runlock.ErrAlreadyRunning) {
			slog.Warn("Contact scheduling run already in progress", "error", err)
			return exitBusy
		}
		if err != nil {
			slog.Error("Contact scheduling run failed", "error", err)
			return exitFailed
		}
		slog.Info("Contact scheduling run finished", "scheduled", n)
	}
	return exitOK
}

// readJSONFile decodes a JSON array of T from path.
func readJSONFile[T any](path string) ([]T, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var items []T
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return items, nil
}
