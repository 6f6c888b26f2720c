package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/ConvoPilot/ConvoPilot/internal/api"
	"github.com/ConvoPilot/ConvoPilot/internal/events"
	"github.com/ConvoPilot/ConvoPilot/internal/flow"
	"github.com/ConvoPilot/ConvoPilot/internal/genai"
	"github.com/ConvoPilot/ConvoPilot/internal/lockfile"
	"github.com/ConvoPilot/ConvoPilot/internal/maintenance"
	"github.com/ConvoPilot/ConvoPilot/internal/messaging"
	"github.com/ConvoPilot/ConvoPilot/internal/models"
	"github.com/ConvoPilot/ConvoPilot/internal/pipeline"
	"github.com/ConvoPilot/ConvoPilot/internal/ratelimit"
	"github.com/ConvoPilot/ConvoPilot/internal/resolver"
	"github.com/ConvoPilot/ConvoPilot/internal/scheduler"
	"github.com/ConvoPilot/ConvoPilot/internal/store"
	"github.com/ConvoPilot/ConvoPilot/internal/twiliowhatsapp"
	"github.com/ConvoPilot/ConvoPilot/internal/util"
	"github.com/ConvoPilot/ConvoPilot/internal/whatsapp"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ConvoPilot state data
	DefaultStateDir = "/var/lib/convopilot"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "convopilot.db"
	// DefaultSweepCron runs the stale conversation sweep every 30 minutes
	DefaultSweepCron = "*/30 * * * *"
)

func main() {
	initializeLogger()

	config := loadEnvironmentConfig()
	flags := parseCommandLineFlags(config)

	if err := run(config, flags); err != nil {
		slog.Error("ConvoPilot failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ConvoPilot exited successfully")
}

// Config holds environment configuration
type Config struct {
	DatabaseURL string
	StateDir    string
	OpenAIKey   string
	APIAddr     string
	Provider    string
	SweepCron   string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput  *string
	numeric   *bool
	stateDir  *string
	dbDSN     *string
	openaiKey *string
	apiAddr   *string
	provider  *string
	sweepCron *string
}

// initializeLogger sets up structured logging
func initializeLogger() {
	level := slog.LevelInfo
	if util.ParseBoolEnv("CONVOPILOT_DEBUG", false) {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	config := Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		StateDir:    os.Getenv("CONVOPILOT_STATE_DIR"),
		OpenAIKey:   os.Getenv("OPENAI_API_KEY"),
		APIAddr:     os.Getenv("API_ADDR"),
		Provider:    os.Getenv("MESSAGING_PROVIDER"),
		SweepCron:   os.Getenv("SWEEP_SCHEDULE"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}
	if config.SweepCron == "" {
		config.SweepCron = DefaultSweepCron
	}

	slog.Debug("environment variables loaded",
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"CONVOPILOT_STATE_DIR", config.StateDir,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"API_ADDR", config.APIAddr,
		"MESSAGING_PROVIDER", config.Provider,
		"SWEEP_SCHEDULE", config.SweepCron)
	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	flags := Flags{
		qrOutput:  flag.String("qr-output", "", "path to write login QR code"),
		numeric:   flag.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:  flag.String("state-dir", config.StateDir, "state directory for ConvoPilot data (overrides $CONVOPILOT_STATE_DIR)"),
		dbDSN:     flag.String("db-dsn", config.DatabaseURL, "database DSN (overrides $DATABASE_URL)"),
		openaiKey: flag.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		apiAddr:   flag.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		provider:  flag.String("provider", config.Provider, "messaging provider: whatsapp or twilio (overrides $MESSAGING_PROVIDER)"),
		sweepCron: flag.String("sweep-cron", config.SweepCron, "cron schedule for the stale conversation sweep (overrides $SWEEP_SCHEDULE)"),
	}
	flag.Parse()

	// A custom state directory moves the default SQLite file along with it.
	if *flags.dbDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
	}
	return flags
}

// run wires all modules together and serves until interrupted.
func run(config Config, flags Flags) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// File-based deployments get an exclusive state directory lock so two
	// instances never share one SQLite database.
	if store.DetectDSNType(*flags.dbDSN) != "postgres" {
		lock, err := lockfile.AcquireLock(*flags.stateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	st, err := openStore(*flags.dbDSN)
	if err != nil {
		return err
	}
	defer st.Close()

	tracker := events.NewStoreTracker(st)
	limiter := ratelimit.NewLimiter(ratelimitOptions()...)
	engine := flow.NewEngine(st)
	res := resolver.NewResolver(st)

	pipeOpts := []pipeline.Option{pipeline.WithTracker(tracker)}
	if *flags.openaiKey != "" {
		client, err := genai.NewOpenAIClient(genai.WithAPIKey(*flags.openaiKey))
		if err != nil {
			return err
		}
		pipeOpts = append(pipeOpts, pipeline.WithClassifier(genai.NewBridge(client)))
	} else {
		slog.Warn("No OpenAI API key configured, AI takeover disabled")
	}

	service, apiOpts, err := buildMessaging(flags)
	if err != nil {
		return err
	}
	pipeOpts = append(pipeOpts, pipeline.WithSender(serviceSender{service}))

	pipe := pipeline.NewPipeline(st, res, engine, limiter, pipeOpts...)

	if err := service.Start(ctx); err != nil {
		return err
	}
	defer service.Stop()
	go consumeInbound(ctx, pipe, service)

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	sweeper := maintenance.NewSweeper(st,
		maintenance.WithMaxIdle(util.ParseDurationEnv("SWEEP_MAX_IDLE", maintenance.DefaultMaxIdle)),
		maintenance.WithTracker(tracker))
	if err := sched.AddJob(*flags.sweepCron, func() {
		if _, err := sweeper.Sweep(context.Background()); err != nil {
			slog.Error("Scheduled sweep failed", "error", err)
		}
	}); err != nil {
		return err
	}

	if *flags.apiAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(*flags.apiAddr))
	}
	srv := api.NewServer(pipe, st, apiOpts...)

	slog.Info("Bootstrapping ConvoPilot", "provider", providerName(flags), "addr", *flags.apiAddr)
	return srv.Run(ctx)
}

// openStore picks the backend matching the DSN.
func openStore(dsn string) (store.Store, error) {
	if store.DetectDSNType(dsn) == "postgres" {
		slog.Debug("Detected PostgreSQL DSN, configuring PostgreSQL store")
		return store.NewPostgresStore(store.WithPostgresDSN(dsn))
	}
	slog.Debug("Detected SQLite DSN, configuring SQLite store", "db_path", dsn)
	return store.NewSQLiteStore(store.WithSQLiteDSN(dsn))
}

// ratelimitOptions reads limiter overrides from the environment.
func ratelimitOptions() []ratelimit.Option {
	var opts []ratelimit.Option
	if quota := util.ParseIntEnv("SOURCE_MESSAGE_QUOTA", 0); quota > 0 {
		opts = append(opts, ratelimit.WithSourceQuota(quota))
	}
	if quota := util.ParseIntEnv("USER_MESSAGE_QUOTA", 0); quota > 0 {
		opts = append(opts, ratelimit.WithUserQuota(quota))
	}
	if window := util.ParseDurationEnv("RATE_LIMIT_WINDOW", 0); window > 0 {
		opts = append(opts, ratelimit.WithWindow(window))
	}
	return opts
}

func providerName(flags Flags) string {
	if *flags.provider == "twilio" {
		return "twilio"
	}
	return "whatsapp"
}

// buildMessaging constructs the outbound delivery service for the configured
// provider, plus any provider webhook routes the API server must mount.
func buildMessaging(flags Flags) (messaging.Service, []api.Option, error) {
	if providerName(flags) == "twilio" {
		client, err := twiliowhatsapp.NewClient()
		if err != nil {
			return nil, nil, err
		}
		service := messaging.NewTwilioService(client)
		return service, []api.Option{api.WithProviderWebhook("/twilio/webhook", service.TwilioWebhookHandler)}, nil
	}

	var waOpts []whatsapp.Option
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.dbDSN))
	client, err := whatsapp.NewClient(waOpts...)
	if err != nil {
		return nil, nil, err
	}
	return messaging.NewWhatsAppService(client), nil, nil
}

// consumeInbound feeds provider-pushed messages through the pipeline. Replies
// travel through the pipeline's sender, so payloads returned here are dropped.
func consumeInbound(ctx context.Context, pipe *pipeline.Pipeline, service messaging.Service) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-service.Inbound():
			if !ok {
				return
			}
			if _, err := pipe.Handle(ctx, msg); err != nil {
				slog.Error("Inbound message handling failed", "error", err, "sender", msg.Sender)
			}
		}
	}
}

// serviceSender adapts a messaging service to the pipeline's sender interface.
type serviceSender struct {
	service messaging.Service
}

func (s serviceSender) Send(ctx context.Context, to string, payload models.ResponsePayload) error {
	return s.service.SendPayload(ctx, to, payload)
}
