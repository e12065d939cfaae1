package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/LSQPipe/internal/contacts"
	"github.com/BTreeMap/LSQPipe/internal/distribution"
	"github.com/BTreeMap/LSQPipe/internal/engine"
	"github.com/BTreeMap/LSQPipe/internal/epds"
	"github.com/BTreeMap/LSQPipe/internal/lockfile"
	"github.com/BTreeMap/LSQPipe/internal/messaging"
	"github.com/BTreeMap/LSQPipe/internal/models"
	"github.com/BTreeMap/LSQPipe/internal/redcap"
	"github.com/BTreeMap/LSQPipe/internal/registry"
	"github.com/BTreeMap/LSQPipe/internal/scheduler"
	"github.com/BTreeMap/LSQPipe/internal/store"
	"github.com/BTreeMap/LSQPipe/internal/twiliosms"
	"github.com/BTreeMap/LSQPipe/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for LSQPipe state data
	DefaultStateDir = "/var/lib/lsqpipe"
	// DefaultDBFileName is the default SQLite tracking database filename
	DefaultDBFileName = "tracking.db"
)

func main() {
	config := loadEnvironmentConfig()

	flags, err := parseCommandLineFlags(flag.CommandLine, os.Args[1:], config)
	if err != nil {
		os.Exit(2)
	}
	initializeLogger(*flags.logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, config, flags); err != nil {
		slog.Error("LSQPipe failed", "error", err)
		os.Exit(1)
	}
	slog.Info("LSQPipe exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir    string
	DatabaseURL string
	LogLevel    string

	RedcapURL    string
	RedcapTokens map[models.Version]string

	ContactsXLSX  string
	ContactsSheet string
	LinksCSV      string
	StudyPrefix   string
	StudyContact  string

	SMTPAddr     string
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	SentOnBehalf string
	ArchiveBcc   string

	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFrom       string

	Schedule     string
	Distribution distribution.Config
	// StudyStartErr is set when STUDY_START could not be parsed.
	StudyStartErr error
}

// Flags holds command line flag values
type Flags struct {
	stateDir *string
	dbDSN    *string
	contacts *string
	links    *string
	schedule *string
	logLevel *string
	dryRun   *bool
	serve    *bool
}

// initializeLogger installs a text handler at the requested level
func initializeLogger(level string) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:    os.Getenv("LSQPIPE_STATE_DIR"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		LogLevel:    os.Getenv("LSQPIPE_LOG_LEVEL"),
		RedcapURL:   os.Getenv("REDCAP_API_URL"),
		RedcapTokens: map[models.Version]string{
			models.LSQ1: os.Getenv("REDCAP_TOKEN_LSQ1"),
			models.LSQ2: os.Getenv("REDCAP_TOKEN_LSQ2"),
			models.LSQ3: os.Getenv("REDCAP_TOKEN_LSQ3"),
		},
		ContactsXLSX:     os.Getenv("CONTACTS_XLSX"),
		ContactsSheet:    envOr("CONTACTS_SHEET", contacts.DefaultSheet),
		LinksCSV:         os.Getenv("LINKS_CSV"),
		StudyPrefix:      envOr("STUDY_ID_PREFIX", contacts.DefaultStudyPrefix),
		StudyContact:     envOr("STUDY_CONTACT", messaging.DefaultStudyContact),
		SMTPAddr:         os.Getenv("SMTP_ADDR"),
		SMTPUsername:     os.Getenv("SMTP_USERNAME"),
		SMTPPassword:     os.Getenv("SMTP_PASSWORD"),
		SMTPFrom:         os.Getenv("SMTP_FROM"),
		SentOnBehalf:     os.Getenv("SENT_ON_BEHALF"),
		ArchiveBcc:       os.Getenv("ARCHIVE_BCC"),
		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFrom:       os.Getenv("TWILIO_FROM_NUMBER"),
		Schedule:         envOr("DISTRIBUTION_SCHEDULE", scheduler.DefaultSchedule),
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No LSQPIPE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No database DSN provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	config.Distribution, config.StudyStartErr = loadDistributionConfig()

	slog.Debug("environment variables loaded",
		"LSQPIPE_STATE_DIR", config.StateDir,
		"DATABASE_URL_SET", config.DatabaseURL != "",
		"REDCAP_API_URL_SET", config.RedcapURL != "",
		"CONTACTS_XLSX", config.ContactsXLSX,
		"LINKS_CSV", config.LinksCSV,
		"SMTP_ADDR", config.SMTPAddr,
		"TWILIO_ACCOUNT_SID_SET", config.TwilioAccountSID != "",
		"DISTRIBUTION_SCHEDULE", config.Schedule)

	return config
}

// loadDistributionConfig reads the study thresholds, exclusion switches and staff
// addresses.
func loadDistributionConfig() (distribution.Config, error) {
	cfg := distribution.DefaultConfig()
	cfg.Engine = engine.NewConfig(
		engine.WithFollowupDays(util.ParseIntEnv("LSQ_FOLLOWUP_DAYS", engine.DefaultFollowupDays)),
		engine.WithGestationalDays(models.LSQ1, util.ParseIntEnv("LSQ1_GA_DAYS", engine.DefaultLSQ1Days)),
		engine.WithGestationalDays(models.LSQ2, util.ParseIntEnv("LSQ2_GA_DAYS", engine.DefaultLSQ2Days)),
		engine.WithGestationalDays(models.LSQ3, util.ParseIntEnv("LSQ3_GA_DAYS", engine.DefaultLSQ3Days)),
		engine.WithDeliveryDays(models.LSQ3, util.ParseIntEnv("LSQ3_DELIVERY_DAYS", engine.DefaultDeliveryDays)),
	)

	rules := registry.DefaultExclusionRules()
	cfg.Exclusions = registry.ExclusionRules{
		PreviousParticipant: util.ParseBoolEnv("EXCLUDE_PREVIOUS", rules.PreviousParticipant),
		MultipleGestation:   util.ParseBoolEnv("EXCLUDE_MULTIPLE", rules.MultipleGestation),
		NoUse:               util.ParseBoolEnv("EXCLUDE_NO_USE", rules.NoUse),
		NoContact:           util.ParseBoolEnv("EXCLUDE_NO_CONTACT", rules.NoContact),
		NoAccess:            util.ParseBoolEnv("EXCLUDE_NO_ACCESS", rules.NoAccess),
		FetalDemise:         util.ParseBoolEnv("EXCLUDE_FETAL_DEMISE", rules.FetalDemise),
		NeonatalDeath:       util.ParseBoolEnv("EXCLUDE_NEONATAL_DEATH", rules.NeonatalDeath),
		MissingContact:      util.ParseBoolEnv("EXCLUDE_MISSING_CONTACT", rules.MissingContact),
	}

	cfg.EPDSCutoff = util.ParseIntEnv("EPDS_CUTOFF", epds.DefaultCutoff)
	cfg.SendDelay = util.ParseDurationEnv("SEND_DELAY", distribution.DefaultSendDelay)
	cfg.NotificationEmail = os.Getenv("NOTIFICATION_EMAIL")
	cfg.EPDSFollowupEmail = os.Getenv("EPDS_FOLLOWUP_EMAIL")
	cfg.StaffSMSNumbers = os.Getenv("STAFF_SMS_NUMBERS")

	if raw := os.Getenv("STUDY_START"); raw != "" {
		start, err := models.ParseDate(raw)
		if err != nil || !start.IsValid() {
			return cfg, &models.ConfigError{Key: "STUDY_START", Err: fmt.Errorf("invalid date %q", raw)}
		}
		cfg.StudyStart = start
	}
	return cfg, nil
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(fs *flag.FlagSet, args []string, config Config) (Flags, error) {
	flags := Flags{
		stateDir: fs.String("state-dir", config.StateDir, "state directory for the lock file and default database (overrides $LSQPIPE_STATE_DIR)"),
		dbDSN:    fs.String("db-dsn", config.DatabaseURL, "tracking database: SQLite path or PostgreSQL DSN (overrides $DATABASE_URL)"),
		contacts: fs.String("contacts", config.ContactsXLSX, "participant contact spreadsheet (overrides $CONTACTS_XLSX)"),
		links:    fs.String("links", config.LinksCSV, "survey link and password CSV (overrides $LINKS_CSV)"),
		schedule: fs.String("schedule", config.Schedule, "cron schedule used with -serve (overrides $DISTRIBUTION_SCHEDULE)"),
		logLevel: fs.String("log-level", config.LogLevel, "log level: debug, info, warn or error (overrides $LSQPIPE_LOG_LEVEL)"),
		dryRun:   fs.Bool("dry-run", false, "compute and report statuses without sending or recording anything; the database is opened read-only"),
		serve:    fs.Bool("serve", false, "keep running and distribute on the cron schedule"),
	}
	if err := fs.Parse(args); err != nil {
		return flags, err
	}

	// Follow -state-dir when the database was only defaulted from the old state directory.
	defaultDSN := filepath.Join(config.StateDir, DefaultDBFileName)
	if *flags.dbDSN == config.DatabaseURL && config.DatabaseURL == defaultDSN && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"contacts", *flags.contacts,
		"links", *flags.links,
		"schedule", *flags.schedule,
		"dryRun", *flags.dryRun,
		"serve", *flags.serve)
	return flags, nil
}

// run validates the configuration, opens the collaborators and performs one
// distribution, or serves scheduled ones until ctx is cancelled.
func run(ctx context.Context, config Config, flags Flags) error {
	if err := validateConfig(config, flags); err != nil {
		return err
	}

	mode := "run"
	if *flags.serve {
		mode = "serve"
	}
	return lockfile.WithLock(*flags.stateDir, mode, func() error {
		a, err := newApp(config, flags)
		if err != nil {
			return err
		}
		defer a.Close()

		if !*flags.serve {
			return a.distribute(ctx)
		}

		s := scheduler.NewScheduler(ctx, time.Local)
		defer s.Stop()
		if _, err := s.AddJob(*flags.schedule, "weekly distribution", a.distribute); err != nil {
			return &models.ConfigError{Key: "DISTRIBUTION_SCHEDULE", Err: err}
		}
		slog.Info("LSQPipe serving scheduled distributions", "schedule", *flags.schedule)
		<-ctx.Done()
		slog.Info("LSQPipe shutting down")
		return nil
	})
}

// validateConfig reports configuration errors before anything is opened or sent.
func validateConfig(config Config, flags Flags) error {
	if config.StudyStartErr != nil {
		return config.StudyStartErr
	}
	cfg := config.Distribution
	cfg.DryRun = *flags.dryRun
	if err := cfg.Validate(); err != nil {
		return err
	}
	if *flags.contacts == "" {
		return &models.ConfigError{Key: "CONTACTS_XLSX", Err: errors.New("not set")}
	}
	if *flags.links == "" {
		return &models.ConfigError{Key: "LINKS_CSV", Err: errors.New("not set")}
	}
	if config.RedcapURL != "" {
		for _, v := range models.Versions {
			if config.RedcapTokens[v] == "" {
				return &models.ConfigError{Key: fmt.Sprintf("REDCAP_TOKEN_%s", v), Err: errors.New("not set while REDCAP_API_URL is set")}
			}
		}
	}
	if *flags.serve {
		if err := scheduler.ValidateSpec(*flags.schedule); err != nil {
			return &models.ConfigError{Key: "DISTRIBUTION_SCHEDULE", Err: err}
		}
	}
	return nil
}

// app holds the collaborators shared by every distribution of the process.
type app struct {
	config   Config
	flags    Flags
	store    store.Store
	source   distribution.CompletionSource
	email    messaging.Service
	sms      messaging.Service
	composer *messaging.Composer
}

func newApp(config Config, flags Flags) (*app, error) {
	a := &app{config: config, flags: flags, composer: messaging.NewComposer(config.StudyContact)}

	var err error
	if *flags.dryRun {
		a.email = messaging.LogService{}
	} else if a.email, err = messaging.NewEmailService(buildEmailOptions(config)...); err != nil {
		return nil, err
	}

	if config.RedcapURL == "" {
		slog.Warn("REDCAP_API_URL not set; no questionnaire will be treated as completed")
	} else {
		client, err := redcap.NewClient(buildRedcapOptions(config)...)
		if err != nil {
			return nil, err
		}
		a.source = client
	}

	if config.TwilioAccountSID != "" && config.Distribution.StaffSMSNumbers != "" && !*flags.dryRun {
		client, err := twiliosms.NewClient(
			twiliosms.WithAccountSID(config.TwilioAccountSID),
			twiliosms.WithAuthToken(config.TwilioAuthToken),
			twiliosms.WithFrom(config.TwilioFrom))
		if err != nil {
			return nil, &models.ConfigError{Key: "TWILIO_ACCOUNT_SID", Err: err}
		}
		a.sms = messaging.NewTwilioService(client)
	}

	var storeOpts []store.Option
	if *flags.dryRun {
		storeOpts = append(storeOpts, store.WithReadOnly())
	}
	if a.store, err = store.New(*flags.dbDSN, storeOpts...); err != nil {
		return nil, err
	}
	return a, nil
}

// distribute loads the contact directory afresh and performs one run.
func (a *app) distribute(ctx context.Context) error {
	dir, err := contacts.Load(*a.flags.contacts, a.config.ContactsSheet, a.config.StudyPrefix, *a.flags.links)
	if err != nil {
		return err
	}

	cfg := a.config.Distribution
	cfg.DryRun = *a.flags.dryRun
	opts := []distribution.Option{distribution.WithConfig(cfg), distribution.WithComposer(a.composer)}
	if a.sms != nil {
		opts = append(opts, distribution.WithSMS(a.sms))
	}
	report, err := distribution.NewRunner(a.store, a.source, dir, a.email, opts...).Run(ctx)
	if report != nil {
		logReport(report)
	}
	return err
}

func (a *app) Close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("failed to close tracking store", "error", err)
		}
	}
}

// buildEmailOptions constructs SMTP configuration options
func buildEmailOptions(config Config) []messaging.EmailOption {
	opts := []messaging.EmailOption{
		messaging.WithSMTPAddr(config.SMTPAddr),
		messaging.WithFrom(config.SMTPFrom),
	}
	if config.SMTPUsername != "" {
		opts = append(opts, messaging.WithSMTPAuth(config.SMTPUsername, config.SMTPPassword))
	}
	if config.SentOnBehalf != "" {
		opts = append(opts, messaging.WithOnBehalfOf(config.SentOnBehalf))
	}
	if config.ArchiveBcc != "" {
		opts = append(opts, messaging.WithBcc(util.SplitList(config.ArchiveBcc)...))
	}
	return opts
}

// buildRedcapOptions constructs REDCap client options
func buildRedcapOptions(config Config) []redcap.Option {
	opts := []redcap.Option{redcap.WithBaseURL(config.RedcapURL)}
	for _, v := range models.Versions {
		if token := config.RedcapTokens[v]; token != "" {
			opts = append(opts, redcap.WithToken(v, token))
		}
	}
	return opts
}

func logReport(r *distribution.Report) {
	for _, v := range models.Versions {
		a := r.Statuses[v]
		for _, st := range models.Stages {
			if ids := a.IDs(st); len(ids) > 0 {
				slog.Info("status", "run_id", r.RunID, "status", models.StatusKey{Version: v, Stage: st}, "ids", ids)
			}
		}
		if ids := r.Returned[v]; len(ids) > 0 {
			slog.Info("newly returned", "run_id", r.RunID, "version", v, "ids", ids)
		}
	}
	for _, f := range r.Failures {
		slog.Warn("not contacted", "run_id", r.RunID, "subject_id", f.SubjectID, "status", f.Key, "error", f.Err)
	}
	slog.Info("distribution report", "run_id", r.RunID, "dry_run", r.DryRun, "excluded", r.Excluded,
		"planned", r.Planned, "sent", r.Sent, "failed", len(r.Failures), "epds_followups", len(r.EPDSFollowups))
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
