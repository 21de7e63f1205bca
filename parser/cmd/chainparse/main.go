package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/polygonetl/chainparse/parser/pkg/builder"
	"github.com/polygonetl/chainparse/parser/pkg/clickhouse"
	"github.com/polygonetl/chainparse/parser/pkg/dag"
	"github.com/polygonetl/chainparse/parser/pkg/definition"
	"github.com/polygonetl/chainparse/parser/pkg/metrics"
	"github.com/polygonetl/chainparse/parser/pkg/notify"
	"github.com/polygonetl/chainparse/parser/pkg/parse"
	"github.com/polygonetl/chainparse/parser/pkg/runner"
	"github.com/polygonetl/chainparse/parser/pkg/scheduler"
	"github.com/polygonetl/chainparse/parser/pkg/server"
	"github.com/polygonetl/chainparse/parser/pkg/signals"
	"github.com/polygonetl/chainparse/parser/pkg/warehouse"
	"github.com/polygonetl/chainparse/utils/pkg/logger"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr      = "0.0.0.0:8080"
	defaultDefinitionsPath = "dags/resources/stages/parse/table_definitions"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	logLevelFlag := flag.String("log-level", "info", "log level: debug, info, warn, error (or set LOG_LEVEL env var)")
	envFileFlag := flag.String("env-file", ".env", "load environment variables from this file if it exists")

	// Definitions
	definitionsFlag := flag.String("definitions", defaultDefinitionsPath, "directory holding one folder per dataset (or set DEFINITIONS_DIR env var)")
	definitionsS3Flag := flag.String("definitions-s3-uri", "", "mirror definitions from s3://bucket/prefix into --definitions before loading (or set DEFINITIONS_S3_URI env var)")

	// Workflow configuration
	chainFlag := flag.String("chain", builder.DefaultChain, "chain name, prefixes dag ids and datasets (or set CHAIN env var)")
	sourceDatabaseFlag := flag.String("source-database", parse.DefaultSourceDatabase, "database holding the raw logs and traces tables (or set SOURCE_DATABASE env var)")
	emailsFlag := flag.String("notification-emails", "", "comma separated failure notification emails (or set NOTIFICATION_EMAILS env var)")
	parseAllPartitionsFlag := flag.Bool("parse-all-partitions", false, "reparse every partition; dag ids get a _FULL suffix (or set PARSE_ALL_PARTITIONS=true env var)")

	// ClickHouse configuration
	clickhouseAddrFlag := flag.String("clickhouse-addr", "", "ClickHouse address (host:port) (or set CLICKHOUSE_ADDR_TCP env var)")
	clickhouseDatabaseFlag := flag.String("clickhouse-database", clickhouse.DefaultDatabase, "ClickHouse database for task markers (or set CLICKHOUSE_DATABASE env var)")
	clickhouseUsernameFlag := flag.String("clickhouse-username", "default", "ClickHouse username (or set CLICKHOUSE_USERNAME env var)")
	clickhousePasswordFlag := flag.String("clickhouse-password", "", "ClickHouse password (or set CLICKHOUSE_PASSWORD env var)")
	clickhouseSecureFlag := flag.Bool("clickhouse-secure", false, "Enable TLS for ClickHouse Cloud (or set CLICKHOUSE_SECURE=true env var)")

	// Notifications
	slackTokenFlag := flag.String("slack-token", "", "Slack bot token for failure alerts (or set SLACK_BOT_TOKEN env var)")
	slackChannelFlag := flag.String("slack-channel", "", "Slack channel for failure alerts (or set SLACK_CHANNEL env var)")
	sentryDSNFlag := flag.String("sentry-dsn", "", "Sentry DSN for failure reports (or set SENTRY_DSN env var)")

	// Execution
	concurrencyFlag := flag.Int("concurrency", 4, "maximum tasks running at once")
	startRateFlag := flag.Float64("start-rate", 0, "maximum task starts per second, 0 means unlimited")
	listenAddrFlag := flag.String("listen-addr", defaultListenAddr, "HTTP listen address for --serve")
	checkIntervalFlag := flag.Duration("check-interval", 30*time.Second, "how often schedules are evaluated in --serve")

	// Commands
	listFlag := flag.Bool("list", false, "List the parse dags built from the definitions")
	printFlag := flag.String("print", "", "Print the task graph of a dag")
	runFlag := flag.Bool("run", false, "Run one dag for --ds")
	dagFlag := flag.String("dag", "", "dag id for --run")
	dsFlag := flag.String("ds", "", "execution date (YYYY-MM-DD) for --run")
	serveFlag := flag.Bool("serve", false, "Schedule every dag daily and serve the HTTP API")
	clickhouseMigrateFlag := flag.Bool("clickhouse-migrate", false, "Run ClickHouse database migrations using goose")
	clickhouseMigrateStatusFlag := flag.Bool("clickhouse-migrate-status", false, "Show ClickHouse database migration status")

	flag.Parse()

	if err := godotenv.Load(*envFileFlag); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to load %s: %w", *envFileFlag, err)
	}

	if envLogLevel := os.Getenv("LOG_LEVEL"); envLogLevel != "" {
		*logLevelFlag = envLogLevel
	}
	level, err := logger.ParseLevel(*logLevelFlag)
	if err != nil {
		return err
	}
	if *verboseFlag {
		level = slog.LevelDebug
	}
	log := logger.NewWithOptions(logger.Options{Level: level})

	// Override flags with environment variables if set
	if v := os.Getenv("DEFINITIONS_DIR"); v != "" {
		*definitionsFlag = v
	}
	if v := os.Getenv("DEFINITIONS_S3_URI"); v != "" {
		*definitionsS3Flag = v
	}
	if v := os.Getenv("CHAIN"); v != "" {
		*chainFlag = v
	}
	if v := os.Getenv("SOURCE_DATABASE"); v != "" {
		*sourceDatabaseFlag = v
	}
	if v := os.Getenv("NOTIFICATION_EMAILS"); v != "" {
		*emailsFlag = v
	}
	if os.Getenv("PARSE_ALL_PARTITIONS") == "true" {
		*parseAllPartitionsFlag = true
	}
	if v := os.Getenv("CLICKHOUSE_ADDR_TCP"); v != "" {
		*clickhouseAddrFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_DATABASE"); v != "" {
		*clickhouseDatabaseFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_USERNAME"); v != "" {
		*clickhouseUsernameFlag = v
	}
	if v := os.Getenv("CLICKHOUSE_PASSWORD"); v != "" {
		*clickhousePasswordFlag = v
	}
	if os.Getenv("CLICKHOUSE_SECURE") == "true" {
		*clickhouseSecureFlag = true
	}
	if v := os.Getenv("SLACK_BOT_TOKEN"); v != "" {
		*slackTokenFlag = v
	}
	if v := os.Getenv("SLACK_CHANNEL"); v != "" {
		*slackChannelFlag = v
	}
	if v := os.Getenv("SENTRY_DSN"); v != "" {
		*sentryDSNFlag = v
	}

	chCfg := clickhouse.Config{
		Addr:     *clickhouseAddrFlag,
		Database: *clickhouseDatabaseFlag,
		Username: *clickhouseUsernameFlag,
		Password: *clickhousePasswordFlag,
		Secure:   *clickhouseSecureFlag,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *clickhouseMigrateFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate")
		}
		return clickhouse.RunMigrations(ctx, log, chCfg)
	}

	if *clickhouseMigrateStatusFlag {
		if *clickhouseAddrFlag == "" {
			return fmt.Errorf("--clickhouse-addr is required for --clickhouse-migrate-status")
		}
		return clickhouse.MigrationStatus(ctx, log, chCfg)
	}

	if *definitionsS3Flag != "" {
		if err := syncDefinitions(ctx, log, *definitionsS3Flag, *definitionsFlag); err != nil {
			return err
		}
	}

	builderCfg := builder.Config{
		Logger:             log,
		Chain:              *chainFlag,
		NotificationEmails: *emailsFlag,
		ParseAllPartitions: *parseAllPartitionsFlag,
	}

	// Inspection commands only need the definitions.
	if *listFlag || *printFlag != "" {
		dags, err := builder.BuildAll(builderCfg, *definitionsFlag)
		if err != nil {
			return err
		}
		if *listFlag {
			for _, d := range dags {
				fmt.Printf("%s\t%s\t%d tasks\n", d.ID, d.Schedule, len(d.Tasks))
			}
			return nil
		}
		d, err := findDAG(dags, *printFlag)
		if err != nil {
			return err
		}
		fmt.Print(d.OutputGraph())
		return nil
	}

	if !*runFlag && !*serveFlag {
		flag.Usage()
		return nil
	}

	if *clickhouseAddrFlag == "" {
		return fmt.Errorf("--clickhouse-addr is required for --run and --serve")
	}

	chClient, err := clickhouse.NewClient(ctx, log, chCfg)
	if err != nil {
		return err
	}
	defer chClient.Close()

	parser, err := parse.NewClickHouseParser(parse.Config{
		Logger:         log,
		ClickHouse:     chClient,
		Chain:          *chainFlag,
		SourceDatabase: *sourceDatabaseFlag,
	})
	if err != nil {
		return err
	}
	wh, err := warehouse.NewClient(warehouse.Config{Logger: log, ClickHouse: chClient})
	if err != nil {
		return err
	}
	clock := clockwork.NewRealClock()
	markers, err := signals.NewStore(signals.StoreConfig{Logger: log, ClickHouse: chClient, Clock: clock})
	if err != nil {
		return err
	}

	builderCfg.Parser = parser
	builderCfg.Warehouse = wh
	builderCfg.Signals = markers
	dags, err := builder.BuildAll(builderCfg, *definitionsFlag)
	if err != nil {
		return err
	}
	metrics.DAGsLoaded.Set(float64(len(dags)))

	notifier, flushSentry, err := newNotifier(log, *slackTokenFlag, *slackChannelFlag, *sentryDSNFlag)
	if err != nil {
		return err
	}
	defer flushSentry()

	startRate := rate.Inf
	if *startRateFlag > 0 {
		startRate = rate.Limit(*startRateFlag)
	}
	r, err := runner.New(runner.Config{
		Logger:      log,
		Clock:       clock,
		Concurrency: *concurrencyFlag,
		StartRate:   startRate,
		Markers:     markers,
		Notifier:    notifier,
	})
	if err != nil {
		return err
	}

	if *runFlag {
		if *dagFlag == "" || *dsFlag == "" {
			return fmt.Errorf("--dag and --ds are required for --run")
		}
		executionDate, err := time.Parse(time.DateOnly, *dsFlag)
		if err != nil {
			return fmt.Errorf("invalid --ds %q (use YYYY-MM-DD): %w", *dsFlag, err)
		}
		d, err := findDAG(dags, *dagFlag)
		if err != nil {
			return err
		}
		res, err := r.Run(ctx, d, executionDate)
		if res != nil {
			for _, id := range d.TaskIDs() {
				if tr, ok := res.Tasks[id]; ok {
					fmt.Printf("%-40s %-16s attempts=%d %s\n", id, tr.State, tr.Attempts, tr.Duration.Round(time.Millisecond))
				}
			}
		}
		return err
	}

	metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)

	sched, err := scheduler.New(scheduler.Config{
		Logger:        log,
		Clock:         clock,
		Runner:        r,
		DAGs:          func() []*dag.DAG { return dags },
		CheckInterval: *checkIntervalFlag,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	srv, err := server.New(server.Config{
		Logger:      log,
		ListenAddr:  *listenAddrFlag,
		VersionInfo: server.VersionInfo{Version: version, Commit: commit, Date: date},
		DAGs:        func() []*dag.DAG { return dags },
		Ready: func(ctx context.Context) error {
			conn, err := chClient.Conn(ctx)
			if err != nil {
				return err
			}
			var one uint8
			return conn.QueryRow(ctx, "SELECT 1").Scan(&one)
		},
		Trigger: func(_ context.Context, d *dag.DAG, executionDate time.Time) error {
			return sched.Trigger(gctx, d, executionDate)
		},
	})
	if err != nil {
		return err
	}

	g.Go(func() error {
		sched.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return srv.Run(gctx)
	})
	err = g.Wait()

	log.Info("waiting for active runs to finish")
	sched.Wait()
	return err
}

func findDAG(dags []*dag.DAG, id string) (*dag.DAG, error) {
	i := slices.IndexFunc(dags, func(d *dag.DAG) bool { return d.ID == id })
	if i < 0 {
		return nil, fmt.Errorf("dag %s not found", id)
	}
	return dags[i], nil
}

func syncDefinitions(ctx context.Context, log *slog.Logger, uri, dest string) error {
	bucket, prefix, err := definition.ParseS3URI(uri)
	if err != nil {
		return err
	}
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("failed to load aws config: %w", err)
	}
	if _, err := definition.SyncFromS3(ctx, log, s3.NewFromConfig(awsCfg), bucket, prefix, dest); err != nil {
		return err
	}
	return nil
}

// newNotifier always logs failures and adds Slack and Sentry when
// configured. The returned func flushes buffered Sentry events.
func newNotifier(log *slog.Logger, slackToken, slackChannel, sentryDSN string) (notify.Notifier, func(), error) {
	notifiers := notify.Multi{&notify.LogNotifier{Log: log}}
	flush := func() {}

	if slackToken != "" {
		slackNotifier, err := notify.NewSlackNotifier(notify.SlackConfig{
			Logger:  log,
			Token:   slackToken,
			Channel: slackChannel,
		})
		if err != nil {
			return nil, nil, err
		}
		notifiers = append(notifiers, slackNotifier)
	}

	if sentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     sentryDSN,
			Release: version,
		}); err != nil {
			return nil, nil, fmt.Errorf("failed to init sentry: %w", err)
		}
		notifiers = append(notifiers, notify.NewSentryNotifier(nil))
		flush = func() { sentry.Flush(2 * time.Second) }
	}

	return notifiers, flush, nil
}
