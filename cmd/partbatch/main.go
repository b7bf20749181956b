package main

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/partbatch/partbatch/batch"
	"github.com/partbatch/partbatch/dispatch/redisstream"
	"github.com/partbatch/partbatch/launcher"
	"github.com/partbatch/partbatch/remote"
	"github.com/partbatch/partbatch/repository/postgres"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli"
	"golang.org/x/xerrors"
)

var (
	appName = "partbatch"
	appSha  = "populated-at-link-time"
	logger  *logrus.Entry
)

func main() {
	host, _ := os.Hostname()
	rootLogger := logrus.New()
	rootLogger.SetFormatter(new(logrus.JSONFormatter))
	logger = rootLogger.WithFields(logrus.Fields{
		"app":  appName,
		"sha":  appSha,
		"host": host,
	})

	if err := makeApp().Run(os.Args); err != nil {
		logger.WithField("err", err).Error("shutting down due to error")
		_ = os.Stderr.Sync()
		os.Exit(1)
	}
}

func makeApp() *cli.App {
	app := cli.NewApp()
	app.Name = appName
	app.Version = appSha
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:   "mode",
			EnvVar: "MODE",
			Usage:  "The operation mode to use (manager, worker or migrate)",
		},
		cli.StringFlag{
			Name:   "pg-dsn",
			EnvVar: "PG_DSN",
			Usage:  "The URI for connecting to the postgres job repository",
		},
		cli.StringFlag{
			Name:   "redis-addr",
			EnvVar: "REDIS_ADDR",
			Value:  "localhost:6379",
			Usage:  "The address of the redis server that hosts the dispatch queues (manager and worker modes)",
		},
		cli.StringFlag{
			Name:   "consumer-group",
			EnvVar: "CONSUMER_GROUP",
			Value:  "partbatch",
			Usage:  "The redis consumer group for reading from the dispatch queues (manager and worker modes)",
		},
		cli.DurationFlag{
			Name:   "claim-min-idle",
			EnvVar: "CLAIM_MIN_IDLE",
			Value:  time.Minute,
			Usage:  "The idle time after which a pending message of an unresponsive consumer is redelivered (manager and worker modes)",
		},
		cli.StringFlag{
			Name:   "job-file",
			EnvVar: "JOB_FILE",
			Usage:  "An optional YAML file with the job settings; flags that are explicitly set take precedence",
		},
		cli.StringFlag{
			Name:   "csv-file",
			EnvVar: "CSV_FILE",
			Usage:  "The id,email CSV file to import",
		},
		cli.StringFlag{
			Name:   "requests-queue",
			EnvVar: "REQUESTS_QUEUE",
			Usage:  "The queue for partition requests",
		},
		cli.StringFlag{
			Name:   "replies-queue",
			EnvVar: "REPLIES_QUEUE",
			Usage:  "The queue for partition replies",
		},
		cli.IntFlag{
			Name:   "grid-size",
			EnvVar: "GRID_SIZE",
			Usage:  "The number of partitions to split the import into (manager mode)",
		},
		cli.IntFlag{
			Name:   "chunk-size",
			EnvVar: "CHUNK_SIZE",
			Usage:  "The number of records committed per transaction (worker mode)",
		},
		cli.DurationFlag{
			Name:   "partition-timeout",
			EnvVar: "PARTITION_TIMEOUT",
			Usage:  "The time to wait for partition replies; 0 waits indefinitely (manager mode)",
		},
		cli.BoolFlag{
			Name:   "validate-emails",
			EnvVar: "VALIDATE_EMAILS",
			Usage:  "Skip records with an invalid email address (worker mode)",
		},
		cli.StringFlag{
			Name:   "run-id",
			EnvVar: "RUN_ID",
			Usage:  "An identifying job parameter; reusing the id of a failed run resumes it (manager mode)",
		},
		cli.IntFlag{
			Name:   "reply-workers",
			EnvVar: "REPLY_WORKERS",
			Value:  4,
			Usage:  "The number of replies to process concurrently (manager mode)",
		},
		cli.IntFlag{
			Name:   "worker-concurrency",
			EnvVar: "WORKER_CONCURRENCY",
			Value:  runtime.NumCPU(),
			Usage:  "The number of partitions to execute concurrently (worker mode)",
		},
		cli.IntFlag{
			Name:   "metrics-port",
			EnvVar: "METRICS_PORT",
			Value:  9090,
			Usage:  "The port for exposing prometheus metrics",
		},
	}
	app.Action = runMain
	return app
}

func runMain(appCtx *cli.Context) error {
	ctx, cancelFn := context.WithCancel(context.Background())
	defer cancelFn()
	logger := logger.WithField("mode", appCtx.String("mode"))

	// Start signal watcher
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGHUP, syscall.SIGTERM)
		select {
		case s := <-sigCh:
			logger.WithField("signal", s.String()).Infof("shutting down due to signal")
			cancelFn()
		case <-ctx.Done():
		}
	}()

	if appCtx.String("pg-dsn") == "" {
		return xerrors.Errorf("postgres DSN not specified")
	}
	repo, err := postgres.NewPostgresRepository(appCtx.String("pg-dsn"))
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close() }()

	if appCtx.String("mode") == "migrate" {
		if err = postgres.Migrate(repo.DB()); err != nil {
			return err
		}
		logger.Info("job repository schema is up to date")
		return nil
	}

	settings, err := jobSettingsFromContext(appCtx)
	if err != nil {
		return err
	}

	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{appCtx.String("redis-addr")}})
	defer func() { _ = rdb.Close() }()
	ch, err := redisstream.NewChannel(redisstream.Config{
		Client:       rdb,
		Group:        appCtx.String("consumer-group"),
		ClaimMinIdle: appCtx.Duration("claim-min-idle"),
		Logger:       logger.WithField("component", "redisstream"),
	})
	if err != nil {
		return err
	}
	defer func() { _ = ch.Close() }()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metricsSrv, err := newMetricsServer(appCtx.Int("metrics-port"), registry, logger)
	if err != nil {
		return err
	}
	defer func() { _ = metricsSrv.listener.Close() }()

	var group Group
	switch appCtx.String("mode") {
	case "manager":
		mgr, err := remote.NewManager(remote.ManagerConfig{
			Repository:       repo,
			Channel:          ch,
			Queues:           settings.Queues,
			Partitioner:      importPartitioner(settings.CSVFile),
			GridSize:         settings.GridSize,
			PartitionTimeout: settings.PartitionTimeout,
			ReplyWorkers:     appCtx.Int("reply-workers"),
			Registerer:       registry,
			Logger:           logger.WithField("component", "manager"),
		})
		if err != nil {
			return err
		}
		l, err := launcher.NewLauncher(launcher.Config{
			Repository: repo,
			Registerer: registry,
			Logger:     logger.WithField("component", "launcher"),
		})
		if err != nil {
			return err
		}

		group = Group{
			serviceFunc{name: "manager", run: mgr.Run},
			&jobRunner{
				launcher: l,
				job: launcher.Job{
					Name: jobName,
					Steps: []launcher.Step{
						{Name: setupStep, Local: setupStepDefinition(repo.DB())},
						{Name: importStep, Partitioned: mgr},
					},
				},
				params: batch.Parameters{
					"csv_file": settings.CSVFile,
					"run_id":   appCtx.String("run-id"),
				},
				logger: logger,
			},
			metricsSrv,
		}
	case "worker":
		w, err := remote.NewWorker(remote.WorkerConfig{
			Repository: repo,
			Channel:    ch,
			Queues:     settings.Queues,
			Steps: remote.StepRegistry{
				importStep: importStepFactory(repo.DB(), settings),
			},
			Concurrency: appCtx.Int("worker-concurrency"),
			Registerer:  registry,
			Logger:      logger.WithField("component", "worker"),
		})
		if err != nil {
			return err
		}
		group = Group{
			serviceFunc{name: "worker", run: w.Run},
			metricsSrv,
		}
	default:
		return xerrors.Errorf("unsupported mode %q; please specify one of: manager, worker, migrate", appCtx.String("mode"))
	}

	start := time.Now()
	err = group.Run(ctx)
	logger.WithField("elapsed", time.Since(start).String()).Info("shut down complete")
	return err
}

// jobSettingsFromContext loads the job file and applies any explicitly set
// flag on top of it.
func jobSettingsFromContext(appCtx *cli.Context) (jobSettings, error) {
	settings, err := loadSettings(appCtx.String("job-file"))
	if err != nil {
		return settings, err
	}

	if appCtx.IsSet("csv-file") {
		settings.CSVFile = appCtx.String("csv-file")
	}
	if appCtx.IsSet("requests-queue") {
		settings.Queues.Requests = appCtx.String("requests-queue")
	}
	if appCtx.IsSet("replies-queue") {
		settings.Queues.Replies = appCtx.String("replies-queue")
	}
	if appCtx.IsSet("grid-size") {
		settings.GridSize = appCtx.Int("grid-size")
	}
	if appCtx.IsSet("chunk-size") {
		settings.ChunkSize = appCtx.Int("chunk-size")
	}
	if appCtx.IsSet("partition-timeout") {
		settings.PartitionTimeout = appCtx.Duration("partition-timeout")
	}
	if appCtx.IsSet("validate-emails") {
		settings.ValidateEmails = appCtx.Bool("validate-emails")
	}

	if err = settings.Validate(); err != nil {
		return settings, xerrors.Errorf("job settings: %w", err)
	}
	return settings, nil
}
