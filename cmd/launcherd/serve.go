package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/sarahmk125/dagster/internal/api"
	"github.com/sarahmk125/dagster/internal/k8s"
	"github.com/sarahmk125/dagster/internal/launcher"
	"github.com/sarahmk125/dagster/internal/metrics"
	"github.com/sarahmk125/dagster/internal/monitor"
	"github.com/sarahmk125/dagster/internal/mq"
	"github.com/sarahmk125/dagster/internal/origin"
	"github.com/sarahmk125/dagster/internal/platform/auditlog"
	"github.com/sarahmk125/dagster/internal/platform/env"
	"github.com/sarahmk125/dagster/internal/platform/httpserver"
	"github.com/sarahmk125/dagster/internal/platform/objectstore"
	"github.com/sarahmk125/dagster/internal/platform/postgres"
	"github.com/sarahmk125/dagster/internal/runstore"
	runstorepg "github.com/sarahmk125/dagster/internal/runstore/postgres"

	minio "github.com/minio/minio-go/v7"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the launcher daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	addr := env.String("LAUNCHER_HTTP_ADDR", ":8084")
	shutdownTimeout, err := env.Duration("LAUNCHER_SHUTDOWN_TIMEOUT", 10*time.Second)
	if err != nil {
		return fmt.Errorf("invalid env: %w", err)
	}

	// Run store: postgres in real deployments, memory for local development.
	var (
		store runstore.Store
		db    *sql.DB
	)
	storeMode := strings.ToLower(strings.TrimSpace(env.String("LAUNCHER_STORE", "postgres")))
	switch storeMode {
	case "postgres":
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return fmt.Errorf("invalid database config: %w", err)
		}
		db, err = postgres.Open(ctx, dbCfg)
		if err != nil {
			return fmt.Errorf("database unavailable: %w", err)
		}
		defer func() { _ = db.Close() }()
		store = runstorepg.NewStore(db)
	case "memory":
		logger.Warn("using in-memory run store; state will not survive a restart")
		store = runstore.NewMemoryStore()
	default:
		return fmt.Errorf("unsupported run store: %q", storeMode)
	}

	var origins origin.Store
	if db != nil {
		origins = origin.NewPostgresStore(db)
	} else {
		origins = origin.NewStaticStore(nil)
	}

	// Substrate client.
	var substrate *k8s.Client
	k8sMode := strings.ToLower(strings.TrimSpace(env.String("LAUNCHER_K8S_MODE", "in-cluster")))
	switch k8sMode {
	case "in-cluster":
		substrate, err = k8s.NewInClusterClient()
		if err != nil {
			return fmt.Errorf("k8s client init failed: %w", err)
		}
	case "external":
		caFile := env.String("LAUNCHER_K8S_CA_FILE", "")
		var caPEM []byte
		if caFile != "" {
			caPEM, err = os.ReadFile(caFile)
			if err != nil {
				return fmt.Errorf("read k8s ca file: %w", err)
			}
		}
		substrate, err = k8s.NewClient(k8s.ClientConfig{
			BaseURL:     env.String("LAUNCHER_K8S_API_URL", ""),
			BearerToken: env.String("LAUNCHER_K8S_TOKEN", ""),
			Namespace:   env.String("LAUNCHER_K8S_NAMESPACE", "default"),
			CACertPEM:   caPEM,
		})
		if err != nil {
			return fmt.Errorf("k8s client init failed: %w", err)
		}
	default:
		return fmt.Errorf("unsupported k8s mode: %q", k8sMode)
	}

	launchCfg, err := launcher.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("invalid launcher config: %w", err)
	}
	if strings.TrimSpace(launchCfg.Namespace) == "" {
		launchCfg.Namespace = substrate.Namespace()
	}
	if err := launchCfg.Validate(); err != nil {
		return fmt.Errorf("invalid launcher config: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	var audit *auditlog.Recorder
	if db != nil {
		audit = auditlog.NewRecorder(db)
	}

	runLauncher, err := launcher.New(launchCfg, launcher.Deps{
		Store:     store,
		Origins:   origins,
		Substrate: substrate,
		Logger:    logger,
		Audit:     audit,
		Metrics:   m,
	})
	if err != nil {
		return fmt.Errorf("launcher init failed: %w", err)
	}

	// Optional worker log archival.
	var (
		archive     monitor.Archiver
		minioClient *minio.Client
		minioCfg    objectstore.Config
	)
	archiveEnabled, err := env.Bool("LAUNCHER_RUN_LOG_ARCHIVE_ENABLED", false)
	if err != nil {
		return fmt.Errorf("invalid env: %w", err)
	}
	if archiveEnabled {
		minioCfg, err = objectstore.ConfigFromEnv()
		if err != nil {
			return fmt.Errorf("invalid object store config: %w", err)
		}
		minioClient, err = objectstore.NewMinIOClient(minioCfg)
		if err != nil {
			return fmt.Errorf("object store client init failed: %w", err)
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = objectstore.EnsureBucket(startupCtx, minioClient, minioCfg)
		cancel()
		if err != nil {
			return fmt.Errorf("object store unavailable: %w", err)
		}
		archive = &runLogArchiver{client: minioClient, bucket: minioCfg.BucketRunLogs}
	}

	monitorCfg, err := monitor.ConfigFromEnv()
	if err != nil {
		return fmt.Errorf("invalid monitor config: %w", err)
	}
	runMonitor, err := monitor.New(monitorCfg, monitor.Deps{
		Store:   store,
		Health:  runLauncher,
		Logs:    substrate,
		Archive: archive,
		Audit:   audit,
		Logger:  logger,
		Metrics: m,
	})
	if err != nil {
		return fmt.Errorf("monitor init failed: %w", err)
	}
	go runMonitor.Start(ctx)

	// Optional launch queue.
	var publisher *mq.Publisher
	if url := mq.URLFromEnv(); url != "" {
		conn, err := mq.NewConnection(url, logger)
		if err != nil {
			return fmt.Errorf("message broker unavailable: %w", err)
		}
		defer func() { _ = conn.Close() }()
		if err := mq.SetupTopology(conn); err != nil {
			return fmt.Errorf("broker topology setup failed: %w", err)
		}
		publisher = mq.NewPublisher(conn, logger)

		consumer := mq.NewConsumer(conn, logger, func(ctx context.Context, msg mq.LaunchMessage) error {
			err := runLauncher.Launch(ctx, msg.RunID)
			switch {
			case err == nil:
				runMonitor.Wake()
				return nil
			case errors.Is(err, runstore.ErrNotFound),
				errors.Is(err, launcher.ErrRunNotLaunchable):
				// Stale wakeup; nothing to retry.
				logger.Warn("dropping stale launch wakeup", "run_id", msg.RunID, "error", err)
				return nil
			default:
				return err
			}
		}, 4)
		go func() {
			if err := consumer.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("launch consumer stopped", "error", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", httpserver.Healthz("launcherd"))

	readiness := []httpserver.ReadinessCheck{{
		Name: "kubernetes",
		Check: func(ctx context.Context) error {
			checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
			defer cancel()
			_, err := substrate.ListJobs(checkCtx, launchCfg.Namespace, "app.kubernetes.io/name=dagster")
			return err
		},
	}}
	if db != nil {
		readiness = append(readiness, httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return db.PingContext(checkCtx)
			},
		})
	}
	if minioClient != nil {
		readiness = append(readiness, httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				_, err := minioClient.BucketExists(checkCtx, minioCfg.BucketRunLogs)
				return err
			},
		})
	}
	mux.HandleFunc("/readyz", httpserver.ReadyzWithChecks("launcherd", readiness...))
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	var requests api.LaunchRequester
	if publisher != nil {
		requests = publisher
	}
	api.New(logger, store, runLauncher, requests, runMonitor).Register(mux)

	handler := httpserver.Wrap(logger, "launcherd", mux)
	err = httpserver.Run(ctx, logger, httpserver.Config{
		Service:         "launcherd",
		Addr:            addr,
		ShutdownTimeout: shutdownTimeout,
	}, handler)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	<-runMonitor.Done()
	return nil
}

// runLogArchiver stores terminal worker logs in the run logs bucket.
type runLogArchiver struct {
	client *minio.Client
	bucket string
}

func (a *runLogArchiver) PutRunLog(ctx context.Context, runID string, logs []byte) error {
	return objectstore.PutRunLog(ctx, a.client, a.bucket, runID, logs)
}
