package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/automail/engine/internal/api"
	"github.com/automail/engine/internal/config"
	"github.com/automail/engine/internal/database"
	"github.com/automail/engine/internal/engine"
	"github.com/automail/engine/internal/metrics"
	"github.com/automail/engine/internal/websocket"
	"github.com/automail/engine/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	_ "github.com/mattn/go-sqlite3"
)

var configPath string

// NewRootCommand builds the automail command tree.
func NewRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "automail",
		Short: "Email-automation job engine",
		Long:  "Drives multi-step marketing workflows from a durable job queue to completion.",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(newServeCommand())
	root.AddCommand(newProcessCommand())
	root.AddCommand(newStatusCommand())
	return root
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	if configPath == "" {
		cfg := config.Default()
		if secret := os.Getenv("ENGINE_SECRET"); secret != "" {
			cfg.Engine.Secret = secret
		}
		return cfg, nil
	}
	return config.Load(configPath)
}

// runtime bundles the wired components shared by the serve and process
// commands.
type runtime struct {
	cfg       *config.Config
	db        *database.DB
	engine    *engine.Engine
	wsManager *websocket.Manager
	registry  *prometheus.Registry
}

func buildRuntime() (*runtime, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	db, err := database.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.InitSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	log.Printf("[INIT] database ready path=%s", cfg.Database.Path)

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	var transport engine.Transport
	if cfg.SMTP.Host != "" {
		transport = &engine.SMTPTransport{
			Addr:     fmt.Sprintf("%s:%d", cfg.SMTP.Host, cfg.SMTP.Port),
			Host:     cfg.SMTP.Host,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
		}
		log.Printf("[INIT] smtp transport host=%s", cfg.SMTP.Host)
	} else {
		transport = &engine.LogTransport{}
		log.Printf("[INIT] log transport (no smtp host configured)")
	}

	deliverer := engine.NewDeliverer(db, transport, engine.DeliveryOptions{
		From:         cfg.Email.From,
		ReplyTo:      cfg.Email.ReplyTo,
		TestOverride: cfg.Email.TestOverride,
		Production:   cfg.IsProduction(),
	})

	wsManager := websocket.New(db)

	eng := engine.New(db, deliverer, &engine.StoreEvaluator{DB: db}, m, engine.Options{
		BaseURL:       cfg.App.BaseURL,
		BatchSize:     cfg.Engine.BatchSize,
		MaxJobsPerRun: cfg.Engine.MaxJobsPerRun,
		LeaseDuration: cfg.Engine.LeaseDuration.Std(),
		OnEvent:       wsManager.Broadcast,
	})

	return &runtime{cfg: cfg, db: db, engine: eng, wsManager: wsManager, registry: registry}, nil
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the periodic dispatch runner",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.db.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			runner := worker.New(rt.engine, rt.cfg.Engine.PollInterval.Std())
			go runner.Start(ctx)

			server := api.NewServer(rt.db, rt.engine, rt.cfg.Engine.Secret, rt.wsManager,
				promhttp.HandlerFor(rt.registry, promhttp.HandlerOpts{}))
			mux := http.NewServeMux()
			server.SetupRoutes(mux)

			httpServer := &http.Server{Addr: rt.cfg.HTTP.Addr, Handler: mux}
			go func() {
				<-ctx.Done()
				httpServer.Shutdown(context.Background())
			}()

			log.Printf("[INIT] server listening on %s", rt.cfg.HTTP.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
}

func newProcessCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "process",
		Short: "Run one dispatch batch and exit (cron friendly)",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.db.Close()

			summary, err := rt.engine.ProcessJobs(cmd.Context())
			if err != nil {
				return fmt.Errorf("dispatch run: %w", err)
			}
			fmt.Printf("processed %d jobs (%d failed)\n", summary.ProcessedJobs, summary.FailedJobs)
			return nil
		},
	}
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and the last dispatch run",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildRuntime()
			if err != nil {
				return err
			}
			defer rt.db.Close()

			qm, err := rt.db.GetQueueMetrics()
			if err != nil {
				return fmt.Errorf("queue metrics: %w", err)
			}
			fmt.Printf("jobs: total=%d pending=%d due=%d processing=%d completed=%d failed=%d\n",
				qm.TotalJobs, qm.PendingJobs, qm.DueJobs, qm.ProcessingJobs, qm.CompletedJobs, qm.FailedJobs)
			fmt.Printf("emails sent: %d\n", qm.EmailsSent)

			lastRun, err := rt.db.LastEngineRun()
			if errors.Is(err, sql.ErrNoRows) {
				fmt.Println("last run: never")
				return nil
			}
			if err != nil {
				return fmt.Errorf("run history: %w", err)
			}
			fmt.Printf("last run: processed=%d failed=%d finished=%s\n",
				lastRun.ProcessedJobs, lastRun.FailedJobs, lastRun.FinishedAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
}
